package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"instabot/internal/engine"
	logx "instabot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const actionsKeep = 5000

const (
	scopeDaily   = "daily"
	scopeSession = "session"
	scopeTotal   = "total"
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	closed     atomic.Bool
	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) ready() error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (s *sqliteStore) Persist(ctx context.Context, snap engine.Snapshot) (err error) {
	if err := s.ready(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO snapshot(id, session_id, started_at, updated_at, window_start, errors, blocks)
		 VALUES(1,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   session_id=excluded.session_id, started_at=excluded.started_at,
		   updated_at=excluded.updated_at, window_start=excluded.window_start,
		   errors=excluded.errors, blocks=excluded.blocks`,
		snap.SessionID, fmtTime(snap.StartedAt), fmtTime(snap.UpdatedAt), fmtTime(snap.Window),
		snap.Errors, snap.Blocks,
	)
	if err != nil {
		return err
	}
	for _, sc := range []struct {
		scope  string
		counts engine.Counts
	}{
		{scopeDaily, snap.Daily},
		{scopeSession, snap.Session},
		{scopeTotal, snap.Totals},
	} {
		for _, k := range engine.Kinds() {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO counters(scope, kind, n) VALUES(?,?,?)
				 ON CONFLICT(scope, kind) DO UPDATE SET n=excluded.n`,
				sc.scope, k.String(), sc.counts.Get(k),
			)
			if err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Load(ctx context.Context) (engine.Snapshot, bool, error) {
	if err := s.ready(); err != nil {
		return engine.Snapshot{}, false, err
	}
	var (
		snap                        engine.Snapshot
		startedAt, updatedAt, winAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, started_at, updated_at, window_start, errors, blocks FROM snapshot WHERE id = 1`,
	).Scan(&snap.SessionID, &startedAt, &updatedAt, &winAt, &snap.Errors, &snap.Blocks)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Snapshot{}, false, nil
	}
	if err != nil {
		return engine.Snapshot{}, false, err
	}
	if snap.StartedAt, err = parseTime(startedAt); err != nil {
		return engine.Snapshot{}, false, err
	}
	if snap.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return engine.Snapshot{}, false, err
	}
	if snap.Window, err = parseTime(winAt); err != nil {
		return engine.Snapshot{}, false, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT scope, kind, n FROM counters`)
	if err != nil {
		return engine.Snapshot{}, false, err
	}
	defer rows.Close()
	for rows.Next() {
		var scope, kind string
		var n int
		if err := rows.Scan(&scope, &kind, &n); err != nil {
			return engine.Snapshot{}, false, err
		}
		// Rows for kinds that no longer exist are skipped.
		k, err := engine.ParseActionKind(kind)
		if err != nil {
			continue
		}
		switch scope {
		case scopeDaily:
			snap.Daily[k] = n
		case scopeSession:
			snap.Session[k] = n
		case scopeTotal:
			snap.Totals[k] = n
		}
	}
	if err := rows.Err(); err != nil {
		return engine.Snapshot{}, false, err
	}
	return snap, true, nil
}

func (s *sqliteStore) AppendAction(ctx context.Context, r engine.ActionRecord) error {
	if err := s.ready(); err != nil {
		return err
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO actions(session_id, seq, kind, at, took_ns, ok, class, err)
		 VALUES(?,?,?,?,?,?,?,?)`,
		r.SessionID, int64(r.Seq), r.Kind.String(), fmtTime(r.At), int64(r.Took), r.OK,
		nullStr(r.Class), nullStr(r.Error),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.pruneActions(pctx); perr != nil {
			s.log.Debug("actions prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentActions(ctx context.Context, limit int) ([]engine.ActionRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = actionsKeep
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, seq, kind, at, took_ns, ok, class, err FROM
		   (SELECT * FROM actions ORDER BY id DESC LIMIT ?)
		 ORDER BY id ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.ActionRecord
	for rows.Next() {
		var (
			r          engine.ActionRecord
			seq, took  int64
			kind, at   string
			class, msg sql.NullString
		)
		if err := rows.Scan(&r.SessionID, &seq, &kind, &at, &took, &r.OK, &class, &msg); err != nil {
			return nil, err
		}
		k, err := engine.ParseActionKind(kind)
		if err != nil {
			continue
		}
		if r.At, err = parseTime(at); err != nil {
			return nil, err
		}
		r.Kind = k
		r.Seq = uint64(seq)
		r.Took = time.Duration(took)
		r.Class = class.String
		r.Error = msg.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) pruneActions(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM actions WHERE id <= (SELECT COALESCE(MAX(id), 0) FROM actions) - ?`, actionsKeep)
	return err
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
