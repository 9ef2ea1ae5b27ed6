package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"instabot/internal/engine"
	logx "instabot/pkg/logx"
)

const (
	journalCompactEvery = 1000
	journalKeep         = 5000
)

// fileStore keeps everything in two files next to each other:
//   - <prefix>.stats.json     (latest snapshot, replaced atomically)
//   - <prefix>.actions.jsonl  (append-only journal, compacted to the newest records)
type fileStore struct {
	log logx.Logger

	mu           sync.Mutex
	snapshotPath string
	journalPath  string
	journal      *os.File
	writes       int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".stats.json",
		journalPath:  prefix + ".actions.jsonl",
	}
	if err := s.openJournal(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStore) openJournal() error {
	f, err := os.OpenFile(s.journalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	s.journal = f
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) Persist(ctx context.Context, snap engine.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	return writeFileAtomic(s.snapshotPath, append(b, '\n'))
}

func (s *fileStore) Load(ctx context.Context) (engine.Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return engine.Snapshot{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.snapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		return engine.Snapshot{}, false, nil
	}
	if err != nil {
		return engine.Snapshot{}, false, err
	}
	var snap engine.Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return engine.Snapshot{}, false, err
	}
	return snap, true, nil
}

func (s *fileStore) AppendAction(ctx context.Context, r engine.ActionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%journalCompactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentActions(ctx context.Context, limit int) ([]engine.ActionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return readJournalTail(s.journalPath, limit)
}

// compactLocked rewrites the journal keeping the newest journalKeep records.
func (s *fileStore) compactLocked() error {
	recs, err := readJournalTail(s.journalPath, journalKeep)
	if err != nil {
		return err
	}
	var buf strings.Builder
	enc := json.NewEncoder(&buf)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	if err := s.journal.Close(); err != nil {
		return err
	}
	s.journal = nil
	werr := writeFileAtomic(s.journalPath, []byte(buf.String()))
	if err := s.openJournal(); err != nil {
		return err
	}
	return werr
}

// readJournalTail returns the last limit decodable records; limit <= 0 means all.
// Malformed lines (e.g. a torn final write) are skipped.
func readJournalTail(path string, limit int) ([]engine.ActionRecord, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []engine.ActionRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var r engine.ActionRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) > 2*limit {
			out = append(out[:0], out[len(out)-limit:]...)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, sc.Err()
}

func writeFileAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
