package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"instabot/internal/config"
	"instabot/internal/engine"
	"instabot/internal/storage"
	logx "instabot/pkg/logx"
)

// ErrNoStorage is returned by ReadStats when the config disables storage.
var ErrNoStorage = errors.New("storage is disabled in config")

// StatsReport is what the stats command prints.
type StatsReport struct {
	Found    bool                  `json:"found"`
	Snapshot engine.Snapshot       `json:"snapshot"`
	Limits   engine.Counts         `json:"limits"`
	Recent   []engine.ActionRecord `json:"recent,omitempty"`
}

// CheckConfig loads and validates the file without starting anything.
func CheckConfig(ctx context.Context, path string) (*config.Config, error) {
	return config.NewConfigManager(path).Load(ctx)
}

// ReadStats opens the configured store read-side and returns the persisted
// snapshot plus up to recent journal records.
func ReadStats(ctx context.Context, cfgPath string, recent int) (StatsReport, error) {
	cfg, err := CheckConfig(ctx, cfgPath)
	if err != nil {
		return StatsReport{}, err
	}
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return StatsReport{}, err
	}
	if !enabled {
		return StatsReport{}, ErrNoStorage
	}
	st, err := storage.Open(sc, logx.Nop())
	if err != nil {
		return StatsReport{}, err
	}
	defer st.Close()

	rep := StatsReport{Limits: cfg.Limits.Counts()}
	if rep.Snapshot, rep.Found, err = st.Load(ctx); err != nil {
		return rep, err
	}
	if recent > 0 {
		if rep.Recent, err = st.RecentActions(ctx, recent); err != nil {
			return rep, err
		}
	}
	return rep, nil
}

// WriteText renders the report as aligned tables.
func (r StatsReport) WriteText(w io.Writer) error {
	if !r.Found {
		_, err := fmt.Fprintln(w, "no stats recorded yet")
		return err
	}
	s := r.Snapshot
	fmt.Fprintf(w, "session   %s (started %s)\n", s.SessionID, s.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "updated   %s\n", s.UpdatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "window    %s\n", s.Window.Format(time.RFC3339))
	fmt.Fprintf(w, "errors    %d  blocks %d\n\n", s.Errors, s.Blocks)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tTODAY\tLIMIT\tSESSION\tTOTAL")
	for _, k := range engine.Kinds() {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", k, s.Daily.Get(k), r.Limits.Get(k), s.Session.Get(k), s.Totals.Get(k))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(r.Recent) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AT\tKIND\tRESULT\tTOOK\tERROR")
	for _, rec := range r.Recent {
		result := "ok"
		if !rec.OK {
			result = rec.Class
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			rec.At.Format(time.DateTime), rec.Kind, result, rec.Took.Round(time.Millisecond), strings.TrimSpace(rec.Error))
	}
	return tw.Flush()
}
