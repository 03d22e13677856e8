package server

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"text/tabwriter"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-engine/internal/clock/system"
	"github.com/JakeFAU/crawl-engine/internal/crawler"
	"github.com/JakeFAU/crawl-engine/internal/urlstore"
	"github.com/JakeFAU/crawl-engine/internal/wal"
)

// ReplayLog rebuilds a read-only URL store from the log at path without
// modifying the file. A missing log yields an empty store. opts must carry the
// retry limit the crawl ran with so failures resolve to the same states.
func ReplayLog(path string, opts urlstore.Options, logger *zap.Logger) (*urlstore.Store, wal.ReplayStats, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store := urlstore.New(nil, system.New(), opts, logger)
	stats, err := wal.Scan(path, func(rec crawler.LogRecord) error {
		if err := store.Apply(rec); err != nil {
			logger.Debug("skipping log record", zap.Uint64("seq", rec.Seq), zap.Error(err))
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return store, wal.ReplayStats{}, nil
	}
	if err != nil {
		return nil, stats, fmt.Errorf("replay %s: %w", path, err)
	}
	return store, stats, nil
}

// LogStats reports page counts by replaying the log on every call, so a
// query server can follow a crawl running in another process.
type LogStats struct {
	path   string
	opts   urlstore.Options
	logger *zap.Logger
}

// NewLogStats returns a stats source over the log at path.
func NewLogStats(path string, opts urlstore.Options, logger *zap.Logger) *LogStats {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogStats{path: path, opts: opts, logger: logger}
}

// Stats implements api.StatsSource.
func (s *LogStats) Stats() (crawler.Stats, error) {
	store, _, err := ReplayLog(s.path, s.opts, s.logger)
	if err != nil {
		return crawler.Stats{}, err
	}
	return store.Stats(), nil
}

// WriteStatus replays the log at path and writes one line per page followed
// by totals.
func WriteStatus(w io.Writer, path string, opts urlstore.Options) error {
	store, replay, err := ReplayLog(path, opts, nil)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tDEPTH\tRETRIES\tLAST ERROR\tURL")
	for _, page := range store.Snapshot() {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\t%s\n",
			page.ID, page.State, page.Depth, page.RetryCount, dash(page.LastError), page.URL)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	stats := store.Stats()
	fmt.Fprintf(w, "\nrecords=%d truncated_bytes=%d\n", replay.Records, replay.TruncatedBytes)
	_, err = fmt.Fprintf(w, "discovered=%d in_flight=%d fetched=%d retry_pending=%d permanently_failed=%d indexed=%d done=%d\n",
		stats.Discovered, stats.InFlight, stats.Fetched, stats.RetryPending,
		stats.PermanentlyFailed, stats.Indexed, stats.Done())
	return err
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
