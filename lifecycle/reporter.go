package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/hostedci/checkout-cache/retry"
)

// Outcome is the end-of-job summary handed to the reporter
type Outcome struct {
	StickyDiskKey      string
	UsedCache          bool
	PerformedHydration bool
	JobFailed          bool
	Refresh            retry.Result
	GC                 retry.Result
	IntegrityCheck     retry.Result
	Committed          bool
}

// Reporter is the fire-and-forget side channel for cache outcome
// reporting. implementations must never let reporting failure affect
// control flow.
type Reporter interface {
	Report(ctx context.Context, outcome Outcome)
}

// NoopReporter discards outcomes, used in tests
type NoopReporter struct{}

func (NoopReporter) Report(ctx context.Context, outcome Outcome) {}

// LogReporter writes outcomes to the structured log
type LogReporter struct {
	Log *slog.Logger
}

func (r *LogReporter) Report(ctx context.Context, o Outcome) {
	r.Log.Info("cache outcome",
		"key", o.StickyDiskKey,
		"used-cache", o.UsedCache,
		"hydrated", o.PerformedHydration,
		"job-failed", o.JobFailed,
		"refresh-ok", o.Refresh.Success,
		"gc-ok", o.GC.Success,
		"fsck-ok", o.IntegrityCheck.Success,
		"committed", o.Committed,
	)
}

// TextfileReporter logs outcomes and dumps the gathered prometheus
// metrics to a node-exporter textfile collector file. the process exits
// right after the job phase, so the metrics must be handed off to the
// host's exporter rather than scraped.
type TextfileReporter struct {
	Path     string
	Gatherer prometheus.Gatherer
	Log      *slog.Logger
}

func (r *TextfileReporter) Report(ctx context.Context, o Outcome) {
	(&LogReporter{Log: r.Log}).Report(ctx, o)

	if err := WriteMetricsFile(r.Path, r.Gatherer); err != nil {
		r.Log.Warn("unable to write metrics file", "path", r.Path, "err", err)
	}
}

// WriteMetricsFile writes the gathered metrics in the prometheus text
// exposition format. write-then-rename so the collector never reads a
// partially written file.
func WriteMetricsFile(path string, g prometheus.Gatherer) error {
	mfs, err := g.Gather()
	if err != nil {
		return fmt.Errorf("unable to gather metrics err:%w", err)
	}

	buf := bytes.NewBuffer(nil)
	enc := expfmt.NewEncoder(buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("unable to encode metrics err:%w", err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("unable to write metrics file err:%w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("unable to move metrics file err:%w", err)
	}
	return nil
}
