// Package sinks provides progress.Sink implementations backed by structured
// logging and Prometheus collectors.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/osokin/sitebrief/internal/progress"
)

// LogSink emits structured logs for crawl progress. It is the default sink
// for CLI runs where no metrics endpoint is available.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Publish logs the update using structured fields.
func (s *LogSink) Publish(_ context.Context, u progress.Update) error {
	s.logger.Info("crawl progress",
		zap.String("job_id", u.JobID.String()),
		zap.String("stage", string(u.Stage)),
		zap.String("site", u.Site),
		zap.String("url", u.URL),
		zap.Int("pages_processed", u.PagesProcessed),
		zap.Int("estimated_total", u.EstimatedTotal),
		zap.Int("percent", u.Percent),
		zap.Duration("dur", u.Dur),
		zap.String("note", u.Note),
	)
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
