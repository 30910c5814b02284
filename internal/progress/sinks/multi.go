package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/osokin/sitebrief/internal/progress"
)

// MultiSink fans each update out to every wrapped sink. A failing sink is
// logged and skipped so one consumer cannot starve the others.
type MultiSink struct {
	sinks  []progress.Sink
	logger *zap.Logger
}

// NewMultiSink combines sinks into one. Nil entries are ignored.
func NewMultiSink(logger *zap.Logger, targets ...progress.Sink) *MultiSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &MultiSink{logger: logger}
	for _, t := range targets {
		if t != nil {
			m.sinks = append(m.sinks, t)
		}
	}
	return m
}

// Publish delivers the update to every sink, logging failures.
func (m *MultiSink) Publish(ctx context.Context, u progress.Update) error {
	for _, s := range m.sinks {
		if err := s.Publish(ctx, u); err != nil {
			m.logger.Warn("progress sink failed",
				zap.String("job_id", u.JobID.String()), zap.Error(err))
		}
	}
	return nil
}

// Close closes every wrapped sink, returning the first error seen.
func (m *MultiSink) Close(ctx context.Context) error {
	var first error
	for _, s := range m.sinks {
		if err := s.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
