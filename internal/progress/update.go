// Package progress defines the update structures emitted by running crawls.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Update.
type Stage string

// Supported progress stages.
const (
	StageStart     Stage = "CRAWL_START"
	StageHeartbeat Stage = "CRAWL_HEARTBEAT"
	StageDone      Stage = "CRAWL_DONE"
	StageError     Stage = "CRAWL_ERROR"
)

// Update captures a snapshot of crawl progress. Heartbeats are throttled by
// the emitter, so consumers see the first page, then one update roughly every
// reporting interval, then a terminal stage.
type Update struct {
	// JobID uniquely identifies a crawl run.
	JobID uuid.UUID
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// Site is the host being crawled.
	Site string
	// URL is the page currently being processed; empty on terminal stages.
	URL string
	// PagesProcessed counts pages attempted so far, including failures.
	PagesProcessed int
	// EstimatedTotal is processed pages plus the frontier still queued.
	EstimatedTotal int
	// Percent is the completion estimate; capped below 100 until StageDone.
	Percent int
	// Dur captures wall time since the crawl started.
	Dur time.Duration
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Update payloads.
func (u Update) Validate() error {
	if u.JobID == uuid.Nil {
		return errors.New("job id is required")
	}
	if u.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch u.Stage {
	case StageStart, StageDone, StageError:
	case StageHeartbeat:
		if u.Site == "" {
			return errors.New("heartbeat requires site")
		}
	default:
		return fmt.Errorf("unknown stage %q", u.Stage)
	}
	if u.Percent < 0 || u.Percent > 100 {
		return fmt.Errorf("percent %d out of range", u.Percent)
	}
	return nil
}
