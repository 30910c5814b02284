package progress

import "context"

// Sink consumes progress updates. Implementations must be safe for concurrent
// use and must not block the crawl for long; publication is best effort and
// failures are logged by the caller, never returned to the crawl loop.
type Sink interface {
	Publish(ctx context.Context, u Update) error
	Close(ctx context.Context) error
}
