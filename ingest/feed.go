// Package ingest connects upstream data feeds to the liquidity graph: it
// normalizes pool-state pushes, decoded pending swaps, and head
// notifications into store updates and gas observations. One goroutine per
// feed preserves per-source ordering; nothing in this package ever blocks
// the graph writer.
package ingest

import "context"

// Feed is a stream of raw messages from one upstream source. Connect may
// be called again after a read failure; implementations replace their
// transport state on each call. A Feed is driven by exactly one goroutine.
type Feed interface {
	Name() string
	Connect(ctx context.Context) error
	// Read blocks until the next message, the context is cancelled, or the
	// transport fails.
	Read(ctx context.Context) ([]byte, error)
	Close() error
}
