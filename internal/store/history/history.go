// Package history defines the per-group history store contract:
// durable rumor storage plus the monotonic ingest resume watermark.
package history

import (
	"context"

	"github.com/marmot-im/marmot-go/internal/cursor"
	"github.com/marmot-im/marmot-go/internal/model"
)

// QueryOpts bounds a queryRumors call.
type QueryOpts struct {
	Until *cursor.Cursor // when set, results are strictly older than Until
	Limit int // 0 means unbounded
}

// Handler receives newly persisted entries. Subscribe MUST invoke it only
// after the entry is durably persisted.
type Handler func(model.HistoryEntry)

// Unsubscribe stops a prior Subscribe call from receiving further entries.
type Unsubscribe func()

// Store is the per-group history store. AddRumor and
// MarkOuterEventProcessed are each idempotent; implementations backed by
// two separate writes must make each individually idempotent so a partial
// commit is safe to retry.
type Store interface {
	MarkOuterEventProcessed(ctx context.Context, outer cursor.Cursor) error
	GetResumeCursor(ctx context.Context) (cursor.Cursor, bool, error)
	AddRumor(ctx context.Context, entry model.HistoryEntry) error
	QueryRumors(ctx context.Context, opts QueryOpts) ([]model.HistoryEntry, error)
	Subscribe(handler Handler) Unsubscribe
}
