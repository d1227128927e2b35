package record

import (
	"context"
	"time"

	"github.com/rickgao/exchange-core/internal/model"
)

// Store is the ExchangeRecord store.
type Store interface {
	// Create inserts a new record. A contest whose target is already the
	// target of an active contest fails with model.ErrAlreadyActive.
	Create(ctx context.Context, rec model.Record) error

	// Get returns the record or model.ErrRecordNotFound.
	Get(ctx context.Context, id string) (model.Record, error)

	// Update stores rec if the stored version equals rec.Version and
	// returns it with the incremented version.
	Update(ctx context.Context, rec model.Record) (model.Record, error)

	// ActiveByParticipant returns non-terminal records naming userID.
	ActiveByParticipant(ctx context.Context, userID string) ([]model.Record, error)

	// ListActive returns every non-terminal record.
	ListActive(ctx context.Context) ([]model.Record, error)

	// RecentByParticipant returns records of kind naming userID archived at
	// or after since, newest first.
	RecentByParticipant(ctx context.Context, userID string, kind model.Kind, since time.Time) ([]model.Record, error)

	// Archive stamps a terminal record's ArchivedAt. Archiving twice is a no-op.
	Archive(ctx context.Context, id string, at time.Time) error
}
