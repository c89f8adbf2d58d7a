package generation

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRecordTerminal reports a mutation attempted on a record that has
// already reached a terminal status.
var ErrRecordTerminal = errors.New("record is terminal")

// ActiveJobError reports that Create found an existing active record
// for the same (owner, note). The coordinator maps it to
// generation_in_progress with the active itinerary id as a hint.
type ActiveJobError struct {
	ItineraryID string
}

func (e *ActiveJobError) Error() string {
	return fmt.Sprintf("an active generation already exists: %s", e.ItineraryID)
}

// DuplicateRequestError reports that Create lost a race against another
// submission carrying the same (owner, request_id). The winner's record
// is the submission's record.
type DuplicateRequestError struct {
	ItineraryID string
}

func (e *DuplicateRequestError) Error() string {
	return fmt.Sprintf("request id already mapped to itinerary %s", e.ItineraryID)
}

// StatusConflictError reports a compare-and-swap miss in UpdateStatus.
type StatusConflictError struct {
	Current Status
}

func (e *StatusConflictError) Error() string {
	return fmt.Sprintf("status transition rejected, record is %s", e.Current)
}

// StatusUpdate carries the fields a status transition may set. Nil
// fields are left untouched.
type StatusUpdate struct {
	Progress     *int
	Route        []byte // encoded route document, completed only
	Error        *RecordError
	CancelledAt  *time.Time
	CostEstimate *float64
}

// Store is the durable persistence the coordinator relies on: records,
// the request-id and active-job indexes, the per-note listing, and the
// append-only cost ledger. All mutation goes through Create,
// UpdateStatus (the CAS primitive and the only way to transition),
// SetProgress, and SetCancelRequested; each is atomic with respect to
// concurrent readers.
type Store interface {
	// Create atomically asserts no active record exists for the
	// (owner, note) pair, reserves the next dense version, indexes the
	// request id, and persists the record. The active slot is held at
	// most activeTTL so a crashed worker cannot wedge the note.
	Create(ctx context.Context, rec *Record, activeTTL time.Duration) (*Record, error)

	// Get returns a snapshot or core.ErrRecordNotFound.
	Get(ctx context.Context, itineraryID string) (*Record, error)

	// FindByRequestID resolves the idempotency index; (nil, nil) when
	// the owner never submitted that request id.
	FindByRequestID(ctx context.Context, ownerID, requestID string) (*Record, error)

	// FindActive returns the single pending/running record for the
	// pair, or (nil, nil).
	FindActive(ctx context.Context, ownerID, noteID string) (*Record, error)

	// UpdateStatus compare-and-swaps the status from from to to,
	// stamping updated_at and, for terminal targets, terminated_at and
	// the active-slot release. Returns StatusConflictError on a CAS
	// miss and core.ErrRecordNotFound for unknown ids.
	UpdateStatus(ctx context.Context, itineraryID string, from, to Status, set StatusUpdate) error

	// SetProgress raises progress while the record is running; lower or
	// equal values and non-running records are ignored.
	SetProgress(ctx context.Context, itineraryID string, progress int) error

	// SetCancelRequested sets the flag; idempotent, never regresses.
	// Returns ErrRecordTerminal when the record has already settled.
	SetCancelRequested(ctx context.Context, itineraryID string) error

	// ListByNote returns the owner's records for a note, newest first,
	// optionally filtered by status. Limit bounds the result.
	ListByNote(ctx context.Context, ownerID, noteID string, status Status, limit int) ([]*Record, error)

	// RecordCost appends one ledger entry.
	RecordCost(ctx context.Context, entry CostEntry) error

	// SpendSince sums the owner's ledger amounts recorded at or after
	// since.
	SpendSince(ctx context.Context, ownerID string, since time.Time) (float64, error)

	// OldestCostSince returns the time of the earliest ledger entry at
	// or after since, or nil when the window holds none. It backs the
	// retry_after hint on spend-cap rejections.
	OldestCostSince(ctx context.Context, ownerID string, since time.Time) (*time.Time, error)
}

// Queue is the FIFO hand-off between accepted submissions and workers.
type Queue interface {
	// Enqueue appends an itinerary id.
	Enqueue(ctx context.Context, itineraryID string) error

	// Dequeue blocks up to timeout for the next id; returns "" when the
	// timeout elapses with nothing queued.
	Dequeue(ctx context.Context, timeout time.Duration) (string, error)
}
