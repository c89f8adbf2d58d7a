// Package generation owns the lifecycle of an itinerary generation job:
// the GenerationRecord state machine, its Redis-backed store and FIFO
// queue, the coordinator that enforces preconditions and policies, and
// the worker pool that drives the AI invoker.
package generation

import (
	"time"

	"github.com/motoplan/motoplan/core"
	"github.com/motoplan/motoplan/route"
)

// Status is the state of a generation record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal returns true for completed, failed, and cancelled.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ValidStatus reports whether s names a known status.
func ValidStatus(s string) bool {
	switch Status(s) {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// RecordError captures why a record failed.
type RecordError struct {
	Kind    core.Kind `json:"kind"`
	Message string    `json:"message"`
}

// Record is a generation job. Allowed status edges:
//
//	pending -> running -> {completed, failed, cancelled}
//	pending -> cancelled
//
// Terminal records are immutable once TerminatedAt is set. Route and
// Error are mutually exclusive: Route is present iff completed, Error
// iff failed.
type Record struct {
	ItineraryID string
	NoteID      string
	OwnerID     string

	// Version is dense and monotonically increasing per (owner, note),
	// assigned by the store at creation.
	Version int64

	Status Status

	// Progress is a percentage in [0, 100]; meaningful only while
	// pending or running. Never decreases.
	Progress int

	// RequestID is the client idempotency key, unique per owner.
	RequestID string

	CreatedAt    time.Time
	UpdatedAt    time.Time
	TerminatedAt *time.Time
	CancelledAt  *time.Time

	Route *route.Document
	Error *RecordError

	// CancelRequested is settable once and never cleared. The worker
	// observes it at suspension points.
	CancelRequested bool

	// CostEstimate is recorded on entry to a terminal state,
	// currency-agnostic units.
	CostEstimate float64
}

// Active reports whether the record holds the per-note active slot.
func (r *Record) Active() bool {
	return r.Status == StatusPending || r.Status == StatusRunning
}

// CostEntry is one append-only cost ledger line.
type CostEntry struct {
	OwnerID     string    `json:"owner_id"`
	ItineraryID string    `json:"itinerary_id"`
	Amount      float64   `json:"amount"`
	RecordedAt  time.Time `json:"recorded_at"`
}
