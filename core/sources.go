package core

import "context"

// Note is the read-side view of a ride note the coordinator needs.
// Note authoring and CRUD live outside this service.
type Note struct {
	ID       string
	OwnerID  string
	Title    string
	Body     string
	Archived bool

	// Overrides carries per-note preference overrides; nil fields fall
	// back to the owner's profile, then to built-in defaults.
	Overrides *RidePreferences
}

// RidePreferences are the rider defaults that shape prompt resolution.
// A nil pointer field means "not set".
type RidePreferences struct {
	Terrain           *string
	RoadType          *string
	TypicalDurationH  *float64
	TypicalDistanceKm *float64
}

// Complete reports whether all four preference fields are set. The
// coordinator refuses to generate for an incomplete profile.
func (p *RidePreferences) Complete() bool {
	if p == nil {
		return false
	}
	return p.Terrain != nil && p.RoadType != nil &&
		p.TypicalDurationH != nil && p.TypicalDistanceKm != nil
}

// NoteSource is the collaborator interface for note reads.
// Returns (nil, nil) when the note does not exist for that owner.
type NoteSource interface {
	Get(ctx context.Context, ownerID, noteID string) (*Note, error)
}

// PreferenceSource is the collaborator interface for rider profile
// reads. Returns (nil, nil) when the owner has no preference record.
type PreferenceSource interface {
	Get(ctx context.Context, ownerID string) (*RidePreferences, error)
}
