package generation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/motoplan/motoplan/core"
)

// RedisNoteSource reads the note projection the authoring service
// publishes to Redis: one JSON value per note under
// {prefix}:note-doc:{owner}:{id}. This service only ever reads it.
type RedisNoteSource struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisNoteSource creates a note reader. An empty prefix defaults
// to "motoplan".
func NewRedisNoteSource(client *redis.Client, keyPrefix string) *RedisNoteSource {
	if keyPrefix == "" {
		keyPrefix = "motoplan"
	}
	return &RedisNoteSource{client: client, keyPrefix: keyPrefix}
}

type noteDoc struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Archived  bool      `json:"archived"`
	Overrides *prefsDoc `json:"overrides,omitempty"`
}

type prefsDoc struct {
	Terrain           *string  `json:"terrain,omitempty"`
	RoadType          *string  `json:"road_type,omitempty"`
	TypicalDurationH  *float64 `json:"typical_duration_h,omitempty"`
	TypicalDistanceKm *float64 `json:"typical_distance_km,omitempty"`
}

func (d *prefsDoc) toPreferences() *core.RidePreferences {
	if d == nil {
		return nil
	}
	return &core.RidePreferences{
		Terrain:           d.Terrain,
		RoadType:          d.RoadType,
		TypicalDurationH:  d.TypicalDurationH,
		TypicalDistanceKm: d.TypicalDistanceKm,
	}
}

// Get implements core.NoteSource.
func (s *RedisNoteSource) Get(ctx context.Context, ownerID, noteID string) (*core.Note, error) {
	key := fmt.Sprintf("%s:note-doc:%s:%s", s.keyPrefix, ownerID, noteID)
	raw, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read note: %w", err)
	}
	var doc noteDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("failed to decode note: %w", err)
	}
	return &core.Note{
		ID:        doc.ID,
		OwnerID:   doc.OwnerID,
		Title:     doc.Title,
		Body:      doc.Body,
		Archived:  doc.Archived,
		Overrides: doc.Overrides.toPreferences(),
	}, nil
}

// RedisPreferenceSource reads rider profiles from
// {prefix}:prefs:{owner}, published as JSON by the profile service.
type RedisPreferenceSource struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisPreferenceSource creates a preference reader.
func NewRedisPreferenceSource(client *redis.Client, keyPrefix string) *RedisPreferenceSource {
	if keyPrefix == "" {
		keyPrefix = "motoplan"
	}
	return &RedisPreferenceSource{client: client, keyPrefix: keyPrefix}
}

// Get implements core.PreferenceSource.
func (s *RedisPreferenceSource) Get(ctx context.Context, ownerID string) (*core.RidePreferences, error) {
	key := fmt.Sprintf("%s:prefs:%s", s.keyPrefix, ownerID)
	raw, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read preferences: %w", err)
	}
	var doc prefsDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("failed to decode preferences: %w", err)
	}
	return doc.toPreferences(), nil
}
