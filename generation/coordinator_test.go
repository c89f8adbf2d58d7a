package generation

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/motoplan/motoplan/core"
	"github.com/motoplan/motoplan/route"
)

type fakeNotes struct {
	notes map[string]*core.Note
}

func (f *fakeNotes) Get(ctx context.Context, ownerID, noteID string) (*core.Note, error) {
	return f.notes[ownerID+"/"+noteID], nil
}

type fakePrefs struct {
	prefs map[string]*core.RidePreferences
}

func (f *fakePrefs) Get(ctx context.Context, ownerID string) (*core.RidePreferences, error) {
	return f.prefs[ownerID], nil
}

func strptr(s string) *string   { return &s }
func f64ptr(f float64) *float64 { return &f }

func completePrefs() *core.RidePreferences {
	return &core.RidePreferences{
		Terrain:           strptr("twisty"),
		RoadType:          strptr("mountain passes"),
		TypicalDurationH:  f64ptr(6),
		TypicalDistanceKm: f64ptr(250),
	}
}

type coordinatorFixture struct {
	coordinator *Coordinator
	store       *RedisStore
	queue       *RedisQueue
	notes       *fakeNotes
	prefs       *fakePrefs
	client      *redis.Client
}

func newCoordinatorFixture(t *testing.T) *coordinatorFixture {
	t.Helper()
	_, client := setupTestRedis(t)

	store := newTestStore(t, client)
	queue := NewRedisQueue(client, &RedisQueueConfig{QueueKey: "test:gen:queue"})
	notes := &fakeNotes{notes: map[string]*core.Note{
		"u1/n1": {ID: "n1", OwnerID: "u1", Title: "Dolomites weekend", Body: "Sella Ronda and back"},
	}}
	prefs := &fakePrefs{prefs: map[string]*core.RidePreferences{
		"u1": completePrefs(),
	}}

	coordinator, err := NewCoordinator(CoordinatorConfig{
		Store:       store,
		Queue:       queue,
		Notes:       notes,
		Preferences: prefs,
		Generation: core.GenerationConfig{
			JobDeadline: 5 * time.Minute,
			SpendWindow: 720 * time.Hour,
			SpendCap:    50,
			CostPerCall: 0.25,
		},
		Export: core.ExportConfig{
			MapyPointLimit:      15,
			GooglePointLimit:    25,
			CoordinatePrecision: 6,
		},
		Logger: &core.NoOpLogger{},
	})
	require.NoError(t, err)

	return &coordinatorFixture{
		coordinator: coordinator,
		store:       store,
		queue:       queue,
		notes:       notes,
		prefs:       prefs,
		client:      client,
	}
}

func kindOf(t *testing.T, err error) core.Kind {
	t.Helper()
	require.Error(t, err)
	return core.KindOf(err)
}

func TestGenerateHappyPath(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()
	rid := uuid.NewString()

	rec, existing, err := fx.coordinator.Generate(ctx, "u1", "n1", rid)
	require.NoError(t, err)
	assert.False(t, existing)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, rid, rec.RequestID)
	assert.NotEmpty(t, rec.ItineraryID)

	queued, err := fx.queue.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, rec.ItineraryID, queued)
}

func TestGenerateIsIdempotent(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()
	rid := uuid.NewString()

	first, _, err := fx.coordinator.Generate(ctx, "u1", "n1", rid)
	require.NoError(t, err)

	second, existing, err := fx.coordinator.Generate(ctx, "u1", "n1", rid)
	require.NoError(t, err)
	assert.True(t, existing)
	assert.Equal(t, first.ItineraryID, second.ItineraryID)

	// Still idempotent after the record reaches a terminal state.
	require.NoError(t, fx.store.UpdateStatus(ctx, first.ItineraryID, StatusPending, StatusCancelled, StatusUpdate{}))
	third, existing, err := fx.coordinator.Generate(ctx, "u1", "n1", rid)
	require.NoError(t, err)
	assert.True(t, existing)
	assert.Equal(t, first.ItineraryID, third.ItineraryID)
	assert.Equal(t, StatusCancelled, third.Status)
}

func TestGenerateValidation(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()

	_, _, err := fx.coordinator.Generate(ctx, "", "n1", uuid.NewString())
	assert.Equal(t, core.KindUnauthorized, kindOf(t, err))

	_, _, err = fx.coordinator.Generate(ctx, "u1", "n1", "not-a-uuid")
	assert.Equal(t, core.KindValidationFailed, kindOf(t, err))

	_, _, err = fx.coordinator.Generate(ctx, "u1", "", uuid.NewString())
	assert.Equal(t, core.KindValidationFailed, kindOf(t, err))
}

func TestGenerateRequiresCompleteProfile(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()

	fx.prefs.prefs["u1"].Terrain = nil
	_, _, err := fx.coordinator.Generate(ctx, "u1", "n1", uuid.NewString())
	assert.Equal(t, core.KindProfileIncomplete, kindOf(t, err))

	delete(fx.prefs.prefs, "u1")
	_, _, err = fx.coordinator.Generate(ctx, "u1", "n1", uuid.NewString())
	assert.Equal(t, core.KindProfileIncomplete, kindOf(t, err))
}

func TestGenerateNoteChecks(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()

	_, _, err := fx.coordinator.Generate(ctx, "u1", "unknown", uuid.NewString())
	assert.Equal(t, core.KindNotFound, kindOf(t, err))

	fx.notes.notes["u1/n1"].Archived = true
	_, _, err = fx.coordinator.Generate(ctx, "u1", "n1", uuid.NewString())
	assert.Equal(t, core.KindValidationFailed, kindOf(t, err))
}

func TestGenerateRejectsConcurrentJob(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()

	first, _, err := fx.coordinator.Generate(ctx, "u1", "n1", uuid.NewString())
	require.NoError(t, err)

	_, _, err = fx.coordinator.Generate(ctx, "u1", "n1", uuid.NewString())
	require.Error(t, err)
	var ce *core.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, core.KindGenerationInProgress, ce.Kind)
	assert.Equal(t, first.ItineraryID, ce.Details["itinerary_id"])
}

func TestGenerateEnforcesSpendCap(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Fill the window so one more estimated call would cross the cap.
	for i := 0; i < 200; i++ {
		require.NoError(t, fx.store.RecordCost(ctx, CostEntry{
			OwnerID:     "u1",
			ItineraryID: "old",
			Amount:      0.25,
			RecordedAt:  now.Add(-time.Duration(i) * time.Hour),
		}))
	}

	_, _, err := fx.coordinator.Generate(ctx, "u1", "n1", uuid.NewString())
	require.Error(t, err)
	var ce *core.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, core.KindServiceLimitReached, ce.Kind)
	assert.Greater(t, ce.RetryAfter, 0)
}

func TestPollStatusAuthorization(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()

	rec, _, err := fx.coordinator.Generate(ctx, "u1", "n1", uuid.NewString())
	require.NoError(t, err)

	got, err := fx.coordinator.PollStatus(ctx, "u1", rec.ItineraryID)
	require.NoError(t, err)
	assert.Equal(t, rec.ItineraryID, got.ItineraryID)

	_, err = fx.coordinator.PollStatus(ctx, "u2", rec.ItineraryID)
	assert.Equal(t, core.KindUnauthorized, kindOf(t, err))

	_, err = fx.coordinator.PollStatus(ctx, "u1", "missing")
	assert.Equal(t, core.KindNotFound, kindOf(t, err))
}

func TestCancelFlagsActiveRecord(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()

	rec, _, err := fx.coordinator.Generate(ctx, "u1", "n1", uuid.NewString())
	require.NoError(t, err)

	got, err := fx.coordinator.Cancel(ctx, "u1", rec.ItineraryID)
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)
}

func TestCancelRejectsTerminalRecord(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()

	rec, _, err := fx.coordinator.Generate(ctx, "u1", "n1", uuid.NewString())
	require.NoError(t, err)
	require.NoError(t, fx.store.UpdateStatus(ctx, rec.ItineraryID, StatusPending, StatusCancelled, StatusUpdate{}))

	_, err = fx.coordinator.Cancel(ctx, "u1", rec.ItineraryID)
	assert.Equal(t, core.KindCannotCancel, kindOf(t, err))
}

// completeRecord drives a freshly accepted record to completed with the
// given document.
func completeRecord(t *testing.T, fx *coordinatorFixture, itineraryID string, doc *route.Document) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, fx.store.UpdateStatus(ctx, itineraryID, StatusPending, StatusRunning, StatusUpdate{}))

	encoded, err := doc.MarshalJSON()
	require.NoError(t, err)
	progress := 100
	require.NoError(t, fx.store.UpdateStatus(ctx, itineraryID, StatusRunning, StatusCompleted,
		StatusUpdate{Progress: &progress, Route: encoded}))
}

func exportDocument(points int) *route.Document {
	coords := make([]route.Coordinate, points)
	for i := range coords {
		coords[i] = route.Coordinate{Lon: 9.0 + float64(i)*0.01, Lat: 46.0 + float64(i)*0.01}
	}
	return &route.Document{
		Properties: route.Properties{
			Title:           "Passo Giau Run",
			TotalDistanceKm: 180,
			TotalDurationH:  4,
			Days:            1,
		},
		Features: []route.Feature{
			{Segment: &route.Segment{
				Coordinates: coords,
				Name:        "main leg",
				Day:         1, Segment: 1,
				DistanceKm: 180, DurationH: 4,
			}},
		},
	}
}

func TestExportGPXAndGeoJSON(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()

	rec, _, err := fx.coordinator.Generate(ctx, "u1", "n1", uuid.NewString())
	require.NoError(t, err)
	completeRecord(t, fx, rec.ItineraryID, exportDocument(5))

	gpx, err := fx.coordinator.Export(ctx, "u1", rec.ItineraryID, FormatGPX, true)
	require.NoError(t, err)
	assert.Equal(t, "application/gpx+xml", gpx.ContentType)
	assert.Equal(t, "Passo_Giau_Run.gpx", gpx.Filename)
	assert.Equal(t, 5, strings.Count(string(gpx.Body), "<trkpt"))

	geo, err := fx.coordinator.Export(ctx, "u1", rec.ItineraryID, FormatGeoJSON, true)
	require.NoError(t, err)
	assert.Equal(t, "application/geo+json", geo.ContentType)
	assert.Contains(t, string(geo.Body), "FeatureCollection")
}

func TestExportLinks(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()

	rec, _, err := fx.coordinator.Generate(ctx, "u1", "n1", uuid.NewString())
	require.NoError(t, err)
	completeRecord(t, fx, rec.ItineraryID, exportDocument(27))

	mapy, err := fx.coordinator.Export(ctx, "u1", rec.ItineraryID, FormatMapy, true)
	require.NoError(t, err)
	assert.Contains(t, mapy.URL, "mapy.com")

	google, err := fx.coordinator.Export(ctx, "u1", rec.ItineraryID, FormatGoogle, true)
	require.NoError(t, err)
	assert.Contains(t, google.URL, "google.com")
}

func TestExportPreconditions(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()

	rec, _, err := fx.coordinator.Generate(ctx, "u1", "n1", uuid.NewString())
	require.NoError(t, err)

	// Not completed yet.
	_, err = fx.coordinator.Export(ctx, "u1", rec.ItineraryID, FormatGPX, true)
	assert.Equal(t, core.KindIncomplete, kindOf(t, err))

	completeRecord(t, fx, rec.ItineraryID, exportDocument(5))

	// Disclaimer not acknowledged.
	_, err = fx.coordinator.Export(ctx, "u1", rec.ItineraryID, FormatGPX, false)
	assert.Equal(t, core.KindValidationFailed, kindOf(t, err))

	// Wrong viewer.
	_, err = fx.coordinator.Export(ctx, "u2", rec.ItineraryID, FormatGPX, true)
	assert.Equal(t, core.KindUnauthorized, kindOf(t, err))

	// Unknown format.
	_, err = fx.coordinator.Export(ctx, "u1", rec.ItineraryID, "kml", true)
	assert.Equal(t, core.KindValidationFailed, kindOf(t, err))
}

func TestListByNoteThroughCoordinator(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()

	rec, _, err := fx.coordinator.Generate(ctx, "u1", "n1", uuid.NewString())
	require.NoError(t, err)
	completeRecord(t, fx, rec.ItineraryID, exportDocument(5))

	records, err := fx.coordinator.ListByNote(ctx, "u1", "n1", StatusCompleted, 20)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, rec.ItineraryID, records[0].ItineraryID)

	_, err = fx.coordinator.ListByNote(ctx, "u1", "unknown", "", 20)
	assert.Equal(t, core.KindNotFound, kindOf(t, err))
}
