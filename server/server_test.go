package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/motoplan/motoplan/core"
	"github.com/motoplan/motoplan/generation"
	"github.com/motoplan/motoplan/route"
)

type stubNotes struct {
	notes map[string]*core.Note
}

func (s *stubNotes) Get(ctx context.Context, ownerID, noteID string) (*core.Note, error) {
	return s.notes[ownerID+"/"+noteID], nil
}

type stubPrefs struct {
	prefs map[string]*core.RidePreferences
}

func (s *stubPrefs) Get(ctx context.Context, ownerID string) (*core.RidePreferences, error) {
	return s.prefs[ownerID], nil
}

type apiFixture struct {
	handler http.Handler
	store   *generation.RedisStore
}

func strPtr(s string) *string   { return &s }
func f64Ptr(f float64) *float64 { return &f }

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := generation.NewRedisStore(client, &generation.RedisStoreConfig{Logger: &core.NoOpLogger{}})
	queue := generation.NewRedisQueue(client, &generation.RedisQueueConfig{Logger: &core.NoOpLogger{}})
	notes := &stubNotes{notes: map[string]*core.Note{
		"u1/n1": {ID: "n1", OwnerID: "u1", Title: "Black Forest loop", Body: "B500 and side valleys"},
	}}
	prefs := &stubPrefs{prefs: map[string]*core.RidePreferences{
		"u1": {
			Terrain:           strPtr("twisty"),
			RoadType:          strPtr("scenic"),
			TypicalDurationH:  f64Ptr(6),
			TypicalDistanceKm: f64Ptr(250),
		},
	}}

	coordinator, err := generation.NewCoordinator(generation.CoordinatorConfig{
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

	srv := New(coordinator, nil, core.HTTPConfig{Addr: ":0"}, &core.NoOpLogger{})
	return &apiFixture{handler: srv.Handler(), store: store}
}

func (f *apiFixture) do(t *testing.T, method, path, viewer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if viewer != "" {
		req.Header.Set(viewerHeader, viewer)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func (f *apiFixture) submit(t *testing.T, viewer, noteID string) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/notes/"+noteID+"/itineraries", viewer,
		map[string]string{"request_id": uuid.NewString()})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	return decodeBody(t, rec)["itinerary_id"].(string)
}

func trackDocument(points int) *route.Document {
	coords := make([]route.Coordinate, points)
	for i := range coords {
		coords[i] = route.Coordinate{Lon: 8.0 + float64(i)*0.01, Lat: 48.0 + float64(i)*0.01}
	}
	return &route.Document{
		Properties: route.Properties{
			Title:           "Black Forest Loop",
			TotalDistanceKm: 210,
			TotalDurationH:  5,
			Days:            1,
		},
		Features: []route.Feature{
			{Segment: &route.Segment{
				Coordinates: coords,
				Name:        "loop",
				Day:         1, Segment: 1,
				DistanceKm: 210, DurationH: 5,
			}},
		},
	}
}

func (f *apiFixture) complete(t *testing.T, itineraryID string, doc *route.Document) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.UpdateStatus(ctx, itineraryID, generation.StatusPending, generation.StatusRunning, generation.StatusUpdate{}))
	encoded, err := doc.MarshalJSON()
	require.NoError(t, err)
	progress := 100
	require.NoError(t, f.store.UpdateStatus(ctx, itineraryID, generation.StatusRunning, generation.StatusCompleted,
		generation.StatusUpdate{Progress: &progress, Route: encoded}))
}

func TestAuthenticationRequired(t *testing.T) {
	fx := newAPIFixture(t)
	rec := fx.do(t, http.MethodGet, "/api/itineraries/it-1/status", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeBody(t, rec)["error"])
}

func TestSubmitReturns202(t *testing.T) {
	fx := newAPIFixture(t)
	rid := uuid.NewString()

	rec := fx.do(t, http.MethodPost, "/api/notes/n1/itineraries", "u1",
		map[string]string{"request_id": rid})
	require.Equal(t, http.StatusAccepted, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "n1", body["note_id"])
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, float64(1), body["version"])
	assert.Equal(t, rid, body["request_id"])
	assert.NotEmpty(t, body["itinerary_id"])
	assert.NotEmpty(t, body["created_at"])
}

func TestSubmitValidatesRequestID(t *testing.T) {
	fx := newAPIFixture(t)
	rec := fx.do(t, http.MethodPost, "/api/notes/n1/itineraries", "u1",
		map[string]string{"request_id": "nope"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "validation_failed", body["error"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestSubmitConflictCarriesActiveID(t *testing.T) {
	fx := newAPIFixture(t)
	first := fx.submit(t, "u1", "n1")

	rec := fx.do(t, http.MethodPost, "/api/notes/n1/itineraries", "u1",
		map[string]string{"request_id": uuid.NewString()})
	require.Equal(t, http.StatusConflict, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "generation_in_progress", body["error"])
	details := body["details"].(map[string]interface{})
	assert.Equal(t, first, details["itinerary_id"])
}

func TestSubmitSpendCapReturns429(t *testing.T) {
	fx := newAPIFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	for i := 0; i < 200; i++ {
		require.NoError(t, fx.store.RecordCost(ctx, generation.CostEntry{
			OwnerID: "u1", ItineraryID: "old", Amount: 0.25,
			RecordedAt: now.Add(-time.Duration(i) * time.Minute),
		}))
	}

	rec := fx.do(t, http.MethodPost, "/api/notes/n1/itineraries", "u1",
		map[string]string{"request_id": uuid.NewString()})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "service_limit_reached", body["error"])
	assert.Greater(t, body["retry_after"].(float64), float64(0))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestStatusShapes(t *testing.T) {
	fx := newAPIFixture(t)
	id := fx.submit(t, "u1", "n1")

	rec := fx.do(t, http.MethodGet, "/api/itineraries/"+id+"/status", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, float64(0), body["progress"])
	assert.NotContains(t, body, "route_geojson")

	fx.complete(t, id, trackDocument(5))
	rec = fx.do(t, http.MethodGet, "/api/itineraries/"+id+"/status", "u1", nil)
	body = decodeBody(t, rec)
	assert.Equal(t, "completed", body["status"])
	routeDoc := body["route_geojson"].(map[string]interface{})
	assert.Equal(t, "FeatureCollection", routeDoc["type"])

	// Another rider never sees it.
	rec = fx.do(t, http.MethodGet, "/api/itineraries/"+id+"/status", "u2", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = fx.do(t, http.MethodGet, "/api/itineraries/missing/status", "u1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelEndpoint(t *testing.T) {
	fx := newAPIFixture(t)
	id := fx.submit(t, "u1", "n1")

	rec := fx.do(t, http.MethodPost, "/api/itineraries/"+id+"/cancel", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, decodeBody(t, rec)["itinerary_id"])

	// Terminal records cannot be cancelled.
	fx.complete(t, id, trackDocument(5))
	rec = fx.do(t, http.MethodPost, "/api/itineraries/"+id+"/cancel", "u1", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "cannot_cancel", decodeBody(t, rec)["error"])
}

func TestDownloadGPX(t *testing.T) {
	fx := newAPIFixture(t)
	id := fx.submit(t, "u1", "n1")
	fx.complete(t, id, trackDocument(5))

	rec := fx.do(t, http.MethodGet, "/api/itineraries/"+id+"/download?format=gpx&acknowledged=true", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/gpx+xml; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="Black_Forest_Loop.gpx"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, 1, strings.Count(rec.Body.String(), "<trk>"))
	assert.Equal(t, 1, strings.Count(rec.Body.String(), "<trkseg>"))
	assert.Equal(t, 5, strings.Count(rec.Body.String(), "<trkpt"))
}

func TestDownloadPreconditions(t *testing.T) {
	fx := newAPIFixture(t)
	id := fx.submit(t, "u1", "n1")

	// Still pending.
	rec := fx.do(t, http.MethodGet, "/api/itineraries/"+id+"/download?format=gpx&acknowledged=true", "u1", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "incomplete", decodeBody(t, rec)["error"])

	fx.complete(t, id, trackDocument(5))

	// Only the literal "true" acknowledges the disclaimer.
	for _, ack := range []string{"", "1", "TRUE", "yes"} {
		rec = fx.do(t, http.MethodGet, "/api/itineraries/"+id+"/download?format=gpx&acknowledged="+ack, "u1", nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, "acknowledged=%q", ack)
		assert.Equal(t, "validation_failed", decodeBody(t, rec)["error"])
	}

	rec = fx.do(t, http.MethodGet, "/api/itineraries/"+id+"/download?format=mapy&acknowledged=true", "u1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDownloadGeoJSONRoundTrips(t *testing.T) {
	fx := newAPIFixture(t)
	id := fx.submit(t, "u1", "n1")
	doc := trackDocument(5)
	fx.complete(t, id, doc)

	rec := fx.do(t, http.MethodGet, "/api/itineraries/"+id+"/download?format=geojson&acknowledged=true", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/geo+json; charset=utf-8", rec.Header().Get("Content-Type"))

	var decoded route.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	assert.Equal(t, doc, &decoded)
}

func TestMapyLinkSamples27PointsTo15(t *testing.T) {
	fx := newAPIFixture(t)
	id := fx.submit(t, "u1", "n1")
	doc := trackDocument(27)
	fx.complete(t, id, doc)

	rec := fx.do(t, http.MethodGet, "/api/itineraries/"+id+"/mapy?acknowledged=true", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	raw := decodeBody(t, rec)["url"].(string)
	u, err := url.Parse(raw)
	require.NoError(t, err)

	pairs := []string{u.Query().Get("start")}
	pairs = append(pairs, strings.Split(u.Query().Get("waypoints"), ";")...)
	pairs = append(pairs, u.Query().Get("end"))
	require.Len(t, pairs, 15)

	track := doc.FlattenedTrack()
	for k, pair := range pairs {
		idx := int(math.Round(float64(k) * 26 / 14))
		want := fmt.Sprintf("%.6f,%.6f", track[idx].Lon, track[idx].Lat)
		assert.Equal(t, want, pair, "pair %d should be source index %d in lon,lat order", k, idx)
	}
}

func TestGoogleLinkUsesLatLon(t *testing.T) {
	fx := newAPIFixture(t)
	id := fx.submit(t, "u1", "n1")
	doc := trackDocument(4)
	fx.complete(t, id, doc)

	rec := fx.do(t, http.MethodGet, "/api/itineraries/"+id+"/google?acknowledged=true", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	raw := decodeBody(t, rec)["url"].(string)
	u, err := url.Parse(raw)
	require.NoError(t, err)

	track := doc.FlattenedTrack()
	assert.Equal(t, fmt.Sprintf("%.6f,%.6f", track[0].Lat, track[0].Lon), u.Query().Get("origin"))
	assert.Equal(t, "driving", u.Query().Get("travelmode"))
}

func TestListEndpoint(t *testing.T) {
	fx := newAPIFixture(t)
	id := fx.submit(t, "u1", "n1")
	fx.complete(t, id, trackDocument(5))

	rec := fx.do(t, http.MethodGet, "/api/notes/n1/itineraries?status=completed", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeBody(t, rec)["data"].([]interface{})
	require.Len(t, data, 1)
	entry := data[0].(map[string]interface{})
	assert.Equal(t, id, entry["itinerary_id"])
	assert.Equal(t, "completed", entry["status"])

	rec = fx.do(t, http.MethodGet, "/api/notes/n1/itineraries?status=nonsense", "u1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = fx.do(t, http.MethodGet, "/api/notes/n1/itineraries?limit=0", "u1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = fx.do(t, http.MethodGet, "/api/notes/n1/itineraries?limit=500", "u1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	fx := newAPIFixture(t)
	rec := fx.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}
