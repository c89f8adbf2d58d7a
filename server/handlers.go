package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/motoplan/motoplan/core"
	"github.com/motoplan/motoplan/generation"
)

type generateRequest struct {
	RequestID string `json:"request_id"`
}

type recordSummary struct {
	ItineraryID string `json:"itinerary_id"`
	NoteID      string `json:"note_id"`
	Version     int64  `json:"version"`
	Status      string `json:"status"`
	RequestID   string `json:"request_id,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

func summarize(rec *generation.Record, withUpdated bool) recordSummary {
	s := recordSummary{
		ItineraryID: rec.ItineraryID,
		NoteID:      rec.NoteID,
		Version:     rec.Version,
		Status:      string(rec.Status),
		RequestID:   rec.RequestID,
		CreatedAt:   rec.CreatedAt.UTC().Format(time.RFC3339),
	}
	if withUpdated {
		s.RequestID = ""
		s.UpdatedAt = rec.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return s
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, core.E(core.KindValidationFailed, "request body must be JSON").
			WithDetail("field", "body"))
		return
	}

	rec, _, err := s.coordinator.Generate(r.Context(), viewerFrom(r), chi.URLParam(r, "noteID"), req.RequestID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, summarize(rec, false))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.coordinator.PollStatus(r.Context(), viewerFrom(r), chi.URLParam(r, "itineraryID"))
	if err != nil {
		writeError(w, err)
		return
	}

	body := map[string]interface{}{
		"itinerary_id": rec.ItineraryID,
		"note_id":      rec.NoteID,
		"version":      rec.Version,
		"status":       string(rec.Status),
	}
	switch rec.Status {
	case generation.StatusPending, generation.StatusRunning:
		body["progress"] = rec.Progress
	case generation.StatusCompleted:
		body["progress"] = rec.Progress
		body["route_geojson"] = rec.Route
	case generation.StatusFailed:
		body["error"] = rec.Error
	case generation.StatusCancelled:
		if rec.CancelledAt != nil {
			body["cancelled_at"] = rec.CancelledAt.UTC().Format(time.RFC3339)
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	rec, err := s.coordinator.Cancel(r.Context(), viewerFrom(r), chi.URLParam(r, "itineraryID"))
	if err != nil {
		writeError(w, err)
		return
	}

	body := map[string]interface{}{
		"itinerary_id": rec.ItineraryID,
		"status":       string(rec.Status),
	}
	if rec.CancelledAt != nil {
		body["cancelled_at"] = rec.CancelledAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format != generation.FormatGPX && format != generation.FormatGeoJSON {
		writeError(w, core.E(core.KindValidationFailed, "format must be gpx or geojson").
			WithDetail("field", "format"))
		return
	}

	res, err := s.coordinator.Export(r.Context(), viewerFrom(r),
		chi.URLParam(r, "itineraryID"), format, acknowledged(r))
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", res.ContentType+"; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", res.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Body)
}

func (s *Server) handleMapy(w http.ResponseWriter, r *http.Request) {
	s.handleLink(w, r, generation.FormatMapy)
}

func (s *Server) handleGoogle(w http.ResponseWriter, r *http.Request) {
	s.handleLink(w, r, generation.FormatGoogle)
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request, format string) {
	res, err := s.coordinator.Export(r.Context(), viewerFrom(r),
		chi.URLParam(r, "itineraryID"), format, acknowledged(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": res.URL})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 20
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			writeError(w, core.E(core.KindValidationFailed, "limit must be between 1 and 100").
				WithDetail("field", "limit"))
			return
		}
		limit = n
	}

	var status generation.Status
	if raw := q.Get("status"); raw != "" {
		if !generation.ValidStatus(raw) {
			writeError(w, core.E(core.KindValidationFailed, "unknown status filter").
				WithDetail("field", "status"))
			return
		}
		status = generation.Status(raw)
	}

	records, err := s.coordinator.ListByNote(r.Context(), viewerFrom(r),
		chi.URLParam(r, "noteID"), status, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	data := make([]recordSummary, 0, len(records))
	for _, rec := range records {
		data = append(data, summarize(rec, true))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": data})
}

// acknowledged accepts only the literal "true".
func acknowledged(r *http.Request) bool {
	return r.URL.Query().Get("acknowledged") == "true"
}
