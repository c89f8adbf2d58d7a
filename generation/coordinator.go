package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/motoplan/motoplan/core"
	"github.com/motoplan/motoplan/export"
)

// Export formats accepted by Export.
const (
	FormatGPX     = "gpx"
	FormatGeoJSON = "geojson"
	FormatMapy    = "mapy"
	FormatGoogle  = "google"
)

// ExportResult is the outcome of a successful Export. Body and
// ContentType are set for file formats; URL for deep-link formats.
type ExportResult struct {
	ContentType string
	Filename    string
	Body        []byte
	URL         string
}

// Coordinator owns the generation state machine. It is the only writer
// of record status outside the worker pool, and every policy the API
// enforces lives here: idempotent submission, profile completeness,
// note ownership, the single-active-job rule, and the spend cap.
type Coordinator struct {
	store     Store
	queue     Queue
	notes     core.NoteSource
	prefs     core.PreferenceSource
	genCfg    core.GenerationConfig
	exportCfg core.ExportConfig
	logger    core.Logger
	telemetry core.Telemetry
	now       func() time.Time
}

// CoordinatorConfig wires the coordinator's collaborators.
type CoordinatorConfig struct {
	Store       Store
	Queue       Queue
	Notes       core.NoteSource
	Preferences core.PreferenceSource
	Generation  core.GenerationConfig
	Export      core.ExportConfig
	Logger      core.Logger
	Telemetry   core.Telemetry
}

// NewCoordinator creates a coordinator. Store, Queue, Notes, and
// Preferences are required; Logger and Telemetry fall back to no-ops.
func NewCoordinator(config CoordinatorConfig) (*Coordinator, error) {
	if config.Store == nil || config.Queue == nil {
		return nil, fmt.Errorf("%w: store and queue are required", core.ErrMissingConfiguration)
	}
	if config.Notes == nil || config.Preferences == nil {
		return nil, fmt.Errorf("%w: note and preference sources are required", core.ErrMissingConfiguration)
	}
	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	telemetry := config.Telemetry
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}
	return &Coordinator{
		store:     config.Store,
		queue:     config.Queue,
		notes:     config.Notes,
		prefs:     config.Preferences,
		genCfg:    config.Generation,
		exportCfg: config.Export,
		logger:    core.ComponentLogger(logger, "generation/coordinator"),
		telemetry: telemetry,
		now:       time.Now,
	}, nil
}

// Generate accepts a generation request for a note. Preconditions are
// checked in a fixed order and the first failure wins: idempotency,
// profile completeness, note ownership, single active job, spend cap.
// The returned bool is true when the request id resolved to an
// existing record instead of creating one.
func (c *Coordinator) Generate(ctx context.Context, ownerID, noteID, requestID string) (*Record, bool, error) {
	ctx, span := c.telemetry.StartSpan(ctx, "generation.generate")
	defer span.End()
	span.SetAttribute("note_id", noteID)

	if ownerID == "" {
		return nil, false, core.E(core.KindUnauthorized, "authentication required")
	}
	if noteID == "" {
		return nil, false, core.E(core.KindValidationFailed, "note id is required").
			WithDetail("field", "note_id")
	}
	if _, err := uuid.Parse(requestID); err != nil {
		return nil, false, core.E(core.KindValidationFailed, "request_id must be a UUID").
			WithDetail("field", "request_id")
	}

	// Idempotency: a request id the owner already submitted resolves to
	// that record, whatever state it has reached since.
	if existing, err := c.store.FindByRequestID(ctx, ownerID, requestID); err != nil {
		return nil, false, c.internal(span, "idempotency lookup failed", err)
	} else if existing != nil {
		return existing, true, nil
	}

	profile, err := c.prefs.Get(ctx, ownerID)
	if err != nil {
		return nil, false, c.internal(span, "preference lookup failed", err)
	}
	if !profile.Complete() {
		return nil, false, core.E(core.KindProfileIncomplete, "complete your riding preferences before generating")
	}

	note, err := c.notes.Get(ctx, ownerID, noteID)
	if err != nil {
		return nil, false, c.internal(span, "note lookup failed", err)
	}
	if note == nil {
		return nil, false, core.E(core.KindNotFound, "note not found")
	}
	if note.Archived {
		return nil, false, core.E(core.KindValidationFailed, "note is archived").
			WithDetail("field", "note_id")
	}

	if active, err := c.store.FindActive(ctx, ownerID, noteID); err != nil {
		return nil, false, c.internal(span, "active lookup failed", err)
	} else if active != nil {
		return nil, false, core.E(core.KindGenerationInProgress, "a generation is already running for this note").
			WithDetail("itinerary_id", active.ItineraryID)
	}

	if err := c.checkSpendCap(ctx, ownerID); err != nil {
		return nil, false, err
	}

	now := c.now().UTC()
	rec := &Record{
		ItineraryID: ulid.Make().String(),
		NoteID:      noteID,
		OwnerID:     ownerID,
		Status:      StatusPending,
		RequestID:   requestID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	created, err := c.store.Create(ctx, rec, c.activeTTL())
	if err != nil {
		var dup *DuplicateRequestError
		var active *ActiveJobError
		switch {
		case errors.As(err, &dup):
			// Lost a submission race on the same request id; the
			// winner's record is this request's record.
			winner, gerr := c.store.Get(ctx, dup.ItineraryID)
			if gerr != nil {
				return nil, false, c.internal(span, "duplicate resolution failed", gerr)
			}
			return winner, true, nil
		case errors.As(err, &active):
			return nil, false, core.E(core.KindGenerationInProgress, "a generation is already running for this note").
				WithDetail("itinerary_id", active.ItineraryID)
		default:
			return nil, false, c.internal(span, "record creation failed", err)
		}
	}

	if err := c.queue.Enqueue(ctx, created.ItineraryID); err != nil {
		failure := &RecordError{Kind: core.KindServerError, Message: "could not schedule generation"}
		if uerr := c.store.UpdateStatus(ctx, created.ItineraryID, StatusPending, StatusFailed,
			StatusUpdate{Error: failure}); uerr != nil {
			c.logger.Error("Failed to fail unqueued record", map[string]interface{}{
				"itinerary_id": created.ItineraryID,
				"error":        uerr.Error(),
			})
		}
		return nil, false, c.internal(span, "enqueue failed", err)
	}

	c.telemetry.RecordMetric("motoplan.generation.submitted", 1, map[string]string{
		"status": string(StatusPending),
	})
	c.logger.Info("Generation accepted", map[string]interface{}{
		"itinerary_id": created.ItineraryID,
		"note_id":      noteID,
		"version":      created.Version,
	})
	return created, false, nil
}

// PollStatus returns a snapshot of a record the viewer owns.
func (c *Coordinator) PollStatus(ctx context.Context, viewerID, itineraryID string) (*Record, error) {
	rec, err := c.authorized(ctx, viewerID, itineraryID)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Cancel flags a non-terminal record for cancellation and returns a
// fresh snapshot. It never waits for the worker to observe the flag.
func (c *Coordinator) Cancel(ctx context.Context, viewerID, itineraryID string) (*Record, error) {
	ctx, span := c.telemetry.StartSpan(ctx, "generation.cancel")
	defer span.End()

	rec, err := c.authorized(ctx, viewerID, itineraryID)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return nil, core.E(core.KindCannotCancel, "generation already finished").
			WithDetail("status", string(rec.Status))
	}

	if err := c.store.SetCancelRequested(ctx, itineraryID); err != nil {
		if errors.Is(err, ErrRecordTerminal) {
			// The worker settled the record between our snapshot and
			// the flag write; report the final status instead.
			fresh, gerr := c.store.Get(ctx, itineraryID)
			if gerr != nil {
				return nil, c.internal(span, "cancel snapshot failed", gerr)
			}
			return nil, core.E(core.KindCannotCancel, "generation already finished").
				WithDetail("status", string(fresh.Status))
		}
		return nil, c.internal(span, "cancel flag failed", err)
	}
	c.logger.Info("Cancellation requested", map[string]interface{}{
		"itinerary_id": itineraryID,
	})
	return c.store.Get(ctx, itineraryID)
}

// Export renders a completed itinerary in the requested format. The
// caller must have acknowledged the route-accuracy disclaimer.
func (c *Coordinator) Export(ctx context.Context, viewerID, itineraryID, format string, acknowledged bool) (*ExportResult, error) {
	_, span := c.telemetry.StartSpan(ctx, "generation.export")
	defer span.End()
	span.SetAttribute("format", format)

	rec, err := c.authorized(ctx, viewerID, itineraryID)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusCompleted {
		return nil, core.E(core.KindIncomplete, "itinerary is not completed").
			WithDetail("status", string(rec.Status))
	}
	if !acknowledged {
		return nil, core.E(core.KindValidationFailed, "acknowledge the route disclaimer to export").
			WithDetail("field", "acknowledged")
	}
	if rec.Route == nil {
		return nil, core.E(core.KindServerError, "completed record has no route")
	}

	title := rec.Route.Properties.Title
	precision := c.exportCfg.CoordinatePrecision

	switch format {
	case FormatGPX:
		return &ExportResult{
			ContentType: "application/gpx+xml",
			Filename:    export.Filename(title, "gpx"),
			Body:        export.GPX(rec.Route, precision),
		}, nil
	case FormatGeoJSON:
		body, err := export.GeoJSON(rec.Route)
		if err != nil {
			return nil, c.internal(span, "geojson encoding failed", err)
		}
		return &ExportResult{
			ContentType: "application/geo+json",
			Filename:    export.Filename(title, "geojson"),
			Body:        body,
		}, nil
	case FormatMapy:
		url, err := export.MapyURL(rec.Route, c.exportCfg.MapyPointLimit, precision)
		if err != nil {
			return nil, c.urlError(err)
		}
		return &ExportResult{URL: url}, nil
	case FormatGoogle:
		url, err := export.GoogleURL(rec.Route, c.exportCfg.GooglePointLimit, precision)
		if err != nil {
			return nil, c.urlError(err)
		}
		return &ExportResult{URL: url}, nil
	default:
		return nil, core.E(core.KindValidationFailed, "unknown export format").
			WithDetail("field", "format")
	}
}

// ListByNote returns the viewer's generation history for a note,
// newest first, optionally filtered by status.
func (c *Coordinator) ListByNote(ctx context.Context, viewerID, noteID string, status Status, limit int) ([]*Record, error) {
	if viewerID == "" {
		return nil, core.E(core.KindUnauthorized, "authentication required")
	}
	note, err := c.notes.Get(ctx, viewerID, noteID)
	if err != nil {
		return nil, core.E(core.KindServerError, "note lookup failed")
	}
	if note == nil {
		return nil, core.E(core.KindNotFound, "note not found")
	}
	records, err := c.store.ListByNote(ctx, viewerID, noteID, status, limit)
	if err != nil {
		return nil, core.E(core.KindServerError, "listing failed")
	}
	return records, nil
}

// authorized loads a record and enforces viewer == owner.
func (c *Coordinator) authorized(ctx context.Context, viewerID, itineraryID string) (*Record, error) {
	if viewerID == "" {
		return nil, core.E(core.KindUnauthorized, "authentication required")
	}
	rec, err := c.store.Get(ctx, itineraryID)
	if errors.Is(err, core.ErrRecordNotFound) {
		return nil, core.E(core.KindNotFound, "itinerary not found")
	}
	if err != nil {
		return nil, core.E(core.KindServerError, "record lookup failed")
	}
	if rec.OwnerID != viewerID {
		return nil, core.E(core.KindUnauthorized, "itinerary belongs to another rider")
	}
	return rec, nil
}

// checkSpendCap rejects a submission that would push the rolling-window
// spend past the cap, with a hint for when the window next advances.
func (c *Coordinator) checkSpendCap(ctx context.Context, ownerID string) error {
	if c.genCfg.SpendCap <= 0 {
		return nil
	}
	now := c.now().UTC()
	since := now.Add(-c.genCfg.SpendWindow)

	spent, err := c.store.SpendSince(ctx, ownerID, since)
	if err != nil {
		return core.E(core.KindServerError, "spend lookup failed")
	}
	if spent+c.genCfg.CostPerCall <= c.genCfg.SpendCap {
		return nil
	}

	retryAfter := int(c.genCfg.SpendWindow / time.Second)
	if oldest, err := c.store.OldestCostSince(ctx, ownerID, since); err == nil && oldest != nil {
		if secs := int(oldest.Add(c.genCfg.SpendWindow).Sub(now)/time.Second) + 1; secs > 0 {
			retryAfter = secs
		}
	}
	return core.E(core.KindServiceLimitReached, "generation budget exhausted for this period").
		WithRetryAfter(retryAfter)
}

// activeTTL bounds how long a crashed worker can hold the per-note
// active slot: the job deadline plus slack for terminal bookkeeping.
func (c *Coordinator) activeTTL() time.Duration {
	return c.genCfg.JobDeadline + time.Minute
}

func (c *Coordinator) internal(span core.Span, msg string, err error) error {
	span.RecordError(err)
	c.logger.Error(msg, map[string]interface{}{"error": err.Error()})
	return &core.Error{Kind: core.KindServerError, Message: "internal error", Err: err}
}

func (c *Coordinator) urlError(err error) error {
	switch {
	case errors.Is(err, export.ErrTooManyPoints):
		return core.E(core.KindTooManyPoints, "route has too many points for this provider")
	case errors.Is(err, export.ErrRouteTooShort):
		return core.E(core.KindInvalidRoute, "route is too short to link")
	default:
		return &core.Error{Kind: core.KindServerError, Message: "link generation failed", Err: err}
	}
}
