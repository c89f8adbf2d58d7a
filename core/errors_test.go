package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	e := E(KindNotFound, "itinerary not found")
	assert.Equal(t, "not_found: itinerary not found", e.Error())

	wrapped := &Error{Kind: KindServerError, Message: "lookup failed", Err: errors.New("conn refused")}
	assert.Equal(t, "server_error: lookup failed: conn refused", wrapped.Error())
	assert.ErrorIs(t, wrapped, wrapped.Err)
}

func TestWithDetailAndRetryAfter(t *testing.T) {
	e := E(KindGenerationInProgress, "already running").
		WithDetail("itinerary_id", "it-1").
		WithRetryAfter(30)

	assert.Equal(t, "it-1", e.Details["itinerary_id"])
	assert.Equal(t, 30, e.RetryAfter)
}

func TestKindOf(t *testing.T) {
	e := E(KindProfileIncomplete, "fill in your preferences")
	assert.Equal(t, KindProfileIncomplete, KindOf(e))
	assert.Equal(t, KindProfileIncomplete, KindOf(fmt.Errorf("wrapped: %w", e)))
	assert.Equal(t, KindServerError, KindOf(errors.New("plain")))
}
