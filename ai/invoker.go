// Package ai abstracts the remote model call that turns a resolved
// prompt into a Route Document. The invoker is a narrow interface: one
// call, cooperative cancellation through the context, optional
// non-decreasing progress reports, and a typed failure instead of raw
// provider errors. Retry policy lives in the coordinator, never here.
package ai

import (
	"context"
	"time"

	"github.com/motoplan/motoplan/route"
)

// FailureKind classifies an invoker failure.
type FailureKind string

const (
	FailRateLimited   FailureKind = "rate_limited"
	FailModelError    FailureKind = "model_error"
	FailTimeout       FailureKind = "timeout"
	FailNetwork       FailureKind = "network"
	FailCancelled     FailureKind = "cancelled"
	FailInvalidOutput FailureKind = "invalid_output"
)

// Failure is the typed outcome of an unsuccessful invocation. Message
// is sanitized; upstream response text never passes through verbatim.
type Failure struct {
	Kind      FailureKind
	Message   string
	RetryHint time.Duration // provider-suggested backoff, zero if none
}

// Error implements the error interface.
func (f *Failure) Error() string {
	return string(f.Kind) + ": " + f.Message
}

// Transient reports whether the coordinator may retry the call.
func (f *Failure) Transient() bool {
	return f.Kind == FailNetwork || f.Kind == FailRateLimited
}

// Prompt is a resolved prompt ready for the model.
type Prompt struct {
	System string
	User   string
}

// ProgressFunc receives progress percentages in [0, 100]. Reports are
// non-decreasing; the invoker calls it from a single goroutine.
type ProgressFunc func(percent int)

// Invoker produces a Route Document from a prompt, or a typed failure.
// The returned document is always fully parsed and schema-checked;
// malformed model output yields FailInvalidOutput, never a partial
// document. Implementations observe ctx at least once per streamed
// chunk and on every blocking call, and never retry internally.
type Invoker interface {
	Generate(ctx context.Context, prompt Prompt, onProgress ProgressFunc) (*route.Document, *Failure)
}
