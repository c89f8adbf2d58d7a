package ai

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/motoplan/motoplan/route"
)

// MockInvoker is a scripted Invoker for tests and local development.
// It replays ProgressSteps with StepDelay pauses, honours cancellation
// at every step, fails FailuresBeforeSuccess times with Fail, then
// returns Document.
type MockInvoker struct {
	Document      *route.Document
	Fail          *Failure
	ProgressSteps []int
	StepDelay     time.Duration

	// FailuresBeforeSuccess makes the first N calls return Fail and the
	// rest succeed, for exercising the coordinator's retry policy.
	FailuresBeforeSuccess int32

	calls atomic.Int32
}

// Calls reports how many times Generate ran.
func (m *MockInvoker) Calls() int {
	return int(m.calls.Load())
}

// Generate implements Invoker.
func (m *MockInvoker) Generate(ctx context.Context, prompt Prompt, onProgress ProgressFunc) (*route.Document, *Failure) {
	call := m.calls.Add(1)

	for _, step := range m.ProgressSteps {
		if m.StepDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, m.ctxFailure(ctx)
			case <-time.After(m.StepDelay):
			}
		} else if ctx.Err() != nil {
			return nil, m.ctxFailure(ctx)
		}
		if onProgress != nil {
			onProgress(step)
		}
	}

	if m.Fail != nil && (m.FailuresBeforeSuccess == 0 || call <= m.FailuresBeforeSuccess) {
		return nil, m.Fail
	}
	if ctx.Err() != nil {
		return nil, m.ctxFailure(ctx)
	}
	return m.Document, nil
}

func (m *MockInvoker) ctxFailure(ctx context.Context) *Failure {
	if ctx.Err() == context.DeadlineExceeded {
		return &Failure{Kind: FailTimeout, Message: "the model did not answer in time"}
	}
	return &Failure{Kind: FailCancelled, Message: "generation was cancelled"}
}
