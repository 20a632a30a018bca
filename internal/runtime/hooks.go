package runtime

import (
	"context"
	"time"
)

// StageScope provides information about one message scope to hooks.
type StageScope struct {
	// StageID is the id of the stage processing the message.
	StageID string
	// EndpointID is the id of the stage's endpoint.
	EndpointID string
	// TraceID is the flow's trace id.
	TraceID string
	// MessageID is the unique id of the broker message.
	MessageID string
	// Redelivered is true when the broker marked the message as redelivered.
	Redelivered bool
	// Context is the context associated with the worker.
	Context context.Context
	// StartedAt is when the scope started processing.
	StartedAt time.Time
	// Duration is how long the scope took (only set in OnStageDone and
	// OnStageError).
	Duration time.Duration
}

// StageHooks defines callbacks around stage message processing. All hooks
// are optional - nil hooks are simply not called.
type StageHooks struct {
	// OnStageStart is called after a message has been received and decoded,
	// before the processing lambda runs.
	OnStageStart func(scope StageScope)

	// OnStageDone is called after the scope committed.
	OnStageDone func(scope StageScope)

	// OnStageError is called after the scope rolled back, with the error
	// that caused it.
	OnStageError func(scope StageScope, err error)
}

// Merge combines two StageHooks, creating a new StageHooks that calls both.
// The hooks from other are called after the hooks from h.
func (h StageHooks) Merge(other StageHooks) StageHooks {
	return StageHooks{
		OnStageStart: chainStartHooks(h.OnStageStart, other.OnStageStart),
		OnStageDone:  chainDoneHooks(h.OnStageDone, other.OnStageDone),
		OnStageError: chainErrorHooks(h.OnStageError, other.OnStageError),
	}
}

func chainStartHooks(a, b func(StageScope)) func(StageScope) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(scope StageScope) {
		a(scope)
		b(scope)
	}
}

func chainDoneHooks(a, b func(StageScope)) func(StageScope) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(scope StageScope) {
		a(scope)
		b(scope)
	}
}

func chainErrorHooks(a, b func(StageScope, error)) func(StageScope, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(scope StageScope, err error) {
		a(scope, err)
		b(scope, err)
	}
}
