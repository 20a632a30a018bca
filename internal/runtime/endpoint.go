package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	errspkg "github.com/drblury/stageflow/internal/runtime/errors"
	"github.com/drblury/stageflow/internal/runtime/trace"
)

// ProcessLambda is the processing function for a non-terminal stage. The
// state pointer is the endpoint's state for this flow; mutations are carried
// to the next stage by Request and Next.
type ProcessLambda[I, S, R any] func(ctx context.Context, pc ProcessContext[R], incoming I, state *S) error

// ProcessReturnLambda is the processing function for a last stage: its
// return value is automatically passed to Reply.
type ProcessReturnLambda[I, S, R any] func(ctx context.Context, pc ProcessContext[R], incoming I, state *S) (R, error)

// ProcessSingleLambda is the processing function for a single-stage
// endpoint. Single-stage endpoints have no state of their own, so none is
// passed.
type ProcessSingleLambda[I, R any] func(ctx context.Context, pc ProcessContext[R], incoming I) (R, error)

// ProcessTerminatorLambda is the processing function for a terminator. It
// has state, as the initiator typically sends state it wants the terminator
// to get; it has no reply.
type ProcessTerminatorLambda[I, S any] func(ctx context.Context, pc ProcessContext[Void], incoming I, state *S) error

// endpointState is the type-erased endpoint registered in the factory.
type endpointState struct {
	id string
	rt *Factory

	stateTypeName string
	replyTypeName string

	mu          sync.Mutex
	stages      []*stage
	finalized   bool
	concurrency int
}

// Endpoint is an ordered composition of stages sharing a state type S and a
// reply type R, exposed under a single id.
type Endpoint[S, R any] struct {
	inner *endpointState
}

// ID returns the endpoint's id.
func (e *Endpoint[S, R]) ID() string { return e.inner.id }

// Start starts all not-yet-started stages of the endpoint. If the factory
// has not been started yet, the endpoint is held and started by the factory.
func (e *Endpoint[S, R]) Start() { e.inner.rt.maybeStartEndpoint(e.inner) }

// Stop stops all stages, waiting up to the factory's stop grace period for
// in-flight scopes.
func (e *Endpoint[S, R]) Stop() { e.inner.stop(e.inner.rt.stopGrace) }

// IsRunning reports whether any stage of the endpoint is running.
func (e *Endpoint[S, R]) IsRunning() bool { return e.inner.isRunning() }

// Config returns the endpoint's configuration surface.
func (e *Endpoint[S, R]) Config() *EndpointConfig { return &EndpointConfig{ep: e.inner} }

// Stage appends a non-terminal stage with the given processing lambda and
// returns its configuration handle. Fails after the endpoint has been
// finalized by LastStage.
func Stage[I, S, R any](ep *Endpoint[S, R], fn ProcessLambda[I, S, R]) (*StageConfig, error) {
	if fn == nil {
		return nil, errspkg.ErrProcessorRequired
	}
	stg, err := ep.inner.addStage(typeNameOf[I](), makeProcess(fn), false)
	if err != nil {
		return nil, err
	}
	return stg.conf, nil
}

// LastStage appends the terminal stage and finalizes the endpoint, which
// also starts it (deferred until the factory starts, if it has not yet).
// The return-lambda's value is automatically passed to Reply.
func LastStage[I, S, R any](ep *Endpoint[S, R], fn ProcessReturnLambda[I, S, R]) (*StageConfig, error) {
	if fn == nil {
		return nil, errspkg.ErrProcessorRequired
	}
	stg, err := ep.inner.addStage(typeNameOf[I](), makeReturnProcess(fn), true)
	if err != nil {
		return nil, err
	}
	ep.inner.rt.maybeStartEndpoint(ep.inner)
	return stg.conf, nil
}

// EndpointConfig provides for both configuring the endpoint before start and
// introspecting the configuration.
type EndpointConfig struct {
	ep *endpointState
}

// SetConcurrency sets the default worker count for all stages of the
// endpoint. Zero means inherit from the factory.
func (c *EndpointConfig) SetConcurrency(n int) *EndpointConfig {
	c.ep.mu.Lock()
	c.ep.concurrency = n
	c.ep.mu.Unlock()
	return c
}

// Concurrency returns the endpoint's worker count, resolving inheritance.
func (c *EndpointConfig) Concurrency() int { return c.ep.concurrencyOrDefault() }

// IsConcurrencyDefault reports whether the concurrency is inherited from the
// factory rather than set on the endpoint.
func (c *EndpointConfig) IsConcurrencyDefault() bool {
	c.ep.mu.Lock()
	defer c.ep.mu.Unlock()
	return c.ep.concurrency == 0
}

// EndpointID returns the configured endpoint's id.
func (c *EndpointConfig) EndpointID() string { return c.ep.id }

// StateTypeName returns the declared name of the endpoint's state type.
func (c *EndpointConfig) StateTypeName() string { return c.ep.stateTypeName }

// ReplyTypeName returns the declared name of the endpoint's reply type.
func (c *EndpointConfig) ReplyTypeName() string { return c.ep.replyTypeName }

// IncomingTypeName returns the declared name of the endpoint's incoming
// type, decided by the first stage.
func (c *EndpointConfig) IncomingTypeName() string {
	c.ep.mu.Lock()
	defer c.ep.mu.Unlock()
	if len(c.ep.stages) == 0 {
		return ""
	}
	return c.ep.stages[0].incomingTypeName
}

// Stages returns the configuration handles of all stages, in invocation
// order. For single-stage endpoints and terminators the list is of size 1.
func (c *EndpointConfig) Stages() []*StageConfig {
	c.ep.mu.Lock()
	defer c.ep.mu.Unlock()
	stages := make([]*StageConfig, len(c.ep.stages))
	for i, stg := range c.ep.stages {
		stages[i] = stg.conf
	}
	return stages
}

// IsRunning reports whether any stage of the endpoint is running.
func (c *EndpointConfig) IsRunning() bool { return c.ep.isRunning() }

func (ep *endpointState) addStage(incomingTypeName string, process processFunc, last bool) (*stage, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.finalized {
		return nil, errspkg.ErrEndpointFinalized
	}

	index := len(ep.stages)
	id := ep.id
	if index > 0 {
		id = fmt.Sprintf("%s.%d", ep.id, index)
	}

	stg := &stage{
		id:               id,
		endpoint:         ep,
		index:            index,
		isLast:           last,
		incomingTypeName: incomingTypeName,
		process:          process,
		stats:            newStageStats(id),
	}
	stg.conf = &StageConfig{stg: stg}

	if index > 0 {
		ep.stages[index-1].nextStageID = id
	}
	if last {
		ep.finalized = true
	}
	ep.stages = append(ep.stages, stg)
	return stg, nil
}

func (ep *endpointState) startAll() {
	ep.mu.Lock()
	stages := make([]*stage, len(ep.stages))
	copy(stages, ep.stages)
	ep.mu.Unlock()
	for _, stg := range stages {
		stg.start()
	}
}

func (ep *endpointState) stop(grace time.Duration) {
	ep.mu.Lock()
	stages := make([]*stage, len(ep.stages))
	copy(stages, ep.stages)
	ep.mu.Unlock()
	for _, stg := range stages {
		stg.stop(grace)
	}
}

func (ep *endpointState) isRunning() bool {
	ep.mu.Lock()
	stages := make([]*stage, len(ep.stages))
	copy(stages, ep.stages)
	ep.mu.Unlock()
	for _, stg := range stages {
		if stg.conf.IsRunning() {
			return true
		}
	}
	return false
}

func (ep *endpointState) concurrencyOrDefault() int {
	ep.mu.Lock()
	n := ep.concurrency
	ep.mu.Unlock()
	if n > 0 {
		return n
	}
	return ep.rt.Concurrency()
}

// makeProcess adapts a typed ProcessLambda to the type-erased runtime: it
// decodes the incoming DTO and the state slot, snapshots the mutated state
// when an outgoing call is built, and dispatches.
func makeProcess[I, S, R any](fn ProcessLambda[I, S, R]) processFunc {
	return func(pc *processContext) error {
		incoming, state, err := decodeIncoming[I, S](pc)
		if err != nil {
			return err
		}
		pc.encodeState = func() (trace.TypedBlob, error) {
			return pc.serializer.Encode(*state)
		}
		return fn(pc.ctx, typedProcessContext[R]{pc}, incoming, state)
	}
}

// makeReturnProcess adapts a ProcessReturnLambda: the returned value is
// passed to Reply.
func makeReturnProcess[I, S, R any](fn ProcessReturnLambda[I, S, R]) processFunc {
	return func(pc *processContext) error {
		incoming, state, err := decodeIncoming[I, S](pc)
		if err != nil {
			return err
		}
		pc.encodeState = func() (trace.TypedBlob, error) {
			return pc.serializer.Encode(*state)
		}
		reply, err := fn(pc.ctx, typedProcessContext[R]{pc}, incoming, state)
		if err != nil {
			return err
		}
		return pc.reply(reply)
	}
}

func decodeIncoming[I, S any](pc *processContext) (I, *S, error) {
	var incoming I
	if err := pc.serializer.Decode(pc.tr.CurrentCall().Data, &incoming); err != nil {
		return incoming, nil, err
	}
	state := new(S)
	if !pc.tr.CurrentState.IsZero() {
		if err := pc.serializer.Decode(pc.tr.CurrentState, state); err != nil {
			return incoming, nil, err
		}
	}
	return incoming, state, nil
}

func typeNameOf[T any]() string {
	var zero T
	return fmt.Sprintf("%T", zero)
}
