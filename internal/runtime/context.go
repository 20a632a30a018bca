package runtime

import (
	"context"
	"database/sql"

	"github.com/drblury/stageflow/broker"
	codecpkg "github.com/drblury/stageflow/internal/runtime/codec"
	errspkg "github.com/drblury/stageflow/internal/runtime/errors"
	idspkg "github.com/drblury/stageflow/internal/runtime/ids"
	"github.com/drblury/stageflow/internal/runtime/trace"
	txpkg "github.com/drblury/stageflow/internal/runtime/tx"
)

// Void is the absent state or reply type: terminators have a Void reply,
// single-stage endpoints have a Void state.
type Void struct{}

// ProcessContext is the way a process stage communicates with the library:
// sending a request, replying, jumping to the next stage, attaching sideband
// payloads, reading and writing trace properties, initiating new flows, and
// joining the scope's SQL transaction.
//
// At most one of Request, Reply, or Next may succeed per stage; a second
// successful outgoing call fails with ErrMultipleOutgoing.
type ProcessContext[R any] interface {
	// EndpointID returns the id of the endpoint being processed.
	EndpointID() string

	// StageID returns the id of the stage being processed. Equal to
	// EndpointID for the first stage.
	StageID() string

	// TraceID returns the flow's trace id.
	TraceID() string

	// Trace returns the incoming envelope, for introspection.
	Trace() *trace.Trace

	// GetBytes returns the binary sideband payload attached by the previous
	// hop under the given key.
	GetBytes(key string) []byte

	// GetString returns the string sideband payload attached by the
	// previous hop under the given key.
	GetString(key string) string

	// AddBytes attaches a binary payload to the next outgoing message.
	AddBytes(key string, payload []byte)

	// AddString attaches a string payload to the next outgoing message.
	AddString(key string, payload string)

	// SetTraceProperty adds a property that sticks with the flow from this
	// call on out, like a dynamically scoped variable: every subsequent
	// stage on any stack level sees it, including the terminator.
	SetTraceProperty(name string, value any) error

	// GetTraceProperty decodes the named flow property into the supplied
	// pointer. Leaves the target untouched when the property is absent.
	GetTraceProperty(name string, into any) error

	// HasTraceProperty reports whether the named flow property is present.
	HasTraceProperty(name string) bool

	// SQLTransaction lazily joins the scope's SQL transaction. The
	// transaction commits right before the broker transaction when the
	// scope succeeds, and rolls back when it fails; user code must not
	// end it.
	SQLTransaction(ctx context.Context) (*sql.Tx, error)

	// Request invokes the target endpoint, with the reply routed to the
	// next stage of this endpoint. Fails on the last stage: there is no
	// next stage to receive the reply.
	Request(endpointID string, requestDTO any) error

	// Reply sends a reply to the requesting endpoint. Silently ignored if
	// there is nothing on the stack, which is the case for a terminator and
	// for an endpoint that was invoked with a plain send.
	Reply(reply R) error

	// Next passes the flow directly to the next stage of this endpoint,
	// skipping a request. Fails on the last stage.
	Next(nextDTO any) error

	// Initiate creates one or more new messages that join this scope's
	// broker transaction, independent of the current flow's outgoing
	// message.
	Initiate(fn InitiateLambda) error
}

// InitiateLambda receives the builder on which to create the messages to be
// sent.
type InitiateLambda func(msg *Initiate) error

// processContext is the type-erased engine behind ProcessContext. It builds
// the single outgoing trace and collects initiations; the stage runtime
// flushes both onto the broker session after the lambda returns.
type processContext struct {
	ctx        context.Context
	stg        *stage
	tr         *trace.Trace
	serializer codecpkg.Serializer
	demarc     *txpkg.Demarcation

	// encodeState snapshots the user's (possibly mutated) state object at
	// the moment an outgoing call is built.
	encodeState func() (trace.TypedBlob, error)

	outgoing     *trace.Trace
	pendingProps map[string]trace.TypedBlob
	pendingBin   map[string][]byte
	pendingStr   map[string]string
	initiations  []*trace.Trace
}

func newProcessContext(ctx context.Context, stg *stage, tr *trace.Trace, demarc *txpkg.Demarcation) *processContext {
	return &processContext{
		ctx:        ctx,
		stg:        stg,
		tr:         tr,
		serializer: stg.endpoint.rt.serializer,
		demarc:     demarc,
		encodeState: func() (trace.TypedBlob, error) {
			return trace.TypedBlob{}, nil
		},
	}
}

func (pc *processContext) endpointID() string { return pc.stg.endpoint.id }
func (pc *processContext) stageID() string    { return pc.stg.id }
func (pc *processContext) traceID() string    { return pc.tr.TraceID }

func (pc *processContext) getBytes(key string) []byte  { return pc.tr.Binary(key) }
func (pc *processContext) getString(key string) string { return pc.tr.SidebandString(key) }

func (pc *processContext) addBytes(key string, payload []byte) {
	if pc.pendingBin == nil {
		pc.pendingBin = make(map[string][]byte)
	}
	pc.pendingBin[key] = payload
}

func (pc *processContext) addString(key, payload string) {
	if pc.pendingStr == nil {
		pc.pendingStr = make(map[string]string)
	}
	pc.pendingStr[key] = payload
}

func (pc *processContext) setTraceProperty(name string, value any) error {
	blob, err := pc.serializer.Encode(value)
	if err != nil {
		return err
	}
	if pc.pendingProps == nil {
		pc.pendingProps = make(map[string]trace.TypedBlob)
	}
	pc.pendingProps[name] = blob
	return nil
}

func (pc *processContext) getTraceProperty(name string, into any) error {
	if blob, ok := pc.pendingProps[name]; ok {
		return pc.serializer.Decode(blob, into)
	}
	blob, ok := pc.tr.Property(name)
	if !ok {
		return nil
	}
	return pc.serializer.Decode(blob, into)
}

func (pc *processContext) hasTraceProperty(name string) bool {
	if _, ok := pc.pendingProps[name]; ok {
		return true
	}
	_, ok := pc.tr.Property(name)
	return ok
}

func (pc *processContext) sqlTransaction(ctx context.Context) (*sql.Tx, error) {
	return pc.demarc.SQLTransaction(ctx)
}

func (pc *processContext) request(endpointID string, requestDTO any) error {
	if pc.outgoing != nil {
		return errspkg.ErrMultipleOutgoing
	}
	if pc.stg.isLast {
		return errspkg.ErrRequestOnLastStage
	}
	data, err := pc.serializer.Encode(requestDTO)
	if err != nil {
		return err
	}
	state, err := pc.encodeState()
	if err != nil {
		return err
	}
	pc.outgoing = pc.tr.AddRequestCall(pc.stg.id, endpointID, data, pc.stg.nextStageID, state)
	return nil
}

func (pc *processContext) reply(replyDTO any) error {
	if pc.outgoing != nil {
		return errspkg.ErrMultipleOutgoing
	}
	data, err := pc.serializer.Encode(replyDTO)
	if err != nil {
		return err
	}
	next, ok := pc.tr.AddReplyCall(pc.stg.id, data)
	if !ok {
		// Nothing on the stack: terminator, or endpoint entered by a plain
		// send. The REPLY contract makes this a no-op.
		return nil
	}
	pc.outgoing = next
	return nil
}

func (pc *processContext) next(nextDTO any) error {
	if pc.outgoing != nil {
		return errspkg.ErrMultipleOutgoing
	}
	if pc.stg.isLast {
		return errspkg.ErrNextOnLastStage
	}
	data, err := pc.serializer.Encode(nextDTO)
	if err != nil {
		return err
	}
	state, err := pc.encodeState()
	if err != nil {
		return err
	}
	pc.outgoing = pc.tr.AddNextCall(pc.stg.id, pc.stg.nextStageID, data, state)
	return nil
}

func (pc *processContext) initiate(fn InitiateLambda) error {
	msg := &Initiate{
		serializer:    pc.serializer,
		defaultFrom:   pc.stg.id,
		parentTraceID: pc.tr.TraceID,
		demarc:        pc.demarc,
	}
	if err := fn(msg); err != nil {
		return err
	}
	pc.initiations = append(pc.initiations, msg.built...)
	return nil
}

// flush encodes the outgoing trace (if one was built) and all initiations,
// and sends them on the scope's broker session. Runs inside the coordinator
// scope, so a failing send rolls the whole scope back.
func (pc *processContext) flush(session broker.Session) error {
	if pc.outgoing != nil {
		out := pc.outgoing
		for name, blob := range pc.pendingProps {
			out = out.SetProperty(name, blob)
		}
		for key, payload := range pc.pendingBin {
			out = out.AddBinary(key, payload)
		}
		for key, payload := range pc.pendingStr {
			out = out.AddString(key, payload)
		}
		if err := sendTrace(session, pc.serializer, out); err != nil {
			return err
		}
	}
	for _, initiated := range pc.initiations {
		if err := sendTrace(session, pc.serializer, initiated); err != nil {
			return err
		}
	}
	return nil
}

func sendTrace(session broker.Session, serializer codecpkg.Serializer, tr *trace.Trace) error {
	body, err := serializer.EncodeTrace(tr)
	if err != nil {
		return err
	}
	headers := map[string]string{
		broker.HeaderTraceID:   tr.TraceID,
		broker.HeaderMessageID: idspkg.CreateULID(),
	}
	if err := session.Send(tr.CurrentCall().To, body, headers); err != nil {
		return &errspkg.BrokerError{Op: "send", Err: err}
	}
	return nil
}

// typedProcessContext adapts the untyped engine to the generic surface.
type typedProcessContext[R any] struct {
	pc *processContext
}

func (c typedProcessContext[R]) EndpointID() string { return c.pc.endpointID() }
func (c typedProcessContext[R]) StageID() string    { return c.pc.stageID() }
func (c typedProcessContext[R]) TraceID() string    { return c.pc.traceID() }

func (c typedProcessContext[R]) Trace() *trace.Trace { return c.pc.tr }

func (c typedProcessContext[R]) GetBytes(key string) []byte  { return c.pc.getBytes(key) }
func (c typedProcessContext[R]) GetString(key string) string { return c.pc.getString(key) }

func (c typedProcessContext[R]) AddBytes(key string, payload []byte) { c.pc.addBytes(key, payload) }
func (c typedProcessContext[R]) AddString(key, payload string)       { c.pc.addString(key, payload) }

func (c typedProcessContext[R]) SetTraceProperty(name string, value any) error {
	return c.pc.setTraceProperty(name, value)
}

func (c typedProcessContext[R]) GetTraceProperty(name string, into any) error {
	return c.pc.getTraceProperty(name, into)
}

func (c typedProcessContext[R]) HasTraceProperty(name string) bool {
	return c.pc.hasTraceProperty(name)
}

func (c typedProcessContext[R]) SQLTransaction(ctx context.Context) (*sql.Tx, error) {
	return c.pc.sqlTransaction(ctx)
}

func (c typedProcessContext[R]) Request(endpointID string, requestDTO any) error {
	return c.pc.request(endpointID, requestDTO)
}

func (c typedProcessContext[R]) Reply(reply R) error { return c.pc.reply(reply) }

func (c typedProcessContext[R]) Next(nextDTO any) error { return c.pc.next(nextDTO) }

func (c typedProcessContext[R]) Initiate(fn InitiateLambda) error { return c.pc.initiate(fn) }
