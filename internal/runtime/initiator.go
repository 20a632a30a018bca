package runtime

import (
	"context"
	"database/sql"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	codecpkg "github.com/drblury/stageflow/internal/runtime/codec"
	errspkg "github.com/drblury/stageflow/internal/runtime/errors"
	idspkg "github.com/drblury/stageflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/stageflow/internal/runtime/logging"
	"github.com/drblury/stageflow/internal/runtime/trace"
	txpkg "github.com/drblury/stageflow/internal/runtime/tx"
)

// Initiate is the builder on which initiations create their messages: set
// from/to/replyTo/traceId, then Send, SendWithState, Request, or Next. Every
// message built in one initiation joins the same broker transaction.
//
// The builder keeps its configuration between sends, so several messages to
// the same target only need To set once.
type Initiate struct {
	serializer  codecpkg.Serializer
	defaultFrom string
	// parentTraceID is set for initiations made from inside a stage: the
	// new flow's trace id appends to the surrounding flow's id.
	parentTraceID string
	demarc        *txpkg.Demarcation

	traceID string
	from    string
	to      string
	replyTo string

	props map[string]trace.TypedBlob
	bin   map[string][]byte
	str   map[string]string

	built []*trace.Trace
}

// TraceID sets the trace id for the messages built next. For initiations
// made from a stage, the id is appended to the surrounding flow's trace id.
// If never set, a ULID is generated (or the surrounding id reused).
func (m *Initiate) TraceID(id string) *Initiate {
	m.traceID = id
	return m
}

// From sets the originator id stamped on the call. Defaults to the
// initiator's id, or the stage id for initiations made from a stage.
func (m *Initiate) From(id string) *Initiate {
	m.from = id
	return m
}

// To sets the target endpoint id.
func (m *Initiate) To(id string) *Initiate {
	m.to = id
	return m
}

// ReplyTo sets the endpoint the reply is routed to, typically a terminator.
// Required for Request.
func (m *Initiate) ReplyTo(id string) *Initiate {
	m.replyTo = id
	return m
}

// SetTraceProperty adds a flow property visible to every stage of the new
// flow, including the terminator.
func (m *Initiate) SetTraceProperty(name string, value any) error {
	blob, err := m.serializer.Encode(value)
	if err != nil {
		return err
	}
	if m.props == nil {
		m.props = make(map[string]trace.TypedBlob)
	}
	m.props[name] = blob
	return nil
}

// AddBytes attaches a binary sideband payload to the next message built.
func (m *Initiate) AddBytes(key string, payload []byte) *Initiate {
	if m.bin == nil {
		m.bin = make(map[string][]byte)
	}
	m.bin[key] = payload
	return m
}

// AddString attaches a string sideband payload to the next message built.
func (m *Initiate) AddString(key, payload string) *Initiate {
	if m.str == nil {
		m.str = make(map[string]string)
	}
	m.str[key] = payload
	return m
}

// SQLTransaction lazily joins the initiation scope's SQL transaction, under
// the same BE-1PC demarcation as a stage's.
func (m *Initiate) SQLTransaction(ctx context.Context) (*sql.Tx, error) {
	if m.demarc == nil {
		return nil, &errspkg.SQLDemarcationError{Op: "get", Err: errspkg.ErrFactoryRequired}
	}
	return m.demarc.SQLTransaction(ctx)
}

// Send builds a fire-and-forget message to the configured target.
func (m *Initiate) Send(dto any) error {
	return m.send(dto, nil)
}

// SendWithState builds a fire-and-forget message carrying an initial state
// for the receiving endpoint, typically a terminator.
func (m *Initiate) SendWithState(dto, initialState any) error {
	return m.send(dto, initialState)
}

func (m *Initiate) send(dto, initialState any) error {
	if m.to == "" {
		return errspkg.ErrTargetRequired
	}
	data, err := m.serializer.Encode(dto)
	if err != nil {
		return err
	}
	state, err := m.serializer.Encode(initialState)
	if err != nil {
		return err
	}
	tr := trace.NewSend(m.effectiveTraceID(), m.effectiveFrom(), m.to, data, state)
	m.built = append(m.built, m.decorate(tr))
	return nil
}

// Request builds a request to the configured target; the reply is routed to
// the ReplyTo endpoint, which resumes with initialState.
func (m *Initiate) Request(requestDTO, initialState any) error {
	if m.to == "" {
		return errspkg.ErrTargetRequired
	}
	if m.replyTo == "" {
		return errspkg.ErrReplyToRequired
	}
	data, err := m.serializer.Encode(requestDTO)
	if err != nil {
		return err
	}
	state, err := m.serializer.Encode(initialState)
	if err != nil {
		return err
	}
	tr := trace.NewRequest(m.effectiveTraceID(), m.effectiveFrom(), m.to, data, m.replyTo, state)
	m.built = append(m.built, m.decorate(tr))
	return nil
}

// Next builds a NEXT call straight into a mid-flow stage id, seeding the
// state the stage resumes with. Meant for resuming a staged endpoint from
// the outside; most initiations want Send or Request.
func (m *Initiate) Next(nextDTO, state any) error {
	if m.to == "" {
		return errspkg.ErrTargetRequired
	}
	data, err := m.serializer.Encode(nextDTO)
	if err != nil {
		return err
	}
	stateBlob, err := m.serializer.Encode(state)
	if err != nil {
		return err
	}
	tr := trace.NewSend(m.effectiveTraceID(), m.effectiveFrom(), m.to, data, stateBlob)
	tr.Calls[0].Type = trace.CallNext
	m.built = append(m.built, m.decorate(tr))
	return nil
}

// Reply is invalid during initiation: there is no stack to reply into.
func (m *Initiate) Reply(any) error {
	return errspkg.ErrReplyOnInitiation
}

func (m *Initiate) effectiveFrom() string {
	if m.from != "" {
		return m.from
	}
	return m.defaultFrom
}

func (m *Initiate) effectiveTraceID() string {
	switch {
	case m.traceID != "" && m.parentTraceID != "":
		return m.parentTraceID + "|" + m.traceID
	case m.traceID != "":
		return m.traceID
	case m.parentTraceID != "":
		return m.parentTraceID
	default:
		return idspkg.CreateULID()
	}
}

func (m *Initiate) decorate(tr *trace.Trace) *trace.Trace {
	for name, blob := range m.props {
		tr = tr.SetProperty(name, blob)
	}
	for key, payload := range m.bin {
		tr = tr.AddBinary(key, payload)
	}
	for key, payload := range m.str {
		tr = tr.AddString(key, payload)
	}
	return tr
}

// Initiator is the entry point that starts flows from outside any stage. It
// behaves like a zero-stage producer: each Initiate call opens a coordinator
// scope that contains only sends.
type Initiator struct {
	id     string
	rt     *Factory
	logger loggingpkg.ServiceLogger
}

// Initiate opens a transactional scope, runs fn on a fresh builder, and
// sends every message fn built. All sends commit or roll back together,
// along with the SQL transaction if fn joined one.
func (i *Initiator) Initiate(ctx context.Context, fn InitiateLambda) error {
	session, err := i.rt.connection.OpenSession(ctx)
	if err != nil {
		return &errspkg.BrokerError{Op: "open-session", Err: err}
	}
	defer session.Close()

	spanCtx, span := tracer.Start(ctx, "stageflow.initiate",
		oteltrace.WithAttributes(attribute.String("stageflow.initiator_id", i.id)))
	defer span.End()

	return i.rt.coordinator.Within(spanCtx, session, func(d *txpkg.Demarcation) error {
		msg := &Initiate{
			serializer:  i.rt.serializer,
			defaultFrom: i.id,
			demarc:      d,
		}
		if err := fn(msg); err != nil {
			return err
		}
		for _, tr := range msg.built {
			span.SetAttributes(attribute.String("stageflow.trace_id", tr.TraceID))
			if err := sendTrace(session, i.rt.serializer, tr); err != nil {
				return err
			}
		}
		return nil
	})
}
