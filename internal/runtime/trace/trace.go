// Package trace holds the flow envelope that travels with every stageflow
// message. The envelope reifies the call stack that would exist in
// synchronous code: an append-only call chain, a LIFO stack of return
// addresses with per-frame state, the state slot of the stage currently
// being entered, flow-scoped properties, and single-hop sideband payloads.
//
// All operations are pure: they return new Trace values and never mutate the
// receiver. This keeps the at-most-one-outgoing invariant in the stage
// runtime easy to enforce.
package trace

import "encoding/json"

// CallType enumerates the four ways a flow moves between stages.
type CallType string

const (
	CallRequest CallType = "REQUEST"
	CallReply   CallType = "REPLY"
	CallNext    CallType = "NEXT"
	CallSend    CallType = "SEND"
)

// TypedBlob is an opaque encoded payload together with the declared type name
// recorded at encode time. The zero value means "absent".
type TypedBlob struct {
	Type string          `json:"type,omitempty"`
	Body json.RawMessage `json:"body,omitempty"`
}

// IsZero reports whether the blob carries no payload.
func (b TypedBlob) IsZero() bool {
	return b.Type == "" && len(b.Body) == 0
}

// Call is one hop in the flow. Data is the payload for the receiving stage.
type Call struct {
	Type CallType  `json:"type"`
	From string    `json:"from"`
	To   string    `json:"to"`
	Data TypedBlob `json:"data"`
}

// StackFrame is one pending return: ReplyTo is the stage id a REPLY will be
// routed to, State is the endpoint state that stage resumes with. A REQUEST
// pushes a frame, the matching REPLY pops it and hands its state to the
// popped frame's target.
type StackFrame struct {
	ReplyTo string    `json:"replyTo"`
	State   TypedBlob `json:"state,omitempty"`
}

// Trace is the in-flight envelope.
//
// CurrentState is the state slot of the stage the current call enters: zero
// for a freshly requested endpoint, the popped frame's state after a REPLY,
// the same endpoint's updated state after a NEXT, and the optional
// initiator-seeded state for a SEND.
//
// Binaries and Strings live for exactly one hop: they are never carried over
// when a new call is appended.
type Trace struct {
	TraceID      string               `json:"tid"`
	Calls        []Call               `json:"calls"`
	Stack        []StackFrame         `json:"stack,omitempty"`
	CurrentState TypedBlob            `json:"state,omitempty"`
	Props        map[string]TypedBlob `json:"props,omitempty"`
	Binaries     map[string][]byte    `json:"binaries,omitempty"`
	Strings      map[string]string    `json:"strings,omitempty"`
}

// NewSend produces the initial trace for a fire-and-forget initiation: one
// SEND call and an empty stack. If initialState is non-zero it seeds the
// receiving endpoint's state (typically a terminator's); the receiver still
// has nothing to reply to.
func NewSend(traceID, from, to string, data, initialState TypedBlob) *Trace {
	return &Trace{
		TraceID:      traceID,
		Calls:        []Call{{Type: CallSend, From: from, To: to, Data: data}},
		CurrentState: initialState,
	}
}

// NewRequest produces the initial trace for a request initiation: one REQUEST
// call and a single frame holding the replyTo stage id and the initiator's
// state for it. The requested endpoint itself starts with zero state.
func NewRequest(traceID, from, to string, data TypedBlob, replyTo string, initialState TypedBlob) *Trace {
	return &Trace{
		TraceID: traceID,
		Calls:   []Call{{Type: CallRequest, From: from, To: to, Data: data}},
		Stack:   []StackFrame{{ReplyTo: replyTo, State: initialState}},
	}
}

// AddRequestCall pushes a frame {replyTo, callerNextState} and appends a
// REQUEST call. callerNextState is the calling endpoint's state as it must
// be resumed when the reply arrives at replyTo. The requested endpoint
// starts with zero state.
func (t *Trace) AddRequestCall(from, to string, data TypedBlob, replyTo string, callerNextState TypedBlob) *Trace {
	next := t.cloneForNextCall()
	next.Stack = append(next.Stack, StackFrame{ReplyTo: replyTo, State: callerNextState})
	next.CurrentState = TypedBlob{}
	next.Calls = append(next.Calls, Call{Type: CallRequest, From: from, To: to, Data: data})
	return next
}

// AddReplyCall pops the top frame and appends a REPLY call routed to the
// popped frame's replyTo, resuming that stage with the popped frame's state.
// Returns false if the stack is empty - the REPLY contract makes that a
// no-op for the caller to honour.
func (t *Trace) AddReplyCall(from string, data TypedBlob) (*Trace, bool) {
	if len(t.Stack) == 0 {
		return nil, false
	}
	next := t.cloneForNextCall()
	top := next.Stack[len(next.Stack)-1]
	next.Stack = next.Stack[:len(next.Stack)-1]
	next.CurrentState = top.State
	next.Calls = append(next.Calls, Call{Type: CallReply, From: from, To: top.ReplyTo, Data: data})
	return next, true
}

// AddNextCall appends a NEXT call to the same endpoint's following stage,
// replacing the current state slot with sameFrameState. The stack is
// untouched.
func (t *Trace) AddNextCall(from, to string, data TypedBlob, sameFrameState TypedBlob) *Trace {
	next := t.cloneForNextCall()
	next.CurrentState = sameFrameState
	next.Calls = append(next.Calls, Call{Type: CallNext, From: from, To: to, Data: data})
	return next
}

// AddSendCall appends a SEND call. The stack and state slot are untouched on
// the sender's side; the receiver starts with zero state.
func (t *Trace) AddSendCall(from, to string, data TypedBlob) *Trace {
	next := t.cloneForNextCall()
	next.CurrentState = TypedBlob{}
	next.Calls = append(next.Calls, Call{Type: CallSend, From: from, To: to, Data: data})
	return next
}

// CurrentCall returns the call that delivered this trace, i.e. the last one.
func (t *Trace) CurrentCall() Call {
	if len(t.Calls) == 0 {
		return Call{}
	}
	return t.Calls[len(t.Calls)-1]
}

// CurrentFrame returns the top stack frame, if any.
func (t *Trace) CurrentFrame() (StackFrame, bool) {
	if len(t.Stack) == 0 {
		return StackFrame{}, false
	}
	return t.Stack[len(t.Stack)-1], true
}

// StackDepth returns the number of pending returns on the stack.
func (t *Trace) StackDepth() int { return len(t.Stack) }

// Property returns the flow-scoped property with the given name.
func (t *Trace) Property(name string) (TypedBlob, bool) {
	blob, ok := t.Props[name]
	return blob, ok
}

// SetProperty returns a trace with the property set. Properties propagate
// through the rest of the flow; the last write wins.
func (t *Trace) SetProperty(name string, value TypedBlob) *Trace {
	next := t.shallowClone()
	next.Props = cloneProps(t.Props)
	if next.Props == nil {
		next.Props = make(map[string]TypedBlob, 1)
	}
	next.Props[name] = value
	return next
}

// Binary returns the sideband byte payload attached by the previous hop.
func (t *Trace) Binary(key string) []byte { return t.Binaries[key] }

// SidebandString returns the sideband string payload attached by the
// previous hop.
func (t *Trace) SidebandString(key string) string { return t.Strings[key] }

// AddBinary returns a trace with the sideband byte payload attached for the
// next hop only.
func (t *Trace) AddBinary(key string, payload []byte) *Trace {
	next := t.shallowClone()
	next.Binaries = make(map[string][]byte, len(t.Binaries)+1)
	for k, v := range t.Binaries {
		next.Binaries[k] = v
	}
	next.Binaries[key] = payload
	return next
}

// AddString returns a trace with the sideband string payload attached for
// the next hop only.
func (t *Trace) AddString(key, payload string) *Trace {
	next := t.shallowClone()
	next.Strings = make(map[string]string, len(t.Strings)+1)
	for k, v := range t.Strings {
		next.Strings[k] = v
	}
	next.Strings[key] = payload
	return next
}

// AppendTraceID returns a trace whose id is the current id with the suffix
// appended. The trace id is otherwise immutable along the flow.
func (t *Trace) AppendTraceID(suffix string) *Trace {
	if suffix == "" {
		return t
	}
	next := t.shallowClone()
	next.TraceID = t.TraceID + suffix
	return next
}

// cloneForNextCall copies the chain and stack for appending a new call. The
// sideband maps are deliberately dropped: they live for a single hop.
func (t *Trace) cloneForNextCall() *Trace {
	next := &Trace{
		TraceID: t.TraceID,
		Calls:   make([]Call, len(t.Calls), len(t.Calls)+1),
		Props:   cloneProps(t.Props),
	}
	copy(next.Calls, t.Calls)
	if len(t.Stack) > 0 {
		next.Stack = make([]StackFrame, len(t.Stack), len(t.Stack)+1)
		copy(next.Stack, t.Stack)
	}
	return next
}

func (t *Trace) shallowClone() *Trace {
	next := *t
	return &next
}

func cloneProps(props map[string]TypedBlob) map[string]TypedBlob {
	if len(props) == 0 {
		return nil
	}
	cloned := make(map[string]TypedBlob, len(props))
	for k, v := range props {
		cloned[k] = v
	}
	return cloned
}
