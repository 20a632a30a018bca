package errors

import (
	"fmt"

	sterrors "errors"
)

var (
	ErrFactoryRequired      = sterrors.New("stageflow: factory is required")
	ErrProcessorRequired    = sterrors.New("stageflow: stage processor is required")
	ErrEndpointIDRequired   = sterrors.New("stageflow: endpoint id is required")
	ErrDuplicateEndpointID  = sterrors.New("stageflow: endpoint id is already registered")
	ErrEndpointFinalized    = sterrors.New("stageflow: endpoint is finalized, no more stages can be added")
	ErrEndpointNotFinalized = sterrors.New("stageflow: endpoint has no last stage")
	ErrUnknownEndpoint      = sterrors.New("stageflow: unknown endpoint id")
	ErrFactoryClosed        = sterrors.New("stageflow: factory is closed")
	ErrFactoryStarted       = sterrors.New("stageflow: factory is started; endpoints must be registered before start")
	ErrBrokerRequired       = sterrors.New("stageflow: broker connection is required")
	ErrSerializerRequired   = sterrors.New("stageflow: serializer is required")
	ErrLoggerRequired       = sterrors.New("stageflow: logger is required")

	// ErrMultipleOutgoing is returned when a stage invokes more than one of
	// request, reply, or next for a single incoming message.
	ErrMultipleOutgoing = sterrors.New("stageflow: only one of request, reply, or next may be invoked per stage")

	// ErrRequestOnLastStage is returned when the terminal stage of an endpoint
	// invokes request: there is no next stage to receive the reply.
	ErrRequestOnLastStage = sterrors.New("stageflow: request is not allowed from the last stage of an endpoint")

	// ErrNextOnLastStage is returned when the terminal stage invokes next.
	ErrNextOnLastStage = sterrors.New("stageflow: next is not allowed from the last stage of an endpoint")

	// ErrReplyOnInitiation is returned when an initiation invokes reply: an
	// initiation has no stack to reply into.
	ErrReplyOnInitiation = sterrors.New("stageflow: reply is not valid during initiation")

	// ErrTargetRequired is returned when an initiation is sent without a
	// target endpoint id.
	ErrTargetRequired = sterrors.New("stageflow: initiate target (to) is required")

	// ErrReplyToRequired is returned when an initiation requests without a
	// replyTo endpoint id.
	ErrReplyToRequired = sterrors.New("stageflow: initiate request needs a replyTo endpoint id")
)

// RefuseMessageError is the signal from user code that the current message is
// unprocessable and the whole scope must roll back. The broker's redelivery
// policy decides what happens to the message afterwards.
type RefuseMessageError struct {
	Reason string
}

func (e *RefuseMessageError) Error() string {
	return "stageflow: message refused: " + e.Reason
}

// RefuseMessage constructs a RefuseMessageError with the given reason.
func RefuseMessage(reason string) error {
	return &RefuseMessageError{Reason: reason}
}

// SerializationError wraps an inbound decode or outbound encode failure.
// The scope rolls back; redelivery will re-fail, so operators rely on the
// broker's DLQ policy.
type SerializationError struct {
	Op   string // "encode", "decode", "encodeTrace", "decodeTrace"
	Type string
	Err  error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("stageflow: serialization %s failed for %q: %v", e.Op, e.Type, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// SQLDemarcationError covers the distinct SQL failure kinds of the BE-1PC
// protocol: obtaining the connection, beginning the transaction, commit,
// rollback, and close.
type SQLDemarcationError struct {
	Op  string // "get", "begin", "commit", "rollback", "close"
	Err error
}

func (e *SQLDemarcationError) Error() string {
	return fmt.Sprintf("stageflow: sql %s failed: %v", e.Op, e.Err)
}

func (e *SQLDemarcationError) Unwrap() error { return e.Err }

// BrokerError wraps a failing broker operation (receive, send, commit,
// rollback). A broker commit failure after a successful SQL commit is the
// documented BE-1PC window: the message will be redelivered.
type BrokerError struct {
	Op  string
	Err error
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("stageflow: broker %s failed: %v", e.Op, e.Err)
}

func (e *BrokerError) Unwrap() error { return e.Err }

// InternalError indicates that control left a library scope through a path the
// runtime does not account for. It is unrecoverable for the current message
// and always forces a rollback.
type InternalError struct {
	Msg string
	Err error
}

func (e *InternalError) Error() string {
	if e.Err != nil {
		return "stageflow: internal error: " + e.Msg + ": " + e.Err.Error()
	}
	return "stageflow: internal error: " + e.Msg
}

func (e *InternalError) Unwrap() error { return e.Err }
