// Package broker defines the session-scoped messaging surface the stageflow
// runtime is built against, together with the registry that maps configured
// broker names to their builders. Each adapter (memory, amqp, jetstream)
// lives in its own sub-package and registers itself with the registry.
//
// The runtime requires only transactional sessions: all receives and sends
// since the last commit form one unit that is committed or rolled back
// together. Redelivery after a rollback is the broker's responsibility; the
// runtime treats a redelivered message as simply "received again".
package broker

import (
	"context"
	"time"
)

// Standard header keys stamped on every stageflow message. Brokers may add
// headers of their own; the runtime tolerates them.
const (
	// HeaderTraceID duplicates the trace id for broker-side filtering and
	// logging without parsing the body.
	HeaderTraceID = "sf_trace_id"

	// HeaderMessageID is the unique id of the broker message.
	HeaderMessageID = "sf_message_id"
)

// RawMessage is a message as received from a queue.
type RawMessage struct {
	ID          string
	Body        []byte
	Headers     map[string]string
	Redelivered bool
}

// Connection is a long-lived link to the broker, shared by all sessions a
// factory opens. Implementations must allow concurrent OpenSession calls.
type Connection interface {
	// OpenSession opens a transactional session. Sessions are not safe for
	// concurrent use; each stage worker owns exactly one.
	OpenSession(ctx context.Context) (Session, error)

	// Close releases the connection. Sessions still open become unusable.
	Close() error
}

// Session groups receives and sends into broker transactions.
type Session interface {
	// Receive takes the next message from the queue, waiting up to timeout.
	// Returns (nil, nil) when the timeout elapses without a message. The
	// received message joins the current transaction: it is consumed on
	// Commit and redelivered after Rollback.
	Receive(ctx context.Context, queueID string, timeout time.Duration) (*RawMessage, error)

	// Send enqueues a message on the current transaction. Nothing is visible
	// to consumers until Commit.
	Send(queueID string, body []byte, headers map[string]string) error

	// Commit atomically consumes the received messages and publishes the
	// sent ones.
	Commit() error

	// Rollback discards pending sends and returns received messages to
	// their queues for redelivery.
	Rollback() error

	// Close rolls back any open transaction and releases the session.
	Close() error
}

// Config provides the configuration values needed by broker builders. The
// interface allows adapters to access only the keys they need without
// depending on the full config package.
type Config interface {
	// GetBrokerSystem returns the broker adapter name.
	GetBrokerSystem() string

	// GetAMQPURL returns the AMQP connection URL.
	GetAMQPURL() string

	// GetNATSURL returns the NATS server URL.
	GetNATSURL() string
}

// Capabilities describes what a registered broker adapter can do.
type Capabilities struct {
	Name string
	// Transactional is true when commit/rollback are real broker
	// transactions rather than emulated ack/republish semantics.
	Transactional bool
	// Persistent is true when messages survive a broker restart.
	Persistent bool
}

