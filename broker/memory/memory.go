// Package memory provides an in-process transactional broker for stageflow.
// It backs the test harness and local development; queues live in memory and
// are lost on process exit.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/stageflow/broker"
)

// BrokerName is the name used to register this adapter.
const BrokerName = "memory"

// DefaultQueueDepth bounds each queue's buffered capacity.
const DefaultQueueDepth = 1024

func init() {
	broker.Register(BrokerName, Build, broker.Capabilities{
		Name:          BrokerName,
		Transactional: true,
		Persistent:    false,
	})
}

// Build creates a new in-memory broker connection.
func Build(ctx context.Context, cfg broker.Config, logger watermill.LoggerAdapter) (broker.Connection, error) {
	return New(), nil
}

// Broker is an in-memory transactional message broker. One Broker instance
// is one "server": all sessions opened from it share the same queues.
type Broker struct {
	mu     sync.Mutex
	queues map[string]chan *broker.RawMessage
	closed bool
}

// New creates an empty in-memory broker.
func New() *Broker {
	return &Broker{queues: make(map[string]chan *broker.RawMessage)}
}

// OpenSession opens a transactional session against this broker.
func (b *Broker) OpenSession(ctx context.Context) (broker.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("memory broker: connection is closed")
	}
	return &session{broker: b}, nil
}

// Close shuts the broker down: OpenSession fails afterwards. Queued messages
// are kept, and sessions that are already open keep working; blocked
// receives return once their timeout elapses.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// QueueDepth reports the number of messages currently waiting on a queue.
// Meant for tests and introspection.
func (b *Broker) QueueDepth(queueID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueID]
	if !ok {
		return 0
	}
	return len(q)
}

func (b *Broker) queue(queueID string) chan *broker.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueID]
	if !ok {
		q = make(chan *broker.RawMessage, DefaultQueueDepth)
		b.queues[queueID] = q
	}
	return q
}

type pendingSend struct {
	queueID string
	msg     *broker.RawMessage
}

// session implements broker.Session. Not safe for concurrent use; each stage
// worker owns exactly one.
type session struct {
	broker   *Broker
	received []*broker.RawMessage
	origins  []string
	pending  []pendingSend
	closed   bool
}

func (s *session) Receive(ctx context.Context, queueID string, timeout time.Duration) (*broker.RawMessage, error) {
	if s.closed {
		return nil, errors.New("memory broker: session is closed")
	}
	q := s.broker.queue(queueID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-q:
		s.received = append(s.received, msg)
		s.origins = append(s.origins, queueID)
		return msg, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *session) Send(queueID string, body []byte, headers map[string]string) error {
	if s.closed {
		return errors.New("memory broker: session is closed")
	}
	cloned := make(map[string]string, len(headers))
	for k, v := range headers {
		cloned[k] = v
	}
	s.pending = append(s.pending, pendingSend{
		queueID: queueID,
		msg: &broker.RawMessage{
			ID:      cloned[broker.HeaderMessageID],
			Body:    body,
			Headers: cloned,
		},
	})
	return nil
}

func (s *session) Commit() error {
	if s.closed {
		return errors.New("memory broker: session is closed")
	}
	for _, p := range s.pending {
		s.broker.queue(p.queueID) <- p.msg
	}
	s.pending = nil
	s.received = nil
	s.origins = nil
	return nil
}

func (s *session) Rollback() error {
	if s.closed {
		return errors.New("memory broker: session is closed")
	}
	s.pending = nil
	s.requeueReceived()
	return nil
}

func (s *session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.pending = nil
	s.requeueReceived()
	return nil
}

// requeueReceived puts uncommitted messages back on their queues, marked as
// redelivered. Ordering relative to other messages is not preserved; the
// broker contract makes no total-order promise.
func (s *session) requeueReceived() {
	for i, msg := range s.received {
		redelivery := *msg
		redelivery.Redelivered = true
		s.broker.queue(s.origins[i]) <- &redelivery
	}
	s.received = nil
	s.origins = nil
}
