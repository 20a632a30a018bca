// Package jetstream provides a NATS JetStream broker adapter for stageflow.
// JetStream has no broker-side transactions; the adapter emulates the
// session contract with at-least-once semantics: publishes are buffered
// until Commit, received messages are acked on Commit and nak'ed on
// Rollback, which makes JetStream redeliver them.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/nats-io/nats.go"

	"github.com/drblury/stageflow/broker"
)

// BrokerName is the name used to register this adapter.
const BrokerName = "jetstream"

// subjectPrefix namespaces all stageflow queues inside NATS.
const subjectPrefix = "stageflow."

func init() {
	broker.Register(BrokerName, Build, broker.Capabilities{
		Name:          BrokerName,
		Transactional: false,
		Persistent:    true,
	})
}

// Build connects to the configured NATS server.
func Build(ctx context.Context, cfg broker.Config, logger watermill.LoggerAdapter) (broker.Connection, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		return nil, fmt.Errorf("jetstream: NATS URL is required")
	}
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("jetstream: connect failed: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: context failed: %w", err)
	}
	return &Connection{nc: nc, js: js, logger: logger}, nil
}

// Connection wraps one NATS connection with a JetStream context.
type Connection struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	logger watermill.LoggerAdapter
}

// OpenSession opens an emulated transactional session.
func (c *Connection) OpenSession(ctx context.Context) (broker.Session, error) {
	return &session{conn: c, subs: make(map[string]*nats.Subscription)}, nil
}

// Close closes the NATS connection without draining it.
func (c *Connection) Close() error {
	c.nc.Close()
	return nil
}

type pendingPublish struct {
	subject string
	msg     *nats.Msg
}

type session struct {
	conn     *Connection
	subs     map[string]*nats.Subscription
	received []*nats.Msg
	pending  []pendingPublish
	closed   bool
}

func (s *session) subscription(queueID string) (*nats.Subscription, error) {
	if sub, ok := s.subs[queueID]; ok {
		return sub, nil
	}

	stream := streamName(queueID)
	subject := subjectPrefix + queueID
	_, err := s.conn.js.AddStream(&nats.StreamConfig{
		Name:     stream,
		Subjects: []string{subject},
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return nil, fmt.Errorf("jetstream: ensure stream %q failed: %w", stream, err)
	}

	sub, err := s.conn.js.PullSubscribe(subject, durableName(queueID))
	if err != nil {
		return nil, fmt.Errorf("jetstream: pull subscribe %q failed: %w", subject, err)
	}
	s.subs[queueID] = sub
	return sub, nil
}

func (s *session) Receive(ctx context.Context, queueID string, timeout time.Duration) (*broker.RawMessage, error) {
	if s.closed {
		return nil, errors.New("jetstream: session is closed")
	}
	sub, err := s.subscription(queueID)
	if err != nil {
		return nil, err
	}

	msgs, err := sub.Fetch(1, nats.MaxWait(timeout))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("jetstream: fetch failed: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	msg := msgs[0]
	s.received = append(s.received, msg)

	redelivered := false
	if meta, err := msg.Metadata(); err == nil {
		redelivered = meta.NumDelivered > 1
	}

	return &broker.RawMessage{
		ID:          msg.Header.Get(broker.HeaderMessageID),
		Body:        msg.Data,
		Headers:     fromHeader(msg.Header),
		Redelivered: redelivered,
	}, nil
}

func (s *session) Send(queueID string, body []byte, headers map[string]string) error {
	if s.closed {
		return errors.New("jetstream: session is closed")
	}
	msg := nats.NewMsg(subjectPrefix + queueID)
	msg.Data = body
	for k, v := range headers {
		msg.Header.Set(k, v)
	}
	s.pending = append(s.pending, pendingPublish{subject: msg.Subject, msg: msg})
	return nil
}

// Commit publishes the buffered messages, then acks the received ones. A
// publish failure leaves everything unacked so Rollback can nak it; an ack
// failure after publishing is the emulation's BE window - the message will
// be redelivered.
func (s *session) Commit() error {
	if s.closed {
		return errors.New("jetstream: session is closed")
	}
	for _, p := range s.pending {
		stream := streamName(strings.TrimPrefix(p.subject, subjectPrefix))
		_, err := s.conn.js.AddStream(&nats.StreamConfig{
			Name:     stream,
			Subjects: []string{p.subject},
		})
		if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return fmt.Errorf("jetstream: ensure stream %q failed: %w", stream, err)
		}
		if _, err := s.conn.js.PublishMsg(p.msg); err != nil {
			return fmt.Errorf("jetstream: publish failed: %w", err)
		}
	}
	s.pending = nil

	for _, msg := range s.received {
		if err := msg.Ack(); err != nil {
			return fmt.Errorf("jetstream: ack failed: %w", err)
		}
	}
	s.received = nil
	return nil
}

// Rollback drops the buffered publishes and naks the received messages for
// redelivery.
func (s *session) Rollback() error {
	if s.closed {
		return errors.New("jetstream: session is closed")
	}
	s.pending = nil
	for _, msg := range s.received {
		if err := msg.Nak(); err != nil {
			return fmt.Errorf("jetstream: nak failed: %w", err)
		}
	}
	s.received = nil
	return nil
}

// Close naks anything unacked and drops the pull subscriptions. The durable
// consumers stay on the server.
func (s *session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	for _, msg := range s.received {
		_ = msg.Nak()
	}
	s.received = nil
	s.pending = nil
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	return nil
}

// streamName derives a JetStream stream name from a queue id. Stream and
// durable names may not contain dots.
func streamName(queueID string) string {
	return "SF_" + sanitize(queueID)
}

func durableName(queueID string) string {
	return "sf_" + sanitize(queueID)
}

func sanitize(queueID string) string {
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(queueID)
}

func fromHeader(h nats.Header) map[string]string {
	headers := make(map[string]string, len(h))
	for k := range h {
		headers[k] = h.Get(k)
	}
	return headers
}
