// Package amqp provides a RabbitMQ broker adapter for stageflow, built on
// AMQP 0-9-1 channel transactions: all publishes and acks of one session
// commit or roll back together with tx.commit / tx.rollback.
package amqp

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/stageflow/broker"
)

// BrokerName is the name used to register this adapter.
const BrokerName = "amqp"

// pollInterval is the basic.get poll cadence while waiting for a message.
const pollInterval = 50 * time.Millisecond

func init() {
	broker.Register(BrokerName, Build, broker.Capabilities{
		Name:          BrokerName,
		Transactional: true,
		Persistent:    true,
	})
}

// Build dials the configured AMQP URL and returns a connection.
func Build(ctx context.Context, cfg broker.Config, logger watermill.LoggerAdapter) (broker.Connection, error) {
	url := cfg.GetAMQPURL()
	if url == "" {
		return nil, fmt.Errorf("amqp: URL is required")
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp: dial failed: %w", err)
	}
	return &Connection{conn: conn, logger: logger}, nil
}

// Connection wraps one AMQP connection; each session gets its own channel in
// transactional mode.
type Connection struct {
	conn   *amqp091.Connection
	logger watermill.LoggerAdapter
}

// OpenSession opens a channel and puts it in transaction mode.
func (c *Connection) OpenSession(ctx context.Context) (broker.Session, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp: open channel failed: %w", err)
	}
	if err := ch.Tx(); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("amqp: enter tx mode failed: %w", err)
	}
	return &session{ch: ch, declared: make(map[string]bool)}, nil
}

// Close closes the AMQP connection. Unacked deliveries of open sessions are
// requeued by the broker.
func (c *Connection) Close() error {
	return c.conn.Close()
}

type session struct {
	ch       *amqp091.Channel
	declared map[string]bool
	tags     []uint64
}

func (s *session) declare(queueID string) error {
	if s.declared[queueID] {
		return nil
	}
	_, err := s.ch.QueueDeclare(queueID, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp: declare queue %q failed: %w", queueID, err)
	}
	s.declared[queueID] = true
	return nil
}

// Receive polls basic.get until a message arrives or the timeout elapses.
// The delivery stays unacked; its ack is sent at Commit, inside the channel
// transaction.
func (s *session) Receive(ctx context.Context, queueID string, timeout time.Duration) (*broker.RawMessage, error) {
	if err := s.declare(queueID); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	for {
		delivery, ok, err := s.ch.Get(queueID, false)
		if err != nil {
			return nil, fmt.Errorf("amqp: get failed: %w", err)
		}
		if ok {
			s.tags = append(s.tags, delivery.DeliveryTag)
			return &broker.RawMessage{
				ID:          delivery.MessageId,
				Body:        delivery.Body,
				Headers:     fromTable(delivery.Headers),
				Redelivered: delivery.Redelivered,
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (s *session) Send(queueID string, body []byte, headers map[string]string) error {
	if err := s.declare(queueID); err != nil {
		return err
	}
	return s.ch.PublishWithContext(context.Background(), "", queueID, false, false, amqp091.Publishing{
		MessageId:    headers[broker.HeaderMessageID],
		Body:         body,
		Headers:      toTable(headers),
		DeliveryMode: amqp091.Persistent,
	})
}

// Commit acks the received deliveries and commits the channel transaction:
// acks and publishes take effect atomically.
func (s *session) Commit() error {
	for _, tag := range s.tags {
		if err := s.ch.Ack(tag, false); err != nil {
			return fmt.Errorf("amqp: ack failed: %w", err)
		}
	}
	if err := s.ch.TxCommit(); err != nil {
		return fmt.Errorf("amqp: tx commit failed: %w", err)
	}
	s.tags = nil
	return nil
}

// Rollback drops the transaction's publishes and pending acks, then nacks
// the received deliveries back onto their queues. The nacks themselves are
// transactional on this channel, so they are flushed with a commit of their
// own.
func (s *session) Rollback() error {
	if err := s.ch.TxRollback(); err != nil {
		return fmt.Errorf("amqp: tx rollback failed: %w", err)
	}
	for _, tag := range s.tags {
		if err := s.ch.Nack(tag, false, true); err != nil {
			return fmt.Errorf("amqp: nack failed: %w", err)
		}
	}
	s.tags = nil
	return s.ch.TxCommit()
}

// Close closes the channel. The broker requeues anything still unacked.
func (s *session) Close() error {
	s.tags = nil
	return s.ch.Close()
}

func toTable(headers map[string]string) amqp091.Table {
	if len(headers) == 0 {
		return nil
	}
	table := make(amqp091.Table, len(headers))
	for k, v := range headers {
		table[k] = v
	}
	return table
}

func fromTable(table amqp091.Table) map[string]string {
	headers := make(map[string]string, len(table))
	for k, v := range table {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}
	return headers
}
