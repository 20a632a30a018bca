package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/stageflow/broker"
)

func TestRegisteredWithRegistry(t *testing.T) {
	assert.Contains(t, broker.DefaultRegistry.Names(), BrokerName)
	caps := broker.GetCapabilities(BrokerName)
	assert.True(t, caps.Transactional)
	assert.False(t, caps.Persistent)
}

func TestSendIsInvisibleUntilCommit(t *testing.T) {
	b := New()
	ctx := context.Background()

	producer, err := b.OpenSession(ctx)
	require.NoError(t, err)
	consumer, err := b.OpenSession(ctx)
	require.NoError(t, err)

	require.NoError(t, producer.Send("q", []byte("payload"), map[string]string{broker.HeaderMessageID: "m1"}))

	msg, err := consumer.Receive(ctx, "q", 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg, "uncommitted send must not be visible")

	require.NoError(t, producer.Commit())

	msg, err = consumer.Receive(ctx, "q", time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, []byte("payload"), msg.Body)
	assert.Equal(t, "m1", msg.ID)
	assert.False(t, msg.Redelivered)
	require.NoError(t, consumer.Commit())
}

func TestRollbackRedelivers(t *testing.T) {
	b := New()
	ctx := context.Background()

	producer, err := b.OpenSession(ctx)
	require.NoError(t, err)
	require.NoError(t, producer.Send("q", []byte("x"), nil))
	require.NoError(t, producer.Commit())

	consumer, err := b.OpenSession(ctx)
	require.NoError(t, err)

	msg, err := consumer.Receive(ctx, "q", time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.NoError(t, consumer.Rollback())

	redelivered, err := consumer.Receive(ctx, "q", time.Second)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	assert.Equal(t, []byte("x"), redelivered.Body)
	assert.True(t, redelivered.Redelivered)
}

func TestRollbackDropsPendingSends(t *testing.T) {
	b := New()
	ctx := context.Background()

	producer, err := b.OpenSession(ctx)
	require.NoError(t, err)
	require.NoError(t, producer.Send("q", []byte("x"), nil))
	require.NoError(t, producer.Rollback())
	require.NoError(t, producer.Commit())

	assert.Equal(t, 0, b.QueueDepth("q"))
}

func TestCloseRequeuesUncommittedReceives(t *testing.T) {
	b := New()
	ctx := context.Background()

	producer, err := b.OpenSession(ctx)
	require.NoError(t, err)
	require.NoError(t, producer.Send("q", []byte("x"), nil))
	require.NoError(t, producer.Commit())

	consumer, err := b.OpenSession(ctx)
	require.NoError(t, err)
	msg, err := consumer.Receive(ctx, "q", time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.NoError(t, consumer.Close())

	assert.Equal(t, 1, b.QueueDepth("q"))
}

func TestReceiveTimesOutEmpty(t *testing.T) {
	b := New()
	session, err := b.OpenSession(context.Background())
	require.NoError(t, err)

	start := time.Now()
	msg, err := session.Receive(context.Background(), "empty", 30*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestReceiveAbortsOnContextCancel(t *testing.T) {
	b := New()
	session, err := b.OpenSession(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err = session.Receive(ctx, "empty", 10*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenSessionAfterClose(t *testing.T) {
	b := New()
	require.NoError(t, b.Close())
	_, err := b.OpenSession(context.Background())
	assert.Error(t, err)
}
