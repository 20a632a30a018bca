package runtime

import (
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/bytedance/sonic"

	idspkg "github.com/drblury/stageflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/stageflow/internal/runtime/logging"
)

// DefaultTapTopic is the topic flow events are published on when no topic is
// configured.
const DefaultTapTopic = "stageflow.flow_events"

// FlowEvent is the record published for every committed stage scope. It is
// observability data, not part of the flow: publishing happens after the
// broker commit and is best-effort.
type FlowEvent struct {
	StageID     string    `json:"stage_id"`
	EndpointID  string    `json:"endpoint_id"`
	TraceID     string    `json:"trace_id"`
	MessageID   string    `json:"message_id"`
	Redelivered bool      `json:"redelivered"`
	DurationMs  int64     `json:"duration_ms"`
	At          time.Time `json:"at"`
}

// Tap publishes flow events to a Watermill publisher, so any of Watermill's
// pub/sub backends can carry the committed-message feed. A nil *Tap is a
// valid no-op receiver.
type Tap struct {
	publisher message.Publisher
	topic     string
	logger    loggingpkg.ServiceLogger
}

// NewTap creates a tap on the given publisher and topic.
func NewTap(publisher message.Publisher, topic string, logger loggingpkg.ServiceLogger) *Tap {
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	return &Tap{publisher: publisher, topic: topic, logger: logger}
}

// scopeCommitted publishes the event for a committed scope. Failures are
// logged and dropped: the tap never affects the flow.
func (t *Tap) scopeCommitted(scope StageScope) {
	if t == nil {
		return
	}
	event := FlowEvent{
		StageID:     scope.StageID,
		EndpointID:  scope.EndpointID,
		TraceID:     scope.TraceID,
		MessageID:   scope.MessageID,
		Redelivered: scope.Redelivered,
		DurationMs:  scope.Duration.Milliseconds(),
		At:          scope.StartedAt.UTC(),
	}
	payload, err := sonic.ConfigStd.Marshal(event)
	if err != nil {
		t.logger.Error("Failed to marshal flow event", err, nil)
		return
	}
	msg := message.NewMessage(idspkg.CreateULID(), payload)
	if err := t.publisher.Publish(t.topic, msg); err != nil {
		t.logger.Error("Failed to publish flow event", err,
			loggingpkg.LogFields{"topic": t.topic, "trace_id": event.TraceID})
	}
}
