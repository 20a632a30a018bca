// Package stageflow is a library for writing staged, stateless,
// transactional, message-driven services. A service is an endpoint: an
// ordered sequence of stages, each consuming from its own logical queue.
// Request/reply between endpoints gives the developer the illusion of a
// synchronous call stack even though every stage runs on a different worker,
// and possibly a different node, from the previous one: the call stack is
// reified in the trace envelope carried with every message.
//
// Each stage invocation runs inside a Best-Effort One-Phase-Commit scope
// that binds one broker transaction to one optional SQL transaction: the SQL
// transaction commits strictly before the broker transaction. The narrow
// failure window this leaves (broker commit fails after SQL commit, the
// message is redelivered) is a documented property; write idempotent
// handlers.
//
// # Brokers
//
// Stageflow ships three broker adapters:
//   - memory: in-process transactional queues for testing and local runs
//   - amqp: RabbitMQ channel transactions (github.com/rabbitmq/amqp091-go)
//   - jetstream: NATS JetStream, ack-on-commit / nak-on-rollback
//
// Import an adapter for its side effects to register it:
//
//	import _ "github.com/drblury/stageflow/broker/memory"
//
// # Quick start
//
// Fill a Config, create a Factory, register endpoints, and Start:
//
//	f := stageflow.NewFactory(&stageflow.Config{BrokerSystem: "memory"},
//		stageflow.NewSlogServiceLogger(slog.Default()), ctx,
//		stageflow.FactoryDependencies{})
//	stageflow.Single(f, "calculator",
//		func(ctx context.Context, pc stageflow.ProcessContext[Answer], q Question) (Answer, error) {
//			return Answer{Result: q.A + q.B}, nil
//		})
//	f.Start()
//
// Flows start at an initiator and typically end at a terminator:
//
//	f.Initiator("api").Initiate(ctx, func(msg *stageflow.Initiate) error {
//		return msg.To("calculator").ReplyTo("api.answers").
//			Request(Question{A: 2, B: 3}, CallerState{})
//	})
//
// # Observability
//
// Per-stage Prometheus collectors are registered when Config.MetricsEnabled
// is set; every scope runs inside an OpenTelemetry span; and a Watermill
// publisher can be attached as a flow tap to receive an event per committed
// message.
package stageflow
