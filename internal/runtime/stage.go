package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/drblury/stageflow/broker"
	errspkg "github.com/drblury/stageflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/stageflow/internal/runtime/logging"
	txpkg "github.com/drblury/stageflow/internal/runtime/tx"
)

var tracer = otel.Tracer("github.com/drblury/stageflow")

// processFunc is the type-erased processing lambda a stage dispatches to.
// The generic adapters in endpoint.go decode the incoming DTO and state and
// invoke the user's typed lambda.
type processFunc func(pc *processContext) error

// stage is one consumer on one logical queue. Its queue id equals its stage
// id: the endpoint id for the first stage, endpointID.index for the rest.
type stage struct {
	id               string
	endpoint         *endpointState
	index            int
	isLast           bool
	nextStageID      string
	incomingTypeName string
	process          processFunc

	conf  *StageConfig
	stats *StageStats

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// StageConfig provides for both configuring a stage before it is started and
// introspecting the configuration.
type StageConfig struct {
	mu          sync.Mutex
	stg         *stage
	concurrency int
}

// SetConcurrency sets the number of workers on this stage's queue. Zero
// means inherit from the endpoint (which in turn inherits from the factory,
// defaulting to the number of hardware threads). Only has effect before the
// stage is started; can be reset by stopping, setting, and restarting.
func (c *StageConfig) SetConcurrency(n int) *StageConfig {
	c.mu.Lock()
	c.concurrency = n
	c.mu.Unlock()
	return c
}

// Concurrency returns the number of workers this stage will run, resolving
// inheritance.
func (c *StageConfig) Concurrency() int {
	c.mu.Lock()
	n := c.concurrency
	c.mu.Unlock()
	if n > 0 {
		return n
	}
	return c.stg.endpoint.concurrencyOrDefault()
}

// IsConcurrencyDefault reports whether the concurrency is inherited rather
// than set specifically on this stage.
func (c *StageConfig) IsConcurrencyDefault() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.concurrency == 0
}

// StageID returns the id of the configured stage.
func (c *StageConfig) StageID() string { return c.stg.id }

// IncomingTypeName returns the declared type name of the stage's incoming
// DTO.
func (c *StageConfig) IncomingTypeName() string { return c.stg.incomingTypeName }

// IsRunning reports whether the stage has been started and not stopped.
func (c *StageConfig) IsRunning() bool {
	c.stg.mu.Lock()
	defer c.stg.mu.Unlock()
	return c.stg.running
}

// Stats returns a snapshot of the stage's counters.
func (c *StageConfig) Stats() StageStats { return c.stg.stats.Snapshot() }

// start spins up the stage's workers. Idempotent.
func (s *stage) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stopCh = make(chan struct{})
	s.running = true

	n := s.conf.Concurrency()
	s.endpoint.rt.logger.Info("Starting stage", loggingpkg.LogFields{
		"stage_id":    s.id,
		"concurrency": n,
	})
	for i := 0; i < n; i++ {
		s.wg.Add(1)
		go s.workerLoop(workerCtx, s.stopCh, i)
	}
}

// stop signals workers to exit after their current scope and waits up to
// grace for them to drain. Workers still in a scope when the grace period
// elapses are interrupted: their context is cancelled, the blocking receive
// aborts, and the in-progress scope rolls back. Idempotent.
func (s *stage) stop(grace time.Duration) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	cancel := s.cancel
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		s.endpoint.rt.logger.Info("Stage stop grace period elapsed, interrupting workers",
			loggingpkg.LogFields{"stage_id": s.id, "grace": grace.String()})
		cancel()
		<-done
	}
	cancel()
}

// workerLoop is one long-lived consumer. It never lets an error kill the
// worker: the coordinator has already logged and rolled back, so the loop
// simply proceeds to the next receive.
func (s *stage) workerLoop(ctx context.Context, stopCh <-chan struct{}, workerNo int) {
	defer s.wg.Done()

	rt := s.endpoint.rt
	logger := rt.logger.With(loggingpkg.LogFields{"stage_id": s.id, "worker": workerNo})

	var session broker.Session
	defer func() {
		if session != nil {
			_ = session.Close()
		}
	}()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if session == nil {
			var err error
			session, err = rt.connection.OpenSession(ctx)
			if err != nil {
				logger.Error("Failed to open broker session, retrying", err, nil)
				select {
				case <-stopCh:
					return
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
		}

		var scope *StageScope
		err := rt.coordinator.Within(ctx, session, func(d *txpkg.Demarcation) error {
			return s.processOne(ctx, session, d, &scope)
		})

		if scope != nil {
			scope.Duration = time.Since(scope.StartedAt)
			rt.metrics.ScopeFinished(s.id, scope.Duration, err)
			s.stats.onScopeFinish(err)
			if err != nil {
				if rt.hooks.OnStageError != nil {
					rt.hooks.OnStageError(*scope, err)
				}
			} else {
				if rt.hooks.OnStageDone != nil {
					rt.hooks.OnStageDone(*scope)
				}
				rt.tap.scopeCommitted(*scope)
			}
		}

		if ctx.Err() != nil {
			return
		}

		// A failing broker operation can leave the session unusable (e.g.
		// a closed AMQP channel); drop it and reopen on the next turn.
		var brokerErr *errspkg.BrokerError
		if errors.As(err, &brokerErr) {
			_ = session.Close()
			session = nil
		}
	}
}

// processOne runs one scope body: receive, decode, dispatch, flush. Runs
// inside the coordinator scope; any returned error rolls the scope back.
func (s *stage) processOne(ctx context.Context, session broker.Session, d *txpkg.Demarcation, scopeOut **StageScope) error {
	rt := s.endpoint.rt

	raw, err := session.Receive(ctx, s.id, rt.receiveTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &errspkg.BrokerError{Op: "receive", Err: err}
	}
	if raw == nil {
		// Poll timeout: commit the empty transaction.
		return nil
	}

	tr, err := rt.serializer.DecodeTrace(raw.Body)
	if err != nil {
		return err
	}

	scope := &StageScope{
		StageID:     s.id,
		EndpointID:  s.endpoint.id,
		TraceID:     tr.TraceID,
		MessageID:   raw.Headers[broker.HeaderMessageID],
		Redelivered: raw.Redelivered,
		Context:     ctx,
		StartedAt:   time.Now(),
	}
	*scopeOut = scope

	rt.metrics.ScopeStarted(s.id)
	s.stats.onScopeStart()
	if rt.hooks.OnStageStart != nil {
		rt.hooks.OnStageStart(*scope)
	}

	spanCtx, span := tracer.Start(ctx, "stageflow.process",
		oteltraceAttributes(s.id, tr.TraceID, raw.Redelivered)...)
	defer span.End()

	pc := newProcessContext(spanCtx, s, tr, d)
	if err := s.process(pc); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err := pc.flush(session); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func oteltraceAttributes(stageID, traceID string, redelivered bool) []oteltrace.SpanStartOption {
	return []oteltrace.SpanStartOption{
		oteltrace.WithAttributes(
			attribute.String("stageflow.stage_id", stageID),
			attribute.String("stageflow.trace_id", traceID),
			attribute.Bool("stageflow.redelivered", redelivered),
		),
	}
}
