package runtime

import (
	"context"
	"database/sql"
	stdruntime "runtime"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/stageflow/broker"
	codecpkg "github.com/drblury/stageflow/internal/runtime/codec"
	configpkg "github.com/drblury/stageflow/internal/runtime/config"
	errspkg "github.com/drblury/stageflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/stageflow/internal/runtime/logging"
	metricspkg "github.com/drblury/stageflow/internal/runtime/metrics"
	txpkg "github.com/drblury/stageflow/internal/runtime/tx"
)

// FactoryDependencies holds the optional collaborators the Factory can use.
// Leave fields nil to skip the related behaviour.
type FactoryDependencies struct {
	// Connection overrides the broker built from config via the registry.
	Connection broker.Connection
	// Serializer overrides the default JSON serializer.
	Serializer codecpkg.Serializer
	// DB enables the SQL side of BE-1PC scopes.
	DB *sql.DB
	// Hooks are invoked around every stage scope.
	Hooks StageHooks
	// MetricsRegisterer receives the per-stage Prometheus collectors when
	// Config.MetricsEnabled is true. Nil means prometheus.DefaultRegisterer.
	MetricsRegisterer prometheus.Registerer
	// TapPublisher receives a flow event for every committed scope.
	TapPublisher message.Publisher
	// TapTopic is the topic flow events are published on. Defaults to
	// DefaultTapTopic.
	TapTopic string
	// BrokerRegistry overrides the default broker registry.
	BrokerRegistry *broker.Registry
}

// Factory holds the registry of endpoints, creates initiators, and owns the
// lifecycle of everything it created. The endpoint registry is mutable
// during setup and frozen once the factory starts; reads are concurrent
// afterwards.
type Factory struct {
	conf   *configpkg.Config
	logger loggingpkg.ServiceLogger

	serializer  codecpkg.Serializer
	connection  broker.Connection
	coordinator *txpkg.Coordinator
	metrics     *metricspkg.StageMetrics
	hooks       StageHooks
	tap         *Tap

	receiveTimeout time.Duration
	stopGrace      time.Duration

	mu        sync.Mutex
	endpoints map[string]*endpointState
	order     []string
	started   bool
	closed    bool
}

// NewFactory constructs a Factory for the supplied configuration, panicking
// when the broker cannot be built. Register endpoints on the returned
// Factory before calling Start.
func NewFactory(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps FactoryDependencies) *Factory {
	f, err := TryNewFactory(conf, log, ctx, deps)
	if err != nil {
		panic(err)
	}
	return f
}

// TryNewFactory is NewFactory with an error return instead of a panic.
func TryNewFactory(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps FactoryDependencies) (*Factory, error) {
	if conf == nil {
		conf = &configpkg.Config{BrokerSystem: "memory"}
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	log.Info("Creating stageflow factory", loggingpkg.LogFields{
		"broker_system": conf.BrokerSystem,
		"config":        conf,
	})

	serializer := deps.Serializer
	if serializer == nil {
		serializer = codecpkg.NewJSONSerializer()
	}

	connection := deps.Connection
	if connection == nil {
		registry := deps.BrokerRegistry
		if registry == nil {
			registry = broker.DefaultRegistry
		}
		built, err := registry.Build(ctx, conf, loggingpkg.NewWatermillAdapter(log))
		if err != nil {
			return nil, err
		}
		connection = built
	}

	f := &Factory{
		conf:           conf,
		logger:         log,
		serializer:     serializer,
		connection:     connection,
		coordinator:    txpkg.NewCoordinator(deps.DB, log),
		hooks:          deps.Hooks,
		receiveTimeout: conf.ReceiveTimeout,
		stopGrace:      conf.StopGracePeriod,
		endpoints:      make(map[string]*endpointState),
	}
	if f.receiveTimeout <= 0 {
		f.receiveTimeout = configpkg.DefaultReceiveTimeout
	}
	if f.stopGrace <= 0 {
		f.stopGrace = configpkg.DefaultStopGracePeriod
	}

	if conf.MetricsEnabled {
		registerer := deps.MetricsRegisterer
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		f.metrics = metricspkg.New(registerer)
	}

	if deps.TapPublisher != nil {
		topic := deps.TapTopic
		if topic == "" {
			topic = DefaultTapTopic
		}
		f.tap = NewTap(deps.TapPublisher, topic, log)
	}

	return f, nil
}

// Staged creates a multi-stage endpoint with state type S and reply type R.
// Add stages with Stage and finalize with LastStage.
func Staged[S, R any](f *Factory, endpointID string) (*Endpoint[S, R], error) {
	ep, err := f.registerEndpoint(endpointID, typeNameOf[S](), typeNameOf[R]())
	if err != nil {
		return nil, err
	}
	return &Endpoint[S, R]{inner: ep}, nil
}

// Single creates a single-stage endpoint: the lambda's return value is the
// reply. Single-stage endpoints have no state of their own; callers that
// want state across stages use Staged.
func Single[I, R any](f *Factory, endpointID string, fn ProcessSingleLambda[I, R]) (*Endpoint[Void, R], error) {
	if fn == nil {
		return nil, errspkg.ErrProcessorRequired
	}
	ep, err := Staged[Void, R](f, endpointID)
	if err != nil {
		return nil, err
	}
	_, err = LastStage(ep, func(ctx context.Context, pc ProcessContext[R], incoming I, _ *Void) (R, error) {
		return fn(ctx, pc, incoming)
	})
	if err != nil {
		return nil, err
	}
	return ep, nil
}

// Terminator creates an endpoint that typically is the final destination of
// a flow: it has state (seeded by the initiator) and no reply; Reply is a
// no-op inside it.
func Terminator[I, S any](f *Factory, endpointID string, fn ProcessTerminatorLambda[I, S]) (*Endpoint[S, Void], error) {
	if fn == nil {
		return nil, errspkg.ErrProcessorRequired
	}
	ep, err := Staged[S, Void](f, endpointID)
	if err != nil {
		return nil, err
	}
	_, err = ep.inner.addStage(typeNameOf[I](), makeProcess(func(ctx context.Context, pc ProcessContext[Void], incoming I, state *S) error {
		return fn(ctx, pc, incoming, state)
	}), true)
	if err != nil {
		return nil, err
	}
	f.maybeStartEndpoint(ep.inner)
	return ep, nil
}

func (f *Factory) registerEndpoint(endpointID, stateTypeName, replyTypeName string) (*endpointState, error) {
	if endpointID == "" {
		return nil, errspkg.ErrEndpointIDRequired
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, errspkg.ErrFactoryClosed
	}
	if f.started {
		// The registry freezes at start so steady-state reads are
		// lock-free from the endpoints' point of view.
		return nil, errspkg.ErrFactoryStarted
	}
	if _, exists := f.endpoints[endpointID]; exists {
		return nil, errspkg.ErrDuplicateEndpointID
	}

	ep := &endpointState{
		id:            endpointID,
		rt:            f,
		stateTypeName: stateTypeName,
		replyTypeName: replyTypeName,
	}
	f.endpoints[endpointID] = ep
	f.order = append(f.order, endpointID)
	return ep, nil
}

// Initiator returns an initiator with the given id, used as the from-address
// of the flows it starts.
func (f *Factory) Initiator(id string) *Initiator {
	return &Initiator{id: id, rt: f, logger: f.logger}
}

// maybeStartEndpoint starts the endpoint's stages if the factory is already
// started; otherwise the endpoint is held and started by Factory.Start, so
// stages never consume before all endpoints have been registered.
func (f *Factory) maybeStartEndpoint(ep *endpointState) {
	f.mu.Lock()
	started := f.started
	f.mu.Unlock()
	if started {
		ep.startAll()
	}
}

// snapshot returns the registered endpoints in registration order.
func (f *Factory) snapshot() []*endpointState {
	f.mu.Lock()
	defer f.mu.Unlock()
	eps := make([]*endpointState, 0, len(f.order))
	for _, id := range f.order {
		eps = append(eps, f.endpoints[id])
	}
	return eps
}

// Start starts all registered endpoints and freezes the registry.
// Idempotent.
func (f *Factory) Start() {
	f.mu.Lock()
	if f.started || f.closed {
		f.mu.Unlock()
		return
	}
	f.started = true
	f.mu.Unlock()

	for _, ep := range f.snapshot() {
		ep.mu.Lock()
		finalized := ep.finalized
		ep.mu.Unlock()
		if !finalized {
			f.logger.Error("Endpoint has no last stage, not starting it", errspkg.ErrEndpointNotFinalized,
				loggingpkg.LogFields{"endpoint_id": ep.id})
			continue
		}
		ep.startAll()
	}
}

// Stop stops all endpoints, waiting up to the stop grace period for
// in-flight scopes. Idempotent.
func (f *Factory) Stop() {
	f.mu.Lock()
	f.started = false
	f.mu.Unlock()

	for _, ep := range f.snapshot() {
		ep.stop(f.stopGrace)
	}
}

// IsRunning reports whether any endpoint is running.
func (f *Factory) IsRunning() bool {
	for _, ep := range f.snapshot() {
		if ep.isRunning() {
			return true
		}
	}
	return false
}

// Close stops all endpoints and releases the broker connection.
func (f *Factory) Close() error {
	f.Stop()

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	return f.connection.Close()
}

// SetConcurrency sets the factory-wide default worker count per stage. Zero
// restores the hardware-thread default. Only affects stages started
// afterwards.
func (f *Factory) SetConcurrency(n int) {
	f.mu.Lock()
	f.conf.Concurrency = n
	f.mu.Unlock()
}

// Concurrency returns the factory-wide default worker count per stage: the
// configured value, or the number of hardware threads.
func (f *Factory) Concurrency() int {
	f.mu.Lock()
	n := f.conf.Concurrency
	f.mu.Unlock()
	if n > 0 {
		return n
	}
	return stdruntime.NumCPU()
}

// IsConcurrencyDefault reports whether the factory concurrency is the
// hardware-thread default.
func (f *Factory) IsConcurrencyDefault() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conf.Concurrency == 0
}

// EndpointIDs returns the ids of all registered endpoints, in registration
// order.
func (f *Factory) EndpointIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.order))
	copy(ids, f.order)
	return ids
}

// LookupEndpoint returns the configuration surface of a registered
// endpoint.
func (f *Factory) LookupEndpoint(endpointID string) (*EndpointConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ep, ok := f.endpoints[endpointID]
	if !ok {
		return nil, errspkg.ErrUnknownEndpoint
	}
	return &EndpointConfig{ep: ep}, nil
}
