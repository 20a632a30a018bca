package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/drblury/stageflow/broker/memory"
	configpkg "github.com/drblury/stageflow/internal/runtime/config"
	errspkg "github.com/drblury/stageflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/stageflow/internal/runtime/logging"
)

type testData struct {
	N int `json:"n"`
}

type testState struct {
	S int `json:"s"`
}

func newBareFactory(t *testing.T) *Factory {
	t.Helper()
	f, err := TryNewFactory(&configpkg.Config{Concurrency: 3}, loggingpkg.NewNopServiceLogger(),
		context.Background(), FactoryDependencies{Connection: memory.New()})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func noopLambda(ctx context.Context, pc ProcessContext[testData], in testData, state *testState) error {
	return nil
}

func noopReturnLambda(ctx context.Context, pc ProcessContext[testData], in testData, state *testState) (testData, error) {
	return in, nil
}

func TestFactoryRequiresLogger(t *testing.T) {
	_, err := TryNewFactory(&configpkg.Config{}, nil, context.Background(), FactoryDependencies{Connection: memory.New()})
	if !errors.Is(err, errspkg.ErrLoggerRequired) {
		t.Fatalf("expected logger required, got %v", err)
	}
}

func TestDuplicateEndpointID(t *testing.T) {
	f := newBareFactory(t)
	if _, err := Staged[testState, testData](f, "ep"); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	_, err := Staged[testState, testData](f, "ep")
	if !errors.Is(err, errspkg.ErrDuplicateEndpointID) {
		t.Fatalf("expected duplicate id error, got %v", err)
	}
}

func TestEndpointIDRequired(t *testing.T) {
	f := newBareFactory(t)
	_, err := Staged[testState, testData](f, "")
	if !errors.Is(err, errspkg.ErrEndpointIDRequired) {
		t.Fatalf("expected id required error, got %v", err)
	}
}

func TestStageIDNamingAndWiring(t *testing.T) {
	f := newBareFactory(t)
	ep, err := Staged[testState, testData](f, "order.place")
	if err != nil {
		t.Fatalf("staged: %v", err)
	}

	first, err := Stage(ep, noopLambda)
	if err != nil {
		t.Fatalf("stage 0: %v", err)
	}
	second, err := Stage(ep, noopLambda)
	if err != nil {
		t.Fatalf("stage 1: %v", err)
	}
	last, err := LastStage(ep, noopReturnLambda)
	if err != nil {
		t.Fatalf("last stage: %v", err)
	}

	if first.StageID() != "order.place" {
		t.Fatalf("first stage id %q, want the endpoint id", first.StageID())
	}
	if second.StageID() != "order.place.1" {
		t.Fatalf("second stage id %q", second.StageID())
	}
	if last.StageID() != "order.place.2" {
		t.Fatalf("last stage id %q", last.StageID())
	}

	stages := ep.inner.stages
	if stages[0].nextStageID != "order.place.1" || stages[1].nextStageID != "order.place.2" {
		t.Fatalf("next-stage wiring broken: %q %q", stages[0].nextStageID, stages[1].nextStageID)
	}
	if stages[2].nextStageID != "" || !stages[2].isLast {
		t.Fatalf("last stage wiring broken: %+v", stages[2])
	}
}

func TestStageAfterFinalizeFails(t *testing.T) {
	f := newBareFactory(t)
	ep, err := Staged[testState, testData](f, "ep")
	if err != nil {
		t.Fatalf("staged: %v", err)
	}
	if _, err := LastStage(ep, noopReturnLambda); err != nil {
		t.Fatalf("last stage: %v", err)
	}
	_, err = Stage(ep, noopLambda)
	if !errors.Is(err, errspkg.ErrEndpointFinalized) {
		t.Fatalf("expected finalized error, got %v", err)
	}
}

func TestConcurrencyInheritance(t *testing.T) {
	f := newBareFactory(t) // factory default 3

	ep, err := Staged[testState, testData](f, "ep")
	if err != nil {
		t.Fatalf("staged: %v", err)
	}
	stg, err := Stage(ep, noopLambda)
	if err != nil {
		t.Fatalf("stage: %v", err)
	}

	if got := stg.Concurrency(); got != 3 {
		t.Fatalf("stage should inherit factory concurrency, got %d", got)
	}
	if !stg.IsConcurrencyDefault() {
		t.Fatal("stage concurrency should be default")
	}

	ep.Config().SetConcurrency(5)
	if got := stg.Concurrency(); got != 5 {
		t.Fatalf("stage should inherit endpoint concurrency, got %d", got)
	}

	stg.SetConcurrency(2)
	if got := stg.Concurrency(); got != 2 {
		t.Fatalf("stage concurrency override ignored, got %d", got)
	}
	if stg.IsConcurrencyDefault() {
		t.Fatal("stage concurrency should no longer be default")
	}

	// Zero restores inheritance.
	stg.SetConcurrency(0)
	if got := stg.Concurrency(); got != 5 {
		t.Fatalf("zero must mean inherit, got %d", got)
	}
}

func TestFactoryConcurrencyDefaultsToHardwareThreads(t *testing.T) {
	f, err := TryNewFactory(&configpkg.Config{}, loggingpkg.NewNopServiceLogger(),
		context.Background(), FactoryDependencies{Connection: memory.New()})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })

	if !f.IsConcurrencyDefault() {
		t.Fatal("unset concurrency must report default")
	}
	if f.Concurrency() < 1 {
		t.Fatalf("hardware-thread default must be positive, got %d", f.Concurrency())
	}
	f.SetConcurrency(7)
	if f.Concurrency() != 7 || f.IsConcurrencyDefault() {
		t.Fatal("explicit concurrency not honoured")
	}
}

func TestLookupEndpointAndIntrospection(t *testing.T) {
	f := newBareFactory(t)
	ep, err := Staged[testState, testData](f, "ep")
	if err != nil {
		t.Fatalf("staged: %v", err)
	}
	if _, err := Stage(ep, noopLambda); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if _, err := LastStage(ep, noopReturnLambda); err != nil {
		t.Fatalf("last stage: %v", err)
	}

	conf, err := f.LookupEndpoint("ep")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if conf.StateTypeName() != "runtime.testState" || conf.ReplyTypeName() != "runtime.testData" {
		t.Fatalf("type names: %q %q", conf.StateTypeName(), conf.ReplyTypeName())
	}
	if conf.IncomingTypeName() != "runtime.testData" {
		t.Fatalf("incoming type: %q", conf.IncomingTypeName())
	}
	if len(conf.Stages()) != 2 {
		t.Fatalf("stage count: %d", len(conf.Stages()))
	}

	if _, err := f.LookupEndpoint("nope"); !errors.Is(err, errspkg.ErrUnknownEndpoint) {
		t.Fatalf("expected unknown endpoint, got %v", err)
	}

	ids := f.EndpointIDs()
	if len(ids) != 1 || ids[0] != "ep" {
		t.Fatalf("endpoint ids: %v", ids)
	}
}

func TestRegisterAfterStartFails(t *testing.T) {
	f := newBareFactory(t)
	f.Start()
	t.Cleanup(f.Stop)

	_, err := Staged[testState, testData](f, "late")
	if !errors.Is(err, errspkg.ErrFactoryStarted) {
		t.Fatalf("expected frozen registry error, got %v", err)
	}
}

func TestRegisterAfterCloseFails(t *testing.T) {
	f := newBareFactory(t)
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err := Staged[testState, testData](f, "late")
	if !errors.Is(err, errspkg.ErrFactoryClosed) {
		t.Fatalf("expected factory closed, got %v", err)
	}
}

func TestUnfinalizedEndpointDoesNotStart(t *testing.T) {
	f := newBareFactory(t)
	ep, err := Staged[testState, testData](f, "ep")
	if err != nil {
		t.Fatalf("staged: %v", err)
	}
	if _, err := Stage(ep, noopLambda); err != nil {
		t.Fatalf("stage: %v", err)
	}

	f.Start()
	if ep.IsRunning() {
		t.Fatal("an endpoint without a last stage must not start")
	}
	f.Stop()
}
