// Package stagetest provides test utilities for stageflow services. The
// Latch bridges a terminator back to the test's main goroutine: the
// terminator resolves it with the data and state it observed, the test waits
// for the result.
package stagetest

import (
	"fmt"
	"sync"
	"time"
)

// DefaultWaitTimeout is the wait used by WaitForResult.
const DefaultWaitTimeout = 2500 * time.Millisecond

// Result carries what the terminator observed. The type order is Data first,
// then State, everywhere.
type Result[D, S any] struct {
	Data     D
	State    S
	Binaries map[string][]byte
	Strings  map[string]string
}

// Latch is a reusable single-result latch. Resolve releases the waiter; the
// wait consumes the result, arming the latch again.
type Latch[D, S any] struct {
	mu       sync.Mutex
	resolved bool
	result   Result[D, S]
	signal   chan struct{}
}

// NewLatch creates an armed latch.
func NewLatch[D, S any]() *Latch[D, S] {
	return &Latch[D, S]{signal: make(chan struct{}, 1)}
}

// Resolve releases the waiting goroutine with the given data and state.
// Panics if a previous result has not been consumed yet.
func (l *Latch[D, S]) Resolve(data D, state S) {
	l.ResolveWithSideband(data, state, nil, nil)
}

// ResolveWithSideband is Resolve carrying the sideband maps the terminator
// observed.
func (l *Latch[D, S]) ResolveWithSideband(data D, state S, binaries map[string][]byte, strings map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.resolved {
		panic("stagetest: latch already resolved, but not consumed: cannot resolve again")
	}
	l.resolved = true
	l.result = Result[D, S]{Data: data, State: state, Binaries: binaries, Strings: strings}
	l.signal <- struct{}{}
}

// WaitForResult waits DefaultWaitTimeout for the latch to resolve.
func (l *Latch[D, S]) WaitForResult() (Result[D, S], error) {
	return l.WaitForResultWithin(DefaultWaitTimeout)
}

// WaitForResultWithin parks the caller until Resolve is invoked by some
// other goroutine, returning the result, or an error if the timeout elapses
// first. Consuming the result re-arms the latch for reuse.
func (l *Latch[D, S]) WaitForResultWithin(timeout time.Duration) (Result[D, S], error) {
	select {
	case <-l.signal:
	case <-time.After(timeout):
		return Result[D, S]{}, fmt.Errorf("stagetest: no result within %s", timeout)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	result := l.result
	l.resolved = false
	l.result = Result[D, S]{}
	return result, nil
}
