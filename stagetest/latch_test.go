package stagetest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatchResolveAndWait(t *testing.T) {
	latch := NewLatch[string, int]()

	go func() {
		latch.ResolveWithSideband("data", 7, map[string][]byte{"b": {1}}, map[string]string{"s": "x"})
	}()

	result, err := latch.WaitForResult()
	require.NoError(t, err)
	assert.Equal(t, "data", result.Data)
	assert.Equal(t, 7, result.State)
	assert.Equal(t, []byte{1}, result.Binaries["b"])
	assert.Equal(t, "x", result.Strings["s"])
}

func TestLatchTimesOut(t *testing.T) {
	latch := NewLatch[string, int]()
	_, err := latch.WaitForResultWithin(20 * time.Millisecond)
	assert.Error(t, err)
}

func TestLatchIsReusable(t *testing.T) {
	latch := NewLatch[int, int]()

	latch.Resolve(1, 0)
	first, err := latch.WaitForResult()
	require.NoError(t, err)
	assert.Equal(t, 1, first.Data)

	latch.Resolve(2, 0)
	second, err := latch.WaitForResult()
	require.NoError(t, err)
	assert.Equal(t, 2, second.Data)
}

func TestLatchPanicsOnDoubleResolve(t *testing.T) {
	latch := NewLatch[int, int]()
	latch.Resolve(1, 0)
	assert.Panics(t, func() { latch.Resolve(2, 0) })
}
