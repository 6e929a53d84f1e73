// internal/scheduler/debounce_test.go
package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebounceCoalescesBurst(t *testing.T) {
	d := New()
	var calls atomic.Int32

	for i := 0; i < 10; i++ {
		d.Arm("10.0.0.1", 50*time.Millisecond, func() { calls.Add(1) })
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, d.Pending())
}

func TestDebounceSpacedTriggersEachFire(t *testing.T) {
	d := New()
	var calls atomic.Int32

	for i := 0; i < 3; i++ {
		d.Arm("10.0.0.1", 10*time.Millisecond, func() { calls.Add(1) })
		time.Sleep(60 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, 5*time.Millisecond)
}

func TestDebounceKeysAreIndependent(t *testing.T) {
	d := New()
	var a, b atomic.Int32

	d.Arm("a", 20*time.Millisecond, func() { a.Add(1) })
	d.Arm("b", 20*time.Millisecond, func() { b.Add(1) })
	assert.Equal(t, 2, d.Pending())

	require.Eventually(t, func() bool { return a.Load() == 1 && b.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDebounceCancel(t *testing.T) {
	d := New()
	var calls atomic.Int32

	d.Arm("10.0.0.1", 20*time.Millisecond, func() { calls.Add(1) })
	assert.True(t, d.Cancel("10.0.0.1"))
	assert.False(t, d.Cancel("10.0.0.1"))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
	assert.False(t, d.IsPending("10.0.0.1"))
}

func TestDebounceEntryRemovedAfterCall(t *testing.T) {
	d := New()
	done := make(chan struct{})

	d.Arm("10.0.0.1", time.Millisecond, func() { close(done) })

	<-done
	require.Eventually(t, func() bool { return !d.IsPending("10.0.0.1") }, time.Second, time.Millisecond)
}

func TestDebounceRearmWhileRunning(t *testing.T) {
	d := New()
	release := make(chan struct{})
	started := make(chan struct{})
	var calls atomic.Int32

	d.Arm("k", time.Millisecond, func() {
		calls.Add(1)
		close(started)
		<-release
	})
	<-started

	// running call is not cancelled; a new one is armed behind it
	d.Arm("k", 10*time.Millisecond, func() { calls.Add(1) })
	close(release)

	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return d.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestDebounceCancelAllAndWait(t *testing.T) {
	d := New()
	var calls atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})

	d.Arm("running", time.Millisecond, func() {
		close(started)
		<-release
		calls.Add(1)
	})
	<-started
	d.Arm("pending", time.Hour, func() { calls.Add(100) })

	assert.Equal(t, 1, d.CancelAll())
	assert.False(t, d.Arm("late", time.Millisecond, func() { calls.Add(100) }))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.Wait()
	}()
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, d.Pending())
}

func TestDebounceOnChange(t *testing.T) {
	d := New()
	var last atomic.Int32
	d.OnChange = func(n int) { last.Store(int32(n)) }

	d.Arm("a", time.Hour, func() {})
	d.Arm("b", time.Hour, func() {})
	assert.Equal(t, int32(2), last.Load())

	d.Cancel("a")
	assert.Equal(t, int32(1), last.Load())
	d.CancelAll()
	assert.Equal(t, int32(0), last.Load())
}
