package threadpool

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewDefaultSize(t *testing.T) {
	assert.Equal(t, runtime.NumCPU(), New(0).Size())
	assert.Equal(t, 3, New(3).Size())
}

func TestPoolRunsAllJobs(t *testing.T) {
	p := New(4)
	results := make([]int, 100)
	for i := range results {
		p.Enqueue(func() { results[i] = i * i })
	}
	p.Wait()
	for i, v := range results {
		assert.Equal(t, i*i, v)
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	const size = 3
	p := New(size)

	var running, peak atomic.Int32
	for i := 0; i < 20; i++ {
		p.Enqueue(func() {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			running.Add(-1)
		})
	}
	p.Close()

	assert.LessOrEqual(t, peak.Load(), int32(size))
	assert.Equal(t, int32(0), running.Load())
}

func TestEnqueueBlocksOnBusySlot(t *testing.T) {
	p := New(1)
	release := make(chan struct{})
	p.Enqueue(func() { <-release })

	var wg sync.WaitGroup
	var second atomic.Bool
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Enqueue(func() { second.Store(true) })
	}()

	time.Sleep(10 * time.Millisecond)
	assert.False(t, second.Load(), "second job must wait for the occupied slot")

	close(release)
	wg.Wait()
	p.Wait()
	assert.True(t, second.Load())
}
