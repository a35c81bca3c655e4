package util

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProcessItemsWithThreadPool(t *testing.T) {
	input := []string{"1", "2", "3", "4", "5", "6", "7", "8", "9"}
	output := []string{}
	outputMutex := &sync.Mutex{}

	ProcessItemsWithThreadPool(context.Background(), 2, input, func(item string) {
		outputMutex.Lock()
		defer outputMutex.Unlock()
		output = append(output, item)
	})

	assert.ElementsMatch(t, input, output)
}

func TestProcessItemsWithThreadPool_BoundsConcurrency(t *testing.T) {
	var running, maxRunning int32
	ProcessItemsWithThreadPool(context.Background(), 3, make([]int, 12), func(int) {
		n := atomic.AddInt32(&running, 1)
		for {
			seen := atomic.LoadInt32(&maxRunning)
			if n <= seen || atomic.CompareAndSwapInt32(&maxRunning, seen, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&running, -1)
	})

	assert.LessOrEqual(t, maxRunning, int32(3))
}

func TestProcessItemsWithThreadPool_HandlesContextCancellation(t *testing.T) {
	input := []int{1, 2, 3, 4, 5, 6}
	var processed int32
	ctx, cancel := context.WithCancel(context.Background())

	ProcessItemsWithThreadPool(ctx, 1, input, func(item int) {
		atomic.AddInt32(&processed, 1)
		if item == 2 {
			cancel()
		}
	})

	assert.Equal(t, int32(2), processed)
}

func TestWaitWithTimeout(t *testing.T) {
	wg := &sync.WaitGroup{}
	assert.False(t, WaitWithTimeout(wg, time.Second))

	wg.Add(1)
	assert.True(t, WaitWithTimeout(wg, 10*time.Millisecond))

	wg.Done()
	assert.False(t, WaitWithTimeout(wg, time.Second))
}
