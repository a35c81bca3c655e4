package util

import (
	"context"
	"sync"
)

// ProcessItemsWithThreadPool calls processFunc on every item using at most maxThreadCount goroutines,
// and returns once all calls have finished. Items not yet started when ctx is done are skipped.
func ProcessItemsWithThreadPool[K any](ctx context.Context, maxThreadCount int, itemsToProcess []K, processFunc func(K)) {
	wg := &sync.WaitGroup{}
	processChannel := make(chan K)

	for i := 0; i < min(len(itemsToProcess), maxThreadCount); i++ {
		wg.Add(1)
		go poolWorker(ctx, wg, processChannel, processFunc)
	}

	for _, item := range itemsToProcess {
		processChannel <- item
	}

	close(processChannel)
	wg.Wait()
}

func poolWorker[K any](ctx context.Context, wg *sync.WaitGroup, items chan K, processFunc func(K)) {
	defer wg.Done()

	for item := range items {
		// Skip processing once context is finished
		if ctx.Err() != nil {
			continue
		}
		processFunc(item)
	}
}
