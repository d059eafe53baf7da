package util

import (
	"context"
	"sync"
)

// ProcessItemsWithThreadPool calls processFunc for every item using at most maxThreadCount goroutines.
// Items not yet started when ctx is done are skipped.
func ProcessItemsWithThreadPool[K any](ctx context.Context, maxThreadCount int, itemsToProcess []K, processFunc func(K)) {
	wg := &sync.WaitGroup{}
	processChannel := make(chan K)

	workers := len(itemsToProcess)
	if maxThreadCount < workers {
		workers = maxThreadCount
	}
	if workers < 1 && len(itemsToProcess) > 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
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
		if ctx.Err() != nil {
			continue
		}
		processFunc(item)
	}
}
