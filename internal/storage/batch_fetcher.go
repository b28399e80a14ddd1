package storage

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// BatchFetcher reads many objects from storage in parallel with bounded
// concurrency.
type BatchFetcher struct {
	storage     ObjectStorage
	concurrency int
}

// BatchResult contains the outcome of a batch fetch. Every requested path
// lands in exactly one of Objects or Errors.
type BatchResult struct {
	Objects map[string][]byte
	Errors  map[string]error
}

// NewBatchFetcher creates a new batch fetcher.
// storage: the ObjectStorage implementation to read from
// concurrency: maximum number of parallel reads
func NewBatchFetcher(storage ObjectStorage, concurrency int) *BatchFetcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &BatchFetcher{
		storage:     storage,
		concurrency: concurrency,
	}
}

// Fetch reads all objectPaths. Per-object failures are reported in
// BatchResult.Errors; the returned error is non-nil only when the context
// ends before every read was started.
func (b *BatchFetcher) Fetch(ctx context.Context, objectPaths []string) (*BatchResult, error) {
	result := &BatchResult{
		Objects: make(map[string][]byte, len(objectPaths)),
		Errors:  make(map[string]error),
	}
	if len(objectPaths) == 0 {
		return result, nil
	}

	sem := semaphore.NewWeighted(int64(b.concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var acquireErr error

	for _, p := range objectPaths {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			result.Errors[p] = fmt.Errorf("semaphore acquire failed: %w", err)
			acquireErr = err
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(path string) {
			defer sem.Release(1)
			defer wg.Done()

			data, err := b.storage.Get(ctx, path)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[path] = err
				return
			}
			result.Objects[path] = data
		}(p)
	}

	wg.Wait()

	if acquireErr != nil {
		return result, acquireErr
	}
	return result, nil
}
