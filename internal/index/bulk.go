package index

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/juddata/courtarchive/pkg/types"
)

// BulkLoader fetches many index documents in parallel. The sync
// planner uses it to pull every index of a jurisdiction in one pass
// instead of issuing sequential downloads over decades of partitions.
type BulkLoader struct {
	store       *Store
	concurrency int
}

// BulkResult contains the outcome of a bulk load.
type BulkResult struct {
	// Indexes maps object path to the decoded document.
	Indexes map[string]*types.PartitionIndex
	// Errors maps object path to the per-document failure. One bad
	// document does not abort the batch.
	Errors map[string]error
}

// NewBulkLoader creates a bulk loader limited to concurrency parallel
// downloads.
func NewBulkLoader(store *Store, concurrency int) *BulkLoader {
	if concurrency < 1 {
		concurrency = 1
	}
	return &BulkLoader{
		store:       store,
		concurrency: concurrency,
	}
}

// LoadPaths downloads and decodes all the given index documents,
// bounded by the loader's concurrency.
func (b *BulkLoader) LoadPaths(ctx context.Context, paths []string) (*BulkResult, error) {
	result := &BulkResult{
		Indexes: make(map[string]*types.PartitionIndex, len(paths)),
		Errors:  make(map[string]error),
	}
	if len(paths) == 0 {
		return result, nil
	}

	sem := semaphore.NewWeighted(int64(b.concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, p := range paths {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			result.Errors[p] = fmt.Errorf("semaphore acquire failed: %w", err)
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(objectPath string) {
			defer sem.Release(1)
			defer wg.Done()

			idx, err := b.store.LoadPath(ctx, objectPath)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[objectPath] = err
				return
			}
			result.Indexes[objectPath] = idx
		}(p)
	}

	wg.Wait()

	return result, nil
}
