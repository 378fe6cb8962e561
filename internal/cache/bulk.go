// File path: internal/cache/bulk.go
package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/neuropil/neuropil/internal/common"
)

// BatchError aggregates the per-key failures of a bulk fetch. Keys absent
// from Failed were fetched and persisted.
type BatchError struct {
	Total  int
	Failed map[string]error
}

func (e *BatchError) Error() string {
	keys := make([]string, 0, len(e.Failed))
	for key := range e.Failed {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return fmt.Sprintf("bulk fetch: %d of %d keys failed: %s", len(e.Failed), e.Total, strings.Join(keys, ", "))
}

// FetchMany warms the cache for every key. Each key is attempted and
// retried independently; failures never abort the remaining keys. When any
// key still fails after its retries the returned error is a *BatchError
// naming each failed key and its cause.
func (c *Cache) FetchMany(ctx context.Context, keys []string) error {
	if c == nil {
		return errors.New("cache not initialized")
	}
	if len(keys) == 0 {
		return nil
	}
	logger := common.Logger()
	logger.Info("cache: bulk fetch starting", "keys", len(keys), "workers", c.cfg.Workers)

	type fetchResult struct {
		key string
		err error
	}
	workerCount := min(c.cfg.Workers, len(keys))
	jobCh := make(chan string)
	results := make(chan fetchResult, len(keys))
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for key := range jobCh {
				select {
				case <-ctx.Done():
					results <- fetchResult{key: key, err: ctx.Err()}
					continue
				default:
				}
				_, err := c.Fetch(ctx, key)
				results <- fetchResult{key: key, err: err}
			}
		}()
	}
	go func() {
		for _, key := range keys {
			jobCh <- key
		}
		close(jobCh)
		wg.Wait()
		close(results)
	}()

	failed := make(map[string]error)
	for res := range results {
		if res.err != nil {
			failed[NormalizeKey(res.key)] = res.err
		}
	}
	if len(failed) > 0 {
		logger.Warn("cache: bulk fetch partial failure", "failures", len(failed), "total", len(keys))
		return &BatchError{Total: len(keys), Failed: failed}
	}
	logger.Info("cache: bulk fetch completed", "keys", len(keys))
	return nil
}
