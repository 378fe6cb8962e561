// File path: internal/common/telemetry/telemetry.go
package telemetry

import (
	"context"
	"expvar"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/neuropil/neuropil/internal/common"
)

type spanKey struct{}

type span struct {
	name  string
	start time.Time
}

// MemoryLimitError reports that a component exceeded the configured heap
// budget while building a derived value.
type MemoryLimitError struct {
	Component string
	Usage     uint64
	Limit     uint64
}

func (e MemoryLimitError) Error() string {
	return fmt.Sprintf("memory limit exceeded for %s: %d > %d", e.Component, e.Usage, e.Limit)
}

var (
	initOnce sync.Once

	cacheFetchTotal    *expvar.Int
	cacheFetchHits     *expvar.Int
	cacheDownloadTotal *expvar.Int
	cacheDownloadMS    *expvar.Int

	warehouseQueryTotal     *expvar.Map
	warehouseQueryLatencyMS *expvar.Map

	manifestBuildTotal *expvar.Map
	manifestRowsTotal  *expvar.Map

	sessionBuildTotal     *expvar.Map
	sessionBuildLatencyMS *expvar.Map

	memoryLimitBytes uint64
	memoryLimitVar   *expvar.Int
	memoryUsageVar   *expvar.Int
)

func ensureInit() {
	initOnce.Do(func() {
		cacheFetchTotal = expvar.NewInt("neuropil_cache_fetch_total")
		cacheFetchHits = expvar.NewInt("neuropil_cache_fetch_hits")
		cacheDownloadTotal = expvar.NewInt("neuropil_cache_downloads_total")
		cacheDownloadMS = expvar.NewInt("neuropil_cache_download_latency_ms")

		warehouseQueryTotal = expvar.NewMap("neuropil_warehouse_query_total")
		warehouseQueryLatencyMS = expvar.NewMap("neuropil_warehouse_query_latency_ms")

		manifestBuildTotal = expvar.NewMap("neuropil_manifest_build_total")
		manifestRowsTotal = expvar.NewMap("neuropil_manifest_rows_total")

		sessionBuildTotal = expvar.NewMap("neuropil_session_build_total")
		sessionBuildLatencyMS = expvar.NewMap("neuropil_session_build_latency_ms")

		memoryLimitVar = expvar.NewInt("neuropil_memory_limit_bytes")
		memoryUsageVar = expvar.NewInt("neuropil_memory_usage_bytes")

		memoryLimitBytes = loadMemoryLimit()
		memoryLimitVar.Set(int64(memoryLimitBytes))
	})
}

func loadMemoryLimit() uint64 {
	limit := strings.TrimSpace(os.Getenv("NEUROPIL_MEMORY_LIMIT_BYTES"))
	if limit != "" {
		if value, err := strconv.ParseUint(limit, 10, 64); err == nil {
			return value
		}
	}
	if limitMB := strings.TrimSpace(os.Getenv("NEUROPIL_MEMORY_LIMIT_MB")); limitMB != "" {
		if value, err := strconv.ParseUint(limitMB, 10, 64); err == nil {
			return value * 1024 * 1024
		}
	}
	return 0
}

// StartSpan opens a debug span and returns the closer that logs its duration.
func StartSpan(ctx context.Context, name string) (context.Context, func(attrs ...interface{})) {
	ensureInit()
	sp := &span{name: name, start: time.Now()}
	ctx = context.WithValue(ctx, spanKey{}, sp)
	logger := common.Logger()
	logger.Debug("trace: start", "span", name)
	return ctx, func(attrs ...interface{}) {
		if sp == nil {
			return
		}
		duration := time.Since(sp.start)
		logger.Debug("trace: end", append([]interface{}{"span", name, "dur", duration}, attrs...)...)
	}
}

func RecordCacheFetch(hit bool, duration time.Duration) {
	ensureInit()
	cacheFetchTotal.Add(1)
	if hit {
		cacheFetchHits.Add(1)
		return
	}
	cacheDownloadTotal.Add(1)
	if duration > 0 {
		cacheDownloadMS.Add(duration.Milliseconds())
	}
}

func RecordWarehouseQuery(model string, duration time.Duration) {
	ensureInit()
	key := strings.TrimSpace(strings.ToLower(model))
	if key == "" {
		key = "unknown"
	}
	warehouseQueryTotal.Add(key, 1)
	if duration > 0 {
		warehouseQueryLatencyMS.Add(key, duration.Milliseconds())
	}
}

func RecordManifestBuild(table string, rows int) {
	ensureInit()
	key := strings.TrimSpace(strings.ToLower(table))
	if key == "" {
		key = "unknown"
	}
	manifestBuildTotal.Add(key, 1)
	if rows > 0 {
		manifestRowsTotal.Add(key, int64(rows))
	}
}

func RecordSessionBuild(property string, duration time.Duration) {
	ensureInit()
	key := strings.TrimSpace(strings.ToLower(property))
	if key == "" {
		key = "unknown"
	}
	sessionBuildTotal.Add(key, 1)
	if duration > 0 {
		sessionBuildLatencyMS.Add(key, duration.Milliseconds())
	}
}

// CheckMemoryBudget compares current heap usage against the configured limit
// and returns a MemoryLimitError when exceeded. A zero limit disables the
// guard.
func CheckMemoryBudget(component string) error {
	ensureInit()
	if memoryLimitBytes == 0 {
		updateMemoryUsage()
		return nil
	}
	usage := updateMemoryUsage()
	if usage > memoryLimitBytes {
		err := MemoryLimitError{Component: component, Usage: usage, Limit: memoryLimitBytes}
		common.Logger().Warn("telemetry: memory guard tripped", "component", component, "usage", usage, "limit", memoryLimitBytes)
		return err
	}
	return nil
}

func updateMemoryUsage() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	usage := stats.Alloc
	memoryUsageVar.Set(int64(usage))
	return usage
}

func SpanDuration(ctx context.Context) time.Duration {
	sp, _ := ctx.Value(spanKey{}).(*span)
	if sp == nil {
		return 0
	}
	return time.Since(sp.start)
}
