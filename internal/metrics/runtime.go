package metrics

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	heapAllocGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "webser_heap_alloc_bytes",
		Help: "Bytes of allocated heap objects.",
	})
	heapInuseGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "webser_heap_inuse_bytes",
		Help: "Bytes in in-use heap spans.",
	})
	rssGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "webser_rss_bytes",
		Help: "Resident set size of the process, 0 where unavailable.",
	})
	goroutinesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "webser_goroutines",
		Help: "Number of live goroutines.",
	})
	gcCyclesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webser_gc_cycles_total",
		Help: "Completed GC cycles since process start.",
	})
)

// RuntimeSampleInterval reads WEBSER_MEMORY_LOG_INTERVAL. Zero means the
// sampler stays off.
func RuntimeSampleInterval(logger *slog.Logger) time.Duration {
	value := os.Getenv("WEBSER_MEMORY_LOG_INTERVAL")
	if value == "" {
		return 0
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		if logger != nil {
			logger.Warn("Invalid WEBSER_MEMORY_LOG_INTERVAL; runtime sampler disabled", "value", value, "error", err)
		}
		return 0
	}
	return parsed
}

// StartRuntimeSampler exports process memory and goroutine gauges on an
// interval and logs a summary line each pass.
func StartRuntimeSampler(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var lastGC uint32
		for {
			lastGC = sampleRuntime(logger, lastGC)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func sampleRuntime(logger *slog.Logger, lastGC uint32) uint32 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	heapAllocGauge.Set(float64(m.HeapAlloc))
	heapInuseGauge.Set(float64(m.HeapInuse))
	goroutinesGauge.Set(float64(runtime.NumGoroutine()))
	if m.NumGC > lastGC {
		gcCyclesCounter.Add(float64(m.NumGC - lastGC))
	}

	rss, ok := residentSetBytes()
	rssGauge.Set(float64(rss))

	if logger != nil {
		attrs := []any{
			"heap_alloc_bytes", m.HeapAlloc,
			"heap_inuse_bytes", m.HeapInuse,
			"goroutines", runtime.NumGoroutine(),
			"num_gc", m.NumGC,
		}
		if ok {
			attrs = append(attrs, "rss_bytes", rss)
		}
		logger.Info("Runtime memory sample", attrs...)
	}
	return m.NumGC
}

// residentSetBytes reads VmRSS from /proc; only meaningful on Linux.
func residentSetBytes() (uint64, bool) {
	data, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return 0, false
	}
	return parseVmRSS(data)
}

func parseVmRSS(status []byte) (uint64, bool) {
	for _, line := range bytes.Split(status, []byte("\n")) {
		rest, ok := bytes.CutPrefix(line, []byte("VmRSS:"))
		if !ok {
			continue
		}
		fields := bytes.Fields(rest)
		if len(fields) == 0 {
			return 0, false
		}
		kb, err := strconv.ParseUint(string(fields[0]), 10, 64)
		if err != nil {
			return 0, false
		}
		return kb * 1024, true
	}
	return 0, false
}
