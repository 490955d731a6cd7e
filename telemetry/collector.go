package telemetry

import (
	"sync"
	"time"
)

// StatsProvider is implemented by the store to expose gauge values
type StatsProvider interface {
	LogRecordCount() (int64, error)
	PeerLag() map[string]uint64
}

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider StatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.provider == nil {
		return
	}

	if n, err := mc.provider.LogRecordCount(); err == nil {
		ChangeLogRecords.Set(float64(n))
	}

	for peer, lag := range mc.provider.PeerLag() {
		PeerLagVersions.With(peer).Set(float64(lag))
	}
}
