package zone

import "zonestore/internal/metrics"

// engineMetrics groups the engine's reporters. Reporter construction
// happens once here; the hot paths only observe.
type engineMetrics struct {
	writeLatency         metrics.Histogram
	syncLatency          metrics.Histogram
	metaAllocLatency     metrics.Histogram
	ioAllocWALLatency    metrics.Histogram
	ioAllocNonWALLatency metrics.Histogram
	ioAllocWALActual     metrics.Histogram
	ioAllocNonWALActual  metrics.Histogram

	writeQPS     metrics.Counter
	syncQPS      metrics.Counter
	ioAllocQPS   metrics.Counter
	metaAllocQPS metrics.Counter
	writeBytesC  metrics.Counter

	activeZones      metrics.Gauge
	openZones        metrics.Gauge
	freeSpace        metrics.Gauge
	usedSpace        metrics.Gauge
	reclaimableSpace metrics.Gauge
}

func newEngineMetrics(f metrics.Factory) *engineMetrics {
	return &engineMetrics{
		writeLatency:         f.Histogram("write_latency_seconds"),
		syncLatency:          f.Histogram("sync_latency_seconds"),
		metaAllocLatency:     f.Histogram("meta_alloc_latency_seconds"),
		ioAllocWALLatency:    f.Histogram("io_alloc_wal_latency_seconds"),
		ioAllocNonWALLatency: f.Histogram("io_alloc_non_wal_latency_seconds"),
		ioAllocWALActual:     f.Histogram("io_alloc_wal_actual_latency_seconds"),
		ioAllocNonWALActual:  f.Histogram("io_alloc_non_wal_actual_latency_seconds"),
		writeQPS:             f.Counter("write_total"),
		syncQPS:              f.Counter("sync_total"),
		ioAllocQPS:           f.Counter("io_alloc_total"),
		metaAllocQPS:         f.Counter("meta_alloc_total"),
		writeBytesC:          f.Counter("write_bytes_total"),
		activeZones:          f.Gauge("active_io_zones"),
		openZones:            f.Gauge("open_io_zones"),
		freeSpace:            f.Gauge("free_space_bytes"),
		usedSpace:            f.Gauge("used_space_bytes"),
		reclaimableSpace:     f.Gauge("reclaimable_space_bytes"),
	}
}

func (em *engineMetrics) startWrite() metrics.Timer {
	em.writeQPS.Add(1)
	return metrics.StartTimer(em.writeLatency)
}

func (em *engineMetrics) writeBytes(n uint64) {
	em.writeBytesC.Add(float64(n))
}

func (em *engineMetrics) startSync() metrics.Timer {
	em.syncQPS.Add(1)
	return metrics.StartTimer(em.syncLatency)
}

func (em *engineMetrics) startMetaAlloc() metrics.Timer {
	em.metaAllocQPS.Add(1)
	return metrics.StartTimer(em.metaAllocLatency)
}

func (em *engineMetrics) startIOAlloc(isWAL bool) metrics.Timer {
	em.ioAllocQPS.Add(1)
	if isWAL {
		return metrics.StartTimer(em.ioAllocWALLatency)
	}
	return metrics.StartTimer(em.ioAllocNonWALLatency)
}

func (em *engineMetrics) startIOAllocActual(isWAL bool) metrics.Timer {
	if isWAL {
		return metrics.StartTimer(em.ioAllocWALActual)
	}
	return metrics.StartTimer(em.ioAllocNonWALActual)
}

func (em *engineMetrics) observeZoneCounts(active, open int64) {
	em.activeZones.Set(float64(active))
	em.openZones.Set(float64(open))
}
