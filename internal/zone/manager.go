package zone

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"zonestore/internal/logging"
	"zonestore/internal/metrics"
)

const (
	// opLogZones is the number of zones reserved for the rolling metadata
	// log. Two are needed to roll the log safely; the pool also absorbs a
	// zone going offline.
	opLogZones = 2
	// snapshotZones is the number of zones reserved for full metadata
	// snapshots.
	snapshotZones = 2
	// minZones is the minimum device size that makes sense to manage.
	minZones = 32
	// metaZoneSlack is the number of active/open slots withheld from the
	// io quotas for metadata writing.
	metaZoneSlack = 3
)

// Config carries the tunables for a Manager. The zero value is usable.
type Config struct {
	// FinishThresholdPercent enables eager finishing of nearly full
	// zones during allocation: a non-open zone with live data and less
	// than this percentage of its capacity remaining is finished in the
	// background to give its active slot back. 0 disables eager finish.
	FinishThresholdPercent uint64

	// ReadOnly suppresses the open-time force-close of zones the device
	// reports as open.
	ReadOnly bool

	// Logger for structured logging. If nil, logging is disabled.
	// The manager scopes this logger with component="zone-manager".
	Logger *slog.Logger

	// Metrics builds the engine's reporters. If nil, metrics are
	// discarded.
	Metrics metrics.Factory
}

// Manager owns the device's zones. At construction it inventories the
// zone report into the op-log, snapshot and io pools, and from then on it
// serves allocations against the io pool while two background workers run
// metadata work and zone reclamation.
type Manager struct {
	cfg Config
	dev BlockDevice

	blockSize uint32
	zoneSize  uint64
	nrZones   uint32

	opZones   []*Zone
	snapZones []*Zone
	ioZones   []*Zone

	maxActiveIOZones int64
	maxOpenIOZones   int64
	activeIOZones    atomic.Int64
	openIOZones      atomic.Int64

	// zoneResourcesMu serializes the close + counter-decrement sequence
	// in CloseWrite and ResetUnusedIOZones; the counters themselves are
	// atomic everywhere else.
	zoneResourcesMu sync.Mutex
	// zoneResources wakes allocators parked on exhausted quotas.
	zoneResources chan struct{}

	metaWorker *Worker
	dataWorker *Worker

	logger *slog.Logger
	met    *engineMetrics

	closed bool
}

// NewManager inventories the device and returns a ready manager.
func NewManager(dev BlockDevice, cfg Config) (*Manager, error) {
	geo := dev.Geometry()
	if geo.BlockSize == 0 || geo.ZoneSize == 0 {
		return nil, fmt.Errorf("%w: device reports no geometry", ErrInvalidArgument)
	}
	if geo.NrZones < minZones {
		return nil, fmt.Errorf("%w: too few zones on device (%d, %d required)",
			ErrNotSupported, geo.NrZones, minZones)
	}

	logger := logging.Default(cfg.Logger).With("component", "zone-manager")

	m := &Manager{
		cfg:           cfg,
		dev:           dev,
		blockSize:     geo.BlockSize,
		zoneSize:      geo.ZoneSize,
		nrZones:       geo.NrZones,
		zoneResources: make(chan struct{}, 1),
		logger:        logger,
		met:           newEngineMetrics(metrics.Default(cfg.Metrics)),
	}

	// The metadata pools need their own active/open headroom.
	m.maxActiveIOZones = quota(geo.MaxActiveZones, geo.NrZones)
	m.maxOpenIOZones = quota(geo.MaxOpenZones, geo.NrZones)

	if err := m.buildInventory(); err != nil {
		return nil, err
	}

	m.metaWorker = NewWorker()
	m.dataWorker = NewWorker()

	logger.Info("zoned block device opened",
		"zones", geo.NrZones,
		"zone_size", geo.ZoneSize,
		"block_size", geo.BlockSize,
		"max_active_io_zones", m.maxActiveIOZones,
		"max_open_io_zones", m.maxOpenIOZones,
	)
	return m, nil
}

// quota converts a device limit into the io-pool limit, reserving slots
// for metadata. A zero device limit means unlimited; every zone may then
// be active at once.
func quota(deviceMax, nrZones uint32) int64 {
	if deviceMax == 0 {
		return int64(nrZones)
	}
	return int64(deviceMax) - metaZoneSlack
}

// buildInventory partitions the zone report into the three pools and
// derives the initial active count. Pool membership is fixed for the life
// of the manager.
func (m *Manager) buildInventory() error {
	report, err := m.dev.ReportZones()
	if err != nil {
		return fmt.Errorf("%w: list zones: %v", ErrIO, err)
	}

	i := 0
	take := func(n int) []*Zone {
		var pool []*Zone
		taken := 0
		for taken < n && i < len(report) {
			d := report[i]
			i++
			if d.Type != TypeSequentialWriteRequired {
				continue
			}
			// An offline zone still consumes its pool slot; the pools are
			// sized to absorb that.
			if d.Condition != CondOffline {
				pool = append(pool, newZone(m, d))
			}
			taken++
		}
		return pool
	}

	m.opZones = take(opLogZones)
	m.snapZones = take(snapshotZones)

	for ; i < len(report); i++ {
		d := report[i]
		if d.Type != TypeSequentialWriteRequired || d.Condition == CondOffline {
			continue
		}
		z := newZone(m, d)
		m.ioZones = append(m.ioZones, z)

		switch d.Condition {
		case CondImplicitOpen, CondExplicitOpen:
			m.activeIOZones.Add(1)
			if !m.cfg.ReadOnly {
				if err := z.Close(); err != nil {
					m.logger.Warn("failed closing zone left open by previous instance",
						"zone", z.GetZoneNr(), "error", err)
				}
			}
		case CondClosed:
			m.activeIOZones.Add(1)
		}
	}

	if len(m.opZones) == 0 || len(m.snapZones) == 0 {
		return fmt.Errorf("%w: no usable metadata zones", ErrNotSupported)
	}
	return nil
}

// Close shuts the workers down, draining their queues, and closes the
// device handles. Zones must not be used afterwards.
func (m *Manager) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	m.dataWorker.Close()
	m.metaWorker.Close()
	return m.dev.Close()
}

// MetaWorker returns the worker reserved for metadata jobs. The layer
// above schedules log rolls and snapshot writes on it so they never
// queue behind zone reclamation.
func (m *Manager) MetaWorker() *Worker { return m.metaWorker }

// BlockSize returns the device's physical block size in bytes.
func (m *Manager) BlockSize() uint32 { return m.blockSize }

// ZoneSize returns the logical zone size in bytes.
func (m *Manager) ZoneSize() uint64 { return m.zoneSize }

// OpenIOZones returns the current open-for-write count of the io pool.
func (m *Manager) OpenIOZones() int64 { return m.openIOZones.Load() }

// ActiveIOZones returns the current active count of the io pool.
func (m *Manager) ActiveIOZones() int64 { return m.activeIOZones.Load() }

// GetIOZone returns the io zone whose range contains the byte offset, or
// nil if the offset falls outside the io pool.
func (m *Manager) GetIOZone(offset uint64) *Zone {
	for _, z := range m.ioZones {
		if z.start <= offset && offset < z.start+m.zoneSize {
			return z
		}
	}
	return nil
}

// signalZoneResources wakes one allocator parked on exhausted quotas.
func (m *Manager) signalZoneResources() {
	select {
	case m.zoneResources <- struct{}{}:
	default:
	}
}

// waitZoneResources parks until a zone resource is released or the bound
// elapses. The bound keeps the allocator's retry loop live even if a
// wakeup is lost to a racing consumer.
func (m *Manager) waitZoneResources(bound time.Duration) {
	select {
	case <-m.zoneResources:
	case <-time.After(bound):
	}
}

// ResetUnusedIOZones resets every non-empty io zone with no live data,
// giving the active slot back for each that was not already full.
// Reset failures are logged and the sweep continues.
func (m *Manager) ResetUnusedIOZones() {
	m.zoneResourcesMu.Lock()
	defer m.zoneResourcesMu.Unlock()

	for _, z := range m.ioZones {
		if z.IsUsed() || z.IsEmpty() {
			continue
		}
		if !z.IsFull() {
			m.activeIOZones.Add(-1)
		}
		if err := z.Reset(); err != nil {
			m.logger.Warn("failed resetting zone", "zone", z.GetZoneNr(), "error", err)
		}
	}
}
