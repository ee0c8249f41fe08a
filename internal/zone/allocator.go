package zone

import "time"

// reservedZones is the free active slack non-WAL allocations leave behind
// so a WAL allocation can always proceed even when WAL files are closed
// late by the layer above.
const reservedZones = 1

// allocRetryBound caps how long one allocation round parks on the
// zone-resources gate before rescanning. Reclamation runs on the data
// worker, so a bounded park also picks up slots freed by background
// resets whose completion raced the wakeup.
const allocRetryBound = 10 * time.Millisecond

// AllocateMetaZone returns the first empty op-log zone, or nil when the
// pool has none. The metadata pools are small and disjoint from the io
// pool, so no quota accounting applies; the caller coordinates ownership.
func (m *Manager) AllocateMetaZone() *Zone {
	timer := m.met.startMetaAlloc()
	defer timer.Done()

	for _, z := range m.opZones {
		if z.IsEmpty() {
			return z
		}
	}
	return nil
}

// AllocateSnapshotZone returns the first empty snapshot zone, or nil when
// the pool has none.
func (m *Manager) AllocateSnapshotZone() *Zone {
	timer := m.met.startMetaAlloc()
	defer timer.Done()

	for _, z := range m.snapZones {
		if z.IsEmpty() {
			return z
		}
	}
	return nil
}

// AllocateZone reserves an io zone for writing and returns it with
// openForWrite held by the caller. Zones already holding data with a
// compatible lifetime are preferred; otherwise an empty zone is opened,
// subject to the active-zone quota. The call blocks until a zone can be
// reserved, parking on the zone-resources gate between passes.
//
// On return exactly one zone has gained openForWrite, the open count has
// grown by one, the active count has grown by one iff the zone was
// freshly opened, and no background job holds the zone.
func (m *Manager) AllocateZone(fileLifetime Lifetime, isWAL bool) *Zone {
	timer := m.met.startIOAlloc(isWAL)
	defer timer.Done()

	for {
		m.reclaimPass(isWAL)

		actual := m.met.startIOAllocActual(isWAL)
		z, ok := m.tryAllocate(fileLifetime, isWAL)
		actual.Done()
		if ok {
			m.met.observeZoneCounts(m.activeIOZones.Load(), m.openIOZones.Load())
			m.logger.Debug("allocated zone",
				"zone", z.GetZoneNr(),
				"wp", z.WritePointer(),
				"zone_lifetime", z.Lifetime(),
				"file_lifetime", fileLifetime,
				"wal", isWAL,
				"active_io_zones", m.activeIOZones.Load(),
				"open_io_zones", m.openIOZones.Load(),
			)
			return z
		}

		m.waitZoneResources(allocRetryBound)
	}
}

// reclaimPass walks the io pool and hands idle zones to the data worker:
// zones with no live data are reset, and (for non-WAL allocations) zones
// with little capacity left are finished to give their active slot back.
// The bgProcessing CAS keeps each zone owned by at most one of the
// foreground allocator and the background worker.
func (m *Manager) reclaimPass(isWAL bool) {
	for _, z := range m.ioZones {
		if z.openForWrite.Load() || z.IsEmpty() || (z.IsFull() && z.IsUsed()) {
			continue
		}
		if !z.bgProcessing.CompareAndSwap(false, true) {
			continue
		}

		if !z.IsUsed() {
			z.openForWrite.Store(true)
			m.dataWorker.Submit(func() {
				wasActive := !z.IsFull()
				if err := z.Reset(); err != nil {
					m.logger.Warn("failed resetting zone", "zone", z.GetZoneNr(), "error", err)
				}
				if wasActive {
					m.activeIOZones.Add(-1)
				}
				z.openForWrite.Store(false)
				z.bgProcessing.Store(false)
				m.signalZoneResources()
			})
			continue
		}

		threshold := m.cfg.FinishThresholdPercent
		if !isWAL && threshold > 0 &&
			z.GetCapacityLeft() < z.MaxCapacity()*threshold/100 {
			z.openForWrite.Store(true)
			m.dataWorker.Submit(func() {
				if err := z.Finish(); err != nil {
					m.logger.Warn("failed finishing zone", "zone", z.GetZoneNr(), "error", err)
				}
				m.activeIOZones.Add(-1)
				z.openForWrite.Store(false)
				z.bgProcessing.Store(false)
				m.signalZoneResources()
			})
			continue
		}

		z.bgProcessing.Store(false)
	}
}

// tryAllocate runs the best-fit and empty-zone passes once.
func (m *Manager) tryAllocate(fileLifetime Lifetime, isWAL bool) (*Zone, bool) {
	// Both passes grant an open slot, so an exhausted open quota parks
	// the allocation outright.
	if m.openIOZones.Load() >= m.maxOpenIOZones {
		return nil, false
	}

	// Fill an already open zone with the best lifetime match.
	var best *Zone
	bestDiff := uint32(lifetimeDiffNotGood)
	for _, z := range m.ioZones {
		if z.bgProcessing.Load() {
			continue
		}
		if !z.openForWrite.Load() && z.UsedCapacity() > 0 && !z.IsFull() {
			if diff := lifetimeDiff(z.Lifetime(), fileLifetime); diff < bestDiff {
				best = z
				bestDiff = diff
			}
		}
	}
	if best != nil {
		if !best.openForWrite.CompareAndSwap(false, true) {
			// Lost the race; rescan.
			return nil, false
		}
		m.openIOZones.Add(1)
		return best, true
	}

	// No good match; open an empty zone if the active quota allows,
	// leaving slack for WAL allocations.
	reserve := int64(reservedZones)
	if isWAL {
		reserve = 0
	}
	if m.activeIOZones.Load() >= m.maxActiveIOZones-reserve {
		return nil, false
	}

	var fresh *Zone
	for _, z := range m.ioZones {
		if z.bgProcessing.Load() {
			continue
		}
		if !z.openForWrite.Load() && z.IsEmpty() {
			if z.openForWrite.CompareAndSwap(false, true) {
				fresh = z
				break
			}
		}
	}
	if fresh == nil {
		return nil, false
	}
	fresh.SetLifetime(fileLifetime)

	// The active count may have moved since the check above; re-check
	// while claiming the slot and back out if the quota filled up.
	for {
		active := m.activeIOZones.Load()
		if active >= m.maxActiveIOZones-reserve {
			fresh.SetLifetime(LifetimeNotSet)
			fresh.openForWrite.Store(false)
			return nil, false
		}
		if m.activeIOZones.CompareAndSwap(active, active+1) {
			m.openIOZones.Add(1)
			return fresh, true
		}
	}
}
