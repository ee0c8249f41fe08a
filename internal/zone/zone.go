package zone

import (
	"fmt"
	"sync/atomic"
	"time"
)

// syncTimeout bounds how long Sync waits for an outstanding asynchronous
// write to complete.
const syncTimeout = time.Second

// Zone is the runtime state of one zone on the device. A zone is owned by
// the Manager; foreground writers hold a non-owning handle whose exclusive
// write ownership is the openForWrite flag, granted by AllocateZone and
// released by CloseWrite.
//
// The append path is single-writer: wp, capacity and the write context are
// only touched by the owner. Counters and flags are atomic so the
// allocator, background workers and the stats accessors can read them
// concurrently.
type Zone struct {
	mgr *Manager

	start       uint64
	size        uint64
	maxCapacity atomic.Uint64
	wp          atomic.Uint64
	capacity    atomic.Uint64

	// used is the number of bytes the layer above declares live in this
	// zone. The engine reads it but never changes it on its own.
	used atomic.Int64

	lifetime atomic.Int32

	// openForWrite is true iff exactly one client holds write ownership.
	openForWrite atomic.Bool
	// bgProcessing is true while a background worker owns the zone for
	// reset or finish. Never true together with openForWrite held by a
	// foreground writer; the allocator's CAS protocol enforces that.
	bgProcessing atomic.Bool
	// faulted is set when an asynchronous write times out or completes
	// short. The write pointer has been optimistically advanced past data
	// that may not be on the device, so all further appends fail until
	// the zone is reset.
	faulted atomic.Bool

	wr writeContext
}

// writeContext is the zone's single-slot asynchronous write facility.
// At most one submission is in flight; the zone enforces this by draining
// through Sync before every append.
type writeContext struct {
	// inflight is the size of the outstanding submission, 0 if none.
	// Owner-only; no atomics needed.
	inflight uint32
	res      chan asyncResult
}

type asyncResult struct {
	n   int
	err error
}

func newZone(mgr *Manager, d Descriptor) *Zone {
	z := &Zone{
		mgr:   mgr,
		start: d.Start,
		size:  d.Size,
	}
	z.maxCapacity.Store(d.Capacity)
	z.wp.Store(d.WritePointer)
	z.lifetime.Store(int32(LifetimeNotSet))
	switch d.Condition {
	case CondFull, CondOffline, CondReadOnly:
		// capacity stays 0
	default:
		z.capacity.Store(d.Capacity - (d.WritePointer - d.Start))
	}
	z.wr.res = make(chan asyncResult, 1)
	return z
}

// Start returns the zone's byte offset on the device.
func (z *Zone) Start() uint64 { return z.start }

// MaxCapacity returns the usable capacity in bytes.
func (z *Zone) MaxCapacity() uint64 { return z.maxCapacity.Load() }

// WritePointer returns the next legal write offset inside the zone.
func (z *Zone) WritePointer() uint64 { return z.wp.Load() }

// GetCapacityLeft returns the remaining writable capacity in bytes.
func (z *Zone) GetCapacityLeft() uint64 { return z.capacity.Load() }

// GetZoneNr returns the zone's ordinal on the device.
func (z *Zone) GetZoneNr() uint64 { return z.start / z.mgr.zoneSize }

// IsFull reports whether the zone has no writable capacity left.
func (z *Zone) IsFull() bool { return z.capacity.Load() == 0 }

// IsEmpty reports whether the write pointer is at the zone start.
func (z *Zone) IsEmpty() bool { return z.wp.Load() == z.start }

// IsUsed reports whether the zone holds live data or is held by a writer.
func (z *Zone) IsUsed() bool { return z.used.Load() > 0 || z.openForWrite.Load() }

// UsedCapacity returns the bytes declared live in this zone.
func (z *Zone) UsedCapacity() int64 { return z.used.Load() }

// AddUsed adjusts the live-byte count. Called by the layer above when
// extents are created or invalidated.
func (z *Zone) AddUsed(delta int64) { z.used.Add(delta) }

// Lifetime returns the zone's current write-lifetime hint.
func (z *Zone) Lifetime() Lifetime { return Lifetime(z.lifetime.Load()) }

// SetLifetime records the write-lifetime hint for data in this zone.
func (z *Zone) SetLifetime(l Lifetime) { z.lifetime.Store(int32(l)) }

// Append writes buf at the write pointer and blocks until all bytes are
// acknowledged. len(buf) must be a multiple of the device block size and
// the caller must hold write ownership. Any outstanding asynchronous
// write is drained first.
func (z *Zone) Append(buf []byte) error {
	size := uint64(len(buf))

	if z.capacity.Load() < size {
		return fmt.Errorf("%w: append of %d bytes", ErrNoSpace, size)
	}
	if size%uint64(z.mgr.blockSize) != 0 {
		return fmt.Errorf("%w: append size %d not a multiple of block size %d",
			ErrInvalidArgument, size, z.mgr.blockSize)
	}

	if err := z.Sync(); err != nil {
		return err
	}
	if z.faulted.Load() {
		return fmt.Errorf("%w: zone has a failed write, reset required", ErrIO)
	}

	timer := z.mgr.met.startWrite()
	for len(buf) > 0 {
		n, err := z.mgr.dev.WriteAt(buf, int64(z.wp.Load()))
		if n > 0 {
			z.wp.Add(uint64(n))
			z.capacity.Add(^uint64(n - 1))
			buf = buf[n:]
		}
		if err != nil {
			return fmt.Errorf("%w: write at %#x: %v", ErrIO, z.wp.Load(), err)
		}
	}
	timer.Done()
	z.mgr.met.writeBytes(size)
	return nil
}

// AppendAsync submits buf as a single asynchronous positional write at the
// current write pointer and returns without waiting for completion. The
// zone is single-writer, so the write pointer is predictable: it is
// advanced optimistically and Sync later verifies the acknowledged byte
// count. The caller must keep buf alive and unmodified until Sync returns.
func (z *Zone) AppendAsync(buf []byte) error {
	size := uint64(len(buf))

	if size%uint64(z.mgr.blockSize) != 0 {
		return fmt.Errorf("%w: append size %d not a multiple of block size %d",
			ErrInvalidArgument, size, z.mgr.blockSize)
	}

	if err := z.Sync(); err != nil {
		return err
	}
	if z.faulted.Load() {
		return fmt.Errorf("%w: zone has a failed write, reset required", ErrIO)
	}
	if z.capacity.Load() < size {
		return fmt.Errorf("%w: append of %d bytes", ErrNoSpace, size)
	}

	offset := z.wp.Load()
	z.wr.inflight = uint32(size)
	// Capture the slot's channel: if Sync abandons it on timeout, this
	// completion must not leak into the replacement.
	res := z.wr.res
	go func() {
		n, err := z.mgr.dev.WriteAt(buf, int64(offset))
		res <- asyncResult{n: n, err: err}
	}()

	z.wp.Add(size)
	z.capacity.Add(^(size - 1))
	z.mgr.met.writeBytes(size)
	return nil
}

// Sync reaps the completion of the outstanding asynchronous write, if any.
// It waits at most syncTimeout. A timeout, a device error or a short
// completion returns ErrIO and marks the zone faulted: the write pointer
// has already been advanced past the submitted range and is not rolled
// back, so the zone must be reset before it accepts writes again.
func (z *Zone) Sync() error {
	if z.wr.inflight == 0 {
		return nil
	}

	timer := z.mgr.met.startSync()
	select {
	case res := <-z.wr.res:
		timer.Done()
		submitted := z.wr.inflight
		z.wr.inflight = 0
		if res.err != nil {
			z.faulted.Store(true)
			return fmt.Errorf("%w: async write: %v", ErrIO, res.err)
		}
		if uint32(res.n) != submitted {
			z.faulted.Store(true)
			return fmt.Errorf("%w: short async write: %d of %d bytes",
				ErrIO, res.n, submitted)
		}
		return nil
	case <-time.After(syncTimeout):
		timer.Done()
		// Abandon the slot: the late completion lands in the old buffered
		// channel and can never be mistaken for a fresh result.
		z.wr.res = make(chan asyncResult, 1)
		z.wr.inflight = 0
		z.faulted.Store(true)
		return fmt.Errorf("%w: async write completion timed out", ErrIO)
	}
}

// Close transitions the zone out of the open conditions on the device and
// releases write ownership. Empty and full zones need no device close.
func (z *Zone) Close() error {
	if !z.IsEmpty() && !z.IsFull() {
		if err := z.mgr.dev.CloseZone(z.start, z.size); err != nil {
			return fmt.Errorf("%w: close zone %d: %v", ErrIO, z.GetZoneNr(), err)
		}
	}
	z.openForWrite.Store(false)
	return nil
}

// Finish moves a partially written zone to Full without further writes.
func (z *Zone) Finish() error {
	if err := z.mgr.dev.FinishZone(z.start, z.size); err != nil {
		return fmt.Errorf("%w: finish zone %d: %v", ErrIO, z.GetZoneNr(), err)
	}
	z.capacity.Store(0)
	z.wp.Store(z.start + z.size)
	return nil
}

// Reset discards the zone's contents and re-reports it from the device,
// refreshing the capacity (it may change between open cycles) and clearing
// the lifetime hint.
func (z *Zone) Reset() error {
	if err := z.mgr.dev.ResetZone(z.start, z.size); err != nil {
		return fmt.Errorf("%w: reset zone %d: %v", ErrIO, z.GetZoneNr(), err)
	}

	d, err := z.mgr.dev.ReportZone(z.start)
	if err != nil {
		return fmt.Errorf("%w: report zone %d: %v", ErrIO, z.GetZoneNr(), err)
	}

	if d.Condition == CondOffline {
		z.capacity.Store(0)
	} else {
		z.maxCapacity.Store(d.Capacity)
		z.capacity.Store(d.Capacity)
	}
	z.wp.Store(z.start)
	z.lifetime.Store(int32(LifetimeNotSet))
	z.faulted.Store(false)
	return nil
}

// CloseWrite is the composite release path for a foreground writer: drain
// the write context, close the zone, and give the open slot (and, when the
// zone filled up, the active slot) back to the allocator. It must run on
// every exit path of a writer, including error unwinding.
func (z *Zone) CloseWrite() error {
	err := z.Sync()

	z.mgr.zoneResourcesMu.Lock()
	if closeErr := z.Close(); closeErr == nil {
		z.mgr.openIOZones.Add(-1)
	} else if err == nil {
		err = closeErr
	}
	if z.capacity.Load() == 0 {
		z.mgr.activeIOZones.Add(-1)
	}
	z.mgr.zoneResourcesMu.Unlock()

	z.mgr.signalZoneResources()
	return err
}
