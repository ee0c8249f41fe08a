// Package memdev emulates a host-managed zoned block device in memory.
// It implements the same access layer as the blkdev package, with the
// zone state machine enforced on every operation, and adds fault
// injection hooks so the engine's failure paths can be exercised without
// hardware.
package memdev

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"zonestore/internal/zone"
)

var (
	ErrClosed        = errors.New("device is closed")
	ErrOutOfRange    = errors.New("offset out of device range")
	ErrNotWP         = errors.New("write not at zone write pointer")
	ErrZoneUnaligned = errors.New("range does not cover whole zones")
	ErrZoneState     = errors.New("operation invalid for zone condition")
)

// Config sizes the emulated device. The zero value of optional fields is
// filled with defaults mirroring a small NVMe ZNS namespace.
type Config struct {
	BlockSize    uint32 // default 4096
	ZoneSize     uint64 // default 8 MiB
	ZoneCapacity uint64 // usable bytes per zone, default ZoneSize
	NrZones      uint32 // default 64

	// MaxActiveZones and MaxOpenZones are reported through Geometry but
	// not enforced here; the engine enforces its own quotas. 0 means
	// unlimited.
	MaxActiveZones uint32
	MaxOpenZones   uint32
}

type zoneState struct {
	cond zone.Condition
	wp   uint64
}

// Device is an in-memory zoned block device.
type Device struct {
	cfg Config

	mu     sync.Mutex
	zones  []zoneState
	data   []byte
	closed bool

	// Fault injection, armed for the next write only.
	failWrite  error
	shortWrite int
	stallWrite time.Duration
}

// New returns an emulated device with all zones empty.
func New(cfg Config) (*Device, error) {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = 4096
	}
	if cfg.ZoneSize == 0 {
		cfg.ZoneSize = 8 << 20
	}
	if cfg.ZoneCapacity == 0 {
		cfg.ZoneCapacity = cfg.ZoneSize
	}
	if cfg.NrZones == 0 {
		cfg.NrZones = 64
	}
	if cfg.ZoneCapacity > cfg.ZoneSize {
		return nil, fmt.Errorf("zone capacity %d exceeds zone size %d",
			cfg.ZoneCapacity, cfg.ZoneSize)
	}

	d := &Device{
		cfg:   cfg,
		zones: make([]zoneState, cfg.NrZones),
		data:  make([]byte, uint64(cfg.NrZones)*cfg.ZoneSize),
	}
	for i := range d.zones {
		d.zones[i].cond = zone.CondEmpty
		d.zones[i].wp = uint64(i) * cfg.ZoneSize
	}
	return d, nil
}

func (d *Device) Geometry() zone.Geometry {
	return zone.Geometry{
		BlockSize:      d.cfg.BlockSize,
		ZoneSize:       d.cfg.ZoneSize,
		NrZones:        d.cfg.NrZones,
		MaxActiveZones: d.cfg.MaxActiveZones,
		MaxOpenZones:   d.cfg.MaxOpenZones,
	}
}

func (d *Device) descriptor(i int) zone.Descriptor {
	return zone.Descriptor{
		Start:        uint64(i) * d.cfg.ZoneSize,
		Size:         d.cfg.ZoneSize,
		Capacity:     d.cfg.ZoneCapacity,
		WritePointer: d.zones[i].wp,
		Type:         zone.TypeSequentialWriteRequired,
		Condition:    d.zones[i].cond,
	}
}

func (d *Device) ReportZones() ([]zone.Descriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	report := make([]zone.Descriptor, len(d.zones))
	for i := range d.zones {
		report[i] = d.descriptor(i)
	}
	return report, nil
}

func (d *Device) ReportZone(start uint64) (zone.Descriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return zone.Descriptor{}, ErrClosed
	}
	i, err := d.zoneIndex(start)
	if err != nil {
		return zone.Descriptor{}, err
	}
	return d.descriptor(i), nil
}

func (d *Device) zoneIndex(start uint64) (int, error) {
	if start%d.cfg.ZoneSize != 0 {
		return 0, fmt.Errorf("%w: start %#x", ErrZoneUnaligned, start)
	}
	i := int(start / d.cfg.ZoneSize)
	if i >= len(d.zones) {
		return 0, fmt.Errorf("%w: start %#x", ErrOutOfRange, start)
	}
	return i, nil
}

func (d *Device) zoneRange(start, size uint64) (int, int, error) {
	first, err := d.zoneIndex(start)
	if err != nil {
		return 0, 0, err
	}
	if size == 0 || size%d.cfg.ZoneSize != 0 {
		return 0, 0, fmt.Errorf("%w: size %#x", ErrZoneUnaligned, size)
	}
	last := first + int(size/d.cfg.ZoneSize)
	if last > len(d.zones) {
		return 0, 0, fmt.Errorf("%w: range end %#x", ErrOutOfRange, start+size)
	}
	return first, last, nil
}

func (d *Device) ResetZone(start, size uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	first, last, err := d.zoneRange(start, size)
	if err != nil {
		return err
	}
	for i := first; i < last; i++ {
		if d.zones[i].cond == zone.CondOffline || d.zones[i].cond == zone.CondReadOnly {
			return fmt.Errorf("%w: reset of %s zone", ErrZoneState, d.zones[i].cond)
		}
		d.zones[i].cond = zone.CondEmpty
		d.zones[i].wp = uint64(i) * d.cfg.ZoneSize
	}
	return nil
}

func (d *Device) FinishZone(start, size uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	first, last, err := d.zoneRange(start, size)
	if err != nil {
		return err
	}
	for i := first; i < last; i++ {
		if d.zones[i].cond == zone.CondOffline || d.zones[i].cond == zone.CondReadOnly {
			return fmt.Errorf("%w: finish of %s zone", ErrZoneState, d.zones[i].cond)
		}
		d.zones[i].cond = zone.CondFull
		d.zones[i].wp = uint64(i)*d.cfg.ZoneSize + d.cfg.ZoneSize
	}
	return nil
}

func (d *Device) CloseZone(start, size uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	first, last, err := d.zoneRange(start, size)
	if err != nil {
		return err
	}
	for i := first; i < last; i++ {
		switch d.zones[i].cond {
		case zone.CondImplicitOpen, zone.CondExplicitOpen:
			if d.zones[i].wp == uint64(i)*d.cfg.ZoneSize {
				d.zones[i].cond = zone.CondEmpty
			} else {
				d.zones[i].cond = zone.CondClosed
			}
		case zone.CondEmpty, zone.CondClosed, zone.CondFull:
			// Closing a zone that is not open is a no-op.
		default:
			return fmt.Errorf("%w: close of %s zone", ErrZoneState, d.zones[i].cond)
		}
	}
	return nil
}

// WriteAt emulates a positional write. Writes must land exactly at the
// target zone's write pointer and fit inside its capacity, like a
// sequential-write-required zone demands.
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, ErrClosed
	}

	stall := d.stallWrite
	d.stallWrite = 0
	failErr := d.failWrite
	d.failWrite = nil
	short := d.shortWrite
	d.shortWrite = 0

	if stall > 0 {
		d.mu.Unlock()
		time.Sleep(stall)
		d.mu.Lock()
	}
	defer d.mu.Unlock()

	if failErr != nil {
		return 0, failErr
	}

	offset := uint64(off)
	i := int(offset / d.cfg.ZoneSize)
	if i >= len(d.zones) {
		return 0, fmt.Errorf("%w: write at %#x", ErrOutOfRange, offset)
	}
	zs := &d.zones[i]
	zoneStart := uint64(i) * d.cfg.ZoneSize

	switch zs.cond {
	case zone.CondOffline, zone.CondReadOnly, zone.CondFull:
		return 0, fmt.Errorf("%w: write to %s zone", ErrZoneState, zs.cond)
	}
	if offset != zs.wp {
		return 0, fmt.Errorf("%w: write at %#x, wp %#x", ErrNotWP, offset, zs.wp)
	}
	if offset+uint64(len(p)) > zoneStart+d.cfg.ZoneCapacity {
		return 0, fmt.Errorf("%w: write beyond zone capacity", ErrOutOfRange)
	}

	n := len(p)
	if short > 0 && short < n {
		n = short
	}
	copy(d.data[offset:], p[:n])
	zs.wp += uint64(n)
	if zs.wp == zoneStart+d.cfg.ZoneCapacity {
		zs.cond = zone.CondFull
	} else {
		zs.cond = zone.CondImplicitOpen
	}
	return n, nil
}

func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrClosed
	}
	if off < 0 || uint64(off)+uint64(len(p)) > uint64(len(d.data)) {
		return 0, fmt.Errorf("%w: read at %#x", ErrOutOfRange, off)
	}
	copy(p, d.data[off:])
	return len(p), nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// FailNextWrite arms the next WriteAt to fail with err.
func (d *Device) FailNextWrite(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failWrite = err
}

// ShortNextWrite arms the next WriteAt to acknowledge only n bytes.
func (d *Device) ShortNextWrite(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shortWrite = n
}

// StallNextWrite arms the next WriteAt to block for the given duration
// before completing.
func (d *Device) StallNextWrite(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stallWrite = delay
}

// SetCondition force-sets a zone's condition, for building report states
// the normal write path cannot reach (offline, read-only, externally
// opened zones).
func (d *Device) SetCondition(idx uint32, cond zone.Condition) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.zones[idx].cond = cond
	if cond == zone.CondFull {
		d.zones[idx].wp = uint64(idx)*d.cfg.ZoneSize + d.cfg.ZoneCapacity
	}
}

var _ zone.BlockDevice = (*Device)(nil)
