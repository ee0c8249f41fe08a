package zone

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"zonestore/internal/zone/memdev"
)

const (
	testBlockSize = 4096
	testZoneSize  = 256 * 1024
	testNrZones   = 64
)

// newTestEngine builds a manager over a fresh emulated device.
func newTestEngine(t *testing.T, devCfg memdev.Config, cfg Config) (*Manager, *memdev.Device) {
	t.Helper()
	if devCfg.BlockSize == 0 {
		devCfg.BlockSize = testBlockSize
	}
	if devCfg.ZoneSize == 0 {
		devCfg.ZoneSize = testZoneSize
	}
	if devCfg.NrZones == 0 {
		devCfg.NrZones = testNrZones
	}
	dev, err := memdev.New(devCfg)
	if err != nil {
		t.Fatalf("new memdev: %v", err)
	}
	mgr, err := NewManager(dev, cfg)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })
	return mgr, dev
}

func pattern(n int, seed byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = seed + byte(i%251)
	}
	return buf
}

func TestBasicAppend(t *testing.T) {
	mgr, _ := newTestEngine(t, memdev.Config{}, Config{})

	z := mgr.AllocateZone(LifetimeMedium, false)
	if z == nil {
		t.Fatal("allocate returned nil")
	}
	if z.WritePointer() != z.Start() {
		t.Fatalf("fresh zone wp = %#x, want start %#x", z.WritePointer(), z.Start())
	}
	if z.GetCapacityLeft() != z.MaxCapacity() {
		t.Fatalf("fresh zone capacity = %d, want %d", z.GetCapacityLeft(), z.MaxCapacity())
	}
	if z.Lifetime() != LifetimeMedium {
		t.Fatalf("zone lifetime = %v, want medium", z.Lifetime())
	}

	if err := z.Append(pattern(testBlockSize, 1)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if got, want := z.WritePointer(), z.Start()+testBlockSize; got != want {
		t.Fatalf("wp after append = %#x, want %#x", got, want)
	}

	openBefore := mgr.OpenIOZones()
	if err := z.CloseWrite(); err != nil {
		t.Fatalf("close write: %v", err)
	}
	if got := mgr.OpenIOZones(); got != openBefore-1 {
		t.Fatalf("open io zones after close = %d, want %d", got, openBefore-1)
	}
	if z.openForWrite.Load() {
		t.Fatal("zone still open for write after CloseWrite")
	}
}

func TestAppendNoSpace(t *testing.T) {
	mgr, _ := newTestEngine(t, memdev.Config{}, Config{})

	z := mgr.AllocateZone(LifetimeShort, false)
	buf := pattern(testBlockSize, 2)
	for z.GetCapacityLeft() > 0 {
		if err := z.Append(buf); err != nil {
			t.Fatalf("append with %d capacity left: %v", z.GetCapacityLeft(), err)
		}
	}

	wp := z.WritePointer()
	err := z.Append(buf)
	if !errors.Is(err, ErrNoSpace) {
		t.Fatalf("append to full zone: %v, want ErrNoSpace", err)
	}
	if z.WritePointer() != wp {
		t.Fatalf("wp moved on NoSpace: %#x, was %#x", z.WritePointer(), wp)
	}

	if err := z.CloseWrite(); err != nil {
		t.Fatalf("close write: %v", err)
	}
}

func TestAppendUnaligned(t *testing.T) {
	mgr, _ := newTestEngine(t, memdev.Config{}, Config{})

	z := mgr.AllocateZone(LifetimeShort, false)
	defer z.CloseWrite()

	wp := z.WritePointer()
	if err := z.Append(make([]byte, 3000)); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("unaligned append: %v, want ErrInvalidArgument", err)
	}
	if err := z.AppendAsync(make([]byte, 3000)); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("unaligned async append: %v, want ErrInvalidArgument", err)
	}
	if z.WritePointer() != wp {
		t.Fatalf("wp moved on unaligned append: %#x, was %#x", z.WritePointer(), wp)
	}
}

func TestAppendAccounting(t *testing.T) {
	mgr, _ := newTestEngine(t, memdev.Config{}, Config{})

	z := mgr.AllocateZone(LifetimeMedium, false)
	defer z.CloseWrite()

	var total uint64
	capBefore := z.GetCapacityLeft()
	sizes := []int{testBlockSize, 4 * testBlockSize, 2 * testBlockSize}
	for i, n := range sizes {
		var err error
		if i%2 == 0 {
			err = z.Append(pattern(n, byte(i)))
		} else {
			err = z.AppendAsync(pattern(n, byte(i)))
		}
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		total += uint64(n)
	}
	if err := z.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if got, want := z.WritePointer()-z.Start(), total; got != want {
		t.Fatalf("wp advanced by %d, want %d", got, want)
	}
	if got, want := capBefore-z.GetCapacityLeft(), total; got != want {
		t.Fatalf("capacity shrank by %d, want %d", got, want)
	}
	if (z.WritePointer()-z.Start())%testBlockSize != 0 {
		t.Fatal("wp not block aligned")
	}
}

func TestAppendRoundTrip(t *testing.T) {
	mgr, dev := newTestEngine(t, memdev.Config{}, Config{})

	z := mgr.AllocateZone(LifetimeMedium, false)
	defer z.CloseWrite()

	want := pattern(8*testBlockSize, 7)
	if err := z.Append(want[:4*testBlockSize]); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := z.AppendAsync(want[4*testBlockSize:]); err != nil {
		t.Fatalf("async append: %v", err)
	}
	if err := z.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	got := make([]byte, len(want))
	if _, err := dev.ReadAt(got, int64(z.Start())); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("read back bytes differ from written bytes")
	}
}

func TestAsyncAppendDrainsPrevious(t *testing.T) {
	mgr, _ := newTestEngine(t, memdev.Config{}, Config{})

	z := mgr.AllocateZone(LifetimeMedium, false)
	defer z.CloseWrite()

	buf := pattern(16*1024, 3)
	if err := z.AppendAsync(buf); err != nil {
		t.Fatalf("first async append: %v", err)
	}
	// The second submission must internally reap the first completion.
	if err := z.AppendAsync(buf); err != nil {
		t.Fatalf("second async append: %v", err)
	}
	if err := z.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got, want := z.WritePointer(), z.Start()+32*1024; got != want {
		t.Fatalf("wp = %#x, want %#x", got, want)
	}
}

func TestSyncShortCompletion(t *testing.T) {
	mgr, dev := newTestEngine(t, memdev.Config{}, Config{})

	z := mgr.AllocateZone(LifetimeMedium, false)

	dev.ShortNextWrite(8 * 1024)
	if err := z.AppendAsync(pattern(16*1024, 4)); err != nil {
		t.Fatalf("async append: %v", err)
	}
	wp := z.WritePointer()
	if err := z.Sync(); !errors.Is(err, ErrIO) {
		t.Fatalf("sync after short completion: %v, want ErrIO", err)
	}
	// The optimistically advanced write pointer is left in place; the
	// zone is faulted instead and rejects further appends until reset.
	if z.WritePointer() != wp {
		t.Fatalf("wp rolled back to %#x, want %#x", z.WritePointer(), wp)
	}
	if err := z.Append(pattern(testBlockSize, 5)); !errors.Is(err, ErrIO) {
		t.Fatalf("append to faulted zone: %v, want ErrIO", err)
	}

	if err := z.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := z.Append(pattern(testBlockSize, 5)); err != nil {
		t.Fatalf("append after reset: %v", err)
	}
	if err := z.CloseWrite(); err != nil {
		t.Fatalf("close write: %v", err)
	}
}

func TestSyncTimeout(t *testing.T) {
	mgr, dev := newTestEngine(t, memdev.Config{}, Config{})

	z := mgr.AllocateZone(LifetimeMedium, false)

	dev.StallNextWrite(2 * syncTimeout)
	if err := z.AppendAsync(pattern(16*1024, 6)); err != nil {
		t.Fatalf("async append: %v", err)
	}

	start := time.Now()
	err := z.Sync()
	elapsed := time.Since(start)
	if !errors.Is(err, ErrIO) {
		t.Fatalf("sync: %v, want ErrIO timeout", err)
	}
	if elapsed < syncTimeout-100*time.Millisecond || elapsed > syncTimeout+500*time.Millisecond {
		t.Fatalf("sync returned after %v, want about %v", elapsed, syncTimeout)
	}
}

func TestResetRestoresZone(t *testing.T) {
	mgr, _ := newTestEngine(t, memdev.Config{}, Config{})

	z := mgr.AllocateZone(LifetimeLong, false)
	if err := z.Append(pattern(4*testBlockSize, 8)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := z.CloseWrite(); err != nil {
		t.Fatalf("close write: %v", err)
	}

	if err := z.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if z.WritePointer() != z.Start() {
		t.Fatalf("wp after reset = %#x, want start", z.WritePointer())
	}
	if z.GetCapacityLeft() != z.MaxCapacity() {
		t.Fatalf("capacity after reset = %d, want %d", z.GetCapacityLeft(), z.MaxCapacity())
	}
	if z.Lifetime() != LifetimeNotSet {
		t.Fatalf("lifetime after reset = %v, want not-set", z.Lifetime())
	}
	if !z.IsEmpty() {
		t.Fatal("zone not empty after reset")
	}
}

func TestFinishFillsZone(t *testing.T) {
	mgr, _ := newTestEngine(t, memdev.Config{}, Config{})

	z := mgr.AllocateZone(LifetimeShort, false)
	if err := z.Append(pattern(testBlockSize, 9)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := z.CloseWrite(); err != nil {
		t.Fatalf("close write: %v", err)
	}

	if err := z.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if !z.IsFull() {
		t.Fatal("zone not full after finish")
	}
	if got, want := z.WritePointer(), z.Start()+mgr.ZoneSize(); got != want {
		t.Fatalf("wp after finish = %#x, want %#x", got, want)
	}
}
