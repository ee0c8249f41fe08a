//go:build !linux

package blkdev

import (
	"fmt"
	"log/slog"

	"zonestore/internal/zone"
)

// Config selects the device to open.
type Config struct {
	Name     string
	ReadOnly bool
	Logger   *slog.Logger
}

// Device is only available on Linux; zoned block devices are a Linux
// kernel interface.
type Device struct{}

func Open(Config) (*Device, error) {
	return nil, fmt.Errorf("%w: zoned block devices require linux", zone.ErrNotSupported)
}

func (d *Device) Geometry() zone.Geometry                      { return zone.Geometry{} }
func (d *Device) ReportZones() ([]zone.Descriptor, error)      { return nil, zone.ErrNotSupported }
func (d *Device) ReportZone(uint64) (zone.Descriptor, error)   { return zone.Descriptor{}, zone.ErrNotSupported }
func (d *Device) ResetZone(start, size uint64) error           { return zone.ErrNotSupported }
func (d *Device) FinishZone(start, size uint64) error          { return zone.ErrNotSupported }
func (d *Device) CloseZone(start, size uint64) error           { return zone.ErrNotSupported }
func (d *Device) WriteAt(p []byte, off int64) (int, error)     { return 0, zone.ErrNotSupported }
func (d *Device) ReadAt(p []byte, off int64) (int, error)      { return 0, zone.ErrNotSupported }
func (d *Device) Close() error                                 { return nil }

var _ zone.BlockDevice = (*Device)(nil)
