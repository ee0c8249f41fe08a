package zone

import (
	"encoding/json"
	"io"
)

// Stat is a point-in-time view of one io zone for operational tooling.
type Stat struct {
	TotalCapacity uint64 `json:"total_capacity"`
	WritePosition uint64 `json:"write_position"`
	StartPosition uint64 `json:"start_position"`
}

// GetStat returns per-zone statistics over the io pool, in pool order.
func (m *Manager) GetStat() []Stat {
	stats := make([]Stat, 0, len(m.ioZones))
	for _, z := range m.ioZones {
		stats = append(stats, Stat{
			TotalCapacity: z.MaxCapacity(),
			WritePosition: z.WritePointer(),
			StartPosition: z.Start(),
		})
	}
	return stats
}

// GetFreeSpace returns the writable capacity summed over the io pool.
func (m *Manager) GetFreeSpace() uint64 {
	var free uint64
	for _, z := range m.ioZones {
		free += z.GetCapacityLeft()
	}
	return free
}

// GetUsedSpace returns the live bytes declared by the layer above, summed
// over the io pool.
func (m *Manager) GetUsedSpace() uint64 {
	var used uint64
	for _, z := range m.ioZones {
		if u := z.UsedCapacity(); u > 0 {
			used += uint64(u)
		}
	}
	return used
}

// GetReclaimableSpace returns the bytes that a reset of all full io zones
// would recover: capacity no longer referenced by live data.
func (m *Manager) GetReclaimableSpace() uint64 {
	var reclaimable uint64
	for _, z := range m.ioZones {
		if z.IsFull() {
			reclaimable += z.MaxCapacity() - uint64(z.UsedCapacity())
		}
	}
	return reclaimable
}

// ReportSpaceUtilization pushes the space gauges and logs a summary.
// Intended to be called periodically by the layer above.
func (m *Manager) ReportSpaceUtilization() {
	free := m.GetFreeSpace()
	used := m.GetUsedSpace()
	reclaimable := m.GetReclaimableSpace()

	m.met.freeSpace.Set(float64(free))
	m.met.usedSpace.Set(float64(used))
	m.met.reclaimableSpace.Set(float64(reclaimable))

	m.logger.Info("space utilization",
		"free_bytes", free,
		"used_bytes", used,
		"reclaimable_bytes", reclaimable,
	)
}

// zoneJSON is the wire shape consumed by operational tools.
type zoneJSON struct {
	Start        uint64 `json:"start"`
	Capacity     uint64 `json:"capacity"`
	MaxCapacity  uint64 `json:"max_capacity"`
	WritePointer uint64 `json:"wp"`
	Lifetime     int32  `json:"lifetime"`
	UsedCapacity int64  `json:"used_capacity"`
}

// MarshalJSON serializes the zone's runtime state.
func (z *Zone) MarshalJSON() ([]byte, error) {
	return json.Marshal(zoneJSON{
		Start:        z.Start(),
		Capacity:     z.GetCapacityLeft(),
		MaxCapacity:  z.MaxCapacity(),
		WritePointer: z.WritePointer(),
		Lifetime:     int32(z.Lifetime()),
		UsedCapacity: z.UsedCapacity(),
	})
}

// EncodeJSON writes the three pools as one JSON document.
func (m *Manager) EncodeJSON(w io.Writer) error {
	doc := struct {
		Meta     []*Zone `json:"meta"`
		Snapshot []*Zone `json:"meta snapshot"`
		IO       []*Zone `json:"io"`
	}{
		Meta:     m.opZones,
		Snapshot: m.snapZones,
		IO:       m.ioZones,
	}
	enc := json.NewEncoder(w)
	return enc.Encode(doc)
}
