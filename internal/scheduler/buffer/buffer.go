// Package buffer tracks per-logical-channel buffer occupancy reported by the
// upper layers and the bytes the scheduler already committed to new
// transmissions.
package buffer

import (
	"errors"
	"fmt"
	"sort"

	"github.com/signalsfoundry/ran-scheduler/model"
)

const (
	// SRGrantBytes is the placeholder demand of a UE with a pending
	// scheduling request and no buffer report.
	SRGrantBytes = 512
	// RLCHeaderEstimate is the space left for RLC segmentation headers.
	RLCHeaderEstimate = 3

	minSubheaderBytes        = 2
	subheaderLengthThreshold = 256
	minLeftoverBytes         = 5
)

// ErrUnknownChannel is returned for reports on unconfigured channels.
var ErrUnknownChannel = errors.New("buffer: logical channel not configured")

// MACSDURequiredBytes returns payload plus the MAC subheader that carries it.
func MACSDURequiredBytes(payload uint32) uint32 {
	if payload == 0 {
		return 0
	}
	if payload < subheaderLengthThreshold {
		return payload + minSubheaderBytes
	}
	return payload + minSubheaderBytes + 1
}

// MACSDUSize inverts MACSDURequiredBytes.
func MACSDUSize(withSubheader uint32) uint32 {
	if withSubheader <= minSubheaderBytes {
		return 0
	}
	sdu := withSubheader - minSubheaderBytes
	if sdu < subheaderLengthThreshold {
		return sdu
	}
	return sdu - 1
}

// Entry is the buffer state of one channel (DL: LCID, UL: LCG).
type Entry struct {
	Reported   uint32
	ReportSlot model.SlotPoint
	// Committed counts bytes placed into new transmissions since the report.
	Committed uint32
	// HOL is the arrival slot of the oldest queued SDU, when known.
	HOL      model.SlotPoint
	Priority uint8

	configured bool
}

// Pending returns the bytes not yet committed to any transmission.
func (e Entry) Pending() uint32 {
	if e.Committed >= e.Reported {
		return 0
	}
	return e.Reported - e.Committed
}

// Allocation is the share of a transport block given to one channel.
type Allocation struct {
	ID    uint8
	Bytes uint32
}

// Manager holds the buffer state of one UE in one direction. It is mutated
// only from the cell slot goroutine.
type Manager struct {
	dir       model.Direction
	entries   [model.MaxLCIDs]Entry
	order     []uint8
	srPending bool
}

// NewManager configures channels. Downlink entries are keyed by LCID, uplink
// entries by logical channel group.
func NewManager(dir model.Direction, channels []model.LogicalChannelConfig) *Manager {
	m := &Manager{dir: dir}
	m.Configure(channels)
	return m
}

// Configure applies a channel reconfiguration. Reports of channels that stay
// configured are kept.
func (m *Manager) Configure(channels []model.LogicalChannelConfig) {
	var keep [model.MaxLCIDs]bool
	for _, lc := range channels {
		id := m.key(lc)
		e := &m.entries[id]
		if !keep[id] || lc.Priority < e.Priority {
			e.Priority = lc.Priority
		}
		e.configured = true
		keep[id] = true
	}
	m.order = m.order[:0]
	for id := range m.entries {
		if !keep[id] {
			m.entries[id] = Entry{}
			continue
		}
		m.order = append(m.order, uint8(id))
	}
	sort.SliceStable(m.order, func(i, j int) bool {
		return m.entries[m.order[i]].Priority < m.entries[m.order[j]].Priority
	})
}

func (m *Manager) key(lc model.LogicalChannelConfig) uint8 {
	if m.dir == model.Uplink {
		return lc.LCG
	}
	return uint8(lc.LCID)
}

// Direction returns the direction tracked.
func (m *Manager) Direction() model.Direction { return m.dir }

// UpdateBufferStatus replaces the reported occupancy of channel id.
func (m *Manager) UpdateBufferStatus(id uint8, bytes uint32, slot, hol model.SlotPoint) error {
	if int(id) >= len(m.entries) || !m.entries[id].configured {
		return fmt.Errorf("%w: %s id %d", ErrUnknownChannel, m.dir, id)
	}
	e := &m.entries[id]
	e.Reported = bytes
	e.Committed = 0
	e.ReportSlot = slot
	e.HOL = hol
	return nil
}

// HandleSR records a scheduling request.
func (m *Manager) HandleSR() { m.srPending = true }

// SRPending reports whether a scheduling request awaits a grant.
func (m *Manager) SRPending() bool { return m.srPending }

// ClearSR is called once an uplink grant has been issued.
func (m *Manager) ClearSR() { m.srPending = false }

// PendingNewTxBytes returns the bytes awaiting a first transmission. A UE
// with only a pending scheduling request reports SRGrantBytes.
func (m *Manager) PendingNewTxBytes() uint32 {
	var total uint32
	for _, id := range m.order {
		total += m.entries[id].Pending()
	}
	if total == 0 && m.srPending {
		return SRGrantBytes
	}
	return total
}

// RequiredBytes estimates the transport block size that empties every
// channel, including MAC subheaders and RLC headers.
func (m *Manager) RequiredBytes() uint32 {
	var total uint32
	for _, id := range m.order {
		if p := m.entries[id].Pending(); p > 0 {
			total += MACSDURequiredBytes(p + RLCHeaderEstimate)
		}
	}
	if total == 0 && m.srPending {
		return SRGrantBytes
	}
	return total
}

// Commit marks bytes of channel id as placed into a new transmission.
func (m *Manager) Commit(id uint8, bytes uint32) {
	if int(id) >= len(m.entries) {
		return
	}
	m.entries[id].Committed += bytes
}

// Allocate fills a transport block of tbsBytes with pending data in channel
// priority order, commits it and appends the per-channel shares to out.
func (m *Manager) Allocate(tbsBytes uint32, out []Allocation) []Allocation {
	rem := tbsBytes
	minNeeded := MACSDURequiredBytes(1 + RLCHeaderEstimate)
	for _, id := range m.order {
		if rem < minNeeded {
			break
		}
		pending := m.entries[id].Pending()
		if pending == 0 {
			continue
		}
		alloc := min(rem, max(MACSDURequiredBytes(pending+RLCHeaderEstimate), minNeeded))
		if left := rem - alloc; left > 0 && left <= minLeftoverBytes {
			alloc += left
		}
		if alloc == subheaderLengthThreshold+minSubheaderBytes {
			alloc--
		}
		payload := min(MACSDUSize(alloc), pending)
		m.Commit(id, payload)
		out = append(out, Allocation{ID: id, Bytes: payload})
		rem -= alloc
	}
	if m.dir == model.Uplink && tbsBytes > 0 {
		m.srPending = false
	}
	return out
}

// Uncommit hands back the shares of a transport block that was never sent.
// srPending restores the scheduling request Allocate cleared.
func (m *Manager) Uncommit(allocs []Allocation, srPending bool) {
	for _, a := range allocs {
		if int(a.ID) >= len(m.entries) {
			continue
		}
		e := &m.entries[a.ID]
		e.Committed -= min(e.Committed, a.Bytes)
	}
	if srPending {
		m.srPending = true
	}
}

// Entry returns a copy of the state of channel id.
func (m *Manager) Entry(id uint8) (Entry, bool) {
	if int(id) >= len(m.entries) || !m.entries[id].configured {
		return Entry{}, false
	}
	return m.entries[id], true
}

// HighestPriority returns the best QoS priority among channels with
// pending data and that channel's head-of-line arrival slot.
func (m *Manager) HighestPriority() (prio uint8, hol model.SlotPoint, ok bool) {
	for _, id := range m.order {
		e := &m.entries[id]
		if e.Pending() > 0 {
			return e.Priority, e.HOL, true
		}
	}
	return 0, model.SlotPoint{}, false
}
