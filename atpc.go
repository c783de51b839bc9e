package loralink

import (
	"container/list"
	"time"
)

// neighborMaxCount bounds the ATPC neighbor table; the least-recently-used
// neighbor is dropped silently once it is exceeded.
const neighborMaxCount = 128

// controlModel is the linear RSSI(TP) = a*TP + b model for one neighbor.
// Kept in floating point so a fractional slope survives the fit.
type controlModel struct {
	a, b float64
}

type neighborStatus uint8

const (
	neighborInitializing neighborStatus = iota
	neighborRuntime
)

type neighborModel struct {
	address uint16
	status  neighborStatus
	model   controlModel
	rssi    []int16 // one sample per configured TP index
}

// ATPC is the Adaptive Transmission Power Control collaborator consulted
// by the Driver to choose transmit power and to learn from ACK feedback.
type ATPC interface {
	// IsBeaconNeeded reports whether a beacon round should be emitted.
	IsBeaconNeeded() bool
	// BeaconPowers returns the TP list (dBm) to emit one beacon at each.
	BeaconPowers() []int8
	// RegisterBeacon records that nonce was emitted at the TP index tpi,
	// so a later ACK can be attributed to the right sample.
	RegisterBeacon(tpi int, nonce Nonce)
	// RegisterNeighbor ensures addr has an entry, returning true if a new
	// entry was created.
	RegisterNeighbor(addr uint16) bool
	// UnregisterNeighbor removes addr's entry, returning true if one
	// existed.
	UnregisterNeighbor(addr uint16) bool
	// GetTxPower returns the transmit power (dBm) required for addr.
	GetTxPower(addr uint16) int8
	// GetMinTxPower returns the transmit power required to reach every
	// address in addrs, and the subset actually gated by that power
	// (farthest_set).
	GetMinTxPower(addrs []uint16) (int8, []uint16)
	// ReportSuccessfulReception updates addr's model from an ACK's
	// delta-RSSI, attributing it to a beacon sample if nonce matches a
	// registered beacon.
	ReportSuccessfulReception(addr uint16, nonce Nonce, drssi int16)
	// ReportFailedReception applies the ACK-timeout penalty to addr's
	// model.
	ReportFailedReception(addr uint16)
}

// lruNeighbors is a fixed-capacity, least-recently-used neighbor table
// backed by container/list for O(1) touch/evict.
type lruNeighbors struct {
	capacity int
	ll       *list.List
	index    map[uint16]*list.Element
}

func newLRUNeighbors(capacity int) *lruNeighbors {
	return &lruNeighbors{
		capacity: capacity,
		ll:       list.New(),
		index:    make(map[uint16]*list.Element),
	}
}

func (c *lruNeighbors) get(addr uint16) (*neighborModel, bool) {
	el, ok := c.index[addr]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*neighborModel), true
}

func (c *lruNeighbors) put(n *neighborModel) {
	if el, ok := c.index[n.address]; ok {
		el.Value = n
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(n)
	c.index[n.address] = el
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.index, oldest.Value.(*neighborModel).address)
		}
	}
}

func (c *lruNeighbors) remove(addr uint16) bool {
	el, ok := c.index[addr]
	if !ok {
		return false
	}
	c.ll.Remove(el)
	delete(c.index, addr)
	return true
}

func (c *lruNeighbors) any(pred func(*neighborModel) bool) bool {
	for el := c.ll.Front(); el != nil; el = el.Next() {
		if pred(el.Value.(*neighborModel)) {
			return true
		}
	}
	return false
}

func (c *lruNeighbors) len() int {
	return c.ll.Len()
}

// DefaultATPC is the adaptive implementation: a linear RSSI(TP) model
// per neighbor refit by least squares over beacon responses, and nudged
// at runtime by ongoing ACK delta-RSSI feedback.
type DefaultATPC struct {
	neighbors          *lruNeighbors
	transmissionPowers []int8
	defaultTP          int
	lowerRSSI          int16
	beaconDelay        time.Duration
	beacons            map[Nonce]int
	beaconOrder        []Nonce // insertion order, bounded to len(transmissionPowers)+1
	lastBeacon         time.Time
	now                func() time.Time
}

// NewDefaultATPC builds a DefaultATPC. transmissionPowers must be
// non-empty and defaultTP must index into it.
func NewDefaultATPC(transmissionPowers []int8, defaultTP int, lowerRSSI int16, beaconDelay time.Duration, now func() time.Time) *DefaultATPC {
	if now == nil {
		now = time.Now
	}
	if defaultTP < 0 || defaultTP >= len(transmissionPowers) {
		panic("loralink: default transmit power index out of range")
	}
	return &DefaultATPC{
		neighbors:          newLRUNeighbors(neighborMaxCount),
		transmissionPowers: transmissionPowers,
		defaultTP:          defaultTP,
		lowerRSSI:          lowerRSSI,
		beaconDelay:        beaconDelay,
		beacons:            make(map[Nonce]int),
		lastBeacon:         now(),
		now:                now,
	}
}

func (a *DefaultATPC) IsBeaconNeeded() bool {
	if a.now().Sub(a.lastBeacon) > a.beaconDelay {
		return true
	}
	return a.neighbors.any(func(n *neighborModel) bool { return n.status == neighborInitializing })
}

func (a *DefaultATPC) BeaconPowers() []int8 {
	out := make([]int8, len(a.transmissionPowers))
	copy(out, a.transmissionPowers)
	return out
}

func (a *DefaultATPC) RegisterBeacon(tpi int, nonce Nonce) {
	a.lastBeacon = a.now()
	a.beacons[nonce] = tpi
	a.beaconOrder = append(a.beaconOrder, nonce)
	max := len(a.transmissionPowers) + 1
	for len(a.beaconOrder) > max {
		oldest := a.beaconOrder[0]
		a.beaconOrder = a.beaconOrder[1:]
		delete(a.beacons, oldest)
	}
}

func (a *DefaultATPC) RegisterNeighbor(addr uint16) bool {
	if _, ok := a.neighbors.get(addr); ok {
		return false
	}
	a.neighbors.put(&neighborModel{
		address: addr,
		status:  neighborInitializing,
		rssi:    make([]int16, len(a.transmissionPowers)),
	})
	globalRecorder.NeighborCount(a.neighbors.len())
	return true
}

func (a *DefaultATPC) UnregisterNeighbor(addr uint16) bool {
	return a.neighbors.remove(addr)
}

func (a *DefaultATPC) GetTxPower(addr uint16) int8 {
	n, ok := a.neighbors.get(addr)
	if !ok {
		return a.transmissionPowers[a.defaultTP]
	}
	return a.calcNodeTP(n)
}

// calcNodeTP returns the smallest configured power whose predicted RSSI
// clears the lower threshold, or the strongest power when none does. The
// configured power list may be in any order.
func (a *DefaultATPC) calcNodeTP(n *neighborModel) int8 {
	if n.model.a == 0 {
		return a.transmissionPowers[a.defaultTP]
	}
	chosen := maxPower(a.transmissionPowers)
	found := false
	for _, tp := range a.transmissionPowers {
		if n.model.a*float64(tp)+n.model.b >= float64(a.lowerRSSI) {
			if !found || tp < chosen {
				chosen = tp
				found = true
			}
		}
	}
	return chosen
}

func minPower(powers []int8) int8 {
	m := powers[0]
	for _, p := range powers[1:] {
		if p < m {
			m = p
		}
	}
	return m
}

func maxPower(powers []int8) int8 {
	m := powers[0]
	for _, p := range powers[1:] {
		if p > m {
			m = p
		}
	}
	return m
}

func (a *DefaultATPC) GetMinTxPower(addrs []uint16) (int8, []uint16) {
	sorted := append([]uint16(nil), addrs...)
	sortUint16s(sorted)

	var txPower *int8
	var farthest []uint16
	for _, addr := range sorted {
		tp := a.GetTxPower(addr)
		switch {
		case txPower == nil || tp == *txPower:
			farthest = append(farthest, addr)
			if txPower == nil {
				v := tp
				txPower = &v
			}
		case tp > *txPower:
			v := tp
			txPower = &v
			farthest = []uint16{addr}
		}
	}
	if txPower == nil {
		return a.transmissionPowers[a.defaultTP], sorted
	}
	return *txPower, farthest
}

func (a *DefaultATPC) ReportSuccessfulReception(addr uint16, nonce Nonce, drssi int16) {
	if tpi, ok := a.beacons[nonce]; ok {
		n, ok := a.neighbors.get(addr)
		if !ok {
			return
		}
		n.rssi[tpi] = drssi
		a.rebuildNeighborModel(n)
		return
	}
	a.updateNeighborModel(addr, drssi)
}

// ReportFailedReception applies the ACK-timeout penalty: the model's
// intercept drops by 30, raising the power required to reach addr.
func (a *DefaultATPC) ReportFailedReception(addr uint16) {
	a.updateNeighborModel(addr, 30)
}

// rebuildNeighborModel recomputes (a, b) by ordinary least squares over
// one (TP_i, rssi_i) pair per configured power; a power whose sample has
// not been reported yet enters the fit with its stored value (0 for a
// newly registered neighbor).
func (a *DefaultATPC) rebuildNeighborModel(n *neighborModel) {
	count := len(a.transmissionPowers)
	var sumTP, sumRSSI, sumTPRSSI, sumTPSquared float64
	for i := 0; i < count; i++ {
		tp := float64(a.transmissionPowers[i])
		rssi := float64(n.rssi[i])
		sumTP += tp
		sumRSSI += rssi
		sumTPRSSI += tp * rssi
		sumTPSquared += tp * tp
	}
	denominator := float64(count)*sumTPSquared - sumTP*sumTP
	if denominator == 0 {
		return
	}
	n.model.a = (float64(count)*sumTPRSSI - sumTP*sumRSSI) / denominator
	n.model.b = (sumRSSI*sumTPSquared - sumTP*sumTPRSSI) / denominator
	n.status = neighborRuntime
	globalRecorder.NeighborTP(n.address, a.calcNodeTP(n))
}

// updateNeighborModel applies a runtime ACK (or ACK-timeout) delta to a
// neighbor's model. A positive delta lowers the intercept and thus raises
// the required power; a negative delta does the reverse. The nudge is
// skipped when the required power is already pinned at the relevant rail,
// where it could only drift the model without changing the selection.
func (a *DefaultATPC) updateNeighborModel(addr uint16, delta int16) {
	tp := a.GetTxPower(addr)
	n, ok := a.neighbors.get(addr)
	if !ok {
		return
	}
	upperRail := maxPower(a.transmissionPowers)
	lowerRail := minPower(a.transmissionPowers)
	if (delta > 0 && tp < upperRail) || (delta < 0 && tp > lowerRail) {
		n.model.b -= float64(delta)
	}
	globalRecorder.NeighborTP(n.address, a.calcNodeTP(n))
}

func sortUint16s(s []uint16) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// TestingATPC is the non-adaptive bring-up variant: it cycles
// deterministically through the configured TP list, never requests
// beacons, and ignores all feedback.
type TestingATPC struct {
	transmissionPowers []int8
	counter            int
}

// NewTestingATPC builds a TestingATPC over the given transmit powers.
func NewTestingATPC(transmissionPowers []int8) *TestingATPC {
	return &TestingATPC{transmissionPowers: transmissionPowers}
}

func (a *TestingATPC) IsBeaconNeeded() bool        { return false }
func (a *TestingATPC) BeaconPowers() []int8        { return nil }
func (a *TestingATPC) RegisterBeacon(int, Nonce)   {}
func (a *TestingATPC) RegisterNeighbor(uint16) bool {
	return true
}
func (a *TestingATPC) UnregisterNeighbor(uint16) bool { return true }

func (a *TestingATPC) GetTxPower(uint16) int8 {
	tp := a.transmissionPowers[a.counter]
	a.counter = (a.counter + 1) % len(a.transmissionPowers)
	return tp
}

func (a *TestingATPC) GetMinTxPower(addrs []uint16) (int8, []uint16) {
	if len(addrs) == 0 {
		return a.GetTxPower(0), addrs
	}
	return a.GetTxPower(addrs[0]), addrs
}

func (a *TestingATPC) ReportSuccessfulReception(uint16, Nonce, int16) {}
func (a *TestingATPC) ReportFailedReception(uint16)                   {}
