package loralink

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBeaconRoundFitsGroundTruthModel: noiseless ACK feedback at every
// configured TP drives the neighbor to Runtime with a least-squares fit
// that reproduces the ground truth exactly at every sample point, even
// when the true slope is fractional.
func TestBeaconRoundFitsGroundTruthModel(t *testing.T) {
	powers := []int8{10, 8, 6, 4, 2}
	rssi := map[int8]int16{10: -20, 8: -25, 6: -30, 4: -35, 2: -40}

	atpc := NewDefaultATPC(powers, 0, -100, 8*time.Hour, func() time.Time { return time.Unix(0, 0) })
	require.True(t, atpc.RegisterNeighbor(0x0050))
	require.True(t, atpc.IsBeaconNeeded())

	for i, tp := range atpc.BeaconPowers() {
		nonce := Nonce(i + 1)
		atpc.RegisterBeacon(i, nonce)
		atpc.ReportSuccessfulReception(0x0050, nonce, rssi[tp])
	}

	n, ok := atpc.neighbors.get(0x0050)
	require.True(t, ok)
	assert.Equal(t, neighborRuntime, n.status)
	assert.InDelta(t, 2.5, n.model.a, 1e-9)
	assert.InDelta(t, -45.0, n.model.b, 1e-9)

	for tp, want := range rssi {
		predicted := n.model.a*float64(tp) + n.model.b
		assert.InDelta(t, float64(want), predicted, 1e-9, "prediction at TP %d", tp)
	}
}

// TestAckTimeoutPenalizesRuntimeModel: an ACK timeout drops b by the
// fixed 30 penalty, raising the power required for the peer, unless the
// selection is already pinned at the strongest configured power.
func TestAckTimeoutPenalizesRuntimeModel(t *testing.T) {
	powers := []int8{2, 6, 10, 14, 17}
	atpc := NewDefaultATPC(powers, 2, -100, 8*time.Hour, nil)
	atpc.RegisterNeighbor(0x0050)
	n, _ := atpc.neighbors.get(0x0050)
	n.model.a = 2
	n.model.b = -110
	n.status = neighborRuntime

	require.Equal(t, int8(6), atpc.GetTxPower(0x0050))

	before := n.model.b
	atpc.ReportFailedReception(0x0050)
	assert.Equal(t, before-30, n.model.b)
	assert.Equal(t, int8(17), atpc.GetTxPower(0x0050), "penalty should raise the required power")

	// Pinned at the strongest power: further penalties are not applied.
	n.model.b = -200
	before = n.model.b
	atpc.ReportFailedReception(0x0050)
	assert.Equal(t, before, n.model.b)
}

// TestRuntimeAckFeedbackLowersPower: a negative delta (peer saw more
// signal than its target) raises b and lowers the selected power.
func TestRuntimeAckFeedbackLowersPower(t *testing.T) {
	powers := []int8{2, 6, 10, 14, 17}
	atpc := NewDefaultATPC(powers, 0, -100, 8*time.Hour, nil)
	atpc.RegisterNeighbor(0x0051)
	n, _ := atpc.neighbors.get(0x0051)
	n.model.a = 2
	n.model.b = -125
	n.status = neighborRuntime

	require.Equal(t, int8(14), atpc.GetTxPower(0x0051))

	atpc.ReportSuccessfulReception(0x0051, Nonce(99), -10)
	assert.InDelta(t, -115.0, n.model.b, 1e-9)
	assert.Equal(t, int8(10), atpc.GetTxPower(0x0051))
}

// TestGetMinTxPowerFarthestSet: the returned power is the maximum
// required across the set, and only the members actually gated by it
// appear in the farthest set.
func TestGetMinTxPowerFarthestSet(t *testing.T) {
	powers := []int8{2, 6, 10, 14, 17}
	atpc := NewDefaultATPC(powers, 0, -100, 8*time.Hour, nil)
	atpc.RegisterNeighbor(0x0001)
	atpc.RegisterNeighbor(0x0002)

	near, _ := atpc.neighbors.get(0x0001)
	near.model.a = 2
	near.model.b = -104
	near.status = neighborRuntime

	far, _ := atpc.neighbors.get(0x0002)
	far.model.a = 2
	far.model.b = -120
	far.status = neighborRuntime

	require.Equal(t, int8(2), atpc.GetTxPower(0x0001))
	require.Equal(t, int8(10), atpc.GetTxPower(0x0002))

	tp, farthest := atpc.GetMinTxPower([]uint16{0x0001, 0x0002})
	assert.Equal(t, int8(10), tp)
	assert.ElementsMatch(t, []uint16{0x0002}, farthest)
}

// TestCalcNodeTPDescendingPowerList: power selection does not depend on
// the order the power list is configured in.
func TestCalcNodeTPDescendingPowerList(t *testing.T) {
	atpc := NewDefaultATPC([]int8{17, 14, 10, 6, 2}, 0, -100, 8*time.Hour, nil)
	atpc.RegisterNeighbor(0x0003)
	n, _ := atpc.neighbors.get(0x0003)
	n.model.a = 2
	n.model.b = -110
	n.status = neighborRuntime

	assert.Equal(t, int8(6), atpc.GetTxPower(0x0003))
}

func TestLRUNeighborsEvictsOldest(t *testing.T) {
	c := newLRUNeighbors(2)
	c.put(&neighborModel{address: 1})
	c.put(&neighborModel{address: 2})
	c.get(1) // touch 1, making 2 the least-recently-used
	c.put(&neighborModel{address: 3})

	_, ok := c.get(2)
	assert.False(t, ok, "least-recently-used neighbor should have been evicted")
	_, ok = c.get(1)
	assert.True(t, ok)
	_, ok = c.get(3)
	assert.True(t, ok)
}
