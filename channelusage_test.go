package loralink

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDutyCycleRejectsOverBudgetTransmit: once a channel's consumed
// on-air time exceeds its configured duty-cycle budget within the
// rolling window, further transmissions are rejected until the window
// rolls over.
func TestDutyCycleRejectsOverBudgetTransmit(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	ledger := newChannelLedger([]ChannelConfig{{
		DutyCycle:    0.01, // 1% of a 10s window = 100ms budget
		DutyInterval: 10 * time.Second,
		MinDelay:     0,
	}}, clock)

	require.NoError(t, ledger.checkTransmit(0))
	ledger.recordTransmit(0) // credits channelUsageOnAir (400ms) > 100ms budget

	now = now.Add(time.Second)
	err := ledger.checkTransmit(0)
	assert.ErrorIs(t, err, ErrDutyCycleConsumed)

	now = now.Add(10 * time.Second)
	assert.NoError(t, ledger.checkTransmit(0), "budget should reset once DutyInterval elapses")
}

// TestMinChannelDelayRejectsRapidRetransmit checks the minimum
// inter-transmit delay rule independently of duty-cycle accounting.
func TestMinChannelDelayRejectsRapidRetransmit(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	ledger := newChannelLedger([]ChannelConfig{{
		DutyCycle:    1,
		DutyInterval: time.Hour,
		MinDelay:     500 * time.Millisecond,
	}}, clock)

	require.NoError(t, ledger.checkTransmit(0))
	ledger.recordTransmit(0)

	now = now.Add(100 * time.Millisecond)
	assert.ErrorIs(t, ledger.checkTransmit(0), ErrMinChannelDelay)

	now = now.Add(500 * time.Millisecond)
	assert.NoError(t, ledger.checkTransmit(0))
}
