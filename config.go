package loralink

import (
	"fmt"
	"time"
)

// ATPCConfig configures the Adaptive Transmission Power Control loop.
type ATPCConfig struct {
	// TransmissionPowers is the ascending or descending list of transmit
	// powers, in dBm, the radio can use.
	TransmissionPowers []int8
	// DefaultTP is the index into TransmissionPowers used for unknown or
	// still-initializing neighbors.
	DefaultTP int
	// TargetRSSI is the minimum acceptable received signal strength, in
	// dBm (e.g. -100).
	TargetRSSI int16
	// BeaconDelay is the interval between beacon rounds.
	// Defaults to 8h if not provided.
	BeaconDelay time.Duration
	// Testing selects the TestingATPC (deterministic TP cycling, no
	// beacons, no learning) instead of DefaultATPC. Useful for bring-up.
	Testing bool
}

// DriverConfig configures a Driver.
type DriverConfig struct {
	// Address is this node's 15-bit device address.
	Address uint16
	// Channels configures each of the (up to five) physical channels the
	// driver may use, indexed by ChannelDescriptor.
	Channels []ChannelConfig
	// ATPC configures the transmit-power control loop.
	ATPC ATPCConfig
	// CADMaxAttempts bounds channel-activity-detection retries before
	// failing with ErrBusyChannel. Defaults to 25.
	CADMaxAttempts int
	// CADBackoff is the delay between CAD retries. Defaults to 100ms.
	CADBackoff time.Duration
	// TransmitSlotBudget bounds how long the driver waits for a single
	// slot's transmission to complete before failing with ErrOutOfSync.
	// Defaults to 600ms.
	TransmitSlotBudget time.Duration
	// ReceiveSlotBudget bounds how long the driver waits, per
	// continuation slot, during multi-slot reassembly. Defaults to
	// 4 * 50ms = 200ms total, polled in 50ms increments.
	ReceiveSlotBudget time.Duration
	ReceiveSlotPoll   time.Duration
	// AckTimeout is how long a pending_tx_ack entry is given before it
	// is considered failed. Defaults to 60s.
	AckTimeout time.Duration
}

func (c *DriverConfig) setDefaults() error {
	if len(c.Channels) == 0 {
		return fmt.Errorf("loralink: at least one channel must be configured")
	}
	if len(c.Channels) > MaxSlots {
		return fmt.Errorf("loralink: at most %d channels may be configured, got %d", MaxSlots, len(c.Channels))
	}
	for i := range c.Channels {
		ch := &c.Channels[i]
		if ch.DutyCycle <= 0 || ch.DutyCycle > 1 {
			return fmt.Errorf("loralink: channel %d duty cycle %v outside (0, 1]", i, ch.DutyCycle)
		}
		if ch.PollDelay == 0 {
			ch.PollDelay = 10 * time.Millisecond
		}
	}
	if len(c.ATPC.TransmissionPowers) == 0 {
		return fmt.Errorf("loralink: at least one transmission power must be configured")
	}
	if c.ATPC.DefaultTP < 0 || c.ATPC.DefaultTP >= len(c.ATPC.TransmissionPowers) {
		return fmt.Errorf("loralink: default transmit power index %d out of range", c.ATPC.DefaultTP)
	}
	if c.ATPC.TargetRSSI == 0 {
		c.ATPC.TargetRSSI = -100
	}
	if c.ATPC.BeaconDelay == 0 {
		c.ATPC.BeaconDelay = 8 * time.Hour
	}
	if c.CADMaxAttempts == 0 {
		c.CADMaxAttempts = 25
	}
	if c.CADBackoff == 0 {
		c.CADBackoff = 100 * time.Millisecond
	}
	if c.TransmitSlotBudget == 0 {
		c.TransmitSlotBudget = 600 * time.Millisecond
	}
	if c.ReceiveSlotPoll == 0 {
		c.ReceiveSlotPoll = 50 * time.Millisecond
	}
	if c.ReceiveSlotBudget == 0 {
		c.ReceiveSlotBudget = 4 * c.ReceiveSlotPoll
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 60 * time.Second
	}
	return nil
}
