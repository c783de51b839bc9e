package loralink

import "time"

// ChannelDescriptor identifies one of the (up to five) physical EU-868
// channels the radio can be tuned to.
type ChannelDescriptor uint8

// ChannelConfig describes the duty-cycle and spacing regulation for one
// configured channel.
type ChannelConfig struct {
	// DutyCycle is the maximum fraction, in (0, 1], of any DutyInterval
	// the channel may spend on-air.
	DutyCycle float64
	// MinDelay is the minimum time that must elapse between the end of
	// one transmission on this channel and the start of the next.
	MinDelay time.Duration
	// PollDelay is the poll interval used while waiting on radio
	// completion for slots on this channel. Defaults to 10ms.
	PollDelay time.Duration
	// DutyInterval is the rolling window over which DutyCycle is
	// enforced.
	DutyInterval time.Duration
}

// channelUsageOnAir is the on-air time credited to a channel per
// transmitted slot for duty-cycle accounting. This is a fixed estimate,
// distinct from the wall-clock budget Transmit enforces per slot.
const channelUsageOnAir = 400 * time.Millisecond

// channelUsage tracks (last_use, consumed) for one configured channel.
type channelUsage struct {
	cfg      ChannelConfig
	lastUse  time.Time
	consumed time.Duration
}

// channelLedger enforces duty-cycle and minimum inter-transmit delay
// across the set of configured channels.
type channelLedger struct {
	channels []channelUsage
	now      func() time.Time
}

func newChannelLedger(cfgs []ChannelConfig, now func() time.Time) *channelLedger {
	if now == nil {
		now = time.Now
	}
	usages := make([]channelUsage, len(cfgs))
	for i, c := range cfgs {
		usages[i] = channelUsage{cfg: c}
	}
	return &channelLedger{channels: usages, now: now}
}

// checkTransmit verifies channel c may legally begin a transmission now:
// the duty-cycle budget must not be exhausted within the rolling window,
// and the minimum inter-transmit delay must have elapsed.
func (l *channelLedger) checkTransmit(c ChannelDescriptor) error {
	if int(c) >= len(l.channels) {
		return wrapf(ErrInternalRadio, "channel %d not configured", c)
	}
	u := &l.channels[c]
	if u.lastUse.IsZero() {
		return nil
	}
	now := l.now()
	elapsed := now.Sub(u.lastUse)
	if elapsed < u.cfg.DutyInterval {
		if u.cfg.DutyCycle > 0 {
			usedFraction := float64(u.consumed) / float64(u.cfg.DutyInterval)
			if usedFraction > u.cfg.DutyCycle {
				return wrapf(ErrDutyCycleConsumed, "channel %d at %.1f%% of %.1f%% duty budget", c, usedFraction*100, u.cfg.DutyCycle*100)
			}
		}
	}
	if elapsed < u.cfg.MinDelay {
		return wrapf(ErrMinChannelDelay, "channel %d transmitted %s ago, minimum delay is %s", c, elapsed, u.cfg.MinDelay)
	}
	return nil
}

// recordTransmit credits channelUsageOnAir of on-air time to channel c,
// resetting the rolling window first if DutyInterval has elapsed since
// the last use.
func (l *channelLedger) recordTransmit(c ChannelDescriptor) {
	if int(c) >= len(l.channels) {
		return
	}
	u := &l.channels[c]
	now := l.now()
	if u.lastUse.IsZero() || now.Sub(u.lastUse) >= u.cfg.DutyInterval {
		u.consumed = 0
	}
	u.consumed += channelUsageOnAir
	u.lastUse = now
}
