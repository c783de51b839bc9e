package loralink

// Recorder is the narrow observability surface the driver reports
// through; metrics are opt-in the same way logging is, defaulting to a
// no-op implementation until a caller wires one in with SetRecorder.
type Recorder interface {
	// FrameTransmitted is called once per frame that completed
	// transmission across all of its slots.
	FrameTransmitted(slots int)
	// FrameReceived is called once per frame successfully reassembled
	// and delivered to the receive client.
	FrameReceived(slots int)
	// AckTimeout is called once per pending_tx_ack entry that expired
	// without a matching ACK.
	AckTimeout()
	// ChannelRejected is called once per Transmit call turned away by
	// the channel-usage ledger (duty cycle or minimum delay).
	ChannelRejected(reason string)
	// NeighborTP reports the transmit power currently selected for
	// addr, in dBm, whenever ATPC recomputes it.
	NeighborTP(addr uint16, dBm int8)
	// NeighborCount reports the current size of the ATPC neighbor
	// table.
	NeighborCount(n int)
}

var globalRecorder Recorder = &nopRecorder{}

// SetRecorder installs the global Recorder. A nil r restores the no-op
// default.
func SetRecorder(r Recorder) {
	if r == nil {
		globalRecorder = &nopRecorder{}
		return
	}
	globalRecorder = r
}

type nopRecorder struct{}

func (nopRecorder) FrameTransmitted(slots int)        {}
func (nopRecorder) FrameReceived(slots int)           {}
func (nopRecorder) AckTimeout()                       {}
func (nopRecorder) ChannelRejected(reason string)     {}
func (nopRecorder) NeighborTP(addr uint16, dBm int8)  {}
func (nopRecorder) NeighborCount(n int)               {}
