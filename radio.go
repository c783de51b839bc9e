package loralink

// RadioState is the operating mode the physical radio can be placed in.
type RadioState uint8

const (
	RadioStateIdle RadioState = iota
	RadioStateTx
	RadioStateRx
	RadioStateCad
)

// Interrupts is the set of physical-layer interrupt flags the driver
// inspects after a radio operation.
type Interrupts struct {
	// RxTimeout is asserted by a CAD operation to mean "no preamble
	// heard", i.e. the channel is clear.
	RxTimeout bool
	// RxDone is asserted when a reception has completed and a frame is
	// ready to be read with GetReceived.
	RxDone bool
	// TxDone is asserted when a transmission has completed.
	TxDone bool
	// CadDone is asserted when a channel-activity-detection pass has
	// finished (regardless of its RxTimeout outcome).
	CadDone bool
}

// ReceivedInfo carries the metadata the radio attaches to a received
// slot: its measured signal strength, used by the driver to compute
// delta-RSSI for ACK piggybacking.
type ReceivedInfo struct {
	// RSSI is the measured received signal strength, in dBm.
	RSSI int16
}

// Radio is the narrow collaborator interface the driver consumes from
// the physical SX127x-class transceiver. It is the only dependency
// the protocol layer has on real hardware; a periph.io-backed
// implementation, a TinyGo machine-backed implementation, and an
// in-memory loopback implementation (see the radiomock package) all
// satisfy it uniformly.
type Radio interface {
	// StartTransmit begins transmitting buf asynchronously.
	StartTransmit(buf []byte) error
	// CheckTransmit reports whether the in-flight transmission has
	// completed.
	CheckTransmit() (bool, error)
	// StartReceive puts the radio in continuous receive mode.
	StartReceive() error
	// CheckReceive reports whether a frame has arrived. If restart is
	// true and no frame has arrived, the radio re-arms reception
	// (used by the per-slot polling loop during multi-slot reassembly).
	CheckReceive(restart bool) (bool, error)
	// GetReceived copies the most recently received frame into buf,
	// returning the number of bytes written and its reception metadata.
	GetReceived(buf []byte) (int, ReceivedInfo, error)
	// SetChannel tunes the radio to c.
	SetChannel(c ChannelDescriptor) error
	// SetPower sets the transmit power, in dBm.
	SetPower(dBm int8) error
	// GetState returns the radio's current operating mode.
	GetState() (RadioState, error)
	// SetState places the radio in the given operating mode (used by
	// the driver to enter RadioStateCad for channel-activity detection).
	SetState(s RadioState) error
	// GetInterrupts returns the asserted interrupt flags, clearing them
	// if clear is true.
	GetInterrupts(clear bool) (Interrupts, error)
}
