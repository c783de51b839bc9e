// Package radiomock provides an in-memory loopback implementation of
// loralink.Radio, used by tests and by the demo's --simulate mode so two
// Driver instances can exchange frames inside a single process without
// real hardware.
package radiomock

import (
	"fmt"

	loralink "github.com/fusetim/radio-tipe-poc"
)

type message struct {
	from int
	data []byte
}

// medium is the shared five-channel "air" two Radios transmit into and
// receive from.
type medium struct {
	channels [5][]message
}

// Radio is one endpoint of a loopback pair, implementing loralink.Radio.
type Radio struct {
	id           int
	med          *medium
	measuredRSSI int16
	channel      loralink.ChannelDescriptor
	mode         loralink.RadioState
	pendingTx    bool
	power        int8
	pendingRx    *message
}

var _ loralink.Radio = (*Radio)(nil)

// NewPair builds two Radios sharing one medium. measuredRSSIAtA is the
// RSSI value reported by a's GetReceived for frames it receives (i.e.
// simulating how strong b's signal looks at a); measuredRSSIAtB is the
// reverse.
func NewPair(measuredRSSIAtA, measuredRSSIAtB int16) (a, b *Radio) {
	med := &medium{}
	a = &Radio{id: 0, med: med, measuredRSSI: measuredRSSIAtA}
	b = &Radio{id: 1, med: med, measuredRSSI: measuredRSSIAtB}
	return a, b
}

// Power returns the most recently requested transmit power, for test
// assertions.
func (r *Radio) Power() int8 { return r.power }

// SetMeasuredRSSI changes the RSSI this radio reports for subsequent
// receptions, so a test can simulate a link whose strength varies with
// the peer's transmit power.
func (r *Radio) SetMeasuredRSSI(rssi int16) { r.measuredRSSI = rssi }

// maxSlotBytes is one discriminant byte plus the 253 protocol bytes a
// physical slot may carry.
const maxSlotBytes = 254

func (r *Radio) StartTransmit(buf []byte) error {
	if len(buf) > maxSlotBytes {
		return fmt.Errorf("radiomock: slot of %d bytes exceeds %dB", len(buf), maxSlotBytes)
	}
	cp := append([]byte(nil), buf...)
	r.med.channels[r.channel] = append(r.med.channels[r.channel], message{from: r.id, data: cp})
	r.pendingTx = true
	r.mode = loralink.RadioStateTx
	return nil
}

func (r *Radio) CheckTransmit() (bool, error) {
	if !r.pendingTx {
		return false, nil
	}
	r.pendingTx = false
	r.mode = loralink.RadioStateRx
	return true, nil
}

func (r *Radio) StartReceive() error {
	r.mode = loralink.RadioStateRx
	return nil
}

func (r *Radio) CheckReceive(restart bool) (bool, error) {
	if r.pendingRx != nil {
		return true, nil
	}
	queue := r.med.channels[r.channel]
	for i, m := range queue {
		if m.from == r.id {
			continue
		}
		r.pendingRx = &m
		r.med.channels[r.channel] = append(queue[:i:i], queue[i+1:]...)
		return true, nil
	}
	return false, nil
}

func (r *Radio) GetReceived(buf []byte) (int, loralink.ReceivedInfo, error) {
	if r.pendingRx == nil {
		return 0, loralink.ReceivedInfo{}, fmt.Errorf("radiomock: no pending reception")
	}
	n := copy(buf, r.pendingRx.data)
	r.pendingRx = nil
	return n, loralink.ReceivedInfo{RSSI: r.measuredRSSI}, nil
}

func (r *Radio) SetChannel(c loralink.ChannelDescriptor) error {
	if int(c) >= len(r.med.channels) {
		return fmt.Errorf("radiomock: channel %d out of range", c)
	}
	r.channel = c
	return nil
}

func (r *Radio) SetPower(dBm int8) error {
	r.power = dBm
	return nil
}

func (r *Radio) GetState() (loralink.RadioState, error) {
	return r.mode, nil
}

func (r *Radio) SetState(s loralink.RadioState) error {
	r.mode = s
	return nil
}

// GetInterrupts reports the channel as always clear for CAD (this is a
// loopback medium with no real interference) and reflects whether a
// reception is pending.
func (r *Radio) GetInterrupts(clear bool) (loralink.Interrupts, error) {
	out := loralink.Interrupts{
		RxTimeout: r.mode == loralink.RadioStateCad,
		CadDone:   r.mode == loralink.RadioStateCad,
	}
	if r.pendingRx != nil {
		out.RxDone = true
	}
	return out, nil
}
