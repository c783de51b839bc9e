package hardware

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	loralink "github.com/fusetim/radio-tipe-poc"
)

// fakeSPI is a register-file SPI double: writes land in regs, reads
// come back out of it, and every transaction is recorded.
type fakeSPI struct {
	regs [0x80]byte
	tx   [][]byte
}

func (f *fakeSPI) Tx(w, r []byte) error {
	f.tx = append(f.tx, append([]byte(nil), w...))
	if len(w) == 0 {
		return nil
	}
	addr := w[0] &^ 0x80
	if w[0]&0x80 != 0 {
		for i, b := range w[1:] {
			f.regs[(int(addr)+i)%len(f.regs)] = b
		}
		return nil
	}
	for i := range r[1:] {
		r[1+i] = f.regs[(int(addr)+i)%len(f.regs)]
	}
	return nil
}

type fakePin struct {
	level bool
}

func (p *fakePin) Out(high bool) error { p.level = high; return nil }
func (p *fakePin) Read() (bool, error) { return p.level, nil }

func newTestDevice(t *testing.T) (*Device, *fakeSPI) {
	t.Helper()
	spi := &fakeSPI{}
	spi.regs[regVersion] = 0x12 // nonzero so New's sanity check passes
	rst := &fakePin{}
	// dio0 is left nil: CheckReceive falls back to polling IRQFlags only,
	// which is all these register-level tests need to drive.
	dev, err := newDevice(Config{}, spi, rst, nil)
	require.NoError(t, err)
	return dev, spi
}

func TestNewDeviceRejectsMissingChip(t *testing.T) {
	spi := &fakeSPI{}
	_, err := newDevice(Config{}, spi, &fakePin{}, &fakePin{})
	assert.Error(t, err)
}

func TestSetChannelWritesFrequencyRegisters(t *testing.T) {
	dev, spi := newTestDevice(t)
	require.NoError(t, dev.SetChannel(0))

	msb, mid, lsb := frfFromFrequency(euChannelFrequencies[0])
	assert.Equal(t, msb, spi.regs[regFrfMSB])
	assert.Equal(t, mid, spi.regs[regFrfMSB+1])
	assert.Equal(t, lsb, spi.regs[regFrfMSB+2])
}

func TestSetChannelRejectsOutOfRange(t *testing.T) {
	dev, _ := newTestDevice(t)
	assert.Error(t, dev.SetChannel(loralink.ChannelDescriptor(5)))
}

func TestSetPowerHighModeTogglesPADAC(t *testing.T) {
	dev, spi := newTestDevice(t)
	require.NoError(t, dev.SetPower(20))
	assert.Equal(t, byte(0x07), spi.regs[regPADAC])

	require.NoError(t, dev.SetPower(10))
	assert.Equal(t, byte(0x04), spi.regs[regPADAC])
}

func TestTransmitReceiveRoundTripThroughFIFO(t *testing.T) {
	dev, spi := newTestDevice(t)
	payload := []byte("hello")
	require.NoError(t, dev.StartTransmit(payload))

	spi.regs[regIRQFlags] = irqTxDone
	done, err := dev.CheckTransmit()
	require.NoError(t, err)
	assert.True(t, done)

	spi.regs[regIRQFlags] = irqRxDone
	spi.regs[regRxBytes] = byte(len(payload))
	copy(spi.regs[regFIFO:], payload)

	ready, err := dev.CheckReceive(false)
	require.NoError(t, err)
	assert.True(t, ready)

	buf := make([]byte, 32)
	n, _, err := dev.GetReceived(buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf[:n])
}

func TestGetInterruptsReflectsIRQFlags(t *testing.T) {
	dev, spi := newTestDevice(t)
	spi.regs[regIRQFlags] = irqRxTimeout | irqCADDone
	irq, err := dev.GetInterrupts(false)
	require.NoError(t, err)
	assert.True(t, irq.RxTimeout)
	assert.True(t, irq.CadDone)
	assert.False(t, irq.RxDone)
}
