package hardware

import (
	"fmt"
	"time"

	loralink "github.com/fusetim/radio-tipe-poc"
)

// Config configures the SX127x-class register-level driver. The five
// EU-868 channel center frequencies are fixed (euChannelFrequencies);
// Config only carries the parameters that vary per deployment.
type Config struct {
	// ResetSettle is how long to hold and then wait after driving the
	// reset pin, per the chip's power-on sequence. Defaults to 10ms.
	ResetSettle time.Duration
}

func (c *Config) setDefaults() {
	if c.ResetSettle == 0 {
		c.ResetSettle = 10 * time.Millisecond
	}
}

// Device implements loralink.Radio against a real SX127x-class chip
// over the narrow SPI/Pin interfaces in interfaces.go. It is built by New (hosted,
// periph.io-backed) or NewTinyGo (microcontroller, machine-backed); both
// constructors wire their platform's concrete SPI/Pin implementations
// into this shared register-level core.
type Device struct {
	cfg  Config
	spi  SPI
	rst  Pin
	dio0 Pin
	mode byte
}

var _ loralink.Radio = (*Device)(nil)

// newDevice resets and initializes the chip and returns a Device ready
// to hand to loralink.NewDriver as its Radio collaborator.
func newDevice(cfg Config, spi SPI, rst, dio0 Pin) (*Device, error) {
	cfg.setDefaults()
	d := &Device{cfg: cfg, spi: spi, rst: rst, dio0: dio0, mode: 0xFF}

	if rst != nil {
		if err := rst.Out(false); err != nil {
			return nil, fmt.Errorf("hardware: reset low: %w", err)
		}
		time.Sleep(cfg.ResetSettle)
		if err := rst.Out(true); err != nil {
			return nil, fmt.Errorf("hardware: reset high: %w", err)
		}
		time.Sleep(cfg.ResetSettle)
	}

	if v := d.readReg(regVersion); v == 0x00 || v == 0xFF {
		return nil, fmt.Errorf("hardware: no SX127x detected (REG_VERSION=%#x)", v)
	}

	d.setMode(modeSleep)
	for _, kv := range fixedRegisters {
		d.writeReg(kv[0], kv[1])
	}
	d.setMode(modeStandby)
	return d, nil
}

func (d *Device) writeReg(addr byte, data ...byte) {
	w := make([]byte, len(data)+1)
	r := make([]byte, len(data)+1)
	w[0] = addr | 0x80
	copy(w[1:], data)
	d.spi.Tx(w, r)
}

func (d *Device) readReg(addr byte) byte {
	var w, r [2]byte
	w[0] = addr &^ 0x80
	d.spi.Tx(w[:], r[:])
	return r[1]
}

func (d *Device) setMode(mode byte) {
	if d.mode == mode {
		return
	}
	d.writeReg(regOpMode, 0x80|mode)
	d.mode = mode
}

// StartTransmit pushes buf into the chip's FIFO and switches to TX mode.
func (d *Device) StartTransmit(buf []byte) error {
	if len(buf) > 255 {
		return fmt.Errorf("hardware: payload of %d bytes exceeds FIFO capacity", len(buf))
	}
	d.setMode(modeStandby)
	d.writeReg(regIRQFlags, 0xFF)
	d.writeReg(regFIFOPtr, 0x00)
	d.writeReg(regFIFO, buf...)
	d.writeReg(regPayLength, byte(len(buf)))
	d.setMode(modeTx)
	return nil
}

// CheckTransmit reports whether the in-flight transmission has completed.
func (d *Device) CheckTransmit() (bool, error) {
	if d.readReg(regIRQFlags)&irqTxDone == 0 {
		return false, nil
	}
	d.writeReg(regIRQFlags, irqTxDone)
	d.setMode(modeRxCont)
	return true, nil
}

// StartReceive puts the radio in continuous receive mode.
func (d *Device) StartReceive() error {
	d.writeReg(regIRQFlags, 0xFF)
	d.writeReg(regFIFORxBase, 0x00)
	d.setMode(modeRxCont)
	return nil
}

// CheckReceive reports whether a frame has arrived. The SX127x's
// continuous RX mode needs no explicit re-arm, so restart is a no-op
// here beyond documenting intent.
func (d *Device) CheckReceive(restart bool) (bool, error) {
	if d.dio0 != nil {
		if high, err := d.dio0.Read(); err == nil && !high {
			return false, nil
		}
	}
	flags := d.readReg(regIRQFlags)
	if flags&irqRxDone == 0 {
		return false, nil
	}
	if flags&irqCRCErr != 0 {
		d.writeReg(regIRQFlags, 0xFF)
		return false, nil
	}
	return true, nil
}

// GetReceived copies the most recently received frame into buf.
func (d *Device) GetReceived(buf []byte) (int, loralink.ReceivedInfo, error) {
	n := int(d.readReg(regRxBytes))
	if n > len(buf) {
		n = len(buf)
	}
	ptr := d.readReg(regFIFORxCurr)
	d.writeReg(regFIFOPtr, ptr)

	w := make([]byte, n+1)
	r := make([]byte, n+1)
	w[0] = regFIFO &^ 0x80
	d.spi.Tx(w, r)
	copy(buf, r[1:])

	snr := int8(d.readReg(regPktSNR)) / 4
	rawRSSI := int(d.readReg(regPktRSSI))
	rssi := -164 + rawRSSI + rawRSSI>>4
	if snr < 0 {
		rssi += int(snr)
	}

	d.writeReg(regIRQFlags, 0xFF)
	return n, loralink.ReceivedInfo{RSSI: int16(rssi)}, nil
}

// SetChannel tunes the radio to one of the five EU-868 channels.
func (d *Device) SetChannel(c loralink.ChannelDescriptor) error {
	if int(c) >= len(euChannelFrequencies) {
		return fmt.Errorf("hardware: channel %d not in the EU-868 five-channel plan", c)
	}
	prior := d.mode
	d.setMode(modeStandby)
	msb, mid, lsb := frfFromFrequency(euChannelFrequencies[c])
	d.writeReg(regFrfMSB, msb, mid, lsb)
	d.setMode(prior)
	return nil
}

// SetPower sets the transmit power via PA_BOOST, the only amplifier
// path RFM9x-class modules expose, per the reference driver this is
// grounded on.
func (d *Device) SetPower(dBm int8) error {
	if dBm < 2 {
		dBm = 2
	}
	if dBm > 20 {
		dBm = 20
	}
	prior := d.mode
	d.setMode(modeStandby)
	if dBm > 17 {
		d.writeReg(regPADAC, 0x07)
		d.writeReg(regPAConfig, 0xF0+byte(dBm)-5)
	} else {
		d.writeReg(regPADAC, 0x04)
		d.writeReg(regPAConfig, 0xF0+byte(dBm)-2)
	}
	d.setMode(prior)
	return nil
}

// GetState returns the radio's current operating mode.
func (d *Device) GetState() (loralink.RadioState, error) {
	switch d.mode {
	case modeTx, modeFsTx:
		return loralink.RadioStateTx, nil
	case modeRxCont, modeRxSingle, modeFsRx:
		return loralink.RadioStateRx, nil
	case modeCAD:
		return loralink.RadioStateCad, nil
	default:
		return loralink.RadioStateIdle, nil
	}
}

// SetState places the radio in the given operating mode.
func (d *Device) SetState(s loralink.RadioState) error {
	switch s {
	case loralink.RadioStateCad:
		d.writeReg(regIRQFlags, 0xFF)
		d.setMode(modeCAD)
	case loralink.RadioStateRx:
		d.setMode(modeRxCont)
	case loralink.RadioStateTx:
		d.setMode(modeTx)
	default:
		d.setMode(modeStandby)
	}
	return nil
}

// GetInterrupts returns the asserted IRQ flags, clearing them if clear
// is true.
func (d *Device) GetInterrupts(clear bool) (loralink.Interrupts, error) {
	flags := d.readReg(regIRQFlags)
	out := loralink.Interrupts{
		RxTimeout: flags&irqRxTimeout != 0,
		RxDone:    flags&irqRxDone != 0,
		TxDone:    flags&irqTxDone != 0,
		CadDone:   flags&irqCADDone != 0,
	}
	if clear {
		d.writeReg(regIRQFlags, 0xFF)
	}
	return out, nil
}
