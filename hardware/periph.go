//go:build !tinygo

package hardware

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// periphSPI adapts a periph.io spi.Conn to this package's narrow SPI
// interface.
type periphSPI struct {
	conn spi.Conn
}

func (p *periphSPI) Tx(w, r []byte) error { return p.conn.Tx(w, r) }

// periphPin adapts a periph.io gpio.PinIO to this package's narrow Pin
// interface.
type periphPin struct {
	pin gpio.PinIO
}

func (p *periphPin) Out(high bool) error {
	if high {
		return p.pin.Out(gpio.High)
	}
	return p.pin.Out(gpio.Low)
}

func (p *periphPin) Read() (bool, error) {
	return p.pin.Read() == gpio.High, nil
}

// HostConfig describes how to open the Linux SPI bus and GPIO pins this
// driver needs, via periph.io.
type HostConfig struct {
	Config
	// SpiBusPath is the path to the SPI bus, e.g. "/dev/spidev0.0".
	// Defaults to "/dev/spidev0.0".
	SpiBusPath string
	// SpiClockHz is the SPI clock frequency, in Hz. Defaults to 4MHz,
	// the rate the reference SX1276 driver this is grounded on uses.
	SpiClockHz int
	// ResetPin and DIO0Pin are periph.io GPIO pin names (e.g. "GPIO25"),
	// resolved with gpioreg.ByName.
	ResetPin string
	DIO0Pin  string
}

// New opens the SPI bus and GPIO pins described by hc via periph.io,
// resets the chip, and returns a Device implementing loralink.Radio.
func New(hc HostConfig) (*Device, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("hardware: periph.io host init: %w", err)
	}
	if hc.SpiBusPath == "" {
		hc.SpiBusPath = "/dev/spidev0.0"
	}
	if hc.SpiClockHz == 0 {
		hc.SpiClockHz = 4_000_000
	}

	port, err := spireg.Open(hc.SpiBusPath)
	if err != nil {
		return nil, fmt.Errorf("hardware: open SPI port %s: %w", hc.SpiBusPath, err)
	}
	conn, err := port.Connect(physic.Frequency(hc.SpiClockHz)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("hardware: connect SPI: %w", err)
	}

	var rst, dio0 Pin
	if hc.ResetPin != "" {
		p := gpioreg.ByName(hc.ResetPin)
		if p == nil {
			port.Close()
			return nil, fmt.Errorf("hardware: reset pin %s not found", hc.ResetPin)
		}
		rst = &periphPin{pin: p}
	}
	if hc.DIO0Pin != "" {
		p := gpioreg.ByName(hc.DIO0Pin)
		if p == nil {
			port.Close()
			return nil, fmt.Errorf("hardware: dio0 pin %s not found", hc.DIO0Pin)
		}
		if err := p.In(gpio.PullDown, gpio.NoEdge); err != nil {
			port.Close()
			return nil, fmt.Errorf("hardware: configure dio0 pin: %w", err)
		}
		dio0 = &periphPin{pin: p}
	}

	return newDevice(hc.Config, &periphSPI{conn: conn}, rst, dio0)
}
