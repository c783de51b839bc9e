//go:build tinygo

package hardware

import "machine"

// tinygoSPI adapts a machine.SPI plus its chip-select pin to this
// package's narrow SPI interface.
type tinygoSPI struct {
	bus *machine.SPI
	cs  machine.Pin
}

func (s *tinygoSPI) Tx(w, r []byte) error {
	s.cs.Low()
	err := s.bus.Tx(w, r)
	s.cs.High()
	return err
}

// tinygoPin adapts a machine.Pin to this package's narrow Pin interface.
type tinygoPin struct {
	pin machine.Pin
}

func (p *tinygoPin) Out(high bool) error {
	p.pin.Configure(machine.PinConfig{Mode: machine.PinOutput})
	p.pin.Set(high)
	return nil
}

func (p *tinygoPin) Read() (bool, error) {
	return p.pin.Get(), nil
}

// BoardConfig describes the TinyGo machine.SPI bus and pins this driver
// needs.
type BoardConfig struct {
	Config
	SPI      *machine.SPI
	CSPin    machine.Pin
	ResetPin machine.Pin
	DIO0Pin  machine.Pin
}

// NewTinyGo configures the given SPI bus and pins and returns a Device
// implementing loralink.Radio, for a microcontroller build.
func NewTinyGo(bc BoardConfig) (*Device, error) {
	bc.CSPin.Configure(machine.PinConfig{Mode: machine.PinOutput})
	bc.CSPin.High()

	spi := &tinygoSPI{bus: bc.SPI, cs: bc.CSPin}

	var rst, dio0 Pin
	if bc.ResetPin != machine.NoPin {
		rst = &tinygoPin{pin: bc.ResetPin}
	}
	if bc.DIO0Pin != machine.NoPin {
		bc.DIO0Pin.Configure(machine.PinConfig{Mode: machine.PinInputPulldown})
		dio0 = &tinygoPin{pin: bc.DIO0Pin}
	}

	return newDevice(bc.Config, spi, rst, dio0)
}
