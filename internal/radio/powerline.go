package radio

import (
	"fmt"
	"io"
)

type outputLine interface {
	SetValue(int) error
	io.Closer
}

// PowerLine drives a GPIO output that gates the radio front-end. Sleep
// pulls it low; Wake drives it high.
type PowerLine struct {
	pin  int
	line outputLine
}

// OpenPowerLine requests BCM GPIO pin as an output, initially low.
func OpenPowerLine(pin int) (*PowerLine, error) {
	line, err := openLineFn(pin)
	if err != nil {
		return nil, err
	}
	return &PowerLine{pin: pin, line: line}, nil
}

func (p *PowerLine) Sleep() error {
	if p == nil || p.line == nil {
		return fmt.Errorf("radio: power line %d not open", p.pinOrZero())
	}
	return p.line.SetValue(0)
}

func (p *PowerLine) Wake() error {
	if p == nil || p.line == nil {
		return fmt.Errorf("radio: power line %d not open", p.pinOrZero())
	}
	return p.line.SetValue(1)
}

func (p *PowerLine) Close() error {
	if p == nil || p.line == nil {
		return nil
	}
	// Leave the front-end unpowered.
	_ = p.line.SetValue(0)
	err := p.line.Close()
	p.line = nil
	return err
}

func (p *PowerLine) pinOrZero() int {
	if p == nil {
		return 0
	}
	return p.pin
}
