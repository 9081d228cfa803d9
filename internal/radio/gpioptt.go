package radio

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"

	"github.com/n0sdr/corenet/internal/clock"
)

// GPIOPTTFrontEnd decorates an inner FrontEnd, asserting a GPIO line for
// the duration of each TX burst. This is the common rig-less PTT setup for
// a bare SDR board wired to a power amplifier's keying input: there is no
// CAT control, just a line to toggle, so unlike HamlibFrontEnd this
// decorator only ever touches PTT, never frequency or gain.
type GPIOPTTFrontEnd struct {
	FrontEnd
	line *gpiocdev.Line

	activeHigh bool
}

// NewGPIOPTTFrontEnd requests offset on chip as an output line and wraps
// inner, keying it high (or low, if activeHigh is false) for the duration
// of each burst.
func NewGPIOPTTFrontEnd(inner FrontEnd, chip string, offset int, activeHigh bool) (*GPIOPTTFrontEnd, error) {
	initial := 0
	if !activeHigh {
		initial = 1
	}
	line, err := gpiocdev.RequestLine(chip, offset, gpiocdev.AsOutput(initial))
	if err != nil {
		return nil, fmt.Errorf("radio: request PTT gpio line: %w", err)
	}
	return &GPIOPTTFrontEnd{FrontEnd: inner, line: line, activeHigh: activeHigh}, nil
}

func (fe *GPIOPTTFrontEnd) key(on bool) error {
	v := 0
	if on == fe.activeHigh {
		v = 1
	}
	return fe.line.SetValue(v)
}

func (fe *GPIOPTTFrontEnd) BurstTX(when clock.Time, hasWhen bool, startOfBurst, endOfBurst bool, buffers [][]complex64) error {
	if startOfBurst {
		if err := fe.key(true); err != nil {
			return fmt.Errorf("radio: key PTT: %w", err)
		}
	}
	err := fe.FrontEnd.BurstTX(when, hasWhen, startOfBurst, endOfBurst, buffers)
	if endOfBurst {
		if kErr := fe.key(false); kErr != nil && err == nil {
			err = fmt.Errorf("radio: unkey PTT: %w", kErr)
		}
	}
	return err
}

// Close releases the GPIO line, unkeying it first.
func (fe *GPIOPTTFrontEnd) Close() error {
	_ = fe.key(false)
	return fe.line.Close()
}
