package radio

import (
	"fmt"

	hl "github.com/xylo04/goHamlib"

	"github.com/n0sdr/corenet/internal/clock"
)

// HamlibFrontEnd decorates an inner IQ-capable FrontEnd (typically
// PortAudioFrontEnd) with CAT rig control via Hamlib: frequency, gain, and
// PTT go over the rig's control port, while IQ streaming and burst timing
// stay with the inner front end. This split mirrors how bench SDR setups
// actually wire a conventional transceiver: Hamlib has no notion of IQ
// sample buffers, only VFO/mode/PTT state, so it can only ever be a
// decorator here, never a standalone FrontEnd.
type HamlibFrontEnd struct {
	FrontEnd
	rig *hl.Rig
}

// NewHamlibFrontEnd opens a Hamlib rig of the given model on port, and
// wraps inner for IQ streaming.
func NewHamlibFrontEnd(inner FrontEnd, model int, port string) (*HamlibFrontEnd, error) {
	rig := hl.NewRig(model)
	rig.SetConf("rig_pathname", port)
	if err := rig.Open(); err != nil {
		return nil, fmt.Errorf("radio: hamlib open: %w", err)
	}
	return &HamlibFrontEnd{FrontEnd: inner, rig: rig}, nil
}

func (fe *HamlibFrontEnd) SetTXFrequency(hz float64) error {
	if err := fe.rig.SetFreq(hl.VFOCurr, hz); err != nil {
		return fmt.Errorf("radio: hamlib set TX frequency: %w", err)
	}
	return fe.FrontEnd.SetTXFrequency(hz)
}

func (fe *HamlibFrontEnd) SetRXFrequency(hz float64) error {
	if err := fe.rig.SetFreq(hl.VFOCurr, hz); err != nil {
		return fmt.Errorf("radio: hamlib set RX frequency: %w", err)
	}
	return fe.FrontEnd.SetRXFrequency(hz)
}

func (fe *HamlibFrontEnd) SetTXGain(db float64) error {
	if err := fe.rig.SetLevel(hl.VFOCurr, hl.LevelRFPower, db); err != nil {
		return fmt.Errorf("radio: hamlib set TX gain: %w", err)
	}
	return fe.FrontEnd.SetTXGain(db)
}

func (fe *HamlibFrontEnd) BurstTX(when clock.Time, hasWhen bool, startOfBurst, endOfBurst bool, buffers [][]complex64) error {
	if startOfBurst {
		if err := fe.rig.SetPTT(hl.VFOCurr, hl.PTTOn); err != nil {
			return fmt.Errorf("radio: hamlib PTT on: %w", err)
		}
	}
	err := fe.FrontEnd.BurstTX(when, hasWhen, startOfBurst, endOfBurst, buffers)
	if endOfBurst {
		if pttErr := fe.rig.SetPTT(hl.VFOCurr, hl.PTTOff); pttErr != nil && err == nil {
			err = fmt.Errorf("radio: hamlib PTT off: %w", pttErr)
		}
	}
	return err
}

// Close releases the Hamlib rig handle.
func (fe *HamlibFrontEnd) Close() error {
	return fe.rig.Close()
}
