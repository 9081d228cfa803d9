package main

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/n0sdr/corenet/internal/clock"
	"github.com/n0sdr/corenet/internal/config"
	"github.com/n0sdr/corenet/internal/mac"
	"github.com/n0sdr/corenet/internal/nettap"
	"github.com/n0sdr/corenet/internal/nettap/ptytap"
	"github.com/n0sdr/corenet/internal/nettap/serialtap"
	"github.com/n0sdr/corenet/internal/radio"
	"github.com/n0sdr/corenet/internal/synthesizer"
)

// openTap builds the configured network tap transport (spec.md 5.1).
func openTap(cfg config.Tap, logger *log.Logger) (nettap.Tap, error) {
	switch cfg.Kind {
	case "", "pty":
		return ptytap.Open(logger)
	case "serial":
		return serialtap.Open(cfg.Device, cfg.Baud, logger)
	default:
		return nil, fmt.Errorf("unknown tap.kind %q", cfg.Kind)
	}
}

// openFrontEnd builds the radio front-end stack: a sound-card base,
// optionally wrapped in rig control and/or a GPIO PTT line (spec.md 6.1).
// Wrapping order follows the teacher's layered-transceiver convention: the
// innermost layer owns the sample stream, each wrapper only intercepts the
// calls it cares about (frequency/PTT) and forwards the rest.
func openFrontEnd(cfg config.Radio, keeper clock.Keeper) (radio.FrontEnd, error) {
	var fe radio.FrontEnd
	fe, err := radio.NewPortAudioFrontEnd(cfg.TXRateHz, 1024, keeper)
	if err != nil {
		return nil, fmt.Errorf("open portaudio front end: %w", err)
	}

	if cfg.HamlibDevice != "" {
		fe, err = radio.NewHamlibFrontEnd(fe, cfg.HamlibRigModel, cfg.HamlibDevice)
		if err != nil {
			return nil, fmt.Errorf("open hamlib rig control: %w", err)
		}
	}

	switch {
	case cfg.PTTGPIOChip != "":
		fe, err = radio.NewGPIOPTTFrontEnd(fe, cfg.PTTGPIOChip, cfg.PTTGPIOLine, true)
		if err != nil {
			return nil, fmt.Errorf("open gpio ptt: %w", err)
		}
	case cfg.PTTSerialDevice != "":
		fe, err = radio.NewSerialPTTFrontEnd(fe, cfg.PTTSerialDevice)
		if err != nil {
			return nil, fmt.Errorf("open serial ptt: %w", err)
		}
	}

	return fe, nil
}

// configureFrontEnd pushes the configured frequency, rate and gain onto an
// opened front end.
func configureFrontEnd(fe radio.FrontEnd, cfg config.Radio) error {
	if err := fe.SetTXFrequency(cfg.TXFreqHz); err != nil {
		return err
	}
	if err := fe.SetRXFrequency(cfg.RXFreqHz); err != nil {
		return err
	}
	if err := fe.SetTXRate(cfg.TXRateHz); err != nil {
		return err
	}
	if err := fe.SetRXRate(cfg.RXRateHz); err != nil {
		return err
	}
	if err := fe.SetTXGain(cfg.TXGainDB); err != nil {
		return err
	}
	if err := fe.SetRXGain(cfg.RXGainDB); err != nil {
		return err
	}
	return nil
}

// macRunner is the common shape of the three MAC variants: start the RX
// and TX workers, stop them on shutdown.
type macRunner interface {
	Start(ctx context.Context) error
	Stop()
}

// buildMAC selects and wires the MAC variant named by cfg.MAC.Mode
// (spec.md 4.6). FDMA streams straight off the channel synthesizer; TDMA
// and Slotted ALOHA share a slot-walking scheduler fed by the slot
// synthesizer, differing only in whether a slot is skipped at random.
func buildMAC(cfg config.Config, macCfg mac.Config, synthCfg synthesizer.Config, leftover mac.LeftoverQueue, keeper clock.Keeper) (macRunner, error) {
	switch cfg.MAC.Mode {
	case "", "fdma":
		synth := synthesizer.NewChannelSynthesizer(synthCfg, 4, 64)
		return mac.NewFDMA(macCfg, synth), nil

	case "tdma", "aloha":
		schedule, err := cfg.ToSchedule()
		if err != nil {
			return nil, fmt.Errorf("build schedule: %w", err)
		}
		slotDuration := time.Duration(cfg.MAC.SlotSizeSec * float64(time.Second))
		slotSamples := int(cfg.MAC.SlotSizeSec * cfg.Radio.TXRateHz)
		scheduler := &mac.SlotScheduler{
			Schedule:         schedule,
			Synth:            synthesizer.NewSlotSynthesizer(synthCfg),
			Leftover:         leftover,
			Keeper:           keeper,
			SlotDuration:     slotDuration,
			SlotSendLeadTime: slotDuration / 4,
			MaxSlotSamples:   slotSamples + cfg.MAC.GuardSamples,
			FullSlotSamples:  slotSamples - cfg.MAC.GuardSamples,
		}
		if cfg.MAC.Mode == "aloha" {
			return mac.NewSlottedALOHA(macCfg, scheduler, cfg.MAC.ALOHAProbability, int64(cfg.SelfNodeID)+1), nil
		}
		return mac.NewTDMA(macCfg, scheduler), nil

	default:
		return nil, fmt.Errorf("unknown mac.mode %q", cfg.MAC.Mode)
	}
}
