// Command sdrsim drives the ARQ controller and a MAC variant against
// synthetic traffic with no hardware attached: two simulated nodes,
// each built the same way sdrd builds one, share a radio.Medium through
// a radio.LoopbackFrontEnd instead of a sound card, exchange generated
// traffic, and the run reports how much of it arrived. It exists for the
// scenario tests of spec.md section 8 that need the whole stack running
// together rather than one package's unit tests.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/n0sdr/corenet/internal/arq"
	"github.com/n0sdr/corenet/internal/channel"
	"github.com/n0sdr/corenet/internal/channelizer"
	"github.com/n0sdr/corenet/internal/clock"
	"github.com/n0sdr/corenet/internal/config"
	"github.com/n0sdr/corenet/internal/dsp"
	"github.com/n0sdr/corenet/internal/mac"
	"github.com/n0sdr/corenet/internal/obs"
	"github.com/n0sdr/corenet/internal/packet"
	"github.com/n0sdr/corenet/internal/phy"
	"github.com/n0sdr/corenet/internal/radio"
	"github.com/n0sdr/corenet/internal/refphy"
	"github.com/n0sdr/corenet/internal/synthesizer"
	"github.com/n0sdr/corenet/internal/timerqueue"
)

func main() {
	fs := pflag.NewFlagSet("sdrsim", pflag.ExitOnError)
	duration := fs.DurationP("duration", "d", 5*time.Second, "How long to run the scenario.")
	packets := fs.IntP("packets", "n", 40, "Number of packets each node sends.")
	rate := fs.Float64P("rate", "r", 20, "Packets per second each node sends.")
	payloadSize := fs.IntP("payload-size", "s", 64, "Payload bytes per generated packet.")
	txRate := fs.Float64P("tx-rate-hz", "t", 8000, "Shared channel sample rate, Hz.")
	verbose := fs.BoolP("verbose", "v", false, "Log every delivered packet.")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	level := obs.LevelInfo
	if *verbose {
		level = obs.LevelDebug
	}
	logger := obs.NewLogger(os.Stderr, obs.Options{Level: level, Prefix: "sdrsim"})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *duration, *packets, *rate, *payloadSize, *txRate); err != nil {
		logger.Error("sdrsim exiting", "err", err)
		os.Exit(1)
	}
}

// node is one simulated radio, wired exactly the way cmd/sdrd wires the
// real daemon minus the front-end hardware: a LoopbackFrontEnd stands in
// for the sound card, a SyntheticTap stands in for the pty/serial client.
type node struct {
	id      packet.NodeID
	peer    packet.NodeID
	tap     *SyntheticTap
	ctrl    *arq.Controller
	timers  *timerqueue.Queue
	mac     interface {
		Start(ctx context.Context) error
		Stop()
	}
}

func buildNode(id, peer packet.NodeID, medium *radio.Medium, keeper clock.Keeper, txRate float64, logger *log.Logger) *node {
	cfg := config.Defaults()
	cfg.SelfNodeID = int(id)
	cfg.Channels = []config.Channel{{FCHz: 0, BWHz: txRate}}
	cfg.Radio.TXRateHz = txRate
	cfg.Radio.RXRateHz = txRate

	channels := cfg.ToChannels()
	prototypeTaps := boxcarPrototype(channels, 4)

	nodeLogger := logger.With("node", id)

	timers := timerqueue.New(keeper)
	timers.Start()

	tap := NewSyntheticTap(nodeLogger)

	ctrl := arq.New(cfg.ToARQConfig(), keeper, timers, tap, tapDeliverer{tap}, nodeLogger)

	frontEnd := radio.NewLoopbackFrontEnd(medium, keeper)

	chz := channelizer.NewTimeDomain(channelizer.Config{
		RXRate:         cfg.Radio.RXRateHz,
		Channels:       channels,
		PrototypeTaps:  prototypeTaps,
		NewDemodulator: refphy.NewDemodulatorFactory(),
		Logger:         nodeLogger,
	})
	chz.SetSink(func(rp *phy.RadioPacket, chIdx int, ch channel.Channel) {
		pkt := rp.Pkt
		pkt.ChannelIndex = chIdx
		pkt.EVM, pkt.RSSI, pkt.CFO = rp.EVM, rp.RSSI, rp.CFO
		if err := ctrl.Receive(pkt); err != nil {
			nodeLogger.Warn("arq receive failed", "err", err)
		}
	})

	synthCfg := synthesizer.Config{
		TXRate:        cfg.Radio.TXRateHz,
		Channels:      channels,
		PrototypeTaps: prototypeTaps,
		NewModulator:  refphy.NewModulatorFactory(),
		Source:        ctrl,
		Logger:        nodeLogger,
	}
	synth := synthesizer.NewChannelSynthesizer(synthCfg, 2, 32)

	macCfg := mac.Config{
		FrontEnd:    frontEnd,
		Channelizer: chz,
		Notifier:    txNotifier{ctrl, tap},
		Logger:      nodeLogger,
	}

	return &node{
		id:     id,
		peer:   peer,
		tap:    tap,
		ctrl:   ctrl,
		timers: timers,
		mac:    mac.NewFDMA(macCfg, synth),
	}
}

func (n *node) stop() {
	n.mac.Stop()
	n.ctrl.Stop()
	n.tap.Stop()
	n.timers.Stop()
}

// generate emits count packets addressed to n.peer at the given rate,
// each carrying a distinguishable payload so Delivered() can be checked
// against what was sent.
func (n *node) generate(ctx context.Context, count int, rate float64, payloadSize int) {
	interval := time.Duration(float64(time.Second) / rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; i < count; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		payload := make([]byte, payloadSize)
		for j := range payload {
			payload[j] = byte(i)
		}
		pkt := &packet.Packet{
			Header: packet.Header{
				CurHop:  n.id,
				NextHop: n.peer,
				Flags:   packet.Flags{HasSeq: true},
			},
			ExtHeader: packet.ExtHeader{Src: n.id, Dest: n.peer},
			Payload:   payload,
			Dest:      n.peer,
		}
		n.tap.Generate(pkt)
	}
}

func run(ctx context.Context, logger *log.Logger, duration time.Duration, packets int, rate float64, payloadSize int, txRate float64) error {
	keeper := clock.NewSystemKeeper()
	medium := radio.NewMedium()

	nodeA := buildNode(1, 2, medium, keeper, txRate, logger)
	nodeB := buildNode(2, 1, medium, keeper, txRate, logger)
	defer nodeA.stop()
	defer nodeB.stop()

	runCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	if err := nodeA.mac.Start(runCtx); err != nil {
		return fmt.Errorf("start node %d mac: %w", nodeA.id, err)
	}
	if err := nodeB.mac.Start(runCtx); err != nil {
		return fmt.Errorf("start node %d mac: %w", nodeB.id, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); nodeA.generate(runCtx, packets, rate, payloadSize) }()
	go func() { defer wg.Done(); nodeB.generate(runCtx, packets, rate, payloadSize) }()

	<-runCtx.Done()
	wg.Wait()

	a, b := len(nodeA.tap.Delivered()), len(nodeB.tap.Delivered())
	logger.Info("scenario complete",
		"sent_per_node", packets,
		"delivered_to_node_1", a,
		"delivered_to_node_2", b,
	)
	fmt.Printf("node 1 sent %d, node 2 delivered %d\n", packets, b)
	fmt.Printf("node 2 sent %d, node 1 delivered %d\n", packets, a)
	return nil
}

// boxcarPrototype builds the channelizer/synthesizer's polyphase prototype
// filter. A properly designed (Parks-McClellan/Kaiser) channel filter is
// out of scope; internal/dsp's own polyphase tests use the same boxcar
// stand-in for the same reason (internal/dsp/polyphase_test.go).
func boxcarPrototype(channels []channel.Channel, factor int) []complex64 {
	n := factor * dsp.NextPow2(len(channels)+1)
	taps := make([]complex64, n)
	gain := complex64(complex(1/float64(n), 0))
	for i := range taps {
		taps[i] = gain
	}
	return taps
}
