// Command sdrd is the daemon entrypoint (SPEC_FULL 0.5): it loads the YAML
// configuration, wires up the ARQ controller, MAC, channelizer,
// synthesizer, radio front end, network tap, and the optional discovery
// and snapshot subsystems, then runs until interrupted. Flag handling
// follows the teacher's flat pflag.XxxP style (cmd/direwolf/main.go,
// internal/config.RegisterFlags).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/n0sdr/corenet/internal/arq"
	"github.com/n0sdr/corenet/internal/channel"
	"github.com/n0sdr/corenet/internal/channelizer"
	"github.com/n0sdr/corenet/internal/clock"
	"github.com/n0sdr/corenet/internal/config"
	"github.com/n0sdr/corenet/internal/flowmon"
	"github.com/n0sdr/corenet/internal/mac"
	"github.com/n0sdr/corenet/internal/neighbor"
	"github.com/n0sdr/corenet/internal/obs"
	"github.com/n0sdr/corenet/internal/packet"
	"github.com/n0sdr/corenet/internal/phy"
	"github.com/n0sdr/corenet/internal/refphy"
	"github.com/n0sdr/corenet/internal/snapshot"
	"github.com/n0sdr/corenet/internal/synthesizer"
	"github.com/n0sdr/corenet/internal/timerqueue"
)

func main() {
	fs := pflag.NewFlagSet("sdrd", pflag.ExitOnError)
	configPath := fs.StringP("config", "c", "", "Path to the YAML configuration file (required).")
	flags := config.RegisterFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "sdrd: -c/--config is required")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sdrd:", err)
		os.Exit(1)
	}
	flags.Apply(fs, &cfg)
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "sdrd:", err)
		os.Exit(1)
	}

	logWriter, closeLog := openLogWriter(cfg.Logging)
	defer closeLog()
	logger := obs.NewLogger(logWriter, obs.Options{
		Level:      cfg.Logging.LogLevel(),
		ReportTime: cfg.Logging.ReportTime,
		Prefix:     fmt.Sprintf("node-%d", cfg.SelfNodeID),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("sdrd exiting", "err", err)
		os.Exit(1)
	}
}

// openLogWriter opens cfg.FilePattern via obs.OpenTimestamped when set,
// falling back to stderr.
func openLogWriter(cfg config.Logging) (*os.File, func()) {
	if cfg.FilePattern == "" {
		return os.Stderr, func() {}
	}
	f, err := obs.OpenTimestamped(cfg.FilePattern, time.Now())
	if err != nil {
		fmt.Fprintln(os.Stderr, "sdrd: opening log file:", err)
		return os.Stderr, func() {}
	}
	return f, func() { f.Close() }
}

func run(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	self := packet.NodeID(cfg.SelfNodeID)

	keeper := clock.NewSystemKeeper()
	timers := timerqueue.New(keeper)
	timers.Start()
	defer timers.Stop()

	tap, err := openTap(cfg.Tap, logger)
	if err != nil {
		return fmt.Errorf("open tap: %w", err)
	}
	defer tap.Stop()

	neighbors := neighbor.NewTable(self)
	for _, n := range cfg.Nodes {
		e := neighbors.Observe(packet.NodeID(n.ID), n.IsGateway, keeper.Now())
		if n.HasPosition {
			e.SetPosition(n.Lat, n.Lon)
		}
	}

	monitor := flowmon.New(cfg.MeasurementPeriodSec)
	for _, fm := range cfg.FlowMandates {
		monitor.SetMandate(fm.FlowID, packet.NodeID(fm.Src), packet.NodeID(fm.Dest), flowmon.MandatedOutcome{
			SteadyStatePeriod:   fm.SteadyStatePeriod,
			MaxDropRate:         fm.MaxDropRate,
			PointValue:          fm.PointValue,
			MinThroughputBPS:    fm.MinThroughputBPS,
			HasMinThroughputBPS: fm.HasMinThroughputBPS,
			MaxLatencySec:       fm.MaxLatencySec,
			HasMaxLatencySec:    fm.HasMaxLatencySec,
		})
	}

	controller := arq.New(cfg.ToARQConfig(), keeper, timers, tap, tapDeliverer{tap}, logger)
	defer controller.Stop()
	go pollLinkStatus(ctx, controller, tap, cfg.Nodes, keeper)

	frontEnd, err := openFrontEnd(cfg.Radio, keeper)
	if err != nil {
		return fmt.Errorf("open front end: %w", err)
	}
	if err := configureFrontEnd(frontEnd, cfg.Radio); err != nil {
		return fmt.Errorf("configure front end: %w", err)
	}

	var snap *snapshot.Collector
	if cfg.Snapshot.Enabled {
		snap = snapshot.NewCollector(keeper, logger)
	}

	channels := cfg.ToChannels()
	prototypeTaps := boxcarPrototype(cfg, 4)
	logger.Debug("mcs table", "levels", len(refphy.MCSTable(cfg.ARQ.SendWindow.NumMCS)))

	chz := channelizer.NewTimeDomain(channelizer.Config{
		RXRate:         cfg.Radio.RXRateHz,
		Channels:       channels,
		PrototypeTaps:  prototypeTaps,
		NewDemodulator: refphy.NewDemodulatorFactory(),
		Logger:         logger,
	})
	chz.SetSink(func(rp *phy.RadioPacket, chIdx int, ch channel.Channel) {
		pkt := rp.Pkt
		pkt.ChannelIndex = chIdx
		pkt.EVM, pkt.RSSI, pkt.CFO = rp.EVM, rp.RSSI, rp.CFO
		if err := controller.Receive(pkt); err != nil && logger != nil {
			logger.Warn("arq receive failed", "err", err)
		}
	})

	macChz := snapshotChannelizer{inner: chz, snap: snap}

	synthCfg := synthesizer.Config{
		TXRate:        cfg.Radio.TXRateHz,
		Channels:      channels,
		PrototypeTaps: prototypeTaps,
		NewModulator:  refphy.NewModulatorFactory(),
		Source:        controller,
		Logger:        logger,
	}

	macCfg := mac.Config{
		FrontEnd:    frontEnd,
		Channelizer: macChz,
		Notifier:    txNotifier{controller, tap},
		Logger:      logger,
	}

	runner, err := buildMAC(cfg, macCfg, synthCfg, tap, keeper)
	if err != nil {
		return err
	}
	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("start mac: %w", err)
	}
	defer runner.Stop()

	if snap != nil {
		snap.Start()
		defer snap.Stop()
	}

	if cfg.Discovery.Enabled {
		go runDiscovery(ctx, cfg, neighbors, keeper, logger)
	}

	evalTicker := time.NewTicker(time.Duration(cfg.MeasurementPeriodSec * float64(time.Second)))
	defer evalTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-evalTicker.C:
			for _, outcome := range monitor.Evaluate() {
				logger.Info("flow outcome", "flow", outcome.FlowID, "passed", outcome.Passed)
			}
		}
	}
}
