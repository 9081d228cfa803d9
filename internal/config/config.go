// Package config implements the YAML configuration surface of SPEC_FULL
// 0.3: node identity, radio front-end parameters, channel list, schedule,
// and the full runtime-tunable surface of spec.md section 6.5 (ARQ/AMC
// windows, PER windows, retransmission delays, the explicit-NAK window,
// queue high-water marks, snapshot collector on/off), loaded with
// gopkg.in/yaml.v3 and overridable with github.com/spf13/pflag, mirroring
// doismellburning-samoyed's YAML use for its call-sign database
// (src/deviceid.go, tocalls.yaml) and its CLI tools' flat pflag option
// style (src/atest.go, src/kissutil.go).
package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/n0sdr/corenet/internal/arq"
	"github.com/n0sdr/corenet/internal/channel"
	"github.com/n0sdr/corenet/internal/obs"
	"github.com/n0sdr/corenet/internal/packet"
)

// Radio collects the front-end parameters of spec.md 6.1.
type Radio struct {
	FrontEnd string `yaml:"front_end"` // "portaudio", "hamlib", or "gpioptt"

	Device string `yaml:"device"`

	TXFreqHz float64 `yaml:"tx_freq_hz"`
	RXFreqHz float64 `yaml:"rx_freq_hz"`
	TXRateHz float64 `yaml:"tx_rate_hz"`
	RXRateHz float64 `yaml:"rx_rate_hz"`
	TXGainDB float64 `yaml:"tx_gain_db"`
	RXGainDB float64 `yaml:"rx_gain_db"`

	HamlibRigModel int    `yaml:"hamlib_rig_model"`
	HamlibDevice   string `yaml:"hamlib_device"`

	PTTGPIOChip string `yaml:"ptt_gpio_chip"`
	PTTGPIOLine int    `yaml:"ptt_gpio_line"`

	PTTSerialDevice string `yaml:"ptt_serial_device"`
}

// Channel is one entry of the channel list (spec.md section 4.3).
type Channel struct {
	FCHz float64 `yaml:"fc_hz"`
	BWHz float64 `yaml:"bw_hz"`
}

// MAC collects the MAC-variant selection and its tunables (spec.md 4.6).
type MAC struct {
	Mode string `yaml:"mode"` // "fdma", "tdma", or "aloha"

	Schedule [][]bool `yaml:"schedule"`

	SlotSizeSec   float64 `yaml:"slot_size_sec"`
	GuardSamples  int     `yaml:"guard_samples"`
	ALOHAProbability float64 `yaml:"aloha_probability"`

	GeneralQueueHighWater int `yaml:"general_queue_high_water"`
}

// EVMThreshold mirrors arq.EVMThreshold for YAML decoding.
type EVMThreshold struct {
	HasThreshold bool    `yaml:"has_threshold"`
	DB           float64 `yaml:"db"`
}

// SendWindow mirrors arq.SendWindowConfig for YAML decoding.
type SendWindow struct {
	MaxWin             uint32         `yaml:"max_win"`
	MCSIdxInit         int            `yaml:"mcs_idx_init"`
	MCSIdxMin          int            `yaml:"mcs_idx_min"`
	NumMCS             int            `yaml:"num_mcs"`
	EVMThresholds      []EVMThreshold `yaml:"evm_thresholds"`
	ShortPERWindow     float64        `yaml:"short_per_window_sec"`
	LongPERWindow      float64        `yaml:"long_per_window_sec"`
	MinRetransmitDelay float64        `yaml:"min_retransmit_delay_sec"`
	AckDelayWindow     float64        `yaml:"ack_delay_window_sec"`
}

// AMC mirrors arq.AMCParams' scalar fields for YAML decoding; the
// function-valued fields (RandFloat64, OnMCSChange) are wired by the
// daemon after conversion, never by configuration.
type AMC struct {
	MCSIdxMax        int            `yaml:"mcs_idx_max"`
	Valid            []bool         `yaml:"valid"`
	UpPERThreshold   float64        `yaml:"up_per_threshold"`
	DownPERThreshold float64        `yaml:"down_per_threshold"`
	Alpha            float64        `yaml:"alpha"`
	ProbFloor        float64        `yaml:"prob_floor"`
	EVMThresholds    []EVMThreshold `yaml:"evm_thresholds"`
	FastAdjustPackets int           `yaml:"fast_adjust_packets"`
}

// ARQ mirrors arq.Config's scalar surface for YAML decoding (spec.md
// sections 3, 4.7, 6.5).
type ARQ struct {
	MaxWin  uint32 `yaml:"max_win"`
	RecvWin uint32 `yaml:"recv_win"`

	MaxRetransmissions    int  `yaml:"max_retransmissions"`
	HasMaxRetransmissions bool `yaml:"has_max_retransmissions"`

	MinRetransmissionDelay float64 `yaml:"min_retransmission_delay_sec"`
	SlopFactor             float64 `yaml:"slop_factor"`

	SackDelay    float64 `yaml:"sack_delay_sec"`
	FullAckDelay float64 `yaml:"full_ack_delay_sec"`

	SelectiveAckFeedbackDelay float64 `yaml:"selective_ack_feedback_delay_sec"`
	MaxSacks                  int     `yaml:"max_sacks"`

	ExplicitNAKWinSize     int     `yaml:"explicit_nak_win_size"`
	ExplicitNAKWinDuration float64 `yaml:"explicit_nak_win_duration_sec"`

	EnforceOrdering bool `yaml:"enforce_ordering"`
	TCPOrdering     bool `yaml:"tcp_ordering"`

	BroadcastMCS  int     `yaml:"broadcast_mcs"`
	BroadcastGain float64 `yaml:"broadcast_gain"`

	ShortStatsWindow float64 `yaml:"short_stats_window_sec"`
	LongStatsWindow  float64 `yaml:"long_stats_window_sec"`

	SendWindow SendWindow `yaml:"send_window"`
	AMC        AMC        `yaml:"amc"`

	UnreachableTimeoutSec float64 `yaml:"unreachable_timeout_sec"`
}

// Node is one entry of the node table (spec.md section 3).
type Node struct {
	ID          int     `yaml:"id"`
	IsGateway   bool    `yaml:"is_gateway"`
	Emcon       bool    `yaml:"emcon"`
	Unreachable bool    `yaml:"unreachable"`
	Gain        float64 `yaml:"gain"`

	HasPosition bool    `yaml:"has_position"`
	Lat         float64 `yaml:"lat"`
	Lon         float64 `yaml:"lon"`
}

// FlowMandate configures internal/flowmon's per-flow pass/fail criteria
// (SPEC_FULL 4.11).
type FlowMandate struct {
	FlowID uint32 `yaml:"flow_id"`
	Src    int    `yaml:"src"`
	Dest   int    `yaml:"dest"`

	SteadyStatePeriod float64 `yaml:"steady_state_period_sec"`
	MaxDropRate       float64 `yaml:"max_drop_rate"`
	PointValue        int     `yaml:"point_value"`

	MinThroughputBPS    float64 `yaml:"min_throughput_bps"`
	HasMinThroughputBPS bool    `yaml:"has_min_throughput_bps"`

	MaxLatencySec    float64 `yaml:"max_latency_sec"`
	HasMaxLatencySec bool    `yaml:"has_max_latency_sec"`
}

// Tap selects and configures the network tap transport (internal/nettap).
type Tap struct {
	Kind   string `yaml:"kind"` // "pty" or "serial"
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
}

// Discovery configures mDNS/DNS-SD advertisement and browse
// (SPEC_FULL 4.10).
type Discovery struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	Port        int    `yaml:"port"`
}

// Logging configures internal/obs.NewLogger.
type Logging struct {
	Level       string `yaml:"level"` // "debug", "info", "warn", "error"
	ReportTime  bool   `yaml:"report_time"`
	FilePattern string `yaml:"file_pattern"` // strftime pattern, empty for stderr
}

// Snapshot toggles the spectrum snapshot collector (spec.md 6.5,
// "snapshot collector on/off").
type Snapshot struct {
	Enabled        bool   `yaml:"enabled"`
	DirPattern     string `yaml:"dir_pattern"` // strftime pattern for each snapshot file
}

// Config is the complete daemon configuration.
type Config struct {
	SelfNodeID int  `yaml:"self_node_id"`
	IsGateway  bool `yaml:"is_gateway"`

	Radio    Radio     `yaml:"radio"`
	Channels []Channel `yaml:"channels"`
	MAC      MAC       `yaml:"mac"`
	ARQ      ARQ       `yaml:"arq"`

	Nodes        []Node        `yaml:"nodes"`
	FlowMandates []FlowMandate `yaml:"flow_mandates"`

	Tap       Tap       `yaml:"tap"`
	Discovery Discovery `yaml:"discovery"`
	Logging   Logging   `yaml:"logging"`
	Snapshot  Snapshot  `yaml:"snapshot"`

	MeasurementPeriodSec float64 `yaml:"measurement_period_sec"`
}

// Defaults returns a Config with every tunable set to a reasonable
// zero-traffic default (spec.md's "sane zero-value defaults applied after
// unmarshal").
func Defaults() Config {
	return Config{
		Radio: Radio{
			FrontEnd: "portaudio",
			TXRateHz: 48000,
			RXRateHz: 48000,
		},
		MAC: MAC{
			Mode:                  "fdma",
			SlotSizeSec:           0.01,
			GeneralQueueHighWater: 256,
		},
		ARQ: ARQ{
			MaxWin:                 8,
			RecvWin:                64,
			MinRetransmissionDelay: 0.1,
			SlopFactor:             1.5,
			SackDelay:              0.02,
			FullAckDelay:           0.1,
			MaxSacks:               4,
			ExplicitNAKWinSize:     8,
			ExplicitNAKWinDuration: 1.0,
			ShortStatsWindow:       0.5,
			LongStatsWindow:        5.0,
			UnreachableTimeoutSec:  30.0,
			SendWindow: SendWindow{
				MaxWin:             8,
				NumMCS:             8,
				ShortPERWindow:     0.5,
				LongPERWindow:      5.0,
				MinRetransmitDelay: 0.1,
				AckDelayWindow:     1.0,
			},
			AMC: AMC{
				MCSIdxMax:        7,
				UpPERThreshold:   0.02,
				DownPERThreshold: 0.1,
				Alpha:            0.5,
				ProbFloor:        0.1,
			},
		},
		Tap: Tap{Kind: "pty"},
		Logging: Logging{
			Level: "info",
		},
		MeasurementPeriodSec: 1.0,
	}
}

// Load reads and decodes a YAML configuration file at path, starting from
// Defaults() so any field the file omits keeps its default, then
// validates the result.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration-error taxonomy of spec.md section 7:
// bad MCS index, a schedule with uneven rows, and a channel list outside
// the radio's tuned bandwidth.
func Validate(cfg Config) error {
	if cfg.ARQ.SendWindow.MCSIdxInit < 0 || cfg.ARQ.SendWindow.MCSIdxInit >= cfg.ARQ.SendWindow.NumMCS {
		return fmt.Errorf("config: mcs_idx_init %d outside [0, %d)", cfg.ARQ.SendWindow.MCSIdxInit, cfg.ARQ.SendWindow.NumMCS)
	}
	if cfg.ARQ.SendWindow.MCSIdxMin < 0 || cfg.ARQ.SendWindow.MCSIdxMin >= cfg.ARQ.SendWindow.NumMCS {
		return fmt.Errorf("config: mcs_idx_min %d outside [0, %d)", cfg.ARQ.SendWindow.MCSIdxMin, cfg.ARQ.SendWindow.NumMCS)
	}
	if cfg.ARQ.AMC.MCSIdxMax < 0 || cfg.ARQ.AMC.MCSIdxMax >= cfg.ARQ.SendWindow.NumMCS {
		return fmt.Errorf("config: amc.mcs_idx_max %d outside [0, %d)", cfg.ARQ.AMC.MCSIdxMax, cfg.ARQ.SendWindow.NumMCS)
	}

	rowLen := -1
	for i, row := range cfg.MAC.Schedule {
		if rowLen == -1 {
			rowLen = len(row)
		} else if len(row) != rowLen {
			return fmt.Errorf("config: mac.schedule row %d has %d slots, want %d", i, len(row), rowLen)
		}
	}

	for i, ch := range cfg.Channels {
		half := ch.BWHz / 2
		if ch.FCHz-half < -cfg.Radio.RXRateHz/2 || ch.FCHz+half > cfg.Radio.RXRateHz/2 {
			return fmt.Errorf("config: channels[%d] (fc=%g, bw=%g) exceeds rx_rate_hz %g", i, ch.FCHz, ch.BWHz, cfg.Radio.RXRateHz)
		}
	}

	return nil
}

// ToChannels converts the configured channel list to channel.Channel
// values.
func (c Config) ToChannels() []channel.Channel {
	out := make([]channel.Channel, len(c.Channels))
	for i, ch := range c.Channels {
		out[i] = channel.Channel{FC: ch.FCHz, BW: ch.BWHz}
	}
	return out
}

// ToSchedule builds a channel.Schedule from the configured rows, if any.
func (c Config) ToSchedule() (*channel.Schedule, error) {
	if len(c.MAC.Schedule) == 0 {
		return nil, nil
	}
	return channel.New(c.MAC.Schedule)
}

func toEVMThresholds(in []EVMThreshold) []arq.EVMThreshold {
	out := make([]arq.EVMThreshold, len(in))
	for i, t := range in {
		out[i] = arq.EVMThreshold{HasThreshold: t.HasThreshold, DB: t.DB}
	}
	return out
}

// ToSendWindowConfig converts to arq.SendWindowConfig.
func (c Config) ToSendWindowConfig() arq.SendWindowConfig {
	sw := c.ARQ.SendWindow
	return arq.SendWindowConfig{
		MaxWin:             sw.MaxWin,
		MCSIdxInit:         packet.MCS(sw.MCSIdxInit),
		MCSIdxMin:          packet.MCS(sw.MCSIdxMin),
		NumMCS:             sw.NumMCS,
		EVMThresholds:      toEVMThresholds(sw.EVMThresholds),
		ShortPERWindow:     sw.ShortPERWindow,
		LongPERWindow:      sw.LongPERWindow,
		MinRetransmitDelay: sw.MinRetransmitDelay,
		AckDelayWindow:     sw.AckDelayWindow,
	}
}

// ToAMCParams converts to arq.AMCParams. The function-valued fields
// (RandFloat64, OnMCSChange) are left nil; the daemon wires them after
// conversion if it needs to observe MCS changes or inject determinism.
func (c Config) ToAMCParams() arq.AMCParams {
	amc := c.ARQ.AMC
	return arq.AMCParams{
		MCSIdxMax:         packet.MCS(amc.MCSIdxMax),
		Valid:             amc.Valid,
		UpPERThreshold:    amc.UpPERThreshold,
		DownPERThreshold:  amc.DownPERThreshold,
		Alpha:             amc.Alpha,
		ProbFloor:         amc.ProbFloor,
		EVMThresholds:     toEVMThresholds(amc.EVMThresholds),
		FastAdjustPackets: amc.FastAdjustPackets,
	}
}

// ToARQConfig converts to arq.Config, filling SendWindow and AMC from
// ToSendWindowConfig/ToAMCParams.
func (c Config) ToARQConfig() arq.Config {
	a := c.ARQ
	return arq.Config{
		Self: packet.NodeID(c.SelfNodeID),

		MaxWin:  a.MaxWin,
		RecvWin: a.RecvWin,

		MaxRetransmissions:    a.MaxRetransmissions,
		HasMaxRetransmissions: a.HasMaxRetransmissions,

		MinRetransmissionDelay: a.MinRetransmissionDelay,
		SlopFactor:             a.SlopFactor,

		SackDelay:    a.SackDelay,
		FullAckDelay: a.FullAckDelay,

		SelectiveAckFeedbackDelay: a.SelectiveAckFeedbackDelay,
		MaxSacks:                  a.MaxSacks,

		ExplicitNAKWinSize:     a.ExplicitNAKWinSize,
		ExplicitNAKWinDuration: a.ExplicitNAKWinDuration,

		EnforceOrdering: a.EnforceOrdering,
		TCPOrdering:     a.TCPOrdering,

		BroadcastMCS:  packet.MCS(a.BroadcastMCS),
		BroadcastGain: a.BroadcastGain,

		ShortStatsWindow: a.ShortStatsWindow,
		LongStatsWindow:  a.LongStatsWindow,

		SendWindow: c.ToSendWindowConfig(),
		AMC:        c.ToAMCParams(),
	}
}

// LogLevel converts the configured log level name to obs.Level, defaulting
// to obs.LevelInfo for an empty or unrecognized value.
func (l Logging) LogLevel() obs.Level {
	switch l.Level {
	case "debug":
		return obs.LevelDebug
	case "warn":
		return obs.LevelWarn
	case "error":
		return obs.LevelError
	default:
		return obs.LevelInfo
	}
}

// Flags holds the pflag command-line overrides of SPEC_FULL 0.3's
// runtime-tunable surface (spec.md section 6.5): the handful of values an
// operator most often needs to override for a single run without editing
// the YAML file.
type Flags struct {
	selfNodeID *int
	isGateway  *bool
	txFreqHz   *float64
	rxFreqHz   *float64
	txGainDB   *float64
	rxGainDB   *float64
	logLevel   *string
}

// RegisterFlags adds the override flags to fs, following the teacher's
// flat pflag.XxxP(name, shorthand, default, usage) style
// (src/atest.go, src/kissutil.go).
func RegisterFlags(fs *pflag.FlagSet) *Flags {
	return &Flags{
		selfNodeID: fs.IntP("node-id", "n", -1, "Override self_node_id."),
		isGateway:  fs.BoolP("gateway", "g", false, "Override is_gateway to true."),
		txFreqHz:   fs.Float64P("tx-freq", "T", 0, "Override radio.tx_freq_hz. 0 leaves the config value."),
		rxFreqHz:   fs.Float64P("rx-freq", "R", 0, "Override radio.rx_freq_hz. 0 leaves the config value."),
		txGainDB:   fs.Float64P("tx-gain", "G", 0, "Override radio.tx_gain_db."),
		rxGainDB:   fs.Float64P("rx-gain", "", 0, "Override radio.rx_gain_db."),
		logLevel:   fs.StringP("log-level", "l", "", "Override logging.level (debug, info, warn, error)."),
	}
}

// Apply layers f's flags that were explicitly set onto cfg.
func (f *Flags) Apply(fs *pflag.FlagSet, cfg *Config) {
	if fs.Changed("node-id") {
		cfg.SelfNodeID = *f.selfNodeID
	}
	if fs.Changed("gateway") {
		cfg.IsGateway = *f.isGateway
	}
	if fs.Changed("tx-freq") {
		cfg.Radio.TXFreqHz = *f.txFreqHz
	}
	if fs.Changed("rx-freq") {
		cfg.Radio.RXFreqHz = *f.rxFreqHz
	}
	if fs.Changed("tx-gain") {
		cfg.Radio.TXGainDB = *f.txGainDB
	}
	if fs.Changed("rx-gain") {
		cfg.Radio.RXGainDB = *f.rxGainDB
	}
	if fs.Changed("log-level") {
		cfg.Logging.Level = *f.logLevel
	}
}
