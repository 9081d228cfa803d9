// Package channelizer implements the two channelizer variants from
// spec.md section 4.4: it turns a stream of wideband IQ buffers into
// demodulated packets, one demodulator per logical channel. TimeDomain
// mixes, filters, and decimates each channel independently
// (section 4.4.1); FreqDomain shares a single forward FFT across all
// channels and does the per-channel filtering in the frequency domain
// (section 4.4.2). Both are grounded in DragonRadio's TDChannelizer.cc
// and FDChannelizer.cc (original_source).
package channelizer

import (
	"sync"

	"github.com/charmbracelet/log"

	"github.com/n0sdr/corenet/internal/channel"
	"github.com/n0sdr/corenet/internal/dsp"
	"github.com/n0sdr/corenet/internal/iqbuf"
	"github.com/n0sdr/corenet/internal/phy"
)

// Sink receives one decoded packet, tagged with its originating channel
// index and descriptor (spec.md 4.4, push port).
type Sink func(pkt *phy.RadioPacket, channelIndex int, ch channel.Channel)

// Config collects the tunables a channelizer is constructed with.
type Config struct {
	RXRate         float64
	Channels       []channel.Channel
	PrototypeTaps  []complex64
	NewDemodulator phy.DemodulatorFactory
	Logger         *log.Logger
}

// tdChannel is one channel's independent resampler + demodulator state
// (spec.md 4.4.1: "each channel owns its own demodulator and resampler
// state; no cross-channel sharing").
type tdChannel struct {
	index   int
	ch      channel.Channel
	resamp  *dsp.MixingRationalResampler
	demod   phy.Demodulator
	lastSeq uint64
	haveSeq bool
	scratch []complex64
}

// TimeDomain is the time-domain channelizer variant (spec.md 4.4.1): one
// worker per channel, each independently mixing down, filtering,
// decimating, and demodulating. Each Push fans work out to one goroutine
// per channel and waits for all to finish, with cfg swaps under mu; this
// plays the role spec.md 4.9's sync barrier plays for the persistent
// worker pools elsewhere (mac, synthesizer), simplified because there is
// no persistent worker loop here to quiesce in the first place.
type TimeDomain struct {
	mu    sync.Mutex
	cfg   Config
	chans []*tdChannel
	sink  Sink
	log   *log.Logger
}

// NewTimeDomain builds a time-domain channelizer for cfg.Channels.
func NewTimeDomain(cfg Config) *TimeDomain {
	c := &TimeDomain{cfg: cfg}
	if cfg.Logger != nil {
		c.log = cfg.Logger.With("component", "channelizer-td")
	}
	c.rebuildChannels()
	return c
}

func (c *TimeDomain) rebuildChannels() {
	chans := make([]*tdChannel, len(c.cfg.Channels))
	for i, ch := range c.cfg.Channels {
		l, m := rationalRate(c.cfg.RXRate, ch.BW)
		theta := ch.FC / c.cfg.RXRate
		chans[i] = &tdChannel{
			index:  i,
			ch:     ch,
			resamp: dsp.NewMixingRationalResampler(l, m, theta, c.cfg.PrototypeTaps),
			demod:  c.cfg.NewDemodulator(),
		}
	}
	c.chans = chans
}

// SetSink installs the callback invoked for every decoded packet.
func (c *TimeDomain) SetSink(sink Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
	for _, tc := range c.chans {
		tc.installSink(c, sink)
	}
}

func (tc *tdChannel) installSink(c *TimeDomain, sink Sink) {
	idx, ch := tc.index, tc.ch
	tc.demod.SetCallback(func(rp *phy.RadioPacket) {
		if sink != nil {
			sink(rp, idx, ch)
		}
	})
}

// Reconfigure changes the sample rate and/or channel list, swapping state
// under the config mutex rather than a sync barrier (spec.md 4.4); a Push
// already in flight finishes on the channel set it started with.
func (c *TimeDomain) Reconfigure(rxRate float64, chans []channel.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.RXRate = rxRate
	c.cfg.Channels = chans
	sink := c.sink
	c.rebuildChannels()
	for _, tc := range c.chans {
		tc.installSink(c, sink)
	}
	if c.log != nil {
		c.log.Info("reconfigured", "rxRate", rxRate, "channels", len(chans))
	}
}

// Push delivers one complete wideband IQ buffer to every channel worker
// (spec.md 4.4.1). Callers must only push buffers whose producer has
// finished writing (buf.IsComplete()).
func (c *TimeDomain) Push(buf *iqbuf.Buf) {
	c.mu.Lock()
	chans := c.chans
	c.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(chans))
	for _, tc := range chans {
		tc := tc
		go func() {
			defer wg.Done()
			tc.process(buf)
		}()
	}
	wg.Wait()
}

func (tc *tdChannel) process(buf *iqbuf.Buf) {
	// spec.md 4.4.1 step 1: reset unless the buffer is the successor of the
	// last one seen AND the demodulator is actively mid-frame.
	if !tc.haveSeq || buf.Seq != tc.lastSeq+1 || !tc.demod.IsFrameOpen() {
		tc.resamp.Reset()
		tc.demod.Reset(tc.index)
	}
	tc.lastSeq = buf.Seq
	tc.haveSeq = true

	if buf.HasTimestamp {
		tc.demod.Timestamp(buf.Timestamp)
	}

	tc.scratch = tc.resamp.ResampleMixDown(buf.Samples(), tc.scratch[:0])
	tc.demod.Demodulate(tc.scratch)
}

// rationalRate picks a small-integer interpolation/decimation pair
// approximating bw/rxRate, rounding bw up to the nearest rxRate/M for an
// integer M (the common "decimate by an integer factor" case spec.md 4.4.1
// describes; non-integer channel/rate ratios are out of scope here).
func rationalRate(rxRate, bw float64) (l, m int) {
	if bw <= 0 || rxRate <= 0 {
		return 1, 1
	}
	m = int(rxRate / bw)
	if m < 1 {
		m = 1
	}
	return 1, m
}
