package radio

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"github.com/n0sdr/corenet/internal/clock"
)

// PortAudioFrontEnd is a sound-card-backed FrontEnd: IQ samples are carried
// as a stereo stream, I on the left channel and Q on the right, which is
// the common convention for SDR-over-audio links and lets this front end
// drive a real SSB transceiver's mic/speaker ports for bench testing or
// simulation. Grounded in the teacher's audio.go device-open/read/write
// shape (doismellburning-samoyed, a cgo ALSA/OSS wrapper), reworked onto
// portaudio's pure-Go blocking stream API rather than cgo'd ALSA calls,
// since gordonklaus/portaudio is the sound-card library carried by this
// retrieval pack's dependency set.
type PortAudioFrontEnd struct {
	sampleRate float64

	mu     sync.Mutex
	stream *portaudio.Stream
	keeper clock.Keeper

	inBuf  []float32
	outBuf []float32

	inBurst      atomic.Bool
	underflows   atomic.Uint64
	lateCount    atomic.Uint64
	rxCh         chan []complex64
	rxStopped    chan struct{}
}

// NewPortAudioFrontEnd opens the default sound device at sampleRate with
// framesPerBuffer samples per I/O call.
func NewPortAudioFrontEnd(sampleRate float64, framesPerBuffer int, keeper clock.Keeper) (*PortAudioFrontEnd, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("radio: portaudio init: %w", err)
	}

	fe := &PortAudioFrontEnd{
		sampleRate: sampleRate,
		keeper:     keeper,
		inBuf:      make([]float32, framesPerBuffer*2),
		outBuf:     make([]float32, framesPerBuffer*2),
	}

	stream, err := portaudio.OpenDefaultStream(2, 2, sampleRate, framesPerBuffer, fe.inBuf, fe.outBuf)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("radio: open default stream: %w", err)
	}
	fe.stream = stream
	return fe, nil
}

func (fe *PortAudioFrontEnd) SetTXFrequency(hz float64) error { return nil }
func (fe *PortAudioFrontEnd) SetRXFrequency(hz float64) error { return nil }

func (fe *PortAudioFrontEnd) SetTXRate(hz float64) error {
	if hz != fe.sampleRate {
		return fmt.Errorf("radio: portaudio front end is fixed at %v Hz", fe.sampleRate)
	}
	return nil
}

func (fe *PortAudioFrontEnd) SetRXRate(hz float64) error { return fe.SetTXRate(hz) }

func (fe *PortAudioFrontEnd) SetTXGain(db float64) error { return nil }
func (fe *PortAudioFrontEnd) SetRXGain(db float64) error { return nil }

// StartRXStream starts the portaudio stream and launches a goroutine
// converting interleaved stereo float32 reads into complex64 IQ samples.
func (fe *PortAudioFrontEnd) StartRXStream(when clock.Time, hasWhen bool) (<-chan []complex64, error) {
	fe.mu.Lock()
	defer fe.mu.Unlock()

	if err := fe.stream.Start(); err != nil {
		return nil, fmt.Errorf("radio: start stream: %w", err)
	}

	fe.rxCh = make(chan []complex64, 4)
	fe.rxStopped = make(chan struct{})
	go fe.rxLoop()
	return fe.rxCh, nil
}

func (fe *PortAudioFrontEnd) rxLoop() {
	defer close(fe.rxCh)
	for {
		select {
		case <-fe.rxStopped:
			return
		default:
		}
		if err := fe.stream.Read(); err != nil {
			return
		}
		n := len(fe.inBuf) / 2
		out := make([]complex64, n)
		for i := 0; i < n; i++ {
			out[i] = complex(fe.inBuf[2*i], fe.inBuf[2*i+1])
		}
		select {
		case fe.rxCh <- out:
		case <-fe.rxStopped:
			return
		}
	}
}

// StopRXStream stops the RX goroutine; the stream itself keeps running if
// a TX burst is in progress, since portaudio's full-duplex stream serves
// both directions.
func (fe *PortAudioFrontEnd) StopRXStream() error {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	if fe.rxStopped != nil {
		close(fe.rxStopped)
		fe.rxStopped = nil
	}
	return nil
}

// BurstTX writes each buffer's complex64 samples as interleaved stereo
// float32, blocking until the device accepts each chunk.
func (fe *PortAudioFrontEnd) BurstTX(when clock.Time, hasWhen bool, startOfBurst, endOfBurst bool, buffers [][]complex64) error {
	fe.mu.Lock()
	defer fe.mu.Unlock()

	fe.inBurst.Store(!endOfBurst)
	for _, buf := range buffers {
		for off := 0; off < len(buf); off += len(fe.outBuf) / 2 {
			n := len(fe.outBuf) / 2
			if off+n > len(buf) {
				n = len(buf) - off
			}
			for i := 0; i < n; i++ {
				s := buf[off+i]
				fe.outBuf[2*i] = real(s)
				fe.outBuf[2*i+1] = imag(s)
			}
			for i := n; i < len(fe.outBuf)/2; i++ {
				fe.outBuf[2*i] = 0
				fe.outBuf[2*i+1] = 0
			}
			if err := fe.stream.Write(); err != nil {
				fe.underflows.Add(1)
				return fmt.Errorf("radio: write burst: %w", err)
			}
		}
	}
	return nil
}

func (fe *PortAudioFrontEnd) StopTXBurst() error {
	fe.inBurst.Store(false)
	return nil
}

func (fe *PortAudioFrontEnd) GetNextTXTime() (clock.Time, error) {
	if !fe.inBurst.Load() {
		return clock.Time{}, fmt.Errorf("radio: not in a TX burst")
	}
	return fe.keeper.Now(), nil
}

func (fe *PortAudioFrontEnd) InTXBurst() bool             { return fe.inBurst.Load() }
func (fe *PortAudioFrontEnd) GetTXUnderflowCount() uint64 { return fe.underflows.Load() }
func (fe *PortAudioFrontEnd) GetTXLateCount() uint64      { return fe.lateCount.Load() }
func (fe *PortAudioFrontEnd) Now() clock.Time             { return fe.keeper.Now() }

// Close stops the stream and releases portaudio's process-wide state.
func (fe *PortAudioFrontEnd) Close() error {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	err := fe.stream.Close()
	if tErr := portaudio.Terminate(); tErr != nil && err == nil {
		err = tErr
	}
	return err
}
