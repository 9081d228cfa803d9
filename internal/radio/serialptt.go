package radio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/n0sdr/corenet/internal/clock"
)

// SerialPTTFrontEnd decorates an inner FrontEnd, keying PTT by toggling a
// serial port's RTS line for the duration of each TX burst -- the
// interface-less rig setup where a sound-card dongle's audio goes one way
// and a separate serial cable's RTS pin keys the radio, adapted from the
// RTS_ON/RTS_OFF TIOCM ioctl toggling doismellburning-samoyed's ptt.go
// does directly on an open tty fd. Unlike GPIOPTTFrontEnd, no chardev
// line request is needed: the port is already open, so this only needs
// its file descriptor.
type SerialPTTFrontEnd struct {
	FrontEnd
	port *os.File
}

// NewSerialPTTFrontEnd wraps inner, keying RTS on device for the duration
// of each burst.
func NewSerialPTTFrontEnd(inner FrontEnd, device string) (*SerialPTTFrontEnd, error) {
	f, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("radio: open PTT serial port: %w", err)
	}
	fe := &SerialPTTFrontEnd{FrontEnd: inner, port: f}
	if err := fe.key(false); err != nil {
		f.Close()
		return nil, fmt.Errorf("radio: initialize PTT serial port: %w", err)
	}
	return fe, nil
}

func (fe *SerialPTTFrontEnd) key(on bool) error {
	fd := int(fe.port.Fd())
	bits, err := unix.IoctlGetInt(fd, unix.TIOCMGET)
	if err != nil {
		return err
	}
	if on {
		bits |= unix.TIOCM_RTS
	} else {
		bits &^= unix.TIOCM_RTS
	}
	return unix.IoctlSetInt(fd, unix.TIOCMSET, bits)
}

func (fe *SerialPTTFrontEnd) BurstTX(when clock.Time, hasWhen bool, startOfBurst, endOfBurst bool, buffers [][]complex64) error {
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

// Close unkeys PTT and closes the serial port.
func (fe *SerialPTTFrontEnd) Close() error {
	_ = fe.key(false)
	return fe.port.Close()
}
