package radio

import (
	"context"

	"github.com/jochenvg/go-udev"
)

// DeviceEvent reports a udev hotplug action for a watched device node.
type DeviceEvent struct {
	Action   string // "add", "remove", "change", ...
	DevNode  string
	Subsystem string
}

// Watcher notifies on udev add/remove events for devices in subsystem
// (e.g. "tty" for a USB-serial rig-control cable, "usb" for an SDR dongle).
// Nothing else in this module subscribes to it: the MAC does not reattach
// a front end after a device replug.
type Watcher struct {
	events chan DeviceEvent
	cancel context.CancelFunc
}

// Watch starts monitoring subsystem for hotplug events.
func Watch(ctx context.Context, subsystem string) (*Watcher, error) {
	u := udev.Udev{}
	mon := u.NewMonitorFromNetlink("udev")
	if err := mon.FilterAddMatchSubsystem(subsystem); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	deviceCh, errCh, err := mon.DeviceChan(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	w := &Watcher{events: make(chan DeviceEvent, 8), cancel: cancel}
	go w.run(deviceCh, errCh)
	return w, nil
}

func (w *Watcher) run(deviceCh <-chan *udev.Device, errCh <-chan error) {
	defer close(w.events)
	for {
		select {
		case dev, ok := <-deviceCh:
			if !ok {
				return
			}
			w.events <- DeviceEvent{
				Action:    dev.Action(),
				DevNode:   dev.Devnode(),
				Subsystem: dev.Subsystem(),
			}
		case _, ok := <-errCh:
			if !ok {
				return
			}
		}
	}
}

// Events returns the channel of hotplug notifications. It is closed when
// the watcher's context is cancelled.
func (w *Watcher) Events() <-chan DeviceEvent { return w.events }

// Stop cancels the underlying monitor.
func (w *Watcher) Stop() { w.cancel() }
