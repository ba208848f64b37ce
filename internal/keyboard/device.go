// Package keyboard handles evdev input and uinput output for key remapping.
package keyboard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	evdev "github.com/holoplot/go-evdev"
)

// How long Open keeps retrying a device that is not there yet. Covers the
// udev race when the service starts right as the device node appears.
const (
	openRetryWindow   = 2500 * time.Millisecond
	openRetryInterval = 50 * time.Millisecond
)

// Device is one physical keyboard opened for reading.
type Device struct {
	path    string
	device  *evdev.InputDevice
	name    string
	grabbed bool
	logger  *slog.Logger
}

// Open opens the input device at path, retrying for a short window so a
// freshly plugged device has time to settle.
func Open(path string, logger *slog.Logger) (*Device, error) {
	var dev *evdev.InputDevice
	var err error
	deadline := time.Now().Add(openRetryWindow)
	for {
		dev, err = evdev.Open(path)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("opening device %s: %w", path, err)
		}
		time.Sleep(openRetryInterval)
	}

	name, err := dev.Name()
	if err != nil {
		name = path
	}
	logger.Info("opened keyboard", "name", name, "path", path)
	return &Device{path: path, device: dev, name: name, logger: logger}, nil
}

// Grab takes exclusive control of the device: the OS stops seeing its
// events, so everything flows through the virtual keyboard. Callers should
// make sure no physical key is held, or the OS keeps thinking it is.
func (d *Device) Grab() error {
	if d.grabbed {
		return nil
	}
	if err := d.device.Grab(); err != nil {
		return fmt.Errorf("grabbing device %s: %w", d.path, err)
	}
	d.grabbed = true
	d.logger.Info("grabbed device", "name", d.name)
	return nil
}

// Ungrab releases exclusive control.
func (d *Device) Ungrab() error {
	if !d.grabbed {
		return nil
	}
	d.grabbed = false
	if err := d.device.Ungrab(); err != nil {
		return fmt.Errorf("releasing device %s: %w", d.path, err)
	}
	d.logger.Info("released device", "name", d.name)
	return nil
}

// Close releases the grab if held and closes the device.
func (d *Device) Close() {
	_ = d.Ungrab()
	d.device.Close()
}

func (d *Device) Path() string {
	return d.path
}

func (d *Device) Name() string {
	return d.name
}

// ReadEvents reads events from the device and sends the key events to the
// channel until the context is cancelled or the device goes away.
func ReadEvents(ctx context.Context, dev *Device, events chan<- *KeyEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			ev, err := dev.device.ReadOne()
			if err != nil {
				return fmt.Errorf("reading from %s: %w", dev.path, err)
			}

			// Only key events reach the engine.
			if ev.Type != evdev.EV_KEY {
				continue
			}
			keyEvent := &KeyEvent{
				Code:      uint16(ev.Code),
				Value:     ev.Value,
				Timestamp: ev.Time,
			}
			select {
			case events <- keyEvent:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
