package keyboard

import (
	"fmt"
	"log/slog"

	"github.com/bendahl/uinput"
)

// VirtualKeyboard is the uinput device the remapped stream is written to.
// It can express every key code the engine may emit.
type VirtualKeyboard struct {
	keyboard uinput.Keyboard
	logger   *slog.Logger
}

// NewVirtualKeyboard creates the virtual output keyboard.
func NewVirtualKeyboard(logger *slog.Logger) (*VirtualKeyboard, error) {
	kb, err := uinput.CreateKeyboard("/dev/uinput", []byte("keyshift-virtual"))
	if err != nil {
		return nil, fmt.Errorf("creating virtual keyboard: %w", err)
	}
	return &VirtualKeyboard{
		keyboard: kb,
		logger:   logger,
	}, nil
}

// Close releases the virtual keyboard.
func (vk *VirtualKeyboard) Close() error {
	return vk.keyboard.Close()
}

// ForwardEvent writes one key event. Repeats are sent as another key-down;
// the key is already down, so the kernel treats it as autorepeat.
func (vk *VirtualKeyboard) ForwardEvent(code uint16, value int32) error {
	switch value {
	case 0:
		return vk.keyboard.KeyUp(int(code))
	case 1:
		return vk.keyboard.KeyDown(int(code))
	case 2:
		return vk.keyboard.KeyDown(int(code))
	}
	vk.logger.Warn("dropping key event with unknown value", "code", code, "value", value)
	return nil
}
