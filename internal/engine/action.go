package engine

import (
	"fmt"

	"github.com/uplg/keyshift/internal/keycodes"
)

// KeyEventType is the evdev value of a key event.
type KeyEventType int32

const (
	KeyRelease KeyEventType = 0
	KeyPress   KeyEventType = 1
	KeyRepeat  KeyEventType = 2
)

func (t KeyEventType) String() string {
	switch t {
	case KeyRelease:
		return "Release"
	case KeyPress:
		return "Press"
	case KeyRepeat:
		return "Repeat"
	default:
		return fmt.Sprintf("Unknown(%d)", int32(t))
	}
}

// KeyEvent is a key code together with its edge. It serves both as a
// trigger in a layer's action map and as an emit action.
type KeyEvent struct {
	Code uint16
	Type KeyEventType
}

func (e KeyEvent) String() string {
	return fmt.Sprintf("(%s %s)", keycodes.Name(e.Code), e.Type)
}

// PressEvent returns a press KeyEvent for code.
func PressEvent(code uint16) KeyEvent {
	return KeyEvent{Code: code, Type: KeyPress}
}

// ReleaseEvent returns a release KeyEvent for code.
func ReleaseEvent(code uint16) KeyEvent {
	return KeyEvent{Code: code, Type: KeyRelease}
}

// Action is one step a trigger runs: emit a KeyEvent, Wait, or LayerChange.
type Action interface {
	isAction()
}

func (KeyEvent) isAction() {}

// Wait blocks the engine for Millis milliseconds when executed. Input
// arriving during the wait is delayed, not reordered.
type Wait struct {
	Millis int
}

func (Wait) isAction() {}

// LayerChange pushes the referenced layer onto the active-layer stack.
type LayerChange struct {
	Layer int
}

func (LayerChange) isAction() {}
