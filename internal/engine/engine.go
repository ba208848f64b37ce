// Package engine implements the layered key remapping state machine.
//
// The engine is built once through the mapping methods, then driven through
// Process, one physical key event at a time. It is strictly sequential:
// Process must not be called concurrently with itself or with any mapping
// method, and the emit callback runs synchronously on the caller's
// goroutine.
package engine

import (
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/uplg/keyshift/internal/keycodes"
)

// killCombo is the escape hatch while the physical keyboard is grabbed:
// typing these letters in order makes Process return ErrKillCombo.
const killCombo = "KEYSHIFTRESERVEDCMDKILL"

// ErrKillCombo is returned by Process when the kill combo completes.
var ErrKillCombo = errors.New("kill combo accepted")

// BaseLayer is the name of the always-active bottom layer.
const BaseLayer = ""

// layerState holds one layer's configuration. Layers are created during
// setup and live for the engine's lifetime.
type layerState struct {
	actionMap map[KeyEvent][]Action

	// When a trigger is not in actionMap, true lets the lookup fall
	// through to the next lower layer; false blocks the event.
	allowOtherKeys bool

	// Run when the layer is deactivated without any key having been
	// pressed while it was on top ("tap the lead key alone").
	nullEventActions []Action

	active bool
}

// activation is a stack frame recording a layer activated by a key press.
type activation struct {
	seq     int
	trigger KeyEvent
	layer   int

	// Cleared as soon as any action list runs while this frame is on top.
	nullEventApplicable bool
}

// ownerBase marks emissions sourced from the base layer or pass-through.
// Those keys are never swept on layer teardown: their physical release
// still reaches them afterwards.
const ownerBase = -1

// heldKey records an output key pressed but not yet released. seq orders
// teardown releases; owner is the activation seq of the layer whose action
// list pressed the key, or ownerBase.
type heldKey struct {
	seq   int
	owner int
}

// Engine transforms a stream of physical key events into a stream of
// emitted key events according to the configured layers.
type Engine struct {
	states      []*layerState
	indexByName map[string]int

	stack []activation
	held  map[uint16]heldKey
	seq   int

	emit   func(code uint16, value int32)
	logger *slog.Logger

	killCodes    []uint16
	killProgress int
}

// New returns an engine with only the base layer. A nil logger falls back
// to slog.Default.
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		indexByName: make(map[string]int),
		held:        make(map[uint16]heldKey),
		logger:      logger,
	}
	if e.layerIndex(BaseLayer) != 0 {
		panic("engine: base layer must have index 0")
	}
	e.states[0].allowOtherKeys = true
	for _, c := range killCombo {
		code, ok := keycodes.Code("KEY_" + string(c))
		if !ok {
			panic("engine: kill combo key not in catalog")
		}
		e.killCodes = append(e.killCodes, code)
	}
	return e
}

// SetEmitFunc registers the output sink. A nil sink is valid; the engine
// then acts as a pure validator.
func (e *Engine) SetEmitFunc(emit func(code uint16, value int32)) {
	e.emit = emit
}

// AddMapping appends actions to the trigger's list in the named layer,
// installing the list if the trigger is unseen. The layer is created if
// needed.
func (e *Engine) AddMapping(layer string, trigger KeyEvent, actions []Action) {
	st := e.states[e.layerIndex(layer)]
	st.actionMap[trigger] = append(st.actionMap[trigger], actions...)
}

// SetNullEventActions replaces the layer's tap-alone fallback actions.
func (e *Engine) SetNullEventActions(layer string, actions []Action) {
	e.states[e.layerIndex(layer)].nullEventActions = actions
}

// SetAllowOtherKeys sets whether unmapped triggers fall through to lower
// layers (true) or are blocked (false) while the layer is active.
func (e *Engine) SetAllowOtherKeys(layer string, allow bool) {
	e.states[e.layerIndex(layer)].allowOtherKeys = allow
}

// LayerChangeAction returns an action that activates the named layer,
// creating the layer if it does not exist yet.
func (e *Engine) LayerChangeAction(layer string) Action {
	return LayerChange{Layer: e.layerIndex(layer)}
}

// Process runs one physical key event through the state machine, invoking
// the emit callback zero or more times. It returns ErrKillCombo when the
// kill combo completes; the event that completed it is not processed.
func (e *Engine) Process(code uint16, value int32) error {
	ev := KeyEvent{Code: code, Type: KeyEventType(value)}
	if e.advanceKillCombo(ev) {
		return ErrKillCombo
	}

	e.deactivateByKey(ev)

	actions, owner := e.expand(ev)
	if len(actions) > 0 {
		// A keystroke happened during the top layer's tenure, so its
		// tap-alone fallback no longer applies. Done before running the
		// actions so that a nested activation starts with a clean flag.
		if n := len(e.stack); n > 0 {
			e.stack[n-1].nullEventApplicable = false
		}
		e.processActions(actions, &ev, owner)
	}
	return nil
}

// layerIndex returns the index for a layer name, creating the layer on
// first use. Setup-time only.
func (e *Engine) layerIndex(name string) int {
	if idx, ok := e.indexByName[name]; ok {
		return idx
	}
	idx := len(e.states)
	e.states = append(e.states, &layerState{actionMap: make(map[KeyEvent][]Action)})
	e.indexByName[name] = idx
	return idx
}

func (e *Engine) nextSeq() int {
	s := e.seq
	e.seq++
	return s
}

// deactivateByKey tears down layers on the release of a trigger key. The
// outermost frame whose trigger matches is located, and every frame above
// it is deactivated along with it. The release itself still flows through
// the normal lookup afterwards.
func (e *Engine) deactivateByKey(ev KeyEvent) {
	if ev.Type != KeyRelease {
		return
	}
	for i := 0; i < len(e.stack); i++ {
		if e.stack[i].trigger.Code == ev.Code {
			e.deactivateLayers(len(e.stack) - i)
			return
		}
	}
}

// deactivateLayers pops n frames from the top of the stack. For each frame
// it runs the layer's null-event actions if still applicable, then releases
// every key the frame's own actions left held, newest first. Keys pressed
// through lower layers or pass-through are left alone; their physical
// release still reaches them after the teardown.
func (e *Engine) deactivateLayers(n int) {
	for ; n > 0; n-- {
		if len(e.stack) == 0 {
			e.logger.Warn("deactivation requested with no active layer")
			return
		}
		frame := e.stack[len(e.stack)-1]
		st := e.states[frame.layer]
		st.active = false

		if frame.nullEventApplicable {
			e.processActions(st.nullEventActions, nil, frame.seq)
		}

		type sweptKey struct {
			code uint16
			seq  int
		}
		var swept []sweptKey
		for code, held := range e.held {
			if held.owner >= frame.seq {
				swept = append(swept, sweptKey{code, held.seq})
				delete(e.held, code)
			}
		}
		sort.Slice(swept, func(i, j int) bool {
			if swept[i].seq != swept[j].seq {
				return swept[i].seq < swept[j].seq
			}
			return swept[i].code < swept[j].code
		})
		for i := len(swept) - 1; i >= 0; i-- {
			e.emitEvent(KeyEvent{Code: swept[i].code, Type: KeyRelease})
		}

		e.stack = e.stack[:len(e.stack)-1]
	}
}

// expand resolves an event to its action list by consulting the active
// layers top to bottom, then the base layer. A repeat with no direct
// trigger borrows the press mapping, rewritten to repeats. The second
// result is the activation seq of the layer that supplied the list, or
// ownerBase for base-layer matches and pass-through.
func (e *Engine) expand(ev KeyEvent) ([]Action, int) {
	lookup := func(st *layerState) ([]Action, bool) {
		if actions, ok := st.actionMap[ev]; ok {
			return actions, true
		}
		if ev.Type == KeyRepeat {
			if actions, ok := st.actionMap[KeyEvent{Code: ev.Code, Type: KeyPress}]; ok {
				return repeatsOf(actions), true
			}
		}
		if !st.allowOtherKeys {
			return nil, true
		}
		return nil, false
	}

	for i := len(e.stack) - 1; i >= 0; i-- {
		if actions, done := lookup(e.states[e.stack[i].layer]); done {
			return actions, e.stack[i].seq
		}
	}
	if actions, done := lookup(e.states[0]); done {
		return actions, ownerBase
	}
	return []Action{ev}, ownerBase
}

// repeatsOf rewrites a press action list for autorepeat: emitted presses
// become repeats, everything else is dropped. A lead key's activation list
// therefore repeats to nothing.
func repeatsOf(actions []Action) []Action {
	var out []Action
	for _, action := range actions {
		if ev, ok := action.(KeyEvent); ok && ev.Type == KeyPress {
			out = append(out, KeyEvent{Code: ev.Code, Type: KeyRepeat})
		}
	}
	return out
}

// processActions executes actions in order. origin is the physical event
// that produced them, or nil for null-event actions. owner is recorded on
// every press so teardown knows which layer left the key held.
func (e *Engine) processActions(actions []Action, origin *KeyEvent, owner int) {
	for _, action := range actions {
		switch a := action.(type) {
		case KeyEvent:
			e.processKeyEvent(a, owner)
		case Wait:
			time.Sleep(time.Duration(a.Millis) * time.Millisecond)
		case LayerChange:
			if a.Layer < 0 || a.Layer >= len(e.states) {
				e.logger.Warn("layer change to unknown layer", "layer", a.Layer)
				continue
			}
			if origin == nil {
				e.logger.Warn("null-event actions cannot activate a layer", "layer", a.Layer)
				continue
			}
			st := e.states[a.Layer]
			if st.active {
				e.logger.Warn("layer is already active", "layer", a.Layer)
				continue
			}
			st.active = true
			e.stack = append(e.stack, activation{
				seq:                 e.nextSeq(),
				trigger:             *origin,
				layer:               a.Layer,
				nullEventApplicable: true,
			})
		}
	}
}

// processKeyEvent emits one key event, maintaining the held-key table.
func (e *Engine) processKeyEvent(ev KeyEvent, owner int) {
	switch ev.Type {
	case KeyPress:
		e.held[ev.Code] = heldKey{seq: e.nextSeq(), owner: owner}
		e.emitEvent(ev)
	case KeyRepeat:
		// A repeating key that is holding a layer open stays silent.
		for _, frame := range e.stack {
			if frame.trigger.Code == ev.Code {
				return
			}
		}
		e.emitEvent(ev)
	case KeyRelease:
		// Not held is normal: a lead key's release arrives without a
		// recorded press.
		if _, ok := e.held[ev.Code]; !ok {
			return
		}
		delete(e.held, ev.Code)
		e.emitEvent(ev)
	default:
		e.logger.Warn("unimplemented key event value", "value", int32(ev.Type))
	}
}

func (e *Engine) emitEvent(ev KeyEvent) {
	if e.emit != nil {
		e.emit(ev.Code, int32(ev.Type))
	}
}

// advanceKillCombo reports whether ev completed the kill combo.
func (e *Engine) advanceKillCombo(ev KeyEvent) bool {
	if ev.Type != KeyPress {
		return false
	}
	if ev.Code == e.killCodes[e.killProgress] {
		e.killProgress++
		if e.killProgress >= len(e.killCodes) {
			e.killProgress = 0
			return true
		}
	} else {
		e.killProgress = 0
	}
	return false
}
