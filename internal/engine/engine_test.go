package engine

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"

	"github.com/uplg/keyshift/internal/keycodes"
)

func testEngine() *Engine {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func codeOf(t *testing.T, name string) uint16 {
	t.Helper()
	code, ok := keycodes.Code(name)
	if !ok {
		t.Fatalf("unknown key name %s", name)
	}
	return code
}

type step struct {
	key   string
	value int32
}

func valueTag(value int32) string {
	switch value {
	case 0:
		return "R"
	case 1:
		return "P"
	case 2:
		return "T"
	}
	return "U"
}

// outcomes runs steps through the engine and records emissions as lines
// like "Out: P KEY_B", optionally interleaved with the inputs.
func outcomes(t *testing.T, e *Engine, keepIncoming bool, steps []step) []string {
	t.Helper()
	var out []string
	e.SetEmitFunc(func(code uint16, value int32) {
		out = append(out, "Out: "+valueTag(value)+" "+keycodes.Name(code))
	})
	for _, s := range steps {
		if keepIncoming {
			out = append(out, "In: "+valueTag(s.value)+" "+keycodes.Name(codeOf(t, s.key)))
		}
		if err := e.Process(codeOf(t, s.key), s.value); err != nil {
			t.Fatalf("Process(%s, %d): %v", s.key, s.value, err)
		}
	}
	return out
}

func checkOutcomes(t *testing.T, got, want []string) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		t.Errorf("outcomes mismatch\n got: %q\nwant: %q", got, want)
	}
}

func TestPassThrough(t *testing.T) {
	e := testEngine()
	got := outcomes(t, e, false, []step{
		{"KEY_A", 1}, {"KEY_A", 2}, {"KEY_A", 0},
		{"KEY_LEFTSHIFT", 1}, {"KEY_X", 1}, {"KEY_X", 0}, {"KEY_LEFTSHIFT", 0},
	})
	want := []string{
		"Out: P KEY_A", "Out: T KEY_A", "Out: R KEY_A",
		"Out: P KEY_LEFTSHIFT", "Out: P KEY_X", "Out: R KEY_X", "Out: R KEY_LEFTSHIFT",
	}
	checkOutcomes(t, got, want)
}

func TestRemapThroughActivatedLayer(t *testing.T) {
	e := testEngine()
	e.AddMapping("fnkeys", PressEvent(codeOf(t, "KEY_A")), []Action{PressEvent(codeOf(t, "KEY_B"))})
	e.AddMapping("fnkeys", ReleaseEvent(codeOf(t, "KEY_A")), []Action{ReleaseEvent(codeOf(t, "KEY_B"))})
	e.AddMapping("fnkeys", PressEvent(codeOf(t, "KEY_1")), []Action{PressEvent(codeOf(t, "KEY_F1"))})
	e.AddMapping(BaseLayer, PressEvent(codeOf(t, "KEY_RIGHTCTRL")),
		[]Action{PressEvent(codeOf(t, "KEY_RIGHTCTRL")), e.LayerChangeAction("fnkeys")})

	got := outcomes(t, e, true, []step{
		{"KEY_C", 1}, {"KEY_C", 0},
		{"KEY_RIGHTCTRL", 1},
		{"KEY_A", 1},
		{"KEY_RIGHTCTRL", 0},
		{"KEY_A", 1}, {"KEY_A", 0},
	})
	want := []string{
		"In: P KEY_C", "Out: P KEY_C",
		"In: R KEY_C", "Out: R KEY_C",
		"In: P KEY_RIGHTCTRL", "Out: P KEY_RIGHTCTRL",
		"In: P KEY_A", "Out: P KEY_B",
		"In: R KEY_RIGHTCTRL", "Out: R KEY_B", "Out: R KEY_RIGHTCTRL",
		"In: P KEY_A", "Out: P KEY_A",
		"In: R KEY_A", "Out: R KEY_A",
	}
	checkOutcomes(t, got, want)
}

func TestLeadKeyReleaseOrder(t *testing.T) {
	setup := func() *Engine {
		e := testEngine()
		e.AddMapping(BaseLayer, PressEvent(codeOf(t, "KEY_DELETE")),
			[]Action{e.LayerChangeAction("del")})
		e.AddMapping("del", PressEvent(codeOf(t, "KEY_BACKSPACE")),
			[]Action{PressEvent(codeOf(t, "KEY_PRINT"))})
		return e
	}
	want := []string{"Out: P KEY_PRINT", "Out: R KEY_PRINT"}

	// Leave the lead key first.
	got := outcomes(t, setup(), false, []step{
		{"KEY_DELETE", 1}, {"KEY_BACKSPACE", 1}, {"KEY_DELETE", 0}, {"KEY_BACKSPACE", 0},
	})
	checkOutcomes(t, got, want)

	// Leave the other key first.
	got = outcomes(t, setup(), false, []step{
		{"KEY_DELETE", 1}, {"KEY_BACKSPACE", 1}, {"KEY_BACKSPACE", 0}, {"KEY_DELETE", 0},
	})
	checkOutcomes(t, got, want)
}

func TestModifierReleasedAroundMappedKeys(t *testing.T) {
	setup := func() *Engine {
		e := testEngine()
		e.AddMapping(BaseLayer, PressEvent(codeOf(t, "KEY_RIGHTCTRL")),
			[]Action{PressEvent(codeOf(t, "KEY_RIGHTCTRL")), e.LayerChangeAction("rctrl_fn")})
		e.AddMapping("rctrl_fn", PressEvent(codeOf(t, "KEY_BACKSPACE")),
			[]Action{PressEvent(codeOf(t, "KEY_A"))})
		e.AddMapping("rctrl_fn", PressEvent(codeOf(t, "KEY_1")),
			[]Action{ReleaseEvent(codeOf(t, "KEY_RIGHTCTRL")), PressEvent(codeOf(t, "KEY_F1"))})
		e.SetAllowOtherKeys("rctrl_fn", true)
		return e
	}

	// A key pressed via the layer map is released by the teardown sweep.
	got := outcomes(t, setup(), false, []step{
		{"KEY_RIGHTCTRL", 1}, {"KEY_BACKSPACE", 1}, {"KEY_RIGHTCTRL", 0},
		{"KEY_BACKSPACE", 0}, {"KEY_BACKSPACE", 1},
	})
	checkOutcomes(t, got, []string{
		"Out: P KEY_RIGHTCTRL", "Out: P KEY_A", "Out: R KEY_A",
		"Out: R KEY_RIGHTCTRL", "Out: P KEY_BACKSPACE",
	})

	// Unmapped keys fall through the layer.
	got = outcomes(t, setup(), false, []step{
		{"KEY_RIGHTCTRL", 1}, {"KEY_B", 1}, {"KEY_RIGHTCTRL", 0}, {"KEY_B", 0},
	})
	checkOutcomes(t, got, []string{
		"Out: P KEY_RIGHTCTRL", "Out: P KEY_B", "Out: R KEY_RIGHTCTRL", "Out: R KEY_B",
	})

	// A mapping may release the modifier before its own output.
	got = outcomes(t, setup(), false, []step{
		{"KEY_RIGHTCTRL", 1}, {"KEY_1", 1}, {"KEY_1", 0}, {"KEY_RIGHTCTRL", 0},
	})
	checkOutcomes(t, got, []string{
		"Out: P KEY_RIGHTCTRL", "Out: R KEY_RIGHTCTRL", "Out: P KEY_F1", "Out: R KEY_F1",
	})
}

func TestTapAloneNullEvent(t *testing.T) {
	setup := func() *Engine {
		e := testEngine()
		e.AddMapping(BaseLayer, PressEvent(codeOf(t, "KEY_DELETE")),
			[]Action{e.LayerChangeAction("del_layer")})
		e.SetAllowOtherKeys("del_layer", false)
		e.AddMapping("del_layer", PressEvent(codeOf(t, "KEY_END")),
			[]Action{PressEvent(codeOf(t, "KEY_VOLUMEUP"))})
		e.AddMapping("del_layer", ReleaseEvent(codeOf(t, "KEY_END")),
			[]Action{ReleaseEvent(codeOf(t, "KEY_VOLUMEUP"))})
		e.SetNullEventActions("del_layer",
			[]Action{PressEvent(codeOf(t, "KEY_DELETE")), ReleaseEvent(codeOf(t, "KEY_DELETE"))})
		return e
	}

	// Combo does the mapped thing.
	got := outcomes(t, setup(), false, []step{
		{"KEY_DELETE", 1}, {"KEY_END", 1}, {"KEY_END", 0}, {"KEY_DELETE", 0},
	})
	checkOutcomes(t, got, []string{"Out: P KEY_VOLUMEUP", "Out: R KEY_VOLUMEUP"})

	// Tapped alone, the lead key types itself.
	got = outcomes(t, setup(), false, []step{{"KEY_DELETE", 1}, {"KEY_DELETE", 0}})
	checkOutcomes(t, got, []string{"Out: P KEY_DELETE", "Out: R KEY_DELETE"})

	// The tap survives autorepeat of the held lead key.
	got = outcomes(t, setup(), false, []step{
		{"KEY_DELETE", 1}, {"KEY_DELETE", 2}, {"KEY_DELETE", 2}, {"KEY_DELETE", 0},
	})
	checkOutcomes(t, got, []string{"Out: P KEY_DELETE", "Out: R KEY_DELETE"})
}

func TestRepeatsOfMappedAndPassthroughKeys(t *testing.T) {
	e := testEngine()
	e.AddMapping(BaseLayer, PressEvent(codeOf(t, "KEY_A")), []Action{PressEvent(codeOf(t, "KEY_B"))})
	e.AddMapping(BaseLayer, ReleaseEvent(codeOf(t, "KEY_A")), []Action{ReleaseEvent(codeOf(t, "KEY_B"))})

	got := outcomes(t, e, false, []step{
		{"KEY_A", 1}, {"KEY_A", 2}, {"KEY_A", 2}, {"KEY_A", 0},
		{"KEY_C", 1}, {"KEY_C", 2}, {"KEY_C", 2}, {"KEY_C", 0},
	})
	want := []string{
		"Out: P KEY_B", "Out: T KEY_B", "Out: T KEY_B", "Out: R KEY_B",
		"Out: P KEY_C", "Out: T KEY_C", "Out: T KEY_C", "Out: R KEY_C",
	}
	checkOutcomes(t, got, want)
}

func TestRepeatOfLayerTriggerSuppressed(t *testing.T) {
	e := testEngine()
	e.AddMapping(BaseLayer, PressEvent(codeOf(t, "KEY_A")), []Action{e.LayerChangeAction("a_layer")})
	e.SetAllowOtherKeys("a_layer", false)
	e.AddMapping("a_layer", PressEvent(codeOf(t, "KEY_1")), []Action{PressEvent(codeOf(t, "KEY_F1"))})
	e.AddMapping("a_layer", ReleaseEvent(codeOf(t, "KEY_1")), []Action{ReleaseEvent(codeOf(t, "KEY_F1"))})

	got := outcomes(t, e, false, []step{
		{"KEY_A", 1}, {"KEY_A", 2}, {"KEY_A", 2},
		{"KEY_1", 1}, {"KEY_1", 0},
		{"KEY_A", 2}, {"KEY_A", 0},
	})
	checkOutcomes(t, got, []string{"Out: P KEY_F1", "Out: R KEY_F1"})
}

// A key that passed through a layer unmapped must not be released by that
// layer's teardown; its own release is still coming.
func TestPassthroughKeysSurviveTeardown(t *testing.T) {
	e := testEngine()
	e.AddMapping(BaseLayer, PressEvent(codeOf(t, "KEY_LEFTSHIFT")),
		[]Action{PressEvent(codeOf(t, "KEY_LEFTSHIFT")), e.LayerChangeAction("shift_layer")})
	e.SetAllowOtherKeys("shift_layer", true)

	got := outcomes(t, e, false, []step{
		{"KEY_LEFTSHIFT", 1}, {"KEY_LEFTCTRL", 1}, {"KEY_LEFTSHIFT", 0},
		{"KEY_X", 1}, {"KEY_X", 0}, {"KEY_LEFTCTRL", 0},
	})
	want := []string{
		"Out: P KEY_LEFTSHIFT", "Out: P KEY_LEFTCTRL", "Out: R KEY_LEFTSHIFT",
		"Out: P KEY_X", "Out: R KEY_X", "Out: R KEY_LEFTCTRL",
	}
	checkOutcomes(t, got, want)
}

func TestStackedLayersTornDownByMidTrigger(t *testing.T) {
	e := testEngine()
	e.AddMapping(BaseLayer, PressEvent(codeOf(t, "KEY_A")), []Action{e.LayerChangeAction("l1")})
	e.AddMapping("l1", PressEvent(codeOf(t, "KEY_B")), []Action{e.LayerChangeAction("l2")})
	e.AddMapping("l2", PressEvent(codeOf(t, "KEY_1")), []Action{PressEvent(codeOf(t, "KEY_F1"))})

	// Releasing the bottom trigger tears down the layer above it too,
	// releasing what the upper layer still held.
	got := outcomes(t, e, false, []step{
		{"KEY_A", 1}, {"KEY_B", 1}, {"KEY_1", 1},
		{"KEY_A", 0}, {"KEY_B", 0}, {"KEY_1", 0},
	})
	checkOutcomes(t, got, []string{"Out: P KEY_F1", "Out: R KEY_F1"})
}

func TestDoubleActivationDenied(t *testing.T) {
	var buf bytes.Buffer
	e := New(slog.New(slog.NewTextHandler(&buf, nil)))
	e.AddMapping(BaseLayer, PressEvent(codeOf(t, "KEY_A")), []Action{e.LayerChangeAction("l1")})
	e.AddMapping(BaseLayer, PressEvent(codeOf(t, "KEY_B")), []Action{e.LayerChangeAction("l1")})
	e.AddMapping("l1", PressEvent(codeOf(t, "KEY_1")), []Action{PressEvent(codeOf(t, "KEY_F1"))})
	e.AddMapping("l1", ReleaseEvent(codeOf(t, "KEY_1")), []Action{ReleaseEvent(codeOf(t, "KEY_F1"))})
	e.SetAllowOtherKeys("l1", true)

	got := outcomes(t, e, false, []step{
		{"KEY_A", 1}, {"KEY_B", 1}, {"KEY_1", 1}, {"KEY_1", 0}, {"KEY_B", 0}, {"KEY_A", 0},
	})
	if !strings.Contains(buf.String(), "already active") {
		t.Errorf("expected a warning about double activation, logs: %s", buf.String())
	}
	// The denied second activation emits nothing; the layer still resolves
	// the mapped key and tears down exactly once.
	checkOutcomes(t, got, []string{"Out: P KEY_F1", "Out: R KEY_F1"})
}

func TestUnknownLayerActivationSkipped(t *testing.T) {
	var buf bytes.Buffer
	e := New(slog.New(slog.NewTextHandler(&buf, nil)))
	e.AddMapping(BaseLayer, PressEvent(codeOf(t, "KEY_A")),
		[]Action{LayerChange{Layer: 99}, PressEvent(codeOf(t, "KEY_B"))})
	e.AddMapping(BaseLayer, ReleaseEvent(codeOf(t, "KEY_A")),
		[]Action{ReleaseEvent(codeOf(t, "KEY_B"))})

	got := outcomes(t, e, false, []step{{"KEY_A", 1}, {"KEY_A", 0}})
	if !strings.Contains(buf.String(), "unknown layer") {
		t.Errorf("expected a warning about the unknown layer, logs: %s", buf.String())
	}
	checkOutcomes(t, got, []string{"Out: P KEY_B", "Out: R KEY_B"})
}

func TestNullEventActionsCannotActivateLayers(t *testing.T) {
	var buf bytes.Buffer
	e := New(slog.New(slog.NewTextHandler(&buf, nil)))
	e.AddMapping(BaseLayer, PressEvent(codeOf(t, "KEY_A")), []Action{e.LayerChangeAction("l1")})
	other := e.LayerChangeAction("l2")
	e.SetNullEventActions("l1", []Action{other, PressEvent(codeOf(t, "KEY_B")), ReleaseEvent(codeOf(t, "KEY_B"))})

	got := outcomes(t, e, false, []step{{"KEY_A", 1}, {"KEY_A", 0}})
	if !strings.Contains(buf.String(), "cannot activate") {
		t.Errorf("expected a warning, logs: %s", buf.String())
	}
	checkOutcomes(t, got, []string{"Out: P KEY_B", "Out: R KEY_B"})
}

func TestKillCombo(t *testing.T) {
	e := testEngine()
	var err error
	for _, c := range "KEYSHIFTRESERVEDCMDKILL" {
		code := codeOf(t, "KEY_"+string(c))
		if err = e.Process(code, 1); err != nil {
			break
		}
		if relErr := e.Process(code, 0); relErr != nil {
			t.Fatalf("release advanced the combo: %v", relErr)
		}
	}
	if !errors.Is(err, ErrKillCombo) {
		t.Fatalf("expected ErrKillCombo, got %v", err)
	}
}

func TestKillComboResetsOnMismatch(t *testing.T) {
	e := testEngine()
	feed := func(s string) {
		t.Helper()
		for _, c := range s {
			if err := e.Process(codeOf(t, "KEY_"+string(c)), 1); err != nil {
				t.Fatalf("unexpected kill combo at %q: %v", c, err)
			}
		}
	}
	feed("KEYSHIFT") // partial progress
	feed("X")        // breaks the combo
	feed("KEYSHIFTRESERVEDCMDKIL")
	if err := e.Process(codeOf(t, "KEY_L"), 1); !errors.Is(err, ErrKillCombo) {
		t.Fatalf("expected ErrKillCombo after restart, got %v", err)
	}
}

// Sequence numbers must increase strictly across presses and activations.
func TestSequenceMonotone(t *testing.T) {
	e := testEngine()
	e.AddMapping(BaseLayer, PressEvent(codeOf(t, "KEY_A")), []Action{e.LayerChangeAction("l1")})
	e.SetAllowOtherKeys("l1", true)

	last := -1
	steps := []step{
		{"KEY_A", 1}, {"KEY_B", 1}, {"KEY_B", 0}, {"KEY_A", 0},
		{"KEY_C", 1}, {"KEY_C", 0},
	}
	for _, s := range steps {
		before := e.seq
		if err := e.Process(codeOf(t, s.key), s.value); err != nil {
			t.Fatal(err)
		}
		if e.seq < before {
			t.Fatalf("sequence went backwards: %d -> %d", before, e.seq)
		}
		if s.value == 1 && e.seq <= last {
			t.Fatalf("press did not advance the sequence: %d <= %d", e.seq, last)
		}
		last = e.seq
	}
}

func TestDeterministicOutputs(t *testing.T) {
	build := func() *Engine {
		e := testEngine()
		e.AddMapping(BaseLayer, PressEvent(codeOf(t, "KEY_CAPSLOCK")),
			[]Action{e.LayerChangeAction("caps")})
		e.SetAllowOtherKeys("caps", false)
		e.AddMapping("caps", PressEvent(codeOf(t, "KEY_1")), []Action{PressEvent(codeOf(t, "KEY_F1"))})
		e.AddMapping("caps", ReleaseEvent(codeOf(t, "KEY_1")), []Action{ReleaseEvent(codeOf(t, "KEY_F1"))})
		e.SetNullEventActions("caps",
			[]Action{PressEvent(codeOf(t, "KEY_CAPSLOCK")), ReleaseEvent(codeOf(t, "KEY_CAPSLOCK"))})
		return e
	}
	steps := []step{
		{"KEY_CAPSLOCK", 1}, {"KEY_1", 1}, {"KEY_CAPSLOCK", 0}, {"KEY_1", 0},
		{"KEY_CAPSLOCK", 1}, {"KEY_CAPSLOCK", 0},
		{"KEY_X", 1}, {"KEY_X", 0},
	}
	first := outcomes(t, build(), false, steps)
	second := outcomes(t, build(), false, steps)
	checkOutcomes(t, second, first)

	// With all physical keys released, presses and releases balance.
	balance := make(map[string]int)
	for _, line := range first {
		fields := strings.Fields(line)
		switch fields[1] {
		case "P":
			balance[fields[2]]++
		case "R":
			balance[fields[2]]--
		}
	}
	for key, n := range balance {
		if n != 0 {
			t.Errorf("unbalanced key %s: %+d", key, n)
		}
	}
}

// A null sink turns the engine into a pure validator.
func TestNilEmitFunc(t *testing.T) {
	e := testEngine()
	e.AddMapping(BaseLayer, PressEvent(codeOf(t, "KEY_A")), []Action{PressEvent(codeOf(t, "KEY_B"))})
	if err := e.Process(codeOf(t, "KEY_A"), 1); err != nil {
		t.Fatal(err)
	}
	if err := e.Process(codeOf(t, "KEY_A"), 0); err != nil {
		t.Fatal(err)
	}
}
