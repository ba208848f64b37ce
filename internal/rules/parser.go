// Package rules parses the line-oriented remapping grammar and populates
// an engine through its builder methods.
//
// One rule per line:
//
//	A = B            swap at both edges
//	^A = ~D ^A       explicit edges: ^ press-only, ~ release-only
//	CAPSLOCK + 1 = F1    layered binding via a lead key
//	CAPSLOCK + * = *     let unmapped keys fall through the layer
//	DELETE + nothing = DELETE   tap the lead key alone to type it
//	A = B 100ms C    waits between emits
//
// Comments start with // or #. The parser never consults the engine's
// runtime state; it only adds mappings.
package rules

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/uplg/keyshift/internal/engine"
	"github.com/uplg/keyshift/internal/keycodes"
)

// Any wait larger than this is rejected.
const maxWaitMillis = 1000

// When on the left, sets a layer's tap-alone fallback; when on the right,
// blocks a key.
const nothingToken = "nothing"

// Parser translates rule lines into engine mappings.
type Parser struct {
	eng *engine.Engine

	// Layer names already introduced by a "KEY + ..." rule. Used to
	// reject plain rules for a key after it became a lead key.
	knownLayers map[string]bool
}

// NewParser returns a parser that populates eng.
func NewParser(eng *engine.Engine) *Parser {
	return &Parser{
		eng:         eng,
		knownLayers: make(map[string]bool),
	}
}

// Parse translates all lines. Every line is attempted even after a
// failure; the returned error joins one error per offending line, with its
// 1-based number and text. A nil return means the whole config parsed.
func (p *Parser) Parse(lines []string) error {
	var errs []error
	for i, line := range lines {
		if err := p.parseLine(line); err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w (in %q)", i+1, err, line))
		}
	}
	return errors.Join(errs...)
}

func (p *Parser) parseLine(raw string) error {
	line := strings.TrimSpace(stripComment(raw))
	if line == "" {
		return nil
	}

	parts := strings.Split(line, "=")
	if len(parts) != 2 {
		return errors.New("not of the form KEY = ACTIONS")
	}
	combo := strings.TrimSpace(parts[0])
	assignment := strings.TrimSpace(parts[1])

	keys := strings.Split(combo, "+")
	switch len(keys) {
	case 1:
		return p.parseAssignment(engine.BaseLayer, strings.TrimSpace(keys[0]), assignment)
	case 2:
		return p.parseLayerAssignment(strings.TrimSpace(keys[0]), strings.TrimSpace(keys[1]), assignment)
	default:
		return errors.New("cannot have more than one '+' on the left side")
	}
}

// parseAssignment installs a "KEY = ..." rule within the given layer.
func (p *Parser) parseAssignment(layerName, keyStr, assignment string) error {
	left, err := splitKeyPrefix(keyStr)
	if err != nil {
		return err
	}
	if layerName == engine.BaseLayer && p.knownLayers[layerNameFromKey(left.code)] {
		return errors.New("key assignments like KEY = ... must precede layer assignments KEY + OTHER_KEY = ...")
	}

	tokens := strings.Fields(assignment)
	if len(tokens) == 0 {
		return errors.New("empty assignment")
	}
	// Identity remap: the * stands for the left side key.
	if len(tokens) == 1 && tokens[0] == "*" {
		tokens[0] = keyStr
	}

	if left.prefix == 0 {
		// A = t1 t2 .. tN becomes [^A = t1 t2 .. ^tN, ~A = ~tN]: only
		// the final key stays held while A is held.
		last := tokens[len(tokens)-1]
		if last[0] == '^' || last[0] == '~' {
			return errors.New("if the left side has no prefix (^ or ~), the last token must not have one either")
		}
		tokens[len(tokens)-1] = "^" + last
		pressActions, err := p.actionsOf(tokens)
		if err != nil {
			return err
		}
		releaseActions, err := p.actionsOf([]string{"~" + last})
		if err != nil {
			return err
		}
		p.eng.AddMapping(layerName, engine.PressEvent(left.code), pressActions)
		p.eng.AddMapping(layerName, engine.ReleaseEvent(left.code), releaseActions)
		return nil
	}

	actions, err := p.actionsOf(tokens)
	if err != nil {
		return err
	}
	trigger := engine.PressEvent(left.code)
	if left.prefix == '~' {
		trigger = engine.ReleaseEvent(left.code)
	}
	p.eng.AddMapping(layerName, trigger, actions)
	return nil
}

// parseLayerAssignment handles "LEAD + KEY = ..." rules, introducing the
// lead key's layer on first sight.
func (p *Parser) parseLayerAssignment(layerKeyStr, keyStr, assignment string) error {
	layerKey, err := splitKeyPrefix(layerKeyStr)
	if err != nil {
		return err
	}
	if layerKey.prefix != 0 {
		return errors.New("a prefix (^ or ~) on a layer key is not supported")
	}
	layerName := layerNameFromKey(layerKey.code)

	if !p.knownLayers[layerName] {
		p.eng.AddMapping(engine.BaseLayer, engine.PressEvent(layerKey.code),
			[]engine.Action{p.eng.LayerChangeAction(layerName)})
		p.eng.SetAllowOtherKeys(layerName, false)
		p.knownLayers[layerName] = true
	}

	// LEAD + * = * opens the layer to unmapped keys.
	if keyStr == "*" {
		if assignment != "*" {
			return errors.New("the right side of KEY + * = ... must be exactly *")
		}
		p.eng.SetAllowOtherKeys(layerName, true)
		return nil
	}

	// LEAD + nothing = ... is the tap-alone fallback.
	if keyStr == nothingToken {
		actions, err := p.actionsOf(strings.Fields(assignment))
		if err != nil {
			return err
		}
		p.eng.SetNullEventActions(layerName, actions)
		return nil
	}

	return p.parseAssignment(layerName, keyStr, assignment)
}

// actionsOf converts right-side tokens like ["~D", "^A", "20ms"] into
// engine actions. A token without a prefix expands to press then release.
// A wait ignores any edge prefix it carries, which the plain-assignment
// rewrite adds when the wait is the last token.
func (p *Parser) actionsOf(tokens []string) ([]engine.Action, error) {
	var actions []engine.Action
	for _, token := range tokens {
		if token == nothingToken || token == "^"+nothingToken || token == "~"+nothingToken {
			continue
		}
		wait := token
		if wait[0] == '^' || wait[0] == '~' {
			wait = wait[1:]
		}
		if strings.HasSuffix(wait, "ms") {
			ms, err := strconv.Atoi(strings.TrimSuffix(wait, "ms"))
			if err != nil {
				return nil, fmt.Errorf("could not parse waiting time %q", token)
			}
			if ms <= 0 || ms > maxWaitMillis {
				return nil, fmt.Errorf("out of range wait time %dms", ms)
			}
			actions = append(actions, engine.Wait{Millis: ms})
			continue
		}
		key, err := splitKeyPrefix(token)
		if err != nil {
			return nil, err
		}
		if key.prefix == 0 || key.prefix == '^' {
			actions = append(actions, engine.PressEvent(key.code))
		}
		if key.prefix == 0 || key.prefix == '~' {
			actions = append(actions, engine.ReleaseEvent(key.code))
		}
	}
	return actions, nil
}

type prefixedKey struct {
	// '^', '~', or 0 for none.
	prefix byte
	code   uint16
}

// splitKeyPrefix resolves a token like "^A", "~A" or "A" to its edge
// prefix and key code. The KEY_ prefix on names is optional.
func splitKeyPrefix(token string) (prefixedKey, error) {
	if token == "" {
		return prefixedKey{}, errors.New("empty key token")
	}
	var prefix byte
	name := token
	if name[0] == '^' || name[0] == '~' {
		prefix = name[0]
		name = name[1:]
	}
	bare := name
	if !strings.HasPrefix(name, "KEY_") {
		name = "KEY_" + name
	}
	code, ok := keycodes.Code(name)
	if !ok {
		return prefixedKey{}, fmt.Errorf("unknown key code %q", bare)
	}
	return prefixedKey{prefix: prefix, code: code}, nil
}

func layerNameFromKey(code uint16) string {
	return keycodes.Name(code) + "_layer"
}

// stripComment drops everything from the first // or # marker on.
func stripComment(line string) string {
	for _, marker := range []string{"//", "#"} {
		if i := strings.Index(line, marker); i >= 0 {
			line = line[:i]
		}
	}
	return line
}
