package engine

import (
	"fmt"
	"io"
	"sort"
)

// Dump writes the configured layers in a stable textual form, one
// "State #n" block per layer in ascending id order. Two engines built from
// the same configuration dump byte-identically.
func (e *Engine) Dump(w io.Writer) {
	for id, st := range e.states {
		fmt.Fprintf(w, "State #%d\n", id)
		allow := "Block"
		if st.allowOtherKeys {
			allow = "Allow"
		}
		fmt.Fprintf(w, "  Other keys: %s\n", allow)

		triggers := make([]KeyEvent, 0, len(st.actionMap))
		for trigger := range st.actionMap {
			triggers = append(triggers, trigger)
		}
		sort.Slice(triggers, func(i, j int) bool {
			if triggers[i].Code != triggers[j].Code {
				return triggers[i].Code < triggers[j].Code
			}
			return triggers[i].Type < triggers[j].Type
		})
		for _, trigger := range triggers {
			fmt.Fprintf(w, "  On: %s\n", trigger)
			dumpActions(w, st.actionMap[trigger])
		}
		if len(st.nullEventActions) > 0 {
			fmt.Fprintln(w, "  On nothing:")
			dumpActions(w, st.nullEventActions)
		}
	}
}

func dumpActions(w io.Writer, actions []Action) {
	for _, action := range actions {
		switch a := action.(type) {
		case KeyEvent:
			fmt.Fprintf(w, "    Key: %s\n", a)
		case Wait:
			fmt.Fprintf(w, "    Wait: %dms\n", a.Millis)
		case LayerChange:
			fmt.Fprintf(w, "    Layer Change: %d\n", a.Layer)
		}
	}
}
