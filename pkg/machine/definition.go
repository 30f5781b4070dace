// Package machine implements the hierarchical state-machine model and its
// interpreter: declarative definitions with guards, actions, emissions and
// event schemas, compiled into an immutable Machine, advanced one event at a
// time against a serializable snapshot.
package machine

import (
	"strings"

	"github.com/xorca/xorca/pkg/semver"
)

// StateType classifies a state node.
type StateType string

const (
	// Compound states have exactly one active child. A compound state with
	// no children is an atomic leaf. The zero StateType means Compound.
	Compound StateType = "compound"
	// Parallel states keep one active child per region.
	Parallel StateType = "parallel"
	// Final states terminate their region.
	Final StateType = "final"
)

// Event is the machine-level unit of input: a dotted type plus open data.
type Event struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// Context is the orchestration context: an open map freely mutated by
// actions through delta merges. Values must be treated as immutable; actions
// return deltas instead of mutating nested values in place.
type Context map[string]interface{}

// GuardFunc decides whether a transition may be taken. Guards must be pure.
type GuardFunc func(ctx Context, ev Event) bool

// ActionFunc computes a context delta for a transition, entry, or exit
// phase. The returned map is shallow-merged into the context.
type ActionFunc func(ctx Context, ev Event) (map[string]interface{}, error)

// EmitFunc produces the outbound topic and payload for a state-entry
// emission, typically projecting fields out of the context.
type EmitFunc func(ctx Context) (string, map[string]interface{})

// TransformFunc reshapes inbound event data before a transition ingests it.
type TransformFunc func(data map[string]interface{}) map[string]interface{}

// EmitSpec declares a state-entry emission. Exactly one field is set: Type
// names a fixed outbound topic with no payload, Func names an EmitFunc in
// the definition's Emits table.
type EmitSpec struct {
	Type string `json:"type,omitempty"`
	Func string `json:"func,omitempty"`
}

// Transition moves the configuration from its source state to Target when
// its event type matches and the guard passes.
type Transition struct {
	// Target is the absolute dotted path of the target state, e.g.
	// "Verify.Grounded.Check". Top-level states are bare names.
	Target string `json:"target"`
	// Guard optionally names a GuardFunc; a failing guard skips the
	// transition silently.
	Guard string `json:"guard,omitempty"`
	// Actions run between the exit and entry phases, in order.
	Actions []string `json:"actions,omitempty"`
	// EventSchema optionally declares a JSON schema source for the inbound
	// event data. Violations abort the step.
	EventSchema string `json:"eventSchema,omitempty"`
	// Transformer optionally names a TransformFunc applied to the event data
	// before the guard and actions see it.
	Transformer string `json:"transformer,omitempty"`
}

// NamedState pairs a child state with its name, preserving document order.
type NamedState struct {
	Name  string    `json:"name"`
	State StateNode `json:"state"`
}

// StateNode is one state in the definition tree. The tree is pure data:
// guards, actions, emit functions and transformers are referenced by
// identifier and resolved against the definition's tables at compile time.
type StateNode struct {
	Type    StateType               `json:"type,omitempty"`
	Initial string                  `json:"initial,omitempty"`
	States  []NamedState            `json:"states,omitempty"`
	Entry   []string                `json:"entry,omitempty"`
	Exit    []string                `json:"exit,omitempty"`
	Emit    *EmitSpec               `json:"emit,omitempty"`
	On      map[string][]Transition `json:"on,omitempty"`
	// OnDone fires when every region of a parallel state rests in a final
	// child. Only legal on parallel states.
	OnDone []Transition `json:"onDone,omitempty"`
}

// Definition is a complete machine declaration. Machines are identified by
// (Name, Version); versions within one router must be unique.
type Definition struct {
	Name    string
	Version semver.Version
	Root    StateNode
	// InitialContextSchema is the JSON schema source the init handler
	// validates start payload context against. Empty accepts anything.
	InitialContextSchema string

	Guards       map[string]GuardFunc
	Actions      map[string]ActionFunc
	Emits        map[string]EmitFunc
	Transformers map[string]TransformFunc
}

// StatePath renders the middleware identifier of a state: every ancestor
// segment carries a '#' sigil, the final segment is bare. Top-level states
// are their bare name.
func StatePath(segments ...string) string {
	if len(segments) == 0 {
		return ""
	}
	parts := make([]string, len(segments))
	for i, s := range segments[:len(segments)-1] {
		parts[i] = "#" + s
	}
	parts[len(segments)-1] = segments[len(segments)-1]
	return strings.Join(parts, ".")
}
