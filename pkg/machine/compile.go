package machine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xorca/xorca/pkg/schema"
	"github.com/xorca/xorca/pkg/semver"
)

// ErrInvalidDefinition is returned by Compile for every construction-time
// defect: unresolvable targets, missing initial children, unknown guard or
// action identifiers, malformed schemas.
var ErrInvalidDefinition = errors.New("invalid machine definition")

// Machine is a compiled, immutable machine definition. It is safe to share
// across activations and goroutines; all mutable state lives in snapshots.
type Machine struct {
	name    string
	version semver.Version

	root  *node
	nodes map[string]*node

	initialContext *schema.Schema

	guards       map[string]GuardFunc
	actions      map[string]ActionFunc
	emits        map[string]EmitFunc
	transformers map[string]TransformFunc
}

// node is the compiled form of a StateNode with resolved relationships.
type node struct {
	name      string
	id        string // dotted path from root, "" for the root itself
	statePath string // middleware identifier, '#' on ancestor segments
	typ       StateType

	parent      *node
	children    []*node // document order
	childByName map[string]*node
	initial     *node

	entry []string
	exit  []string
	emit  *EmitSpec

	on     map[string][]*ctransition
	onDone []*ctransition

	docIndex int
	depth    int
}

// ctransition is a compiled transition with its target resolved and its
// event schema pre-compiled.
type ctransition struct {
	source        *node
	target        *node
	pendingTarget string // dotted path, bound to target after the tree builds
	eventType     string // "" for onDone transitions
	guard         string
	actions       []string
	transformer   string
	eventSchema   *schema.Schema
}

func (n *node) isLeaf() bool  { return len(n.children) == 0 }
func (n *node) isFinal() bool { return n.typ == Final }

// Compile validates a definition and freezes it into a Machine. All
// structural defects surface here, never at interpret time.
func Compile(def *Definition) (*Machine, error) {
	if def == nil {
		return nil, fmt.Errorf("%w: nil definition", ErrInvalidDefinition)
	}
	if strings.TrimSpace(def.Name) == "" {
		return nil, fmt.Errorf("%w: empty machine name", ErrInvalidDefinition)
	}
	if def.Version.IsZero() {
		return nil, fmt.Errorf("%w: machine %q needs a non-zero version", ErrInvalidDefinition, def.Name)
	}

	m := &Machine{
		name:         def.Name,
		version:      def.Version,
		nodes:        make(map[string]*node),
		guards:       def.Guards,
		actions:      def.Actions,
		emits:        def.Emits,
		transformers: def.Transformers,
	}

	ics, err := schema.Compile(def.Name+".initialContext", def.InitialContextSchema)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	m.initialContext = ics

	docIndex := 0
	root, err := m.build("", "", nil, &def.Root, &docIndex)
	if err != nil {
		return nil, err
	}
	if len(root.children) == 0 {
		return nil, fmt.Errorf("%w: machine %q has no states", ErrInvalidDefinition, def.Name)
	}
	m.root = root

	// Targets resolve against the full tree, so this runs after build.
	if err := m.resolveTree(root); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Machine) resolveTree(n *node) error {
	for _, ts := range n.on {
		for _, t := range ts {
			if err := m.resolveTarget(t); err != nil {
				return err
			}
		}
	}
	for _, t := range n.onDone {
		if err := m.resolveTarget(t); err != nil {
			return err
		}
	}
	for _, c := range n.children {
		if err := m.resolveTree(c); err != nil {
			return err
		}
	}
	return nil
}

// MustCompile compiles or panics. Intended for machine literals registered
// at program start.
func MustCompile(def *Definition) *Machine {
	m, err := Compile(def)
	if err != nil {
		panic(err)
	}
	return m
}

func (m *Machine) build(name, id string, parent *node, sn *StateNode, docIndex *int) (*node, error) {
	typ := sn.Type
	if typ == "" {
		typ = Compound
	}
	switch typ {
	case Compound, Parallel, Final:
	default:
		return nil, fmt.Errorf("%w: state %q: unknown type %q", ErrInvalidDefinition, id, sn.Type)
	}

	n := &node{
		name:        name,
		id:          id,
		typ:         typ,
		parent:      parent,
		childByName: make(map[string]*node),
		entry:       sn.Entry,
		exit:        sn.Exit,
		emit:        sn.Emit,
		on:          make(map[string][]*ctransition),
		docIndex:    *docIndex,
	}
	*docIndex++
	if parent != nil {
		n.depth = parent.depth + 1
		n.statePath = statePathOf(id)
		m.nodes[id] = n
	}

	if err := m.checkNodeShape(n, sn); err != nil {
		return nil, err
	}

	for _, child := range sn.States {
		if strings.TrimSpace(child.Name) == "" {
			return nil, fmt.Errorf("%w: state %q: child with empty name", ErrInvalidDefinition, id)
		}
		if strings.ContainsAny(child.Name, ".#") {
			return nil, fmt.Errorf("%w: state %q: child name %q contains a path separator", ErrInvalidDefinition, id, child.Name)
		}
		if _, dup := n.childByName[child.Name]; dup {
			return nil, fmt.Errorf("%w: state %q: duplicate child %q", ErrInvalidDefinition, id, child.Name)
		}
		childID := child.Name
		if id != "" {
			childID = id + "." + child.Name
		}
		cs := child.State
		cn, err := m.build(child.Name, childID, n, &cs, docIndex)
		if err != nil {
			return nil, err
		}
		n.children = append(n.children, cn)
		n.childByName[child.Name] = cn
	}

	if typ == Compound && len(n.children) > 0 {
		init, ok := n.childByName[sn.Initial]
		if !ok {
			return nil, fmt.Errorf("%w: state %q: initial %q is not a child", ErrInvalidDefinition, id, sn.Initial)
		}
		n.initial = init
	}

	for eventType, ts := range sn.On {
		if strings.TrimSpace(eventType) == "" {
			return nil, fmt.Errorf("%w: state %q: empty event type", ErrInvalidDefinition, id)
		}
		for i := range ts {
			ct, err := m.compileTransition(n, eventType, &ts[i])
			if err != nil {
				return nil, err
			}
			n.on[eventType] = append(n.on[eventType], ct)
		}
	}
	for i := range sn.OnDone {
		t := &sn.OnDone[i]
		if t.EventSchema != "" || t.Transformer != "" {
			return nil, fmt.Errorf("%w: state %q: onDone transitions carry no event data to validate or transform", ErrInvalidDefinition, id)
		}
		ct, err := m.compileTransition(n, "", t)
		if err != nil {
			return nil, err
		}
		n.onDone = append(n.onDone, ct)
	}

	if n.typ == Parallel {
		for _, region := range n.children {
			if region.isLeaf() {
				return nil, fmt.Errorf("%w: parallel state %q: region %q needs child states", ErrInvalidDefinition, id, region.name)
			}
		}
	}
	return n, nil
}

func (m *Machine) checkNodeShape(n *node, sn *StateNode) error {
	switch n.typ {
	case Final:
		if len(sn.States) > 0 {
			return fmt.Errorf("%w: final state %q has children", ErrInvalidDefinition, n.id)
		}
		if len(sn.On) > 0 || len(sn.OnDone) > 0 {
			return fmt.Errorf("%w: final state %q has transitions", ErrInvalidDefinition, n.id)
		}
	case Parallel:
		if len(sn.States) == 0 {
			return fmt.Errorf("%w: parallel state %q has no regions", ErrInvalidDefinition, n.id)
		}
		if sn.Initial != "" {
			return fmt.Errorf("%w: parallel state %q declares initial", ErrInvalidDefinition, n.id)
		}
	case Compound:
		if len(sn.States) == 0 && sn.Initial != "" {
			return fmt.Errorf("%w: atomic state %q declares initial", ErrInvalidDefinition, n.id)
		}
		if len(sn.OnDone) > 0 {
			return fmt.Errorf("%w: state %q: onDone is only legal on parallel states", ErrInvalidDefinition, n.id)
		}
	}
	if sn.Emit != nil {
		if (sn.Emit.Type == "") == (sn.Emit.Func == "") {
			return fmt.Errorf("%w: state %q: emit needs exactly one of type or func", ErrInvalidDefinition, n.id)
		}
		if sn.Emit.Func != "" {
			if _, ok := m.emits[sn.Emit.Func]; !ok {
				return fmt.Errorf("%w: state %q: unknown emit func %q", ErrInvalidDefinition, n.id, sn.Emit.Func)
			}
		}
	}
	for _, a := range append(append([]string{}, sn.Entry...), sn.Exit...) {
		if err := m.checkAction(n.id, a); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) compileTransition(n *node, eventType string, t *Transition) (*ctransition, error) {
	if strings.TrimSpace(t.Target) == "" {
		return nil, fmt.Errorf("%w: state %q: transition on %q has no target", ErrInvalidDefinition, n.id, eventType)
	}
	if t.Guard != "" {
		if _, ok := m.guards[t.Guard]; !ok {
			return nil, fmt.Errorf("%w: state %q: unknown guard %q", ErrInvalidDefinition, n.id, t.Guard)
		}
	}
	if t.Transformer != "" {
		if _, ok := m.transformers[t.Transformer]; !ok {
			return nil, fmt.Errorf("%w: state %q: unknown transformer %q", ErrInvalidDefinition, n.id, t.Transformer)
		}
	}
	for _, a := range t.Actions {
		if err := m.checkAction(n.id, a); err != nil {
			return nil, err
		}
	}
	es, err := schema.Compile(m.name+"."+n.id+"."+eventType, t.EventSchema)
	if err != nil {
		return nil, fmt.Errorf("%w: state %q: %v", ErrInvalidDefinition, n.id, err)
	}
	return &ctransition{
		source:        n,
		pendingTarget: t.Target,
		eventType:     eventType,
		guard:         t.Guard,
		actions:       t.Actions,
		transformer:   t.Transformer,
		eventSchema:   es,
	}, nil
}

// resolveTarget binds a compiled transition to its target node. Targets are
// declared as absolute dotted paths; keeping them as strings in the
// definition avoids back-pointers and keeps the tree serializable.
func (m *Machine) resolveTarget(t *ctransition) error {
	if t.target != nil {
		return nil
	}
	tgt, ok := m.nodes[t.pendingTarget]
	if !ok {
		return fmt.Errorf("%w: state %q: target %q does not resolve", ErrInvalidDefinition, t.source.id, t.pendingTarget)
	}
	t.target = tgt
	return nil
}

func (m *Machine) checkAction(stateID, name string) error {
	if name == "" {
		return fmt.Errorf("%w: state %q: empty action name", ErrInvalidDefinition, stateID)
	}
	if isBuiltinAction(name) {
		return nil
	}
	if _, ok := m.actions[name]; !ok {
		return fmt.Errorf("%w: state %q: unknown action %q", ErrInvalidDefinition, stateID, name)
	}
	return nil
}

// Name returns the machine name.
func (m *Machine) Name() string { return m.name }

// Version returns the machine version.
func (m *Machine) Version() semver.Version { return m.version }

// VersionString returns the version in M.m.p form.
func (m *Machine) VersionString() string { return m.version.String() }

// String identifies the machine as name@version.
func (m *Machine) String() string { return m.name + "@" + m.version.String() }

// InitialContextSchema returns the compiled schema for init payload context.
func (m *Machine) InitialContextSchema() *schema.Schema { return m.initialContext }

// statePathOf converts a dotted id into the middleware path scheme.
func statePathOf(id string) string {
	return StatePath(strings.Split(id, ".")...)
}
