package machine

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// InitEventType is the synthetic event type recorded for the initial entry.
const InitEventType = "init"

// onDone closure re-scans the configuration after every completion-driven
// transition; definitions that keep completing forever are cut off here.
const maxDoneRounds = 128

var (
	// ErrNotStarted is returned by Step before any snapshot exists.
	ErrNotStarted = errors.New("machine not started")
	// ErrAlreadyStarted is returned by NewRun when a snapshot already exists.
	ErrAlreadyStarted = errors.New("machine already started")
	// ErrIllegalConfiguration is returned by Restore when a stored value is
	// not a legal configuration of this machine version.
	ErrIllegalConfiguration = errors.New("illegal configuration")
)

// Emission is one outbound event produced by newly entering a state.
type Emission struct {
	Path string // middleware state path, e.g. "#Verify.#Grounded.Check"
	Type string
	Data map[string]interface{}
}

// StepResult reports the outcome of one interpreter step.
type StepResult struct {
	Snapshot *Snapshot
	// NewlyEntered lists the state paths active after the step that were not
	// active before, in entry order. Only these paths emit.
	NewlyEntered []string
	Emissions    []Emission
	// Ignored is set when no transition matched: the configuration did not
	// change but history and logs still advanced.
	Ignored bool
}

// Interpreter binds a machine to one snapshot and advances it one event at a
// time. It is a synchronous function of (definition, snapshot, event); all
// I/O and locking live in the actor above it. Not safe for concurrent use.
type Interpreter struct {
	m      *Machine
	snap   *Snapshot
	active map[*node]bool
}

// NewInterpreter builds an interpreter with no snapshot bound yet.
func NewInterpreter(m *Machine) *Interpreter {
	return &Interpreter{m: m}
}

// Machine returns the bound machine.
func (it *Interpreter) Machine() *Machine { return it.m }

// Started reports whether a snapshot is bound.
func (it *Interpreter) Started() bool { return it.snap != nil }

// Snapshot returns the current snapshot. Callers must treat it as read-only.
func (it *Interpreter) Snapshot() *Snapshot { return it.snap }

// PutContext writes one context key on the current snapshot. The
// orchestration actor uses it to inject the raw inbound envelope under the
// reserved __cloudevent key.
func (it *Interpreter) PutContext(key string, value interface{}) error {
	if it.snap == nil {
		return ErrNotStarted
	}
	it.snap.Context[key] = value
	return nil
}

// Restore binds a previously persisted snapshot, checking that its value is
// a legal configuration of this machine version.
func (it *Interpreter) Restore(s *Snapshot) error {
	if it.snap != nil {
		return ErrAlreadyStarted
	}
	if s == nil {
		return fmt.Errorf("%w: nil snapshot", ErrIllegalConfiguration)
	}
	paths := s.Value.ActivePaths()
	if len(paths) == 0 {
		return fmt.Errorf("%w: empty configuration", ErrIllegalConfiguration)
	}
	active := make(map[*node]bool)
	for _, p := range paths {
		n, ok := it.m.nodes[p]
		if !ok {
			return fmt.Errorf("%w: unknown state %q", ErrIllegalConfiguration, p)
		}
		if !n.isLeaf() {
			return fmt.Errorf("%w: %q is not a leaf state", ErrIllegalConfiguration, p)
		}
		for a := n; a != nil && a != it.m.root; a = a.parent {
			active[a] = true
		}
	}
	if err := checkConfiguration(it.m.root, active); err != nil {
		return err
	}
	if s.Context == nil {
		s.Context = make(map[string]interface{})
	}
	// The configuration is authoritative for done-ness; external tooling may
	// have parked the snapshot in error, which is preserved.
	if s.Status != StatusError {
		s.Status = statusOf(active)
	}
	it.snap = s
	it.active = active
	return nil
}

// checkConfiguration rejects illegal configurations: compound states hold
// exactly one active child, parallel states hold all regions.
func checkConfiguration(root *node, active map[*node]bool) error {
	var check func(n *node) error
	check = func(n *node) error {
		if n.isLeaf() {
			return nil
		}
		activeChildren := 0
		for _, c := range n.children {
			if active[c] {
				activeChildren++
				if err := check(c); err != nil {
					return err
				}
			}
		}
		switch n.typ {
		case Parallel:
			if activeChildren != len(n.children) {
				return fmt.Errorf("%w: parallel %q has %d of %d regions active", ErrIllegalConfiguration, n.id, activeChildren, len(n.children))
			}
		default:
			if activeChildren != 1 {
				return fmt.Errorf("%w: compound %q has %d active children", ErrIllegalConfiguration, n.id, activeChildren)
			}
		}
		return nil
	}
	// The root participates like any compound/parallel branch.
	return check(root)
}

// NewRun constructs the initial configuration and snapshot: recursive
// descent from the root entering initial children (every region of a
// parallel), context seeded from input plus the reserved keys, history
// opened with the init entry.
func (it *Interpreter) NewRun(input map[string]interface{}, traceID string, now time.Time) (*StepResult, error) {
	if it.snap != nil {
		return nil, ErrAlreadyStarted
	}
	st := &stepState{
		it:      it,
		ctx:     make(map[string]interface{}, len(input)),
		active:  make(map[*node]bool),
		nowMs:   now.UnixMilli(),
		startMs: now.UnixMilli(),
		traceID: traceID,
	}
	for k, v := range input {
		st.ctx[k] = v
	}
	ev := Event{Type: InitEventType}
	entrySet := map[*node]bool{}
	completeEntry(it.m.root, entrySet)
	if err := st.enterInOrder(entrySet, ev); err != nil {
		return nil, err
	}
	st.history = []HistoryEntry{{EventType: InitEventType, StartMs: st.startMs, CheckpointMs: st.nowMs, ElapsedMs: 0}}
	st.logs = []LogRecord{}
	return st.commit(st.entered, false)
}

// Step applies one event: match transitions innermost-first, run the
// exit/action/entry microsteps, close completed parallels, then append the
// framework bookkeeping. An unmatched event leaves the configuration alone
// but still advances history, logs and execution units.
func (it *Interpreter) Step(ev Event, now time.Time) (*StepResult, error) {
	if it.snap == nil {
		return nil, ErrNotStarted
	}
	st := it.beginStep(now)

	matches, err := st.match(ev)
	if err != nil {
		return nil, err
	}
	for _, m := range matches {
		if !st.active[m.t.source] {
			// A previous microstep exited this source.
			continue
		}
		if err := st.fire(m.t, m.ev); err != nil {
			return nil, err
		}
	}
	if len(matches) > 0 {
		if err := st.closeCompleted(); err != nil {
			return nil, err
		}
	}

	st.history = append(st.history, HistoryEntry{
		EventType:    ev.Type,
		StartMs:      st.startMs,
		CheckpointMs: st.nowMs,
		ElapsedMs:    st.nowMs - st.startMs,
	})
	st.logs = append(st.logs, LogRecord{EventType: ev.Type, Timestamp: st.nowMs})
	st.units += 1 + st.fired

	newly := st.newlyEntered()
	return st.commit(newly, len(matches) == 0)
}

// beginStep clones the mutable snapshot parts so a failed step never leaks
// partial mutations into the committed state.
func (it *Interpreter) beginStep(now time.Time) *stepState {
	s := it.snap
	st := &stepState{
		it:        it,
		ctx:       make(map[string]interface{}, len(s.Context)),
		active:    make(map[*node]bool, len(it.active)),
		preActive: it.active,
		history:   append([]HistoryEntry{}, s.History...),
		logs:      append([]LogRecord{}, s.Logs...),
		units:     s.ExecutionUnits,
		traceID:   s.TraceID,
		nowMs:     now.UnixMilli(),
		startMs:   now.UnixMilli(),
	}
	for k, v := range s.Context {
		st.ctx[k] = v
	}
	for n := range it.active {
		st.active[n] = true
	}
	if len(s.History) > 0 {
		st.startMs = s.History[0].StartMs
	}
	return st
}

// stepState is the working state of one step; it commits atomically or not
// at all.
type stepState struct {
	it        *Interpreter
	ctx       map[string]interface{}
	active    map[*node]bool
	preActive map[*node]bool
	entered   []*node
	history   []HistoryEntry
	logs      []LogRecord
	units     int64
	fired     int64
	traceID   string
	nowMs     int64
	startMs   int64
}

type matchedTransition struct {
	t  *ctransition
	ev Event
}

// match selects at most one transition per active source: for every active
// leaf in document order, the innermost state on its ancestor chain with an
// enabled transition contributes it. Guards are evaluated against the
// pre-event context; guard-failing transitions are skipped silently.
func (st *stepState) match(ev Event) ([]matchedTransition, error) {
	var out []matchedTransition
	contributed := make(map[*node]bool)
	for _, leaf := range st.activeLeaves() {
		for n := leaf; n != nil; n = n.parent {
			if contributed[n] {
				break
			}
			t, tev, err := st.enabled(n, ev)
			if err != nil {
				return nil, err
			}
			if t != nil {
				contributed[n] = true
				out = append(out, matchedTransition{t: t, ev: tev})
				break
			}
		}
	}
	return out, nil
}

// enabled returns the first transition on n for ev.Type whose event schema
// accepts the data and whose guard passes, with the transformed event view.
// Schema violations abort the whole step.
func (st *stepState) enabled(n *node, ev Event) (*ctransition, Event, error) {
	for _, t := range n.on[ev.Type] {
		tev, err := st.prepare(t, ev)
		if err != nil {
			return nil, Event{}, err
		}
		pass, err := st.guardPass(t, tev)
		if err != nil {
			return nil, Event{}, err
		}
		if pass {
			return t, tev, nil
		}
	}
	return nil, Event{}, nil
}

// prepare validates the declared event schema against the raw data, then
// applies the transformer. Guards and actions only ever see the transformed
// view.
func (st *stepState) prepare(t *ctransition, ev Event) (Event, error) {
	if err := t.eventSchema.Validate(ev.Data); err != nil {
		return Event{}, err
	}
	if t.transformer == "" {
		return ev, nil
	}
	fn := st.it.m.transformers[t.transformer]
	data, err := recoverTransform(t.transformer, fn, ev.Data)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: ev.Type, Data: data}, nil
}

func recoverTransform(id string, fn TransformFunc, data map[string]interface{}) (out map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ActionFailureError{ID: id, Phase: "transform", Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return fn(data), nil
}

func (st *stepState) guardPass(t *ctransition, ev Event) (pass bool, err error) {
	if t.guard == "" {
		return true, nil
	}
	defer func() {
		if r := recover(); r != nil {
			pass = false
			err = &ActionFailureError{ID: t.guard, Phase: "guard", Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return st.it.m.guards[t.guard](st.ctx, ev), nil
}

// fire runs one microstep: exit from the source up to the transition domain
// in reverse document order, run the transition actions, then enter from the
// domain down to the target in document order, descending via initial
// children and into every parallel region.
func (st *stepState) fire(t *ctransition, ev Event) error {
	st.fired++
	src, tgt := t.source, t.target

	dom := lca(src, tgt)
	if dom != nil && (dom == src || dom == tgt) {
		// External transition semantics: self and ancestor/descendant
		// transitions exit and re-enter their source.
		dom = dom.parent
	}

	// Exit phase: the domain child holding the source, plus every active
	// state below it, innermost first.
	top := src
	for n := src; n != nil; n = n.parent {
		if n.parent == dom {
			top = n
			break
		}
	}
	for _, n := range st.activeInSubtree(top) {
		if err := st.runActions(n.exit, "exit", ev); err != nil {
			return err
		}
		delete(st.active, n)
	}

	if err := st.runActions(t.actions, "transition", ev); err != nil {
		return err
	}

	// Entry phase: chain from the domain (exclusive) to the target, then
	// complete downward (initial children, all parallel regions).
	entrySet := make(map[*node]bool)
	for n := tgt; n != nil && n != dom && n != st.it.m.root; n = n.parent {
		entrySet[n] = true
	}
	topEntry := tgt
	for n := tgt; n != nil && n != dom && n != st.it.m.root; n = n.parent {
		topEntry = n
	}
	completeEntry(topEntry, entrySet)
	return st.enterInOrder(entrySet, ev)
}

// completeEntry expands an entry set downward: parallels pull in every
// region, compounds with no chosen child pull in their initial. Nodes
// already in the set (the explicit target chain) keep their choice.
func completeEntry(n *node, set map[*node]bool) {
	switch {
	case n.isLeaf():
		return
	case n.typ == Parallel:
		for _, c := range n.children {
			set[c] = true
			completeEntry(c, set)
		}
	default:
		var chosen *node
		for _, c := range n.children {
			if set[c] {
				chosen = c
				break
			}
		}
		if chosen == nil {
			chosen = n.initial
			set[chosen] = true
		}
		completeEntry(chosen, set)
	}
}

// enterInOrder enters set members in document order, skipping states that
// are already active.
func (st *stepState) enterInOrder(set map[*node]bool, ev Event) error {
	nodes := make([]*node, 0, len(set))
	for n := range set {
		if n == st.it.m.root || st.active[n] {
			continue
		}
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].docIndex < nodes[j].docIndex })
	for _, n := range nodes {
		st.active[n] = true
		st.entered = append(st.entered, n)
		if err := st.runActions(n.entry, "entry", ev); err != nil {
			return err
		}
	}
	return nil
}

// closeCompleted fires onDone transitions of parallel states whose every
// region rests in final leaves, repeating until the configuration settles.
func (st *stepState) closeCompleted() error {
	for round := 0; round < maxDoneRounds; round++ {
		fired := false
		for _, p := range st.activeParallels() {
			if len(p.onDone) == 0 || !st.allRegionsFinal(p) {
				continue
			}
			doneEv := Event{Type: "done.state." + p.id}
			for _, t := range p.onDone {
				pass, err := st.guardPass(t, doneEv)
				if err != nil {
					return err
				}
				if !pass {
					continue
				}
				if err := st.fire(t, doneEv); err != nil {
					return err
				}
				fired = true
				break
			}
			if fired {
				break
			}
		}
		if !fired {
			return nil
		}
	}
	return fmt.Errorf("onDone closure did not settle after %d rounds", maxDoneRounds)
}

func (st *stepState) allRegionsFinal(p *node) bool {
	for _, region := range p.children {
		if !st.active[region] {
			return false
		}
		done := true
		for _, leaf := range st.leavesInSubtree(region) {
			if !leaf.isFinal() {
				done = false
				break
			}
		}
		if !done {
			return false
		}
	}
	return true
}

// runActions executes an ordered action list: built-ins first, then the
// definition's table. Panics and returned errors become ActionFailureError
// and abort the step.
func (st *stepState) runActions(names []string, phase string, ev Event) error {
	for _, name := range names {
		if err := st.runAction(name, phase, ev); err != nil {
			return err
		}
	}
	return nil
}

func (st *stepState) runAction(name, phase string, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ActionFailureError{ID: name, Phase: phase, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	switch name {
	case ActionUpdateContext:
		delta := make(map[string]interface{}, len(ev.Data))
		for k, v := range ev.Data {
			if k == "type" {
				continue
			}
			delta[k] = v
		}
		st.merge(delta)
	case ActionUpdateLogs:
		st.logs = append(st.logs, LogRecord{EventType: ev.Type, Timestamp: st.nowMs})
	case ActionUpdateCheckpoint:
		st.history = append(st.history, HistoryEntry{
			EventType:    ev.Type,
			StartMs:      st.startMs,
			CheckpointMs: st.nowMs,
			ElapsedMs:    st.nowMs - st.startMs,
		})
	default:
		delta, aerr := st.it.m.actions[name](st.ctx, ev)
		if aerr != nil {
			return &ActionFailureError{ID: name, Phase: phase, Err: aerr}
		}
		st.merge(delta)
	}
	return nil
}

func (st *stepState) merge(delta map[string]interface{}) {
	for k, v := range delta {
		st.ctx[k] = v
	}
}

// newlyEntered filters the entry log down to states that were not active
// before the step and survived it, preserving entry order.
func (st *stepState) newlyEntered() []*node {
	var out []*node
	seen := make(map[*node]bool)
	for _, n := range st.entered {
		if seen[n] || st.preActive[n] || !st.active[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// commit materializes the working state into a fresh snapshot, collects
// emissions for the newly entered states, and swaps it in.
func (st *stepState) commit(newly []*node, ignored bool) (*StepResult, error) {
	emissions, err := st.emissionsFor(newly)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		Value:          st.configValue(),
		Context:        st.ctx,
		Status:         statusOf(st.active),
		History:        st.history,
		Logs:           st.logs,
		ExecutionUnits: st.units,
		TraceID:        st.traceID,
	}
	snap.syncReservedContext()

	st.it.snap = snap
	st.it.active = st.active

	paths := make([]string, len(newly))
	for i, n := range newly {
		paths[i] = n.statePath
	}
	return &StepResult{
		Snapshot:     snap,
		NewlyEntered: paths,
		Emissions:    emissions,
		Ignored:      ignored,
	}, nil
}

func (st *stepState) emissionsFor(newly []*node) ([]Emission, error) {
	var out []Emission
	for _, n := range newly {
		if n.emit == nil {
			continue
		}
		if n.emit.Type != "" {
			out = append(out, Emission{Path: n.statePath, Type: n.emit.Type})
			continue
		}
		typ, data, err := recoverEmit(n.emit.Func, st.it.m.emits[n.emit.Func], st.ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, Emission{Path: n.statePath, Type: typ, Data: data})
	}
	return out, nil
}

func recoverEmit(id string, fn EmitFunc, ctx Context) (typ string, data map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ActionFailureError{ID: id, Phase: "emit", Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	typ, data = fn(ctx)
	return typ, data, nil
}

// configValue renders the active set as the hierarchical value form.
func (st *stepState) configValue() ConfigValue {
	return valueUnder(st.it.m.root, st.active)
}

// valueUnder builds the configuration value inside branch node n: a bare
// leaf name for compounds resting on a leaf, nested objects otherwise.
func valueUnder(n *node, active map[*node]bool) ConfigValue {
	if n.typ == Parallel {
		children := make(map[string]ConfigValue, len(n.children))
		for _, region := range n.children {
			children[region.name] = valueUnder(region, active)
		}
		return ConfigValue{Children: children}
	}
	for _, c := range n.children {
		if !active[c] {
			continue
		}
		if c.isLeaf() {
			return ConfigValue{Leaf: c.name}
		}
		return ConfigValue{Children: map[string]ConfigValue{c.name: valueUnder(c, active)}}
	}
	// A branch with no active child only happens mid-step; the committed
	// configuration never hits this.
	return ConfigValue{}
}

func statusOf(active map[*node]bool) Status {
	for n := range active {
		if n.isLeaf() && !n.isFinal() {
			return StatusActive
		}
	}
	return StatusDone
}

func (st *stepState) activeLeaves() []*node {
	var out []*node
	for n := range st.active {
		if n.isLeaf() {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].docIndex < out[j].docIndex })
	return out
}

func (st *stepState) activeParallels() []*node {
	var out []*node
	for n := range st.active {
		if n.typ == Parallel {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].docIndex < out[j].docIndex })
	return out
}

// activeInSubtree returns the active states at or below top, innermost
// (reverse document order) first — the exit order.
func (st *stepState) activeInSubtree(top *node) []*node {
	var out []*node
	for n := range st.active {
		for a := n; a != nil; a = a.parent {
			if a == top {
				out = append(out, n)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].docIndex > out[j].docIndex })
	return out
}

func (st *stepState) leavesInSubtree(top *node) []*node {
	var out []*node
	for n := range st.active {
		if !n.isLeaf() {
			continue
		}
		for a := n; a != nil; a = a.parent {
			if a == top {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

// lca returns the lowest common ancestor of two nodes; at worst the root.
func lca(a, b *node) *node {
	x, y := a, b
	for x.depth > y.depth {
		x = x.parent
	}
	for y.depth > x.depth {
		y = y.parent
	}
	for x != y {
		x = x.parent
		y = y.parent
	}
	return x
}
