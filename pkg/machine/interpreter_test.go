package machine_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xorca/xorca/pkg/machine"
	"github.com/xorca/xorca/pkg/machine/machinetest"
	"github.com/xorca/xorca/pkg/schema"
	"github.com/xorca/xorca/pkg/semver"
)

var base = time.UnixMilli(1_700_000_000_000)

func at(sec int) time.Time { return base.Add(time.Duration(sec) * time.Second) }

func ev(typ string, data map[string]interface{}) machine.Event {
	return machine.Event{Type: typ, Data: data}
}

func TestSummaryHappyPath(t *testing.T) {
	it := machine.NewInterpreter(machinetest.Summary())

	res, err := it.NewRun(map[string]interface{}{"bookId": "b.pdf"}, "trace-1", at(0))
	require.NoError(t, err)
	require.Len(t, res.Emissions, 1)
	assert.Equal(t, "cmd.book.fetch", res.Emissions[0].Type)
	assert.Equal(t, "b.pdf", res.Emissions[0].Data["bookId"])
	assert.Equal(t, "FetchData", res.Emissions[0].Path)
	assert.Equal(t, machine.StatusActive, res.Snapshot.Status)
	assert.Equal(t, []string{"FetchData"}, res.Snapshot.Value.ActivePaths())
	assert.Equal(t, "trace-1", res.Snapshot.TraceID)

	res, err = it.Step(ev("evt.book.fetch.success", map[string]interface{}{
		"bookData": []interface{}{"x", "y"},
	}), at(1))
	require.NoError(t, err)
	require.Len(t, res.Emissions, 1)
	assert.Equal(t, "cmd.gpt.summary", res.Emissions[0].Type)
	assert.Equal(t, []interface{}{"x", "y"}, res.Emissions[0].Data["content"])
	assert.Equal(t, []string{"Summarize"}, res.Snapshot.Value.ActivePaths())

	res, err = it.Step(ev("evt.gpt.summary.success", map[string]interface{}{
		"summary": "s",
	}), at(2))
	require.NoError(t, err)
	require.Len(t, res.Emissions, 2)
	assert.Equal(t, "cmd.regulations.grounded", res.Emissions[0].Type)
	assert.Equal(t, "cmd.regulations.compliant", res.Emissions[1].Type)
	assert.Equal(t, "#Verify.#Grounded.Check", res.Emissions[0].Path)
	assert.Equal(t, "#Verify.#Compliant.Check", res.Emissions[1].Path)
	assert.Equal(t, []string{"Verify.Compliant.Check", "Verify.Grounded.Check"}, res.Snapshot.Value.ActivePaths())
	assert.Equal(t, "Verify", res.NewlyEntered[0], "the parallel itself is entered first")

	res, err = it.Step(ev("evt.regulations.compliant.success", nil), at(3))
	require.NoError(t, err)
	assert.Empty(t, res.Emissions)
	assert.False(t, res.Ignored)
	assert.Equal(t, []string{"Verify.Compliant.Done", "Verify.Grounded.Check"}, res.Snapshot.Value.ActivePaths())
	assert.Equal(t, machine.StatusActive, res.Snapshot.Status)

	res, err = it.Step(ev("evt.regulations.grounded.success", nil), at(4))
	require.NoError(t, err)
	require.Len(t, res.Emissions, 1)
	assert.Equal(t, "notif.done", res.Emissions[0].Type)
	assert.Equal(t, map[string]interface{}{
		"bookId":   "b.pdf",
		"bookData": []interface{}{"x", "y"},
		"summary":  "s",
	}, res.Emissions[0].Data)
	assert.Equal(t, []string{"Done"}, res.Snapshot.Value.ActivePaths())
	assert.Equal(t, machine.StatusDone, res.Snapshot.Status)
	assert.Equal(t, []string{"Done"}, res.NewlyEntered)

	// One unit per event plus one per taken transition; the onDone closure
	// on the last step fires a second transition.
	assert.Equal(t, int64(9), res.Snapshot.ExecutionUnits)
}

func TestUnknownEventIgnored(t *testing.T) {
	it := machine.NewInterpreter(machinetest.Summary())
	_, err := it.NewRun(map[string]interface{}{"bookId": "b.pdf"}, "trace-1", at(0))
	require.NoError(t, err)

	before := it.Snapshot()
	res, err := it.Step(ev("evt.irrelevant.success", nil), at(1))
	require.NoError(t, err)
	assert.True(t, res.Ignored)
	assert.Empty(t, res.Emissions)
	assert.Empty(t, res.NewlyEntered)
	assert.Equal(t, []string{"FetchData"}, res.Snapshot.Value.ActivePaths())
	assert.Len(t, res.Snapshot.History, len(before.History)+1)
	assert.Equal(t, "evt.irrelevant.success", res.Snapshot.History[1].EventType)
	assert.Equal(t, int64(1), res.Snapshot.ExecutionUnits)
}

func TestHistoryInvariant(t *testing.T) {
	it := machine.NewInterpreter(machinetest.Summary())
	_, err := it.NewRun(map[string]interface{}{"bookId": "b.pdf"}, "t", at(0))
	require.NoError(t, err)
	_, err = it.Step(ev("evt.book.fetch.success", map[string]interface{}{"bookData": []interface{}{"x"}}), at(1))
	require.NoError(t, err)
	_, err = it.Step(ev("evt.nothing", nil), at(2))
	require.NoError(t, err)

	h := it.Snapshot().History
	require.NotEmpty(t, h)
	assert.Equal(t, machine.InitEventType, h[0].EventType)
	start := h[0].StartMs
	prev := h[0].CheckpointMs
	for _, entry := range h {
		assert.Equal(t, start, entry.StartMs, "start is the orchestration start")
		assert.GreaterOrEqual(t, entry.CheckpointMs, prev)
		assert.Equal(t, entry.CheckpointMs-entry.StartMs, entry.ElapsedMs)
		prev = entry.CheckpointMs
	}
}

func TestSnapshotDeterminism(t *testing.T) {
	run := func() []byte {
		it := machine.NewInterpreter(machinetest.Summary())
		_, err := it.NewRun(map[string]interface{}{"bookId": "b.pdf"}, "trace-1", at(0))
		require.NoError(t, err)
		steps := []machine.Event{
			ev("evt.book.fetch.success", map[string]interface{}{"bookData": []interface{}{"x", "y"}}),
			ev("evt.gpt.summary.success", map[string]interface{}{"summary": "s"}),
			ev("evt.regulations.compliant.success", nil),
			ev("evt.regulations.grounded.success", nil),
		}
		for i, e := range steps {
			_, err := it.Step(e, at(i+1))
			require.NoError(t, err)
		}
		raw, err := machine.MarshalSnapshot(it.Snapshot())
		require.NoError(t, err)
		return raw
	}
	assert.Equal(t, run(), run(), "same machine, input and clock must produce identical bytes")
}

func tieBreakDef() *machine.Definition {
	leaf := machine.StateNode{}
	return &machine.Definition{
		Name:    "tiebreak",
		Version: semver.MustParse("1.0.0"),
		Guards: map[string]machine.GuardFunc{
			"never": func(machine.Context, machine.Event) bool { return false },
		},
		Root: machine.StateNode{
			Initial: "A",
			States: []machine.NamedState{
				{Name: "A", State: machine.StateNode{
					Initial: "B",
					States: []machine.NamedState{
						{Name: "B", State: machine.StateNode{
							Initial: "C",
							States: []machine.NamedState{
								{Name: "C", State: machine.StateNode{
									On: map[string][]machine.Transition{
										"evt.go": {{Target: "X"}},
										"evt.pick": {
											{Target: "X", Guard: "never"},
											{Target: "Y"},
										},
										"evt.guarded": {{Target: "X", Guard: "never"}},
									},
								}},
							},
							On: map[string][]machine.Transition{
								"evt.go": {{Target: "Y"}},
								"evt.up": {{Target: "Y"}},
							},
						}},
					},
					On: map[string][]machine.Transition{
						"evt.go":      {{Target: "Z"}},
						"evt.up2":     {{Target: "Z"}},
						"evt.guarded": {{Target: "Z"}},
					},
				}},
				{Name: "X", State: leaf},
				{Name: "Y", State: leaf},
				{Name: "Z", State: leaf},
			},
		},
	}
}

func TestTieBreak(t *testing.T) {
	step := func(typ string) []string {
		it := machine.NewInterpreter(machine.MustCompile(tieBreakDef()))
		_, err := it.NewRun(nil, "t", at(0))
		require.NoError(t, err)
		res, err := it.Step(ev(typ, nil), at(1))
		require.NoError(t, err)
		return res.Snapshot.Value.ActivePaths()
	}

	assert.Equal(t, []string{"X"}, step("evt.go"), "innermost state wins")
	assert.Equal(t, []string{"Y"}, step("evt.pick"), "declaration order after guard skip")
	assert.Equal(t, []string{"Y"}, step("evt.up"), "bubbles to the nearest matching ancestor")
	assert.Equal(t, []string{"Z"}, step("evt.up2"), "bubbles to the top")
	assert.Equal(t, []string{"Z"}, step("evt.guarded"), "guard skip continues up the chain")
}

func emissionDef() *machine.Definition {
	return &machine.Definition{
		Name:    "regions",
		Version: semver.MustParse("1.0.0"),
		Root: machine.StateNode{
			Initial: "P",
			States: []machine.NamedState{
				{Name: "P", State: machine.StateNode{
					Type: machine.Parallel,
					States: []machine.NamedState{
						{Name: "L", State: machine.StateNode{
							Initial: "a",
							States: []machine.NamedState{
								{Name: "a", State: machine.StateNode{
									Emit: &machine.EmitSpec{Type: "cmd.enter.a"},
									On: map[string][]machine.Transition{
										"evt.loop":    {{Target: "P.L.a"}},
										"evt.advance": {{Target: "P.L.a2"}},
									},
								}},
								{Name: "a2", State: machine.StateNode{
									Emit: &machine.EmitSpec{Type: "cmd.enter.a2"},
								}},
							},
						}},
						{Name: "R", State: machine.StateNode{
							Initial: "b",
							States: []machine.NamedState{
								{Name: "b", State: machine.StateNode{
									Emit: &machine.EmitSpec{Type: "cmd.enter.b"},
								}},
							},
						}},
					},
				}},
			},
		},
	}
}

func TestEmissionDiscipline(t *testing.T) {
	it := machine.NewInterpreter(machine.MustCompile(emissionDef()))
	res, err := it.NewRun(nil, "t", at(0))
	require.NoError(t, err)
	require.Len(t, res.Emissions, 2)
	assert.Equal(t, "cmd.enter.a", res.Emissions[0].Type)
	assert.Equal(t, "cmd.enter.b", res.Emissions[1].Type)

	// A self transition exits and re-enters the same leaf: the region was
	// active before and after, so nothing is newly entered and nothing emits.
	res, err = it.Step(ev("evt.loop", nil), at(1))
	require.NoError(t, err)
	assert.Empty(t, res.Emissions)
	assert.Empty(t, res.NewlyEntered)

	// Moving within one region emits only the freshly entered state; the
	// sibling region does not re-emit.
	res, err = it.Step(ev("evt.advance", nil), at(2))
	require.NoError(t, err)
	require.Len(t, res.Emissions, 1)
	assert.Equal(t, "cmd.enter.a2", res.Emissions[0].Type)
	assert.Nil(t, res.Emissions[0].Data)
}

func failureDef() *machine.Definition {
	return &machine.Definition{
		Name:    "failing",
		Version: semver.MustParse("1.0.0"),
		Actions: map[string]machine.ActionFunc{
			"boom": func(machine.Context, machine.Event) (map[string]interface{}, error) {
				return nil, errors.New("kaput")
			},
		},
		Guards: map[string]machine.GuardFunc{
			"panics": func(machine.Context, machine.Event) bool {
				panic("guard exploded")
			},
		},
		Root: machine.StateNode{
			Initial: "a",
			States: []machine.NamedState{
				{Name: "a", State: machine.StateNode{
					On: map[string][]machine.Transition{
						"evt.fail":  {{Target: "b", Actions: []string{"boom"}}},
						"evt.panic": {{Target: "b", Guard: "panics"}},
					},
				}},
				{Name: "b", State: machine.StateNode{Type: machine.Final}},
			},
		},
	}
}

func TestActionFailureLeavesSnapshotUntouched(t *testing.T) {
	it := machine.NewInterpreter(machine.MustCompile(failureDef()))
	_, err := it.NewRun(nil, "t", at(0))
	require.NoError(t, err)
	before, err := machine.MarshalSnapshot(it.Snapshot())
	require.NoError(t, err)

	_, err = it.Step(ev("evt.fail", nil), at(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, machine.ErrActionFailure)
	var afe *machine.ActionFailureError
	require.ErrorAs(t, err, &afe)
	assert.Equal(t, "boom", afe.ID)
	assert.Equal(t, "transition", afe.Phase)
	assert.Equal(t, "ActionFailure", afe.ErrorName())

	_, err = it.Step(ev("evt.panic", nil), at(2))
	require.Error(t, err)
	assert.ErrorIs(t, err, machine.ErrActionFailure)

	after, err := machine.MarshalSnapshot(it.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, before, after, "failed steps must not advance the snapshot")
}

func TestEventSchemaViolationAborts(t *testing.T) {
	it := machine.NewInterpreter(machinetest.Summary())
	_, err := it.NewRun(map[string]interface{}{"bookId": "b.pdf"}, "t", at(0))
	require.NoError(t, err)
	before, err := machine.MarshalSnapshot(it.Snapshot())
	require.NoError(t, err)

	_, err = it.Step(ev("evt.book.fetch.success", map[string]interface{}{"wrong": true}), at(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, schema.ErrSchemaViolation)

	after, err := machine.MarshalSnapshot(it.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func builtinsDef() *machine.Definition {
	return &machine.Definition{
		Name:    "builtins",
		Version: semver.MustParse("1.0.0"),
		Transformers: map[string]machine.TransformFunc{
			"lift": func(data map[string]interface{}) map[string]interface{} {
				inner, _ := data["payload"].(map[string]interface{})
				return inner
			},
		},
		Root: machine.StateNode{
			Initial: "a",
			States: []machine.NamedState{
				{Name: "a", State: machine.StateNode{
					On: map[string][]machine.Transition{
						"evt.data": {{
							Target:      "b",
							Transformer: "lift",
							Actions: []string{
								machine.ActionUpdateContext,
								machine.ActionUpdateLogs,
								machine.ActionUpdateCheckpoint,
							},
						}},
					},
				}},
				{Name: "b", State: machine.StateNode{Type: machine.Final}},
			},
		},
	}
}

func TestBuiltinActionsAndTransformer(t *testing.T) {
	it := machine.NewInterpreter(machine.MustCompile(builtinsDef()))
	_, err := it.NewRun(nil, "t", at(0))
	require.NoError(t, err)

	res, err := it.Step(ev("evt.data", map[string]interface{}{
		"payload": map[string]interface{}{"k": "v", "type": "stripped"},
	}), at(1))
	require.NoError(t, err)

	assert.Equal(t, "v", res.Snapshot.Context["k"], "updateContext merges the transformed data")
	_, hasType := res.Snapshot.Context["type"]
	assert.False(t, hasType, "the type key never lands in context")

	// updateLogs and updateCheckpoint add one record each on top of the
	// framework's per-event bookkeeping.
	assert.Len(t, res.Snapshot.Logs, 2)
	assert.Len(t, res.Snapshot.History, 3)
}

func TestReservedKeysAndPutContext(t *testing.T) {
	it := machine.NewInterpreter(machinetest.Summary())

	err := it.PutContext(machine.KeyCloudEvent, "early")
	assert.ErrorIs(t, err, machine.ErrNotStarted)

	res, err := it.NewRun(map[string]interface{}{"bookId": "b.pdf"}, "trace-9", at(0))
	require.NoError(t, err)

	ctx := res.Snapshot.Context
	assert.Equal(t, "trace-9", ctx[machine.KeyTraceID])
	assert.Contains(t, ctx, machine.KeyMachineLogs)
	assert.Contains(t, ctx, machine.KeyOrchestrationTime)
	assert.Contains(t, ctx, machine.KeyExecutionUnits)

	pub := machine.PublicContext(ctx)
	assert.Equal(t, map[string]interface{}{"bookId": "b.pdf"}, pub)

	require.NoError(t, it.PutContext(machine.KeyCloudEvent, map[string]interface{}{"id": "e-1"}))
	_, err = it.Step(ev("evt.book.fetch.success", map[string]interface{}{"bookData": []interface{}{"x"}}), at(1))
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"id": "e-1"}, it.Snapshot().Context[machine.KeyCloudEvent],
		"injected cloudevent survives the step")
}

func TestLifecycleGuards(t *testing.T) {
	it := machine.NewInterpreter(machinetest.Summary())
	_, err := it.Step(ev("evt.x", nil), at(0))
	assert.ErrorIs(t, err, machine.ErrNotStarted)

	_, err = it.NewRun(map[string]interface{}{"bookId": "b"}, "t", at(0))
	require.NoError(t, err)
	_, err = it.NewRun(map[string]interface{}{"bookId": "b"}, "t", at(1))
	assert.ErrorIs(t, err, machine.ErrAlreadyStarted)

	err = it.Restore(it.Snapshot())
	assert.ErrorIs(t, err, machine.ErrAlreadyStarted)
}

func TestRestoreRoundTrip(t *testing.T) {
	cont := machine.NewInterpreter(machinetest.Summary())
	_, err := cont.NewRun(map[string]interface{}{"bookId": "b.pdf"}, "trace-1", at(0))
	require.NoError(t, err)
	_, err = cont.Step(ev("evt.book.fetch.success", map[string]interface{}{"bookData": []interface{}{"x"}}), at(1))
	require.NoError(t, err)

	// Persist, reload, and continue on a fresh interpreter.
	raw, err := machine.MarshalSnapshot(cont.Snapshot())
	require.NoError(t, err)
	loaded, err := machine.UnmarshalSnapshot(raw)
	require.NoError(t, err)

	resumed := machine.NewInterpreter(machinetest.Summary())
	require.NoError(t, resumed.Restore(loaded))

	finish := func(it *machine.Interpreter) []byte {
		_, err := it.Step(ev("evt.gpt.summary.success", map[string]interface{}{"summary": "s"}), at(2))
		require.NoError(t, err)
		_, err = it.Step(ev("evt.regulations.grounded.success", nil), at(3))
		require.NoError(t, err)
		_, err = it.Step(ev("evt.regulations.compliant.success", nil), at(4))
		require.NoError(t, err)
		out, err := machine.MarshalSnapshot(it.Snapshot())
		require.NoError(t, err)
		return out
	}
	assert.Equal(t, finish(cont), finish(resumed), "a reloaded run continues identically")
	assert.Equal(t, machine.StatusDone, resumed.Snapshot().Status)
}

func TestRestoreRejectsIllegalConfigurations(t *testing.T) {
	it := machine.NewInterpreter(machinetest.Summary())
	_, err := it.NewRun(map[string]interface{}{"bookId": "b"}, "t", at(0))
	require.NoError(t, err)
	raw, err := machine.MarshalSnapshot(it.Snapshot())
	require.NoError(t, err)

	restoreWithValue(t, raw, `"Ghost"`, "unknown state")
	restoreWithValue(t, raw, `"Verify"`, "branch state as leaf")
	restoreWithValue(t, raw, `{"Verify":{"Grounded":"Check"}}`, "missing parallel region")
	restoreWithValue(t, raw, `{}`, "empty configuration")
}

func restoreWithValue(t *testing.T, raw []byte, value, label string) {
	t.Helper()
	s, err := machine.UnmarshalSnapshot(raw)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(value), &s.Value))
	err = machine.NewInterpreter(machinetest.Summary()).Restore(s)
	assert.ErrorIs(t, err, machine.ErrIllegalConfiguration, label)
}
