// Package machinetest exports the book-summary machine used across the test
// suites and the example server: fetch a book, summarize it, verify the
// summary for groundedness and compliance in parallel, then notify done.
package machinetest

import (
	"github.com/xorca/xorca/pkg/machine"
	"github.com/xorca/xorca/pkg/semver"
)

const initialContextSchema = `{
	"type": "object",
	"properties": {
		"bookId": {"type": "string"}
	},
	"required": ["bookId"]
}`

const fetchSuccessSchema = `{
	"type": "object",
	"properties": {
		"bookData": {"type": "array"}
	},
	"required": ["bookData"]
}`

// SummaryDefinition returns the raw definition at the given version.
func SummaryDefinition(version semver.Version) *machine.Definition {
	return &machine.Definition{
		Name:                 "summary",
		Version:              version,
		InitialContextSchema: initialContextSchema,
		Emits: map[string]machine.EmitFunc{
			"emitFetchBook": func(ctx machine.Context) (string, map[string]interface{}) {
				return "cmd.book.fetch", map[string]interface{}{"bookId": ctx["bookId"]}
			},
			"emitSummarize": func(ctx machine.Context) (string, map[string]interface{}) {
				return "cmd.gpt.summary", map[string]interface{}{"content": ctx["bookData"]}
			},
			"emitCheckGrounded": func(ctx machine.Context) (string, map[string]interface{}) {
				return "cmd.regulations.grounded", map[string]interface{}{"summary": ctx["summary"]}
			},
			"emitCheckCompliant": func(ctx machine.Context) (string, map[string]interface{}) {
				return "cmd.regulations.compliant", map[string]interface{}{"summary": ctx["summary"]}
			},
			"emitDone": func(ctx machine.Context) (string, map[string]interface{}) {
				return "notif.done", machine.PublicContext(ctx)
			},
		},
		Root: machine.StateNode{
			Initial: "FetchData",
			States: []machine.NamedState{
				{Name: "FetchData", State: machine.StateNode{
					Emit: &machine.EmitSpec{Func: "emitFetchBook"},
					On: map[string][]machine.Transition{
						"evt.book.fetch.success": {{
							Target:      "Summarize",
							Actions:     []string{machine.ActionUpdateContext},
							EventSchema: fetchSuccessSchema,
						}},
					},
				}},
				{Name: "Summarize", State: machine.StateNode{
					Emit: &machine.EmitSpec{Func: "emitSummarize"},
					On: map[string][]machine.Transition{
						"evt.gpt.summary.success": {{
							Target:  "Verify",
							Actions: []string{machine.ActionUpdateContext},
						}},
					},
				}},
				{Name: "Verify", State: machine.StateNode{
					Type: machine.Parallel,
					States: []machine.NamedState{
						{Name: "Grounded", State: machine.StateNode{
							Initial: "Check",
							States: []machine.NamedState{
								{Name: "Check", State: machine.StateNode{
									Emit: &machine.EmitSpec{Func: "emitCheckGrounded"},
									On: map[string][]machine.Transition{
										"evt.regulations.grounded.success": {{
											Target:  "Verify.Grounded.Done",
											Actions: []string{machine.ActionUpdateContext},
										}},
									},
								}},
								{Name: "Done", State: machine.StateNode{Type: machine.Final}},
							},
						}},
						{Name: "Compliant", State: machine.StateNode{
							Initial: "Check",
							States: []machine.NamedState{
								{Name: "Check", State: machine.StateNode{
									Emit: &machine.EmitSpec{Func: "emitCheckCompliant"},
									On: map[string][]machine.Transition{
										"evt.regulations.compliant.success": {{
											Target:  "Verify.Compliant.Done",
											Actions: []string{machine.ActionUpdateContext},
										}},
									},
								}},
								{Name: "Done", State: machine.StateNode{Type: machine.Final}},
							},
						}},
					},
					OnDone: []machine.Transition{{Target: "Done"}},
				}},
				{Name: "Done", State: machine.StateNode{
					Type: machine.Final,
					Emit: &machine.EmitSpec{Func: "emitDone"},
				}},
			},
		},
	}
}

// Summary returns the compiled summary machine at 1.0.0.
func Summary() *machine.Machine {
	return machine.MustCompile(SummaryDefinition(semver.MustParse("1.0.0")))
}

// SummaryV2 returns the same machine shape at 2.0.0, for version selection
// tests and multi-version router setups.
func SummaryV2() *machine.Machine {
	return machine.MustCompile(SummaryDefinition(semver.MustParse("2.0.0")))
}
