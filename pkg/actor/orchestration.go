package actor

import (
	"encoding/json"
	"fmt"

	"github.com/xorca/xorca/pkg/envelope"
	"github.com/xorca/xorca/pkg/machine"
)

// Middleware customizes how one machine version meets the outside world.
// Both maps are optional and keyed the way the definition names things:
// inbound transformers by event type, emission overrides by state path.
type Middleware struct {
	// OnOrchestrationEvent reshapes inbound event data before the machine
	// ingests it, keyed by event type.
	OnOrchestrationEvent map[string]machine.TransformFunc
	// OnOrchestrationState overrides the emission for a state path. An
	// override replaces the machine-declared emission entirely.
	OnOrchestrationState map[string]machine.EmitFunc
}

// OrchestrationActor speaks envelopes: it feeds inbound envelopes to the
// persistent actor underneath and renders step emissions as outbound
// envelopes stamped with the subject, machine version and trace headers.
type OrchestrationActor struct {
	*PersistentActor

	mw      Middleware
	inbound *envelope.Envelope
	emitted []*envelope.Envelope
}

// NewOrchestration builds an orchestration actor over a persistent actor.
func NewOrchestration(opts Options, mw Middleware) (*OrchestrationActor, error) {
	pa, err := New(opts)
	if err != nil {
		return nil, err
	}
	return &OrchestrationActor{PersistentActor: pa, mw: mw}, nil
}

// Start creates the initial snapshot from a start envelope. The raw envelope
// is injected under the reserved __cloudevent key so guards and emit
// functions can observe it. When a snapshot already exists the call is an
// idempotent no-op returning (nil, nil).
func (a *OrchestrationActor) Start(env *envelope.Envelope, input map[string]interface{}, traceID string) (*machine.StepResult, error) {
	if err := envelope.ValidateContentType(env.DataContentType); err != nil {
		return nil, err
	}
	a.inbound = env

	seeded := make(map[string]interface{}, len(input)+1)
	for k, v := range input {
		seeded[k] = v
	}
	seeded[machine.KeyCloudEvent] = envelopeMap(env)

	res, err := a.PersistentActor.Start(seeded, traceID)
	if err != nil || res == nil {
		return nil, err
	}
	if err := a.collect(res); err != nil {
		return nil, err
	}
	return res, nil
}

// Dispatch applies one continuation envelope: content type and version
// gates, the event-type transformer, then a single interpreter step. The
// emissions of the step are appended to Emitted.
func (a *OrchestrationActor) Dispatch(env *envelope.Envelope) (*machine.StepResult, error) {
	if err := envelope.ValidateContentType(env.DataContentType); err != nil {
		return nil, err
	}
	if v := env.StateMachineVersion; v != "" && v != a.machine.VersionString() {
		return nil, &VersionMismatchError{
			Subject: a.subject.String(),
			Want:    a.machine.VersionString(),
			Got:     v,
		}
	}
	if !a.HasSnapshot() {
		return nil, &NotInitializedError{Subject: a.subject.String()}
	}

	data := env.Data
	if fn := a.mw.OnOrchestrationEvent[env.Type]; fn != nil {
		var err error
		data, err = safeTransform(env.Type, fn, data)
		if err != nil {
			return nil, err
		}
	}

	a.inbound = env
	if err := a.PutContext(machine.KeyCloudEvent, envelopeMap(env)); err != nil {
		return nil, err
	}

	res, err := a.PersistentActor.Step(machine.Event{Type: env.Type, Data: data})
	if err != nil {
		return nil, err
	}
	if err := a.collect(res); err != nil {
		return nil, err
	}
	return res, nil
}

// Emitted returns every outbound envelope produced since Init, in emission
// order.
func (a *OrchestrationActor) Emitted() []*envelope.Envelope { return a.emitted }

// collect renders the step's emissions as envelopes, letting state-path
// middleware overrides replace machine-declared emissions.
func (a *OrchestrationActor) collect(res *machine.StepResult) error {
	byPath := make(map[string]machine.Emission, len(res.Emissions))
	for _, em := range res.Emissions {
		byPath[em.Path] = em
	}
	ctx := machine.Context(a.Snapshot().Context)

	var produced int
	for _, path := range res.NewlyEntered {
		if fn := a.mw.OnOrchestrationState[path]; fn != nil {
			typ, data, err := safeEmit(path, fn, ctx)
			if err != nil {
				return err
			}
			a.emitted = append(a.emitted, a.envelopeFor(typ, data))
			produced++
			continue
		}
		if em, ok := byPath[path]; ok {
			a.emitted = append(a.emitted, a.envelopeFor(em.Type, em.Data))
			produced++
		}
	}
	a.metrics.RecordEmissions(a.machine.Name(), produced)
	return nil
}

// envelopeFor stamps one outbound envelope. A nil payload defaults to the
// public context, so fixed-topic emissions still carry the run state.
func (a *OrchestrationActor) envelopeFor(typ string, data map[string]interface{}) *envelope.Envelope {
	if data == nil {
		data = machine.PublicContext(a.Snapshot().Context)
	}
	out := envelope.New(typ, envelope.OrchestratorSource(a.machine.Name()), a.subject.String(), data)
	out.StateMachineVersion = a.machine.VersionString()
	if a.inbound != nil {
		out.TraceParent = a.inbound.TraceParent
		out.TraceState = a.inbound.TraceState
	}
	return out
}

// envelopeMap renders the envelope as plain map data for context injection.
func envelopeMap(env *envelope.Envelope) map[string]interface{} {
	raw, err := env.JSON()
	if err != nil {
		return map[string]interface{}{}
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]interface{}{}
	}
	return m
}

func safeTransform(id string, fn machine.TransformFunc, data map[string]interface{}) (out map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &machine.ActionFailureError{ID: id, Phase: "transform", Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return fn(data), nil
}

func safeEmit(id string, fn machine.EmitFunc, ctx machine.Context) (typ string, data map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &machine.ActionFailureError{ID: id, Phase: "emit", Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	typ, data = fn(ctx)
	return typ, data, nil
}
