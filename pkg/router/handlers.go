package router

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/xorca/xorca/pkg/actor"
	"github.com/xorca/xorca/pkg/envelope"
	"github.com/xorca/xorca/pkg/schema"
	"github.com/xorca/xorca/pkg/semver"
	"github.com/xorca/xorca/pkg/subject"
)

// handleInit creates a new orchestration from one start envelope: validate,
// mint the subject, run the machine's initial entry and persist the first
// snapshot. A failed init produces exactly one error envelope and discards
// any emissions, so the fleet never acts on state that was not persisted.
func (r *Router) handleInit(ctx context.Context, env *envelope.Envelope) []*envelope.Envelope {
	ctx, end := r.tracer.StartSpan(ctx, "init", env)
	out, err := r.runInit(ctx, env)
	end(err)
	r.metrics.RecordActivation("init", err)
	if err != nil {
		r.logger.Error().Err(err).Str("id", env.ID).Msg("init failed")
		return []*envelope.Envelope{r.initError(env, err)}
	}
	return out
}

func (r *Router) runInit(ctx context.Context, env *envelope.Envelope) ([]*envelope.Envelope, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}

	processID, version, initCtx, err := parseStartPayload(env.Data)
	if err != nil {
		return nil, err
	}
	m, err := r.machineFor(version)
	if err != nil {
		return nil, err
	}
	if err := m.InitialContextSchema().Validate(initCtx); err != nil {
		return nil, err
	}

	if processID == "" {
		processID = uuid.NewString()
	}
	subj, err := subject.New(processID, r.name, m.Version())
	if err != nil {
		return nil, err
	}

	act, err := r.orchestration(m, subj)
	if err != nil {
		return nil, err
	}
	defer act.Close(ctx)

	if err := act.Init(ctx); err != nil {
		return nil, err
	}
	if act.HasSnapshot() {
		return nil, &actor.AlreadyExistsError{Subject: subj.String()}
	}

	t0 := time.Now()
	if _, err := act.Start(env, initCtx, traceID(env)); err != nil {
		return nil, err
	}
	r.metrics.RecordStepDuration(m.Name(), time.Since(t0))

	if err := act.Save(ctx); err != nil {
		return nil, err
	}
	r.logger.Info().Str("subject", subj.String()).Str("machine", m.String()).Msg("orchestration started")
	return act.Emitted(), nil
}

// parseStartPayload pulls {processId?, context, version?} out of a start
// envelope's data. Shape violations come back as schema violations so they
// surface on the sys topic before any store access.
func parseStartPayload(data map[string]interface{}) (string, semver.Version, map[string]interface{}, error) {
	var (
		processID string
		version   semver.Version
	)
	rawCtx, ok := data["context"]
	if !ok {
		return "", version, nil, &schema.ViolationError{Schema: "start", Reason: "/context: required"}
	}
	initCtx, ok := rawCtx.(map[string]interface{})
	if !ok {
		return "", version, nil, &schema.ViolationError{Schema: "start", Reason: "/context: expected object"}
	}
	if raw, present := data["processId"]; present {
		if processID, ok = raw.(string); !ok {
			return "", version, nil, &schema.ViolationError{Schema: "start", Reason: "/processId: expected string"}
		}
	}
	if raw, present := data["version"]; present {
		s, ok := raw.(string)
		if !ok {
			return "", version, nil, &schema.ViolationError{Schema: "start", Reason: "/version: expected string"}
		}
		v, err := semver.Parse(s)
		if err != nil {
			return "", version, nil, &schema.ViolationError{Schema: "start", Reason: "/version: " + err.Error()}
		}
		version = v
	}
	return processID, version, initCtx, nil
}

// traceID picks the orchestration-wide trace id: the trace-id field of a
// well-formed traceparent, otherwise a fresh uuid.
func traceID(env *envelope.Envelope) string {
	if len(env.TraceParent) >= 35 {
		return env.TraceParent[3:35]
	}
	return uuid.NewString()
}

// handleContinuation advances an existing orchestration with a group of
// events sharing one subject. The group holds the subject lock for its whole
// run; events are applied in input order against the advancing snapshot, and
// one failing event does not stop the ones behind it. The snapshot is
// written once after the group, so a write failure discards the group's
// emissions and surfaces a single StoreFailure envelope for the caller to
// retry against the unchanged snapshot.
func (r *Router) handleContinuation(ctx context.Context, group []*envelope.Envelope) []*envelope.Envelope {
	first := group[0]

	// Pre-processing gate: malformed envelopes surface on the sys topic and
	// never reach the store.
	var out []*envelope.Envelope
	live := make([]*envelope.Envelope, 0, len(group))
	events := 0
	for _, env := range group {
		if envelope.IsSystemError(env.Type) {
			live = append(live, env)
			continue
		}
		if err := env.Validate(); err != nil {
			r.metrics.RecordActivation("continuation", err)
			r.logger.Error().Err(err).Str("id", env.ID).Msg("invalid envelope")
			out = append(out, r.continuationError(env, err))
			continue
		}
		live = append(live, env)
		if envelope.IsContinuation(env.Type) {
			events++
		}
	}

	// Nothing left that needs the snapshot: handle dead letters and strays
	// without opening the store.
	if events == 0 {
		for _, env := range live {
			if envelope.IsSystemError(env.Type) {
				r.handleSystemError(ctx, []*envelope.Envelope{env})
				continue
			}
			out = append(out, r.unroutable([]*envelope.Envelope{env})...)
		}
		return out
	}

	subj, err := subject.Parse(first.Subject)
	if err != nil {
		r.metrics.RecordActivation("continuation", err)
		r.logger.Error().Err(err).Str("subject", first.Subject).Msg("undecodable subject")
		return append(out, r.continuationError(first, err))
	}
	if subj.Name != r.name {
		if !r.raiseOnName {
			r.logger.Warn().Str("orchestrator", subj.Name).Str("subject", first.Subject).
				Msg("subject addresses another orchestrator, dropping group")
			return out
		}
		err := &NameMismatchError{Want: r.name, Got: subj.Name}
		r.metrics.RecordActivation("continuation", err)
		return append(out, r.continuationError(first, err))
	}
	m, err := r.machineFor(subj.Version)
	if err != nil {
		r.metrics.RecordActivation("continuation", err)
		return append(out, r.continuationError(first, err))
	}

	act, err := r.orchestration(m, subj)
	if err != nil {
		r.metrics.RecordActivation("continuation", err)
		return append(out, r.continuationError(first, err))
	}
	defer act.Close(ctx)

	if err := act.Init(ctx); err != nil {
		r.metrics.RecordActivation("continuation", err)
		r.logger.Error().Err(err).Str("subject", first.Subject).Msg("snapshot load failed")
		return append(out, r.continuationError(first, err))
	}
	if !act.HasSnapshot() {
		err := &actor.NotInitializedError{Subject: first.Subject}
		r.metrics.RecordActivation("continuation", err)
		return append(out, r.continuationError(first, err))
	}

	for _, env := range live {
		switch {
		case envelope.IsSystemError(env.Type):
			r.handleSystemError(ctx, []*envelope.Envelope{env})
		case !envelope.IsContinuation(env.Type):
			out = append(out, r.unroutable([]*envelope.Envelope{env})...)
		default:
			out = append(out, r.step(ctx, act, env)...)
		}
	}

	if len(act.Results()) > 0 {
		if err := act.Save(ctx); err != nil {
			r.logger.Error().Err(err).Str("subject", first.Subject).
				Msg("snapshot write failed, discarding emissions")
			return []*envelope.Envelope{r.continuationError(first, err)}
		}
	}
	return out
}

// step applies one event through the actor and returns its new emissions,
// or its error envelope. The interpreter commits atomically, so a failed
// event leaves the snapshot where the previous one put it.
func (r *Router) step(ctx context.Context, act *actor.OrchestrationActor, env *envelope.Envelope) []*envelope.Envelope {
	_, end := r.tracer.StartSpan(ctx, "continuation", env)
	t0 := time.Now()
	before := len(act.Emitted())
	_, err := act.Dispatch(env)
	r.metrics.RecordStepDuration(act.Machine().Name(), time.Since(t0))
	end(err)
	r.metrics.RecordActivation("continuation", err)
	if err != nil {
		r.logger.Error().Err(err).Str("type", env.Type).Str("id", env.ID).Msg("event failed")
		return []*envelope.Envelope{r.continuationError(env, err)}
	}
	return act.Emitted()[before:]
}

// handleSystemError records pre-processing error envelopes: a structured log
// line plus a dead-letter copy under errors/<id>.json. Sys topics are
// terminal, so the handler produces no output.
func (r *Router) handleSystemError(ctx context.Context, group []*envelope.Envelope) {
	for _, env := range group {
		if !envelope.IsSystemError(env.Type) {
			r.logger.Warn().Str("type", env.Type).Str("id", env.ID).
				Msg("non-system event grouped behind a system error, dropping")
			continue
		}
		_, end := r.tracer.StartSpan(ctx, "system", env)
		r.logSystemError(env)
		r.deadLetter(ctx, env)
		end(nil)
		r.metrics.RecordActivation("system", nil)
	}
}

// logSystemError surfaces the error payload fields on the router log.
func (r *Router) logSystemError(env *envelope.Envelope) {
	ev := r.logger.Error().Str("type", env.Type).Str("id", env.ID)
	if env.Subject != "" {
		ev = ev.Str("subject", env.Subject)
	}
	if name, ok := env.Data["errorName"].(string); ok {
		ev = ev.Str("errorName", name)
	}
	if msg, ok := env.Data["errorMessage"].(string); ok {
		ev = ev.Str("errorMessage", msg)
	}
	ev.Msg("system error received")
}

// deadLetter keeps a copy of the error envelope in the store. Dead-lettering
// is best effort: failures are logged and swallowed.
func (r *Router) deadLetter(ctx context.Context, env *envelope.Envelope) {
	blob, err := env.JSON()
	if err == nil {
		err = r.store.Write(ctx, "errors/"+env.ID+".json", blob)
	}
	r.metrics.RecordStoreOp("deadletter", err)
	if err != nil {
		r.logger.Warn().Err(err).Str("id", env.ID).Msg("dead-letter write failed")
	}
}
