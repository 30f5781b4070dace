// Package router dispatches inbound event envelopes to the init,
// continuation and system-error handlers of one orchestrator. Every
// failure inside a handler comes back out as an error envelope on the
// matching error topic; nothing below the router swallows errors and
// nothing above it sees a panic.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xorca/xorca/pkg/actor"
	"github.com/xorca/xorca/pkg/envelope"
	"github.com/xorca/xorca/pkg/machine"
	"github.com/xorca/xorca/pkg/schema"
	"github.com/xorca/xorca/pkg/semver"
	"github.com/xorca/xorca/pkg/store"
	"github.com/xorca/xorca/pkg/subject"
	"github.com/xorca/xorca/pkg/telemetry"
)

var (
	// ErrDuplicateMachineVersion is returned by New when two machines carry
	// the same version.
	ErrDuplicateMachineVersion = errors.New("duplicate machine version")
	// ErrUnknownMachineVersion is carried by the error envelope produced
	// when a subject names a version the router does not hold.
	ErrUnknownMachineVersion = errors.New("unknown machine version")
	// ErrUnroutableEvent is carried by the error envelope produced for an
	// envelope no handler matches.
	ErrUnroutableEvent = errors.New("unroutable event")
	// ErrInvalidOrchestratorName is carried by the error envelope produced
	// when a subject addresses a different orchestrator.
	ErrInvalidOrchestratorName = errors.New("invalid orchestrator name")
)

// UnknownVersionError reports a subject pinned to a version this router was
// not constructed with.
type UnknownVersionError struct {
	Name    string
	Version string
}

func (e *UnknownVersionError) Error() string {
	return fmt.Sprintf("orchestrator %q has no machine version %s", e.Name, e.Version)
}

// Is matches ErrUnknownMachineVersion so errors.Is works across the wrap chain.
func (e *UnknownVersionError) Is(target error) bool { return target == ErrUnknownMachineVersion }

// ErrorName returns the taxonomy name used in error envelopes.
func (e *UnknownVersionError) ErrorName() string { return "UnknownMachineVersion" }

// UnroutableError reports an envelope whose type matches no handler.
type UnroutableError struct {
	Type string
}

func (e *UnroutableError) Error() string {
	return fmt.Sprintf("no handler for event type %q", e.Type)
}

// Is matches ErrUnroutableEvent so errors.Is works across the wrap chain.
func (e *UnroutableError) Is(target error) bool { return target == ErrUnroutableEvent }

// ErrorName returns the taxonomy name used in error envelopes.
func (e *UnroutableError) ErrorName() string { return "UnroutableEvent" }

// NameMismatchError reports a subject addressed to another orchestrator.
type NameMismatchError struct {
	Want string
	Got  string
}

func (e *NameMismatchError) Error() string {
	return fmt.Sprintf("subject addresses orchestrator %q, this router serves %q", e.Got, e.Want)
}

// Is matches ErrInvalidOrchestratorName so errors.Is works across the wrap chain.
func (e *NameMismatchError) Is(target error) bool { return target == ErrInvalidOrchestratorName }

// ErrorName returns the taxonomy name used in error envelopes.
func (e *NameMismatchError) ErrorName() string { return "InvalidOrchestratorName" }

// Config assembles one router: the orchestrator name inbound topics address,
// the machine versions it can run, and the store plus telemetry its handlers
// run against.
type Config struct {
	// Name is the orchestrator name. Inbound start topics are
	// xorca.<Name>.start and every subject must decode to this name.
	Name string
	// Machines are the versions this router can run. Each machine's name
	// must equal Name and versions must be unique.
	Machines []*machine.Machine
	// Store persists snapshots and dead letters; lock modes other than
	// none also lock through it.
	Store store.LockableStore
	// Retrier bounds lock acquisition. The zero value uses the defaults.
	Retrier store.LockRetrier
	// LockMode selects how handlers hold the per-subject lock. The zero
	// value means read-write.
	LockMode store.LockMode

	// ErrorOnNotFound emits an UnroutableEvent error envelope for events no
	// handler matches instead of dropping them with a warning.
	ErrorOnNotFound bool
	// RaiseOnInvalidOrchestratorName emits an error envelope when a subject
	// addresses a different orchestrator instead of dropping the group.
	RaiseOnInvalidOrchestratorName bool

	// Middleware holds per-version transform and emission overrides, keyed
	// by version string.
	Middleware map[string]actor.Middleware

	Logger  zerolog.Logger
	Tracer  telemetry.Tracer
	Metrics *telemetry.Metrics

	// Clock supplies orchestration times; nil uses time.Now.
	Clock func() time.Time
}

// Router owns the three handlers of one orchestrator: init for
// xorca.<name>.start, continuation for evt.*, system-error for sys.*.
// A router is safe for concurrent use.
type Router struct {
	name     string
	machines map[string]*machine.Machine
	highest  *machine.Machine

	store   store.LockableStore
	retrier store.LockRetrier
	mode    store.LockMode

	errorOnNotFound bool
	raiseOnName     bool
	middleware      map[string]actor.Middleware

	logger  zerolog.Logger
	tracer  telemetry.Tracer
	metrics *telemetry.Metrics
	clock   func() time.Time
}

// New validates the configuration and builds a router. Construction fails
// synchronously on a duplicated machine version.
func New(cfg Config) (*Router, error) {
	if cfg.Name == "" {
		return nil, errors.New("router: name is required")
	}
	if len(cfg.Machines) == 0 {
		return nil, errors.New("router: at least one machine is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("router: store is required")
	}
	mode, err := store.ParseLockMode(string(cfg.LockMode))
	if err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}

	machines := make(map[string]*machine.Machine, len(cfg.Machines))
	var highest *machine.Machine
	for _, m := range cfg.Machines {
		if m.Name() != cfg.Name {
			return nil, fmt.Errorf("router: machine %s does not belong to orchestrator %q", m, cfg.Name)
		}
		v := m.VersionString()
		if _, dup := machines[v]; dup {
			return nil, fmt.Errorf("router: %w: %s", ErrDuplicateMachineVersion, m)
		}
		machines[v] = m
		if highest == nil || semver.Compare(m.Version(), highest.Version()) > 0 {
			highest = m
		}
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = telemetry.NopTracer{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger.With().
		Str("component", "router").
		Str("orchestrator", cfg.Name).
		Logger()

	return &Router{
		name:            cfg.Name,
		machines:        machines,
		highest:         highest,
		store:           cfg.Store,
		retrier:         cfg.Retrier,
		mode:            mode,
		errorOnNotFound: cfg.ErrorOnNotFound,
		raiseOnName:     cfg.RaiseOnInvalidOrchestratorName,
		middleware:      cfg.Middleware,
		logger:          logger,
		tracer:          tracer,
		metrics:         cfg.Metrics,
		clock:           clock,
	}, nil
}

// Name returns the orchestrator name this router serves.
func (r *Router) Name() string { return r.name }

// Versions returns the machine versions this router holds, ascending.
func (r *Router) Versions() []string {
	vs := make([]semver.Version, 0, len(r.machines))
	for _, m := range r.machines {
		vs = append(vs, m.Version())
	}
	sort.Slice(vs, func(i, j int) bool { return semver.Compare(vs[i], vs[j]) < 0 })
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.String()
	}
	return out
}

// Route runs one activation over a batch of envelopes: the batch is split
// into per-subject groups, each group runs through its handler, and the
// group outputs are flattened back in group order. Groups run concurrently;
// events within a group stay strictly ordered against the advancing
// snapshot. Failures never escape as errors, they come back as error
// envelopes; the returned error reports context cancellation only.
func (r *Router) Route(ctx context.Context, envs []*envelope.Envelope) ([]*envelope.Envelope, error) {
	groups := r.group(envs)
	outs := make([][]*envelope.Envelope, len(groups))

	var wg sync.WaitGroup
	for i, g := range groups {
		wg.Add(1)
		go func(slot int, batch []*envelope.Envelope) {
			defer wg.Done()
			outs[slot] = r.dispatch(ctx, batch)
		}(i, g)
	}
	wg.Wait()

	var flat []*envelope.Envelope
	for _, out := range outs {
		flat = append(flat, out...)
	}
	return flat, ctx.Err()
}

// group splits the batch into per-subject groups preserving first-appearance
// order. Start envelopes have no subject until the init handler mints one,
// and subjectless envelopes cannot share state, so both become singleton
// groups.
func (r *Router) group(envs []*envelope.Envelope) [][]*envelope.Envelope {
	var groups [][]*envelope.Envelope
	index := make(map[string]int)
	for _, env := range envs {
		if env == nil {
			continue
		}
		if env.Subject == "" || envelope.IsStart(env.Type, r.name) {
			groups = append(groups, []*envelope.Envelope{env})
			continue
		}
		slot, ok := index[env.Subject]
		if !ok {
			slot = len(groups)
			index[env.Subject] = slot
			groups = append(groups, nil)
		}
		groups[slot] = append(groups[slot], env)
	}
	return groups
}

// dispatch routes one group to its handler based on the first envelope's
// type. A panic below this point becomes an InternalError envelope on the
// group's error topic.
func (r *Router) dispatch(ctx context.Context, group []*envelope.Envelope) (out []*envelope.Envelope) {
	first := group[0]
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("panic: %v", rec)
			r.logger.Error().Err(err).Str("type", first.Type).Str("id", first.ID).Msg("handler panic")
			if envelope.IsStart(first.Type, r.name) {
				out = []*envelope.Envelope{r.initError(first, err)}
			} else {
				out = []*envelope.Envelope{r.continuationError(first, err)}
			}
		}
	}()

	switch {
	case envelope.IsStart(first.Type, r.name):
		return r.handleInit(ctx, first)
	case envelope.IsSystemError(first.Type):
		r.handleSystemError(ctx, group)
		return nil
	case envelope.IsContinuation(first.Type):
		return r.handleContinuation(ctx, group)
	default:
		return r.unroutable(group)
	}
}

// unroutable handles envelopes no handler matches: one error envelope per
// event when ErrorOnNotFound is set, otherwise a warning.
func (r *Router) unroutable(group []*envelope.Envelope) []*envelope.Envelope {
	var out []*envelope.Envelope
	for _, env := range group {
		err := &UnroutableError{Type: env.Type}
		r.metrics.RecordActivation("unroutable", err)
		if !r.errorOnNotFound {
			r.logger.Warn().Str("type", env.Type).Str("id", env.ID).Msg("no handler for event, dropping")
			continue
		}
		out = append(out, r.continuationError(env, err))
	}
	return out
}

// orchestration builds the actor for one subject with the router's store,
// locking and telemetry, plus the middleware registered for the machine's
// version.
func (r *Router) orchestration(m *machine.Machine, subj subject.Subject) (*actor.OrchestrationActor, error) {
	return actor.NewOrchestration(actor.Options{
		Store:    r.store,
		Machine:  m,
		Subject:  subj,
		LockMode: r.mode,
		Retrier:  r.retrier,
		Logger:   r.logger,
		Metrics:  r.metrics,
		Clock:    r.clock,
	}, r.middleware[m.VersionString()])
}

// machineFor selects the machine a subject is pinned to: exact match on the
// subject's version, or the highest declared version when the subject
// carries none.
func (r *Router) machineFor(v semver.Version) (*machine.Machine, error) {
	if v.IsZero() {
		return r.highest, nil
	}
	m, ok := r.machines[v.String()]
	if !ok {
		return nil, &UnknownVersionError{Name: r.name, Version: v.String()}
	}
	return m, nil
}

// initError wraps err in the init error envelope: pre-processing failures
// go out on sys.xorca.<name>.start.error, everything else on the logical
// xorca.<name>.start.error topic.
func (r *Router) initError(cause *envelope.Envelope, err error) *envelope.Envelope {
	typ := envelope.StartErrorType(r.name)
	if isPreprocessing(err) {
		typ = envelope.SystemErrorType(typ)
	}
	return envelope.NewError(typ, envelope.OrchestratorSource(r.name), cause, err)
}

// continuationError is initError's counterpart for the orchestrator error
// topic.
func (r *Router) continuationError(cause *envelope.Envelope, err error) *envelope.Envelope {
	typ := envelope.OrchestratorErrorType(r.name)
	if isPreprocessing(err) {
		typ = envelope.SystemErrorType(typ)
	}
	return envelope.NewError(typ, envelope.OrchestratorSource(r.name), cause, err)
}

// isPreprocessing reports whether err happened before an orchestration was
// identified. Those failures surface on the sys topics; everything after
// subject resolution is a logical error.
func isPreprocessing(err error) bool {
	return errors.Is(err, envelope.ErrInvalidContentType) ||
		errors.Is(err, envelope.ErrInvalidEnvelope) ||
		errors.Is(err, schema.ErrSchemaViolation) ||
		errors.Is(err, subject.ErrInvalidSubject)
}
