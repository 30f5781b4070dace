// Package actor binds one orchestration subject to one machine version and
// drives its snapshot through the store: lock, read, step, write, unlock.
// The interpreter underneath is pure; everything stateful or fallible with
// I/O lives here.
package actor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/xorca/xorca/pkg/machine"
	"github.com/xorca/xorca/pkg/store"
	"github.com/xorca/xorca/pkg/subject"
	"github.com/xorca/xorca/pkg/telemetry"
)

var (
	// ErrAlreadyInitialized is returned by Init when the actor is already
	// initialized.
	ErrAlreadyInitialized = errors.New("actor already initialized")
	// ErrNotInitialized is returned by operations that require Init first.
	ErrNotInitialized = errors.New("actor not initialized")
	// ErrSubjectAlreadyExists is the sentinel for starting a subject that
	// already has a snapshot.
	ErrSubjectAlreadyExists = errors.New("subject already exists")
	// ErrSubjectNotInitialized is the sentinel for continuing a subject that
	// has no snapshot yet.
	ErrSubjectNotInitialized = errors.New("subject not initialized")
	// ErrVersionMismatch is the sentinel for an envelope whose declared
	// machine version disagrees with the subject's pinned version.
	ErrVersionMismatch = errors.New("machine version mismatch")
)

// AlreadyExistsError reports an init for a subject that already exists.
type AlreadyExistsError struct {
	Subject string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("subject %q already exists", e.Subject)
}

// Is matches ErrSubjectAlreadyExists so errors.Is works across the wrap chain.
func (e *AlreadyExistsError) Is(target error) bool { return target == ErrSubjectAlreadyExists }

// ErrorName returns the taxonomy name used in error envelopes.
func (e *AlreadyExistsError) ErrorName() string { return "SubjectAlreadyExists" }

// NotInitializedError reports a continuation for a subject with no snapshot.
type NotInitializedError struct {
	Subject string
}

func (e *NotInitializedError) Error() string {
	return fmt.Sprintf("subject %q not initialized", e.Subject)
}

// Is matches ErrSubjectNotInitialized so errors.Is works across the wrap chain.
func (e *NotInitializedError) Is(target error) bool { return target == ErrSubjectNotInitialized }

// ErrorName returns the taxonomy name used in error envelopes.
func (e *NotInitializedError) ErrorName() string { return "SubjectNotInitialized" }

// VersionMismatchError reports an envelope pinned to the wrong machine
// version for its subject.
type VersionMismatchError struct {
	Subject string
	Want    string // version the subject is pinned to
	Got     string // version the envelope declared
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("subject %q is pinned to machine version %s, envelope declares %s", e.Subject, e.Want, e.Got)
}

// Is matches ErrVersionMismatch so errors.Is works across the wrap chain.
func (e *VersionMismatchError) Is(target error) bool { return target == ErrVersionMismatch }

// ErrorName returns the taxonomy name used in error envelopes.
func (e *VersionMismatchError) ErrorName() string { return "VersionMismatch" }

// Options configures a persistent actor.
type Options struct {
	// Store holds the snapshot blob. Required.
	Store store.Store
	// Machine is the compiled definition the subject is pinned to. Required.
	Machine *machine.Machine
	// Subject identifies the orchestration instance. Required.
	Subject subject.Subject

	// LockMode selects when the subject key is locked. The zero value means
	// read-write. Modes other than none require a store that implements
	// store.LockingManager.
	LockMode store.LockMode
	// Retrier bounds lock acquisition. The zero value uses the defaults.
	Retrier store.LockRetrier

	// PreWrite computes the index projection from the marshaled snapshot
	// before each write. Nil uses DefaultPreWrite. Projections are written
	// only when the store implements store.ProjectionWriter.
	PreWrite PreWriteHook

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics

	// Clock supplies the orchestration checkpoint times; nil uses time.Now.
	Clock func() time.Time
}

// PersistentActor owns the snapshot lifecycle for one subject: Init acquires
// the lock and loads, Start/Step advance in memory, Save persists, Close
// releases. Callers must Close even when Init fails, so a lock acquired
// before the failure is released.
type PersistentActor struct {
	store     store.Store
	locks     store.LockingManager
	projector store.ProjectionWriter
	retrier   store.LockRetrier
	mode      store.LockMode

	machine *machine.Machine
	subject subject.Subject
	key     string

	prewrite PreWriteHook
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	clock    func() time.Time

	interp      *machine.Interpreter
	initialized bool
	locked      bool
	results     []*machine.StepResult
}

// New validates the options and builds an actor. No I/O happens until Init.
func New(opts Options) (*PersistentActor, error) {
	if opts.Store == nil {
		return nil, errors.New("actor: store is required")
	}
	if opts.Machine == nil {
		return nil, errors.New("actor: machine is required")
	}
	if opts.Subject.ProcessID == "" || opts.Subject.Name == "" {
		return nil, errors.New("actor: subject is required")
	}

	mode, err := store.ParseLockMode(string(opts.LockMode))
	if err != nil {
		return nil, fmt.Errorf("actor: %w", err)
	}

	var locks store.LockingManager
	if mode != store.LockNone {
		lm, ok := opts.Store.(store.LockingManager)
		if !ok {
			return nil, fmt.Errorf("actor: lock mode %q requires a store with locking", mode)
		}
		locks = lm
	}

	projector, _ := opts.Store.(store.ProjectionWriter)

	prewrite := opts.PreWrite
	if prewrite == nil {
		prewrite = DefaultPreWrite
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := opts.Logger.With().
		Str("component", "actor").
		Str("machine", opts.Machine.String()).
		Str("processId", opts.Subject.ProcessID).
		Logger()

	return &PersistentActor{
		store:     opts.Store,
		locks:     locks,
		projector: projector,
		retrier:   opts.Retrier,
		mode:      mode,
		machine:   opts.Machine,
		subject:   opts.Subject,
		key:       opts.Subject.StoreKey(),
		prewrite:  prewrite,
		logger:    logger,
		metrics:   opts.Metrics,
		clock:     clock,
	}, nil
}

// Subject returns the subject this actor is bound to.
func (a *PersistentActor) Subject() subject.Subject { return a.subject }

// Machine returns the machine version this actor is pinned to.
func (a *PersistentActor) Machine() *machine.Machine { return a.machine }

// Key returns the storage key for the subject's snapshot.
func (a *PersistentActor) Key() string { return a.key }

// HasSnapshot reports whether a snapshot is bound, either loaded by Init or
// created by Start.
func (a *PersistentActor) HasSnapshot() bool {
	return a.interp != nil && a.interp.Started()
}

// Snapshot returns the current snapshot, or nil when none is bound.
func (a *PersistentActor) Snapshot() *machine.Snapshot {
	if a.interp == nil {
		return nil
	}
	return a.interp.Snapshot()
}

// Results returns the step results accumulated since Init, in order.
func (a *PersistentActor) Results() []*machine.StepResult { return a.results }

// Init acquires the subject lock (in read-write mode), reads the stored
// snapshot, and binds it to a fresh interpreter. A missing snapshot is not
// an error: the actor is then ready for Start.
func (a *PersistentActor) Init(ctx context.Context) error {
	if a.initialized {
		return ErrAlreadyInitialized
	}

	if a.mode == store.LockReadWrite {
		if err := a.acquire(ctx); err != nil {
			return err
		}
		a.locked = true
	}

	blob, err := a.store.Read(ctx, a.key)
	a.metrics.RecordStoreOp("read", err)
	if err != nil {
		return a.storeErr("read", err)
	}

	a.interp = machine.NewInterpreter(a.machine)
	if blob != nil {
		snap, err := machine.UnmarshalSnapshot(blob)
		if err != nil {
			return fmt.Errorf("actor: %w", err)
		}
		if err := a.interp.Restore(snap); err != nil {
			return fmt.Errorf("actor: restore %s: %w", a.machine, err)
		}
	}

	a.initialized = true
	a.logger.Debug().Bool("hasSnapshot", a.HasSnapshot()).Msg("actor initialized")
	return nil
}

// Start creates the initial snapshot in memory. When a snapshot already
// exists the call is an idempotent no-op returning (nil, nil); callers that
// must fail on duplicates check HasSnapshot first.
func (a *PersistentActor) Start(input map[string]interface{}, traceID string) (*machine.StepResult, error) {
	if !a.initialized {
		return nil, ErrNotInitialized
	}
	if a.interp.Started() {
		return nil, nil
	}
	res, err := a.interp.NewRun(input, traceID, a.clock())
	if err != nil {
		return nil, err
	}
	a.results = append(a.results, res)
	return res, nil
}

// Step advances the snapshot by one event in memory. A failed step leaves
// the snapshot untouched.
func (a *PersistentActor) Step(ev machine.Event) (*machine.StepResult, error) {
	if !a.initialized {
		return nil, ErrNotInitialized
	}
	if !a.interp.Started() {
		return nil, &NotInitializedError{Subject: a.subject.String()}
	}
	res, err := a.interp.Step(ev, a.clock())
	if err != nil {
		return nil, err
	}
	a.results = append(a.results, res)
	return res, nil
}

// PutContext writes one context key on the bound snapshot.
func (a *PersistentActor) PutContext(key string, value interface{}) error {
	if !a.initialized {
		return ErrNotInitialized
	}
	if !a.interp.Started() {
		return &NotInitializedError{Subject: a.subject.String()}
	}
	return a.interp.PutContext(key, value)
}

// Save persists the bound snapshot. In write-only mode the lock is taken
// just around the write and released before returning. The index projection
// is written after the blob; projection failures are logged and swallowed,
// the snapshot write is what counts.
func (a *PersistentActor) Save(ctx context.Context) error {
	if !a.initialized {
		return ErrNotInitialized
	}
	if !a.interp.Started() {
		return &NotInitializedError{Subject: a.subject.String()}
	}

	blob, err := machine.MarshalSnapshot(a.interp.Snapshot())
	if err != nil {
		return fmt.Errorf("actor: %w", err)
	}

	if a.mode == store.LockWrite {
		if err := a.acquire(ctx); err != nil {
			return err
		}
		defer a.release(ctx)
	}

	err = a.store.Write(ctx, a.key, blob)
	a.metrics.RecordStoreOp("write", err)
	if err != nil {
		return a.storeErr("write", err)
	}

	a.writeProjection(ctx, blob)
	a.logger.Debug().Int("bytes", len(blob)).Msg("snapshot saved")
	return nil
}

// Close releases the subject lock and resets the actor. It is idempotent
// and safe to call after a failed Init.
func (a *PersistentActor) Close(ctx context.Context) error {
	if a.locked {
		if _, err := a.locks.Unlock(ctx, a.key); err != nil {
			a.logger.Warn().Err(err).Msg("unlock failed")
			a.locked = false
			return a.storeErr("unlock", err)
		}
		a.locked = false
	}
	a.initialized = false
	a.interp = nil
	return nil
}

func (a *PersistentActor) acquire(ctx context.Context) error {
	started := time.Now()
	err := a.retrier.Acquire(ctx, a.locks, a.key)
	a.metrics.RecordLockWait(time.Since(started), err == nil)
	if err != nil {
		return err
	}
	return nil
}

func (a *PersistentActor) release(ctx context.Context) {
	if _, err := a.locks.Unlock(ctx, a.key); err != nil {
		a.logger.Warn().Err(err).Msg("unlock failed")
	}
}

func (a *PersistentActor) writeProjection(ctx context.Context, blob []byte) {
	if a.projector == nil {
		return
	}
	p := a.prewrite(blob, a.key)
	if p.IsZero() {
		return
	}
	err := a.projector.WriteProjection(ctx, a.key, p.Fields())
	a.metrics.RecordStoreOp("projection", err)
	if err != nil {
		a.logger.Debug().Err(err).Msg("projection write failed")
	}
}

// storeErr wraps backend failures that are not already typed store errors.
func (a *PersistentActor) storeErr(op string, err error) error {
	if errors.Is(err, store.ErrStoreFailure) || errors.Is(err, store.ErrLockAcquisitionTimeout) {
		return err
	}
	return &store.StoreError{Op: op, Key: a.key, Err: err}
}
