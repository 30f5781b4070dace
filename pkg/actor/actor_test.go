package actor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xorca/xorca/pkg/machine"
	"github.com/xorca/xorca/pkg/machine/machinetest"
	"github.com/xorca/xorca/pkg/semver"
	"github.com/xorca/xorca/pkg/store"
	"github.com/xorca/xorca/pkg/subject"
)

var base = time.UnixMilli(1_700_000_000_000)

func fixedClock() time.Time { return base }

func testSubject(t *testing.T) subject.Subject {
	t.Helper()
	subj, err := subject.New("proc-1", "summary", semver.MustParse("1.0.0"))
	require.NoError(t, err)
	return subj
}

func newActor(t *testing.T, ms *store.MemoryStore, opts ...func(*Options)) *PersistentActor {
	t.Helper()
	o := Options{
		Store:   ms,
		Machine: machinetest.Summary(),
		Subject: testSubject(t),
		Retrier: store.LockRetrier{Timeout: 50 * time.Millisecond, Delay: 10 * time.Millisecond},
		Clock:   fixedClock,
	}
	for _, fn := range opts {
		fn(&o)
	}
	a, err := New(o)
	require.NoError(t, err)
	return a
}

func TestActor_StartSaveRoundTrip(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	a := newActor(t, ms)
	require.NoError(t, a.Init(ctx))
	defer a.Close(ctx)

	assert.False(t, a.HasSnapshot())

	res, err := a.Start(map[string]interface{}{"bookId": "bk-42"}, "trace-1")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, []string{"FetchData"}, res.NewlyEntered)
	assert.True(t, a.HasSnapshot())

	require.NoError(t, a.Save(ctx))

	blob, err := ms.Read(ctx, a.Key())
	require.NoError(t, err)
	require.NotNil(t, blob)

	snap, err := machine.UnmarshalSnapshot(blob)
	require.NoError(t, err)
	assert.Equal(t, machine.StatusActive, snap.Status)
	assert.Equal(t, "trace-1", snap.TraceID)
	assert.Equal(t, []string{"FetchData"}, snap.Value.ActivePaths())
}

func TestActor_StartIsIdempotent(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	a := newActor(t, ms)
	require.NoError(t, a.Init(ctx))
	defer a.Close(ctx)

	res, err := a.Start(map[string]interface{}{"bookId": "bk-42"}, "trace-1")
	require.NoError(t, err)
	require.NotNil(t, res)

	res, err = a.Start(map[string]interface{}{"bookId": "other"}, "trace-2")
	require.NoError(t, err)
	assert.Nil(t, res, "second start is a no-op")
	assert.Equal(t, "trace-1", a.Snapshot().TraceID, "first run is untouched")
}

func TestActor_ReloadAcrossActors(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	a := newActor(t, ms)
	require.NoError(t, a.Init(ctx))
	_, err := a.Start(map[string]interface{}{"bookId": "bk-42"}, "trace-1")
	require.NoError(t, err)
	require.NoError(t, a.Save(ctx))
	require.NoError(t, a.Close(ctx))

	b := newActor(t, ms)
	require.NoError(t, b.Init(ctx))
	defer b.Close(ctx)

	require.True(t, b.HasSnapshot())
	res, err := b.Step(machine.Event{
		Type: "evt.book.fetch.success",
		Data: map[string]interface{}{"bookData": []interface{}{"ch1"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Summarize"}, res.NewlyEntered)
}

func TestActor_StepWithoutSnapshot(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	a := newActor(t, ms)
	require.NoError(t, a.Init(ctx))
	defer a.Close(ctx)

	_, err := a.Step(machine.Event{Type: "evt.book.fetch.success"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSubjectNotInitialized)

	var nie *NotInitializedError
	require.ErrorAs(t, err, &nie)
	assert.Equal(t, "SubjectNotInitialized", nie.ErrorName())
}

func TestActor_LifecycleGuards(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	a := newActor(t, ms)

	_, err := a.Start(nil, "trace-1")
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, a.Save(ctx), ErrNotInitialized)

	require.NoError(t, a.Init(ctx))
	assert.ErrorIs(t, a.Init(ctx), ErrAlreadyInitialized)
	require.NoError(t, a.Close(ctx))

	// Close is idempotent and resets the actor for a fresh Init.
	require.NoError(t, a.Close(ctx))
	require.NoError(t, a.Init(ctx))
	require.NoError(t, a.Close(ctx))
}

func TestActor_ReadWriteLockIsExclusive(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	a := newActor(t, ms)
	require.NoError(t, a.Init(ctx))

	b := newActor(t, ms)
	err := b.Init(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrLockAcquisitionTimeout)
	require.NoError(t, b.Close(ctx))

	// Releasing the first actor frees the subject.
	require.NoError(t, a.Close(ctx))
	require.NoError(t, b.Init(ctx))
	require.NoError(t, b.Close(ctx))
}

func TestActor_WriteOnlyLocksAroundSaveOnly(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	writeOnly := func(o *Options) { o.LockMode = store.LockWrite }

	a := newActor(t, ms, writeOnly)
	b := newActor(t, ms, writeOnly)

	// Both may initialize concurrently: no lock is held outside Save.
	require.NoError(t, a.Init(ctx))
	require.NoError(t, b.Init(ctx))

	_, err := a.Start(map[string]interface{}{"bookId": "bk-42"}, "trace-1")
	require.NoError(t, err)
	require.NoError(t, a.Save(ctx))

	// The save released its lock; the key is free again.
	ok, err := ms.Lock(ctx, a.Key())
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = ms.Unlock(ctx, a.Key())
	require.NoError(t, err)

	require.NoError(t, a.Close(ctx))
	require.NoError(t, b.Close(ctx))
}

func TestActor_LockModeNoneNeverLocks(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	a := newActor(t, ms, func(o *Options) { o.LockMode = store.LockNone })
	require.NoError(t, a.Init(ctx))
	defer a.Close(ctx)

	_, err := a.Start(map[string]interface{}{"bookId": "bk-42"}, "trace-1")
	require.NoError(t, err)
	require.NoError(t, a.Save(ctx))

	ok, err := ms.Lock(ctx, a.Key())
	require.NoError(t, err)
	assert.True(t, ok, "no lease was ever taken on the key")
	_, err = ms.Unlock(ctx, a.Key())
	require.NoError(t, err)
}

func TestActor_SaveWritesProjection(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	a := newActor(t, ms)
	require.NoError(t, a.Init(ctx))
	defer a.Close(ctx)

	_, err := a.Start(map[string]interface{}{"bookId": "bk-42"}, "trace-1")
	require.NoError(t, err)
	require.NoError(t, a.Save(ctx))

	p := ms.Projection(a.Key())
	require.NotNil(t, p)
	assert.Equal(t, "FetchData", p["stage"])
	assert.Equal(t, "active", p["status"])
	assert.Equal(t, "trace-1", p["traceId"])
	assert.Equal(t, "summary", p["name"])
	assert.Equal(t, "proc-1", p["processId"])
	assert.Equal(t, "1.0.0", p["version"])

	var pctx map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(p["context"]), &pctx))
	assert.Equal(t, map[string]interface{}{"bookId": "bk-42"}, pctx, "reserved keys stay out of the projection")
}

func TestDefaultPreWrite(t *testing.T) {
	subj := testSubject(t)

	snap := &machine.Snapshot{
		Value:   machine.ConfigValue{Leaf: "FetchData"},
		Context: map[string]interface{}{"bookId": "bk-42", machine.KeyTraceID: "trace-1"},
		Status:  machine.StatusActive,
		History: []machine.HistoryEntry{{EventType: machine.InitEventType}},
		TraceID: "trace-1",
	}
	blob, err := machine.MarshalSnapshot(snap)
	require.NoError(t, err)

	p := DefaultPreWrite(blob, subj.StoreKey())
	require.False(t, p.IsZero())
	assert.Equal(t, "FetchData", p.Stage)
	assert.Equal(t, "active", p.Status)
	assert.Equal(t, "summary", p.Name)
	assert.Equal(t, "proc-1", p.ProcessID)
	assert.Equal(t, "1.0.0", p.Version)
	assert.Equal(t, map[string]interface{}{"bookId": "bk-42"}, p.Context)

	fields := p.Fields()
	assert.Equal(t, "FetchData", fields["stage"])
	assert.Contains(t, fields["context"], "bk-42")
}

func TestDefaultPreWrite_BadInputYieldsZero(t *testing.T) {
	assert.True(t, DefaultPreWrite([]byte("not json"), "whatever.json").IsZero())

	snap := &machine.Snapshot{Value: machine.ConfigValue{Leaf: "FetchData"}, Status: machine.StatusActive}
	blob, err := machine.MarshalSnapshot(snap)
	require.NoError(t, err)
	assert.True(t, DefaultPreWrite(blob, "not-a-subject.json").IsZero())
}
