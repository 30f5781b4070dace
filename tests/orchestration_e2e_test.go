// Package tests exercises the orchestration pipeline end to end: envelope
// intake, routing, machine interpretation, snapshot persistence across store
// backends, versioning, init uniqueness, and publishing.
package tests

import (
	"context"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/xorca/xorca/pkg/envelope"
	"github.com/xorca/xorca/pkg/machine"
	"github.com/xorca/xorca/pkg/machine/machinetest"
	"github.com/xorca/xorca/pkg/publish"
	"github.com/xorca/xorca/pkg/router"
	"github.com/xorca/xorca/pkg/store"
	"github.com/xorca/xorca/pkg/store/boltstore"
	"github.com/xorca/xorca/pkg/subject"
)

// -----------------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------------

func newRouter(t *testing.T, st store.LockableStore) *router.Router {
	t.Helper()
	rt, err := router.New(router.Config{
		Name:     "summary",
		Machines: []*machine.Machine{machinetest.Summary(), machinetest.SummaryV2()},
		Store:    st,
		Retrier:  store.LockRetrier{Timeout: 500 * time.Millisecond, Delay: 10 * time.Millisecond},
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}
	return rt
}

func route(t *testing.T, rt *router.Router, envs ...*envelope.Envelope) []*envelope.Envelope {
	t.Helper()
	outs, err := rt.Route(context.Background(), envs)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	return outs
}

func startSummary(t *testing.T, rt *router.Router, processID string) string {
	t.Helper()
	outs := route(t, rt, envelope.New(envelope.StartType("summary"), "/e2e", "", map[string]interface{}{
		"processId": processID,
		"context":   map[string]interface{}{"bookId": "b.pdf"},
	}))
	if len(outs) != 1 || outs[0].Type != "cmd.book.fetch" {
		t.Fatalf("init should emit cmd.book.fetch, got %v", types(outs))
	}
	return outs[0].Subject
}

func event(token, typ string, data map[string]interface{}) *envelope.Envelope {
	return envelope.New(typ, "/e2e/fleet", token, data)
}

func readSnap(t *testing.T, st store.Store, token string) *machine.Snapshot {
	t.Helper()
	subj, err := subject.Parse(token)
	if err != nil {
		t.Fatalf("subject.Parse: %v", err)
	}
	blob, err := st.Read(context.Background(), subj.StoreKey())
	if err != nil {
		t.Fatalf("store read: %v", err)
	}
	if blob == nil {
		t.Fatalf("no snapshot for %s", token)
	}
	snap, err := machine.UnmarshalSnapshot(blob)
	if err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	return snap
}

func types(envs []*envelope.Envelope) []string {
	out := make([]string, len(envs))
	for i, env := range envs {
		out[i] = env.Type
	}
	return out
}

func errorName(t *testing.T, env *envelope.Envelope) string {
	t.Helper()
	name, _ := env.Data["errorName"].(string)
	if name == "" {
		t.Fatalf("envelope %s carries no errorName", env.Type)
	}
	if msg, _ := env.Data["errorMessage"].(string); msg == "" {
		t.Errorf("envelope %s carries no errorMessage", env.Type)
	}
	return name
}

// runLifecycle drives one orchestration from start to done and verifies the
// emissions at every step.
func runLifecycle(t *testing.T, st store.LockableStore) {
	t.Helper()
	rt := newRouter(t, st)
	token := startSummary(t, rt, "P1")

	outs := route(t, rt, event(token, "evt.book.fetch.success", map[string]interface{}{
		"bookData": []interface{}{"page one", "page two"},
	}))
	if got := types(outs); !reflect.DeepEqual(got, []string{"cmd.gpt.summary"}) {
		t.Fatalf("after fetch success, want [cmd.gpt.summary], got %v", got)
	}
	if content, ok := outs[0].Data["content"].([]interface{}); !ok || len(content) != 2 {
		t.Errorf("cmd.gpt.summary should carry the book pages, got %v", outs[0].Data["content"])
	}

	outs = route(t, rt, event(token, "evt.gpt.summary.success", map[string]interface{}{
		"summary": "a short synopsis",
	}))
	if got := types(outs); !reflect.DeepEqual(got, []string{"cmd.regulations.grounded", "cmd.regulations.compliant"}) {
		t.Fatalf("entering the parallel verify, want both checks, got %v", got)
	}

	snap := readSnap(t, st, token)
	if got := snap.Value.ActivePaths(); !reflect.DeepEqual(got, []string{"Verify.Compliant.Check", "Verify.Grounded.Check"}) {
		t.Fatalf("verify branches should both be active, got %v", got)
	}

	// First branch completing emits nothing; the region is still open.
	outs = route(t, rt, event(token, "evt.regulations.grounded.success", map[string]interface{}{
		"grounded": true,
	}))
	if len(outs) != 0 {
		t.Fatalf("first verify completion should emit nothing, got %v", types(outs))
	}

	outs = route(t, rt, event(token, "evt.regulations.compliant.success", map[string]interface{}{
		"compliant": true,
	}))
	if got := types(outs); !reflect.DeepEqual(got, []string{"notif.done"}) {
		t.Fatalf("closing the parallel region, want [notif.done], got %v", got)
	}

	done := outs[0].Data
	if done["bookId"] != "b.pdf" {
		t.Errorf("notif.done should carry bookId, got %v", done["bookId"])
	}
	for _, key := range []string{"bookData", "summary", "grounded", "compliant"} {
		if _, ok := done[key]; !ok {
			t.Errorf("notif.done missing %q", key)
		}
	}

	snap = readSnap(t, st, token)
	if snap.Status != machine.StatusDone {
		t.Fatalf("orchestration should be done, got %s", snap.Status)
	}
}

// =============================================================================
// 1. LIFECYCLE — full workflow to completion across store backends
// =============================================================================

func TestE2E_Lifecycle_MemoryStore(t *testing.T) {
	runLifecycle(t, store.NewMemoryStore())
}

func TestE2E_Lifecycle_BoltStore(t *testing.T) {
	bs, err := boltstore.Open(boltstore.Options{Path: filepath.Join(t.TempDir(), "e2e.db")})
	if err != nil {
		t.Fatalf("boltstore.Open: %v", err)
	}
	defer bs.Close()

	runLifecycle(t, bs)
}

// =============================================================================
// 2. IGNORED AND MALFORMED EVENTS
// =============================================================================

func TestE2E_UnknownEventPersistsHistoryOnly(t *testing.T) {
	ms := store.NewMemoryStore()
	rt := newRouter(t, ms)
	token := startSummary(t, rt, "P1")

	before := readSnap(t, ms, token)

	outs := route(t, rt, event(token, "evt.inventory.updated", map[string]interface{}{"n": float64(1)}))
	if len(outs) != 0 {
		t.Fatalf("unmatched event should emit nothing, got %v", types(outs))
	}

	after := readSnap(t, ms, token)
	if !reflect.DeepEqual(before.Value, after.Value) {
		t.Errorf("state value changed on an unmatched event: %v -> %v", before.Value, after.Value)
	}
	if len(after.History) != len(before.History)+1 {
		t.Errorf("history should record the unmatched event: %d -> %d", len(before.History), len(after.History))
	}
}

func TestE2E_MalformedEnvelopeNeverTouchesStore(t *testing.T) {
	ms := store.NewMemoryStore()
	rt := newRouter(t, ms)

	bad := event("c3ViamVjdA==", "evt.book.fetch.success", map[string]interface{}{"bookData": []interface{}{}})
	bad.DataContentType = "application/xml"

	outs := route(t, rt, bad)
	if len(outs) != 1 {
		t.Fatalf("want a single system error envelope, got %v", types(outs))
	}
	if outs[0].Type != envelope.SystemErrorType(envelope.OrchestratorErrorType("summary")) {
		t.Fatalf("malformed continuation should surface on the sys topic, got %s", outs[0].Type)
	}
	if name := errorName(t, outs[0]); name != "InvalidContentType" {
		t.Errorf("want InvalidContentType, got %s", name)
	}
	if ms.Len() != 0 {
		t.Errorf("store was touched for a malformed envelope: %d keys", ms.Len())
	}
}

func TestE2E_InitSchemaViolationMintsNothing(t *testing.T) {
	ms := store.NewMemoryStore()
	rt := newRouter(t, ms)

	outs := route(t, rt, envelope.New(envelope.StartType("summary"), "/e2e", "", map[string]interface{}{
		"context": map[string]interface{}{"title": "no bookId here"},
	}))
	if len(outs) != 1 {
		t.Fatalf("want a single error envelope, got %v", types(outs))
	}
	if outs[0].Type != envelope.SystemErrorType(envelope.StartErrorType("summary")) {
		t.Fatalf("schema violation should surface on the sys start topic, got %s", outs[0].Type)
	}
	if name := errorName(t, outs[0]); name != "SchemaViolation" {
		t.Errorf("want SchemaViolation, got %s", name)
	}
	if ms.Len() != 0 {
		t.Errorf("no subject should be minted, found %d keys", ms.Len())
	}
}

// =============================================================================
// 3. VERSIONING
// =============================================================================

func TestE2E_VersionMismatchLeavesSnapshotUntouched(t *testing.T) {
	ms := store.NewMemoryStore()
	rt := newRouter(t, ms)
	token := startSummary(t, rt, "P1")

	subj, err := subject.Parse(token)
	if err != nil {
		t.Fatalf("subject.Parse: %v", err)
	}
	blobBefore, err := ms.Read(context.Background(), subj.StoreKey())
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	evt := event(token, "evt.book.fetch.success", map[string]interface{}{
		"bookData": []interface{}{"page one"},
	})
	evt.StateMachineVersion = "2.0.0"

	outs := route(t, rt, evt)
	if len(outs) != 1 {
		t.Fatalf("want a single error envelope, got %v", types(outs))
	}
	if name := errorName(t, outs[0]); name != "VersionMismatch" {
		t.Errorf("want VersionMismatch, got %s", name)
	}

	blobAfter, err := ms.Read(context.Background(), subj.StoreKey())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(blobBefore) != string(blobAfter) {
		t.Error("snapshot bytes changed on a version mismatch")
	}
}

func TestE2E_InitPicksHighestVersionWhenAbsent(t *testing.T) {
	ms := store.NewMemoryStore()
	rt := newRouter(t, ms)

	outs := route(t, rt, envelope.New(envelope.StartType("summary"), "/e2e", "", map[string]interface{}{
		"context": map[string]interface{}{"bookId": "b.pdf"},
	}))
	if len(outs) != 1 {
		t.Fatalf("want one emission, got %v", types(outs))
	}

	subj, err := subject.Parse(outs[0].Subject)
	if err != nil {
		t.Fatalf("subject.Parse: %v", err)
	}
	if subj.Version.String() != "2.0.0" {
		t.Errorf("init without a version should bind the highest, got %s", subj.Version)
	}
}

// =============================================================================
// 4. INIT UNIQUENESS
// =============================================================================

func TestE2E_DoubleInitRejected(t *testing.T) {
	ms := store.NewMemoryStore()
	rt := newRouter(t, ms)
	startSummary(t, rt, "P1")

	outs := route(t, rt, envelope.New(envelope.StartType("summary"), "/e2e", "", map[string]interface{}{
		"processId": "P1",
		"context":   map[string]interface{}{"bookId": "b.pdf"},
	}))
	if len(outs) != 1 {
		t.Fatalf("want a single error envelope, got %v", types(outs))
	}
	if outs[0].Type != envelope.StartErrorType("summary") {
		t.Fatalf("want the logical start error topic, got %s", outs[0].Type)
	}
	if name := errorName(t, outs[0]); name != "SubjectAlreadyExists" {
		t.Errorf("want SubjectAlreadyExists, got %s", name)
	}
}

func TestE2E_ConcurrentInitMintsExactlyOnce(t *testing.T) {
	ms := store.NewMemoryStore()
	rt := newRouter(t, ms)

	mint := func() []*envelope.Envelope {
		outs, _ := rt.Route(context.Background(), []*envelope.Envelope{
			envelope.New(envelope.StartType("summary"), "/e2e", "", map[string]interface{}{
				"processId": "P-race",
				"context":   map[string]interface{}{"bookId": "b.pdf"},
			}),
		})
		return outs
	}

	var wg sync.WaitGroup
	results := make([][]*envelope.Envelope, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			results[slot] = mint()
		}(i)
	}
	wg.Wait()

	var started, rejected int
	for _, outs := range results {
		for _, env := range outs {
			switch env.Type {
			case "cmd.book.fetch":
				started++
			case envelope.StartErrorType("summary"):
				rejected++
			default:
				t.Errorf("unexpected envelope %s", env.Type)
			}
		}
	}
	if started != 1 || rejected != 1 {
		t.Fatalf("want exactly one start and one rejection, got started=%d rejected=%d", started, rejected)
	}
}

// =============================================================================
// 5. CONCURRENCY — per-subject serialization
// =============================================================================

func TestE2E_ConcurrentEventsSerializeOnSubject(t *testing.T) {
	ms := store.NewMemoryStore()
	rt := newRouter(t, ms)
	token := startSummary(t, rt, "P1")

	before := readSnap(t, ms, token)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rt.Route(context.Background(), []*envelope.Envelope{
				event(token, "evt.audit.ping", map[string]interface{}{}),
			})
		}()
	}
	wg.Wait()

	after := readSnap(t, ms, token)
	if len(after.History) != len(before.History)+2 {
		t.Fatalf("a concurrent write was lost: history %d -> %d", len(before.History), len(after.History))
	}
	if !reflect.DeepEqual(before.Value, after.Value) {
		t.Errorf("state value changed on unmatched events")
	}
}

// =============================================================================
// 6. PUBLISH PIPELINE — routed envelopes through the bus
// =============================================================================

func TestE2E_RoutedEnvelopesReachSubscribers(t *testing.T) {
	ms := store.NewMemoryStore()
	rt := newRouter(t, ms)

	bus := publish.NewMemoryBus(zerolog.Nop())
	defer bus.Close()
	commands := bus.Subscribe("cmd.book.fetch")

	outs := route(t, rt, envelope.New(envelope.StartType("summary"), "/e2e", "", map[string]interface{}{
		"processId": "P1",
		"context":   map[string]interface{}{"bookId": "b.pdf"},
	}))
	if err := bus.Publish(context.Background(), outs); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case env := <-commands:
		if env.Type != "cmd.book.fetch" {
			t.Errorf("want cmd.book.fetch, got %s", env.Type)
		}
		if env.Subject == "" {
			t.Error("routed command lost its subject")
		}
	case <-time.After(time.Second):
		t.Fatal("bus never delivered the routed command")
	}
}
