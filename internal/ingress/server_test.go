package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xorca/xorca/pkg/envelope"
	"github.com/xorca/xorca/pkg/machine"
	"github.com/xorca/xorca/pkg/machine/machinetest"
	"github.com/xorca/xorca/pkg/publish"
	"github.com/xorca/xorca/pkg/router"
	"github.com/xorca/xorca/pkg/semver"
	"github.com/xorca/xorca/pkg/store"
	"github.com/xorca/xorca/pkg/subject"
)

type envelopeResponse struct {
	ProcessID string               `json:"processId"`
	Count     int                  `json:"count"`
	Envelopes []*envelope.Envelope `json:"envelopes"`
}

func newTestServer(t *testing.T, pub publish.Publisher) (*Server, *store.MemoryStore) {
	t.Helper()

	ms := store.NewMemoryStore()
	rt, err := router.New(router.Config{
		Name:     "summary",
		Machines: []*machine.Machine{machinetest.Summary(), machinetest.SummaryV2()},
		Store:    ms,
		Retrier:  store.LockRetrier{Timeout: 200 * time.Millisecond, Delay: 10 * time.Millisecond},
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	srv, err := New(Options{
		Port:      "0",
		Router:    rt,
		Store:     ms,
		Publisher: pub,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	return srv, ms
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) envelopeResponse {
	t.Helper()
	var resp envelopeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func startOrchestration(t *testing.T, h http.Handler, processID string) envelopeResponse {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/api/v1/orchestrations", map[string]interface{}{
		"processId": processID,
		"context":   map[string]interface{}{"bookId": "b.pdf"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeResponse(t, rec)
}

func TestStart_CreatesOrchestration(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	resp := startOrchestration(t, h, "P1")
	assert.Equal(t, "P1", resp.ProcessID)
	require.Len(t, resp.Envelopes, 1)
	assert.Equal(t, "cmd.book.fetch", resp.Envelopes[0].Type)

	token := resp.Envelopes[0].Subject
	subj, err := subject.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "P1", subj.ProcessID)
	assert.Equal(t, "summary", subj.Name)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/orchestrations/"+token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	snap, err := machine.UnmarshalSnapshot(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, machine.StatusActive, snap.Status)
}

func TestStart_MintsProcessID(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/orchestrations", map[string]interface{}{
		"context": map[string]interface{}{"bookId": "b.pdf"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	resp := decodeResponse(t, rec)
	assert.NotEmpty(t, resp.ProcessID)
}

func TestStart_RequiresContext(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/orchestrations", map[string]interface{}{
		"processId": "P1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStart_ConflictOnDoubleInit(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	startOrchestration(t, h, "P1")

	rec := doJSON(t, h, http.MethodPost, "/api/v1/orchestrations", map[string]interface{}{
		"processId": "P1",
		"context":   map[string]interface{}{"bookId": "b.pdf"},
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	resp := decodeResponse(t, rec)
	require.Len(t, resp.Envelopes, 1)
	assert.Equal(t, envelope.StartErrorType("summary"), resp.Envelopes[0].Type)
}

func TestEvents_RoutesBatch(t *testing.T) {
	bus := publish.NewMemoryBus(zerolog.Nop())
	defer bus.Close()
	delivered := bus.Subscribe()

	srv, _ := newTestServer(t, bus)
	h := srv.Handler()

	started := startOrchestration(t, h, "P1")
	token := started.Envelopes[0].Subject
	// Drain the start emission delivered through the bus.
	<-delivered

	evt := envelope.New("evt.book.fetch.success", "/test/fleet", token, map[string]interface{}{
		"bookData": []interface{}{"page one"},
	})
	rec := doJSON(t, h, http.MethodPost, "/api/v1/events", []*envelope.Envelope{evt})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeResponse(t, rec)
	assert.Equal(t, 1, resp.Count)
	require.Len(t, resp.Envelopes, 1)
	assert.Equal(t, "cmd.gpt.summary", resp.Envelopes[0].Type)

	select {
	case env := <-delivered:
		assert.Equal(t, "cmd.gpt.summary", env.Type)
	case <-time.After(time.Second):
		t.Fatal("publisher never saw the outbound envelope")
	}
}

func TestEvents_InvalidBody(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", bytes.NewBufferString("not json"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSnapshot_NotFound(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	subj, err := subject.New("never-started", "summary", semver.MustParse("1.0.0"))
	require.NoError(t, err)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/v1/orchestrations/"+subj.String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSnapshot_BadSubject(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/v1/orchestrations/%21%21%21", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status       string   `json:"status"`
		Orchestrator string   `json:"orchestrator"`
		Versions     []string `json:"versions"`
		Store        string   `json:"store"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "summary", body.Orchestrator)
	assert.Equal(t, []string{"1.0.0", "2.0.0"}, body.Versions)
	assert.Equal(t, "connected", body.Store)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Body.String())
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/events", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{Store: store.NewMemoryStore()})
	require.Error(t, err)

	rt, err := router.New(router.Config{
		Name:     "summary",
		Machines: []*machine.Machine{machinetest.Summary()},
		Store:    store.NewMemoryStore(),
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	_, err = New(Options{Router: rt})
	require.Error(t, err)
}

func TestShutdown_Idempotent(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.NoError(t, srv.Shutdown(ctx))
}
