package admin_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hardik936/llmgate"
	"github.com/hardik936/llmgate/internal/admin"
	"github.com/hardik936/llmgate/meter"
	"github.com/hardik936/llmgate/provider/mock"
)

func newServer(t *testing.T) (*llmgate.Orchestrator, http.Handler) {
	t.Helper()
	cfg := llmgate.DefaultConfig()
	cfg.Providers = []llmgate.ProviderConfig{
		{Name: "groq", Priority: 1, RatePerSec: 10},
		{Name: "openai", Priority: 2, RatePerSec: 5},
	}
	set := mock.NewSet(mock.New(mock.WithName("groq")), mock.New(mock.WithName("openai")))

	pm := meter.NewPrometheusMeter()
	orch, err := llmgate.New(cfg, set.Call, llmgate.WithMeter(pm))
	require.NoError(t, err)
	t.Cleanup(func() { _ = orch.Close() })

	return orch, admin.NewRouter(admin.RouterDeps{Status: orch, Caller: orch, Metrics: pm.Handler()})
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	_, h := newServer(t)
	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestLimiterStatus(t *testing.T) {
	_, h := newServer(t)
	rec := get(t, h, "/status/limiter/groq")
	require.Equal(t, http.StatusOK, rec.Code)

	var st llmgate.LimiterStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.Equal(t, "groq", st.Provider)
	assert.Equal(t, 10.0, st.Capacity)
	assert.True(t, st.Enabled)
}

func TestLimiterStatus_UnknownProvider(t *testing.T) {
	_, h := newServer(t)
	rec := get(t, h, "/status/limiter/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown_provider")
}

func TestQuotaStatus(t *testing.T) {
	orch, h := newServer(t)
	_, err := orch.Call(context.Background(), llmgate.Request{WorkflowID: "wf1", Tokens: 40})
	require.NoError(t, err)

	rec := get(t, h, "/status/quota/workflow/wf1")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 40.0, body["tokens_used"])
	assert.Equal(t, "soft", body["mode"])
}

func TestQuotaStatus_BadKind(t *testing.T) {
	_, h := newServer(t)
	rec := get(t, h, "/status/quota/team/x")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBreakerStatus(t *testing.T) {
	_, h := newServer(t)
	rec := get(t, h, "/status/breaker/provider:groq")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "CLOSED", body["state"])
}

func TestProviders(t *testing.T) {
	_, h := newServer(t)
	rec := get(t, h, "/status/providers")
	require.Equal(t, http.StatusOK, rec.Code)

	var body []map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body, 2)
	assert.Equal(t, "groq", body[0]["name"])
	assert.Equal(t, "healthy", body[0]["health"])
}

func TestMetrics(t *testing.T) {
	orch, h := newServer(t)
	_, err := orch.Call(context.Background(), llmgate.Request{WorkflowID: "wf1"})
	require.NoError(t, err)

	rec := get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "llmgate_requests_total")
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
	return rec
}

func TestCall(t *testing.T) {
	_, h := newServer(t)
	rec := post(t, h, "/v1/call", `{"id":"req-1","workflow_id":"wf1","prompt":"hi","tokens":10}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "req-1", body["request_id"])
	assert.Equal(t, "groq", body["routed_to"])
	assert.Equal(t, "Hello from groq", body["value"])
	assert.Equal(t, 0.0, body["failover_attempts"])
}

func TestCall_InvalidBody(t *testing.T) {
	_, h := newServer(t)
	rec := post(t, h, "/v1/call", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_body")
}

func TestCall_UnknownCandidate(t *testing.T) {
	_, h := newServer(t)
	rec := post(t, h, "/v1/call", `{"candidates":["nope"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCall_NotMountedWithoutCaller(t *testing.T) {
	orch, _ := newServer(t)
	h := admin.NewRouter(admin.RouterDeps{Status: orch})
	rec := post(t, h, "/v1/call", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
