package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hardik936/llmgate"
	"github.com/hardik936/llmgate/internal/admin"
	"github.com/hardik936/llmgate/provider/mock"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := llmgate.DefaultConfig()
	cfg.Providers = []llmgate.ProviderConfig{{Name: "groq", Priority: 1, RatePerSec: 10}}
	orch, err := llmgate.New(cfg, mock.NewSet(mock.New(mock.WithName("groq"))).Call)
	require.NoError(t, err)
	t.Cleanup(func() { _ = orch.Close() })

	srv := httptest.NewServer(admin.NewRouter(admin.RouterDeps{Status: orch, Caller: orch}))
	t.Cleanup(srv.Close)
	return srv
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "llmgate v"+version+"\n", out)
}

func TestStatusProviders(t *testing.T) {
	srv := testServer(t)
	out, err := execute(t, "status", "providers", "--server", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, `"name": "groq"`)
}

func TestStatusBreaker_BareProviderName(t *testing.T) {
	srv := testServer(t)
	out, err := execute(t, "status", "breaker", "groq", "--server", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, `"resource": "provider:groq"`)
	assert.Contains(t, out, `"state": "CLOSED"`)
}

func TestStatusLimiter_Unknown(t *testing.T) {
	srv := testServer(t)
	_, err := execute(t, "status", "limiter", "nope", "--server", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestStatusQuota_BadScope(t *testing.T) {
	_, err := execute(t, "status", "quota", "team:x", "--server", "http://127.0.0.1:0")
	require.Error(t, err)
}

func TestCallFunc_RequiresBaseURL(t *testing.T) {
	serveMock = false
	cfg := llmgate.DefaultConfig()
	cfg.Providers = []llmgate.ProviderConfig{{Name: "groq"}}

	_, err := callFunc(cfg)
	require.ErrorIs(t, err, llmgate.ErrInvalidConfig)

	serveMock = true
	t.Cleanup(func() { serveMock = false })
	call, err := callFunc(cfg)
	require.NoError(t, err)

	res, err := call(context.Background(), "groq", llmgate.Request{})
	require.NoError(t, err)
	assert.Equal(t, "Hello from groq", res.Value)
}
