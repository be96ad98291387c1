package llmgate_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lg "github.com/hardik936/llmgate"
	"github.com/hardik936/llmgate/provider/mock"
)

func TestOpenStores(t *testing.T) {
	ctx := context.Background()

	s, err := lg.OpenStores(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "memory", s.Kind)
	require.NoError(t, s.Close())

	_, err = lg.OpenStores(ctx, "memcached://localhost")
	assert.ErrorIs(t, err, lg.ErrInvalidConfig)

	_, err = lg.OpenStores(ctx, "localhost:6379")
	assert.ErrorIs(t, err, lg.ErrInvalidConfig)

	s, err = lg.OpenStores(ctx, "sqlite://"+filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", s.Kind)
	require.NoError(t, s.Close())

	mr := miniredis.RunT(t)
	s, err = lg.OpenStores(ctx, "redis://"+mr.Addr())
	require.NoError(t, err)
	assert.Equal(t, "redis", s.Kind)
	require.NoError(t, s.Close())
}

// Two orchestrators sharing one store see each other's quota usage.
func TestNew_SharedStore(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := twoProviders()
	cfg.SharedStore = "redis://" + mr.Addr()
	cfg.Quota.Enforcement = lg.QuotaHard
	cfg.Quota.Limits = map[string]int64{"tenant:acme": 100}
	set := mock.NewSet(mock.New(mock.WithName("a")), mock.New(mock.WithName("b")))
	ctx := context.Background()

	first, err := lg.New(cfg, set.Call)
	require.NoError(t, err)
	defer first.Close()
	second, err := lg.New(cfg, set.Call)
	require.NoError(t, err)
	defer second.Close()

	_, err = first.Call(ctx, lg.Request{TenantID: "acme", Tokens: 60})
	require.NoError(t, err)
	_, err = second.Call(ctx, lg.Request{TenantID: "acme", Tokens: 60})
	require.ErrorIs(t, err, lg.ErrQuotaExceeded)

	st, err := second.QuotaStatus(ctx, lg.TenantScope("acme"))
	require.NoError(t, err)
	assert.Equal(t, int64(60), st.TokensUsed)
}
