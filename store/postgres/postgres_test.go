//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/hardik936/llmgate/store"
	storepg "github.com/hardik936/llmgate/store/postgres"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "postgres://localhost:5432/llmgate_test?sslmode=disable"
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("postgres not available: %v", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		t.Fatalf("postgres not available at %s: %v", dsn, err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func newTestStore(t *testing.T, pool *pgxpool.Pool) *storepg.Store {
	t.Helper()
	// Use a unique table prefix per test to avoid collisions.
	prefix := "test_" + strings.ToLower(strings.ReplaceAll(t.Name(), "/", "_")) + "_"
	s := storepg.New(pool, storepg.WithTablePrefix(prefix))
	require.NoError(t, s.EnsureSchema(context.Background()))
	t.Cleanup(func() {
		ctx := context.Background()
		for _, table := range []string{"buckets", "quotas", "breakers"} {
			pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s%s", prefix, table))
		}
	})
	return s
}

func TestBucket_ConcurrentTakes(t *testing.T) {
	s := newTestStore(t, newTestPool(t))
	ctx := context.Background()
	spec := store.BucketSpec{Capacity: 10, RatePerSec: 0}

	var granted atomic.Int64
	var g errgroup.Group
	for i := 0; i < 12; i++ {
		g.Go(func() error {
			ok, _, err := s.Take(ctx, "groq", spec, 1, t0)
			if ok {
				granted.Add(1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(10), granted.Load())

	st, err := s.Give(ctx, "groq", spec, 1, t0)
	require.NoError(t, err)
	assert.InDelta(t, 1, st.Tokens, 1e-9)
}

func TestReserve_HardUnderConcurrency(t *testing.T) {
	s := newTestStore(t, newTestPool(t))
	ctx := context.Background()
	wf := store.QuotaSpec{Key: "workflow:w1", Limit: 500, Window: time.Hour}
	tn := store.QuotaSpec{Key: "tenant:t1", Limit: 10000, Window: time.Hour}

	var allowed atomic.Int64
	var g errgroup.Group
	for i := 0; i < 100; i++ {
		// Alternate scope order to exercise ordered locking.
		specs := []store.QuotaSpec{wf, tn}
		if i%2 == 1 {
			specs = []store.QuotaSpec{tn, wf}
		}
		g.Go(func() error {
			res, err := s.Reserve(ctx, specs, store.QuotaHard, 10, t0)
			if res.Allowed {
				allowed.Add(1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(50), allowed.Load())

	rec, err := s.Usage(ctx, tn, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(500), rec.Used)
}

func TestBreaker_SingleTrial(t *testing.T) {
	s := newTestStore(t, newTestPool(t))
	ctx := context.Background()
	spec := store.BreakerSpec{FailureThreshold: 1, RecoveryTimeout: time.Second}

	_, err := s.Record(ctx, "provider:a", spec, "", false, t0)
	require.NoError(t, err)

	now := t0.Add(time.Second)
	var winners atomic.Int64
	var g errgroup.Group
	for i := 0; i < 10; i++ {
		token := fmt.Sprintf("t%d", i)
		g.Go(func() error {
			adm, err := s.Allow(ctx, "provider:a", spec, token, now)
			if adm.Permit {
				winners.Add(1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(1), winners.Load())

	st, err := s.Snapshot(ctx, "provider:a", spec, now)
	require.NoError(t, err)
	out, err := s.Record(ctx, "provider:a", spec, st.Trial, true, now)
	require.NoError(t, err)
	assert.Equal(t, store.StateClosed, out.To)
}
