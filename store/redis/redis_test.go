package redis_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/hardik936/llmgate/store"
	storeredis "github.com/hardik936/llmgate/store/redis"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*storeredis.Store, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return storeredis.New(client, storeredis.WithKeyPrefix("test:"+t.Name()+":")), client
}

func TestBucket_TakeRefillGive(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	spec := store.BucketSpec{Capacity: 10, RatePerSec: 4}

	ok, st, err := s.Take(ctx, "groq", spec, 8, t0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, 2, st.Tokens, 1e-9)
	assert.True(t, st.LastRefill.Equal(t0))

	ok, _, err = s.Take(ctx, "groq", spec, 3, t0)
	require.NoError(t, err)
	assert.False(t, ok)

	// 0.5s at 4/s accrues 2 tokens.
	st, err = s.Peek(ctx, "groq", spec, t0.Add(500*time.Millisecond))
	require.NoError(t, err)
	assert.InDelta(t, 4, st.Tokens, 1e-9)

	st, err = s.Give(ctx, "groq", spec, 100, t0)
	require.NoError(t, err)
	assert.InDelta(t, 10, st.Tokens, 1e-9)
}

func TestBucket_ConcurrentTakes(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	spec := store.BucketSpec{Capacity: 10, RatePerSec: 0}

	var granted atomic.Int64
	var g errgroup.Group
	for i := 0; i < 12; i++ {
		g.Go(func() error {
			ok, _, err := s.Take(ctx, "p", spec, 1, t0)
			if ok {
				granted.Add(1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(10), granted.Load())
}

func TestReserve_SoftAndHard(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	wf := store.QuotaSpec{Key: "workflow:w1", Limit: 1000, Window: 24 * time.Hour}

	res, err := s.Reserve(ctx, []store.QuotaSpec{wf}, store.QuotaSoft, 950, t0)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(950), res.Records[0].Used)
	assert.True(t, res.Records[0].WindowStart.Equal(t0))

	res, err = s.Reserve(ctx, []store.QuotaSpec{wf}, store.QuotaHard, 100, t0)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Rejected)
	assert.Equal(t, int64(950), res.Records[0].Used)

	res, err = s.Reserve(ctx, []store.QuotaSpec{wf}, store.QuotaSoft, 100, t0)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(1050), res.Records[0].Used)
	assert.Equal(t, int64(0), res.Records[0].Remaining())
}

func TestReserve_HardAllOrNothingAcrossScopes(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	wf := store.QuotaSpec{Key: "workflow:w1", Limit: 1000, Window: time.Hour}
	tn := store.QuotaSpec{Key: "tenant:t1", Limit: 50, Window: time.Hour}

	res, err := s.Reserve(ctx, []store.QuotaSpec{wf, tn}, store.QuotaHard, 60, t0)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 1, res.Rejected)

	rec, err := s.Usage(ctx, wf, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), rec.Used)
}

func TestReserve_HardUnderConcurrency(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	spec := store.QuotaSpec{Key: "workflow:w1", Limit: 500, Window: time.Hour}

	var allowed atomic.Int64
	var g errgroup.Group
	for i := 0; i < 100; i++ {
		g.Go(func() error {
			res, err := s.Reserve(ctx, []store.QuotaSpec{spec}, store.QuotaHard, 10, t0)
			if res.Allowed {
				allowed.Add(1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(50), allowed.Load())

	rec, err := s.Usage(ctx, spec, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(500), rec.Used)
}

func TestReserve_WindowRotation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	spec := store.QuotaSpec{Key: "tenant:t1", Limit: 1000, Window: 24 * time.Hour}

	_, err := s.Reserve(ctx, []store.QuotaSpec{spec}, store.QuotaSoft, 700, t0)
	require.NoError(t, err)

	later := t0.Add(25 * time.Hour)
	rec, err := s.Usage(ctx, spec, later)
	require.NoError(t, err)
	assert.Equal(t, int64(0), rec.Used)
	assert.True(t, rec.WindowStart.Equal(later))

	res, err := s.Reserve(ctx, []store.QuotaSpec{spec}, store.QuotaSoft, 5, later)
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Records[0].Used)
}

func TestBreaker_Cycle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	spec := store.BreakerSpec{FailureThreshold: 3, RecoveryTimeout: 30 * time.Second}
	key := "provider:groq"

	for i := 0; i < 3; i++ {
		adm, err := s.Allow(ctx, key, spec, "", t0)
		require.NoError(t, err)
		require.True(t, adm.Permit)
		_, err = s.Record(ctx, key, spec, "", false, t0)
		require.NoError(t, err)
	}

	st, err := s.Snapshot(ctx, key, spec, t0)
	require.NoError(t, err)
	assert.Equal(t, store.StateOpen, st.State)
	assert.True(t, st.OpenedAt.Equal(t0))

	adm, err := s.Allow(ctx, key, spec, "early", t0.Add(29*time.Second))
	require.NoError(t, err)
	assert.False(t, adm.Permit)

	recovered := t0.Add(30 * time.Second)
	st, err = s.Snapshot(ctx, key, spec, recovered)
	require.NoError(t, err)
	assert.Equal(t, store.StateHalfOpen, st.State)

	var winners atomic.Int64
	var g errgroup.Group
	for i := 0; i < 10; i++ {
		token := fmt.Sprintf("trial-%d", i)
		g.Go(func() error {
			adm, err := s.Allow(ctx, key, spec, token, recovered)
			if adm.Permit {
				winners.Add(1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(1), winners.Load())

	st, err = s.Snapshot(ctx, key, spec, recovered)
	require.NoError(t, err)
	require.NotEmpty(t, st.Trial)

	out, err := s.Record(ctx, key, spec, st.Trial, false, recovered)
	require.NoError(t, err)
	assert.Equal(t, store.StateHalfOpen, out.From)
	assert.Equal(t, store.StateOpen, out.To)
	assert.True(t, out.State.OpenedAt.Equal(recovered))

	later := recovered.Add(30 * time.Second)
	adm, err = s.Allow(ctx, key, spec, "again", later)
	require.NoError(t, err)
	require.True(t, adm.Permit)
	out, err = s.Record(ctx, key, spec, "again", true, later)
	require.NoError(t, err)
	assert.Equal(t, store.StateClosed, out.To)
	assert.Equal(t, 0, out.State.Failures)
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	spec := store.BreakerSpec{FailureThreshold: 2, RecoveryTimeout: time.Second}

	_, err := s.Record(ctx, "tool:search@v1", spec, "", false, t0)
	require.NoError(t, err)
	_, err = s.Record(ctx, "tool:search@v1", spec, "", true, t0)
	require.NoError(t, err)
	out, err := s.Record(ctx, "tool:search@v1", spec, "", false, t0)
	require.NoError(t, err)

	assert.Equal(t, store.StateClosed, out.To)
	assert.Equal(t, 1, out.State.Failures)
}
