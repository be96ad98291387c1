// Package postgres provides a PostgreSQL-backed state store for llmgate.
//
// Each operation runs in one transaction that locks the affected rows with
// SELECT ... FOR UPDATE, applies the shared state arithmetic from package
// store, and writes the result back. Times are stored as unix microseconds
// (0 meaning unset) so every backend round-trips the same values.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hardik936/llmgate/store"
)

// Store is a PostgreSQL-backed implementation of every store interface.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var (
	_ store.BucketStore  = (*Store)(nil)
	_ store.QuotaStore   = (*Store)(nil)
	_ store.BreakerStore = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "llmgate_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a PostgreSQL-backed store. Call EnsureSchema before use.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "llmgate_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to the database at url, creates the schema if needed and
// returns the bundled stores. Close on the result closes the pool.
func Open(ctx context.Context, url string, opts ...Option) (store.Stores, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return store.Stores{}, fmt.Errorf("llmgate/postgres: connect: %w", err)
	}
	s := New(pool, opts...)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return store.Stores{}, err
	}
	return store.NewStores("postgres", s, s, s, func() error {
		pool.Close()
		return nil
	}), nil
}

func (s *Store) bucketsTable() string  { return s.tablePrefix + "buckets" }
func (s *Store) quotasTable() string   { return s.tablePrefix + "quotas" }
func (s *Store) breakersTable() string { return s.tablePrefix + "breakers" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			tokens DOUBLE PRECISION NOT NULL DEFAULT 0,
			last_refill BIGINT NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			window_start BIGINT NOT NULL DEFAULT 0,
			used BIGINT NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			state INTEGER NOT NULL DEFAULT 0,
			failures INTEGER NOT NULL DEFAULT 0,
			opened_at BIGINT NOT NULL DEFAULT 0,
			trial TEXT NOT NULL DEFAULT '',
			trial_started_at BIGINT NOT NULL DEFAULT 0
		);
	`, s.bucketsTable(), s.quotasTable(), s.breakersTable())
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("llmgate/postgres: ensure schema: %w", err)
	}
	return nil
}

// lockBucket ensures the bucket row exists and locks it for the rest of tx.
func (s *Store) lockBucket(ctx context.Context, tx pgx.Tx, key string) (store.BucketState, error) {
	if _, err := tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (key) VALUES ($1) ON CONFLICT DO NOTHING`, s.bucketsTable()),
		key,
	); err != nil {
		return store.BucketState{}, fmt.Errorf("llmgate/postgres: bucket insert: %w", err)
	}

	var st store.BucketState
	var last int64
	if err := tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT tokens, last_refill FROM %s WHERE key = $1 FOR UPDATE`, s.bucketsTable()),
		key,
	).Scan(&st.Tokens, &last); err != nil {
		return store.BucketState{}, fmt.Errorf("llmgate/postgres: bucket lock: %w", err)
	}
	st.LastRefill = fromMicros(last)
	return st, nil
}

func (s *Store) saveBucket(ctx context.Context, tx pgx.Tx, key string, st store.BucketState) error {
	_, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET tokens = $1, last_refill = $2 WHERE key = $3`, s.bucketsTable()),
		st.Tokens, toMicros(st.LastRefill), key,
	)
	if err != nil {
		return fmt.Errorf("llmgate/postgres: bucket update: %w", err)
	}
	return nil
}

// Take refills the bucket and deducts n tokens if available.
func (s *Store) Take(ctx context.Context, key string, spec store.BucketSpec, n float64, now time.Time) (bool, store.BucketState, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, store.BucketState{}, fmt.Errorf("llmgate/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	st, err := s.lockBucket(ctx, tx, key)
	if err != nil {
		return false, store.BucketState{}, err
	}
	st, ok := store.TakeTokens(st, spec, n, now)
	if err := s.saveBucket(ctx, tx, key, st); err != nil {
		return false, store.BucketState{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, store.BucketState{}, fmt.Errorf("llmgate/postgres: commit: %w", err)
	}
	return ok, st, nil
}

// Give returns n tokens to the bucket, capped at capacity.
func (s *Store) Give(ctx context.Context, key string, spec store.BucketSpec, n float64, now time.Time) (store.BucketState, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return store.BucketState{}, fmt.Errorf("llmgate/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	st, err := s.lockBucket(ctx, tx, key)
	if err != nil {
		return store.BucketState{}, err
	}
	st = store.GiveTokens(st, spec, n, now)
	if err := s.saveBucket(ctx, tx, key, st); err != nil {
		return store.BucketState{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return store.BucketState{}, fmt.Errorf("llmgate/postgres: commit: %w", err)
	}
	return st, nil
}

// Peek returns the refilled bucket state without writing it.
func (s *Store) Peek(ctx context.Context, key string, spec store.BucketSpec, now time.Time) (store.BucketState, error) {
	var st store.BucketState
	var last int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT tokens, last_refill FROM %s WHERE key = $1`, s.bucketsTable()),
		key,
	).Scan(&st.Tokens, &last)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return store.BucketState{}, fmt.Errorf("llmgate/postgres: bucket peek: %w", err)
	}
	st.LastRefill = fromMicros(last)
	return store.Refill(st, spec, now), nil
}

// Reserve rotates and reserves against every key in one transaction. Rows
// are locked in key order so concurrent reservations cannot deadlock.
func (s *Store) Reserve(ctx context.Context, specs []store.QuotaSpec, mode store.QuotaMode, tokens int64, now time.Time) (store.QuotaResult, error) {
	if len(specs) == 0 {
		return store.QuotaResult{Allowed: true, Rejected: -1}, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return store.QuotaResult{}, fmt.Errorf("llmgate/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	keys := make([]string, len(specs))
	for i, spec := range specs {
		keys[i] = spec.Key
	}
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	for _, k := range sorted {
		if _, err := tx.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %s (key) VALUES ($1) ON CONFLICT DO NOTHING`, s.quotasTable()),
			k,
		); err != nil {
			return store.QuotaResult{}, fmt.Errorf("llmgate/postgres: quota insert: %w", err)
		}
	}

	rows, err := tx.Query(ctx,
		fmt.Sprintf(`SELECT key, window_start, used FROM %s WHERE key = ANY($1) ORDER BY key FOR UPDATE`, s.quotasTable()),
		sorted,
	)
	if err != nil {
		return store.QuotaResult{}, fmt.Errorf("llmgate/postgres: quota lock: %w", err)
	}
	current := make(map[string]store.QuotaRecord, len(sorted))
	for rows.Next() {
		var rec store.QuotaRecord
		var start int64
		if err := rows.Scan(&rec.Key, &start, &rec.Used); err != nil {
			rows.Close()
			return store.QuotaResult{}, fmt.Errorf("llmgate/postgres: quota scan: %w", err)
		}
		rec.WindowStart = fromMicros(start)
		current[rec.Key] = rec
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return store.QuotaResult{}, fmt.Errorf("llmgate/postgres: quota rows: %w", err)
	}

	recs := make([]store.QuotaRecord, len(specs))
	for i, spec := range specs {
		recs[i] = store.Rotate(current[spec.Key], spec, now)
	}

	res := store.ApplyReservation(recs, mode, tokens)
	for _, rec := range res.Records {
		if _, err := tx.Exec(ctx,
			fmt.Sprintf(`UPDATE %s SET window_start = $1, used = $2 WHERE key = $3`, s.quotasTable()),
			toMicros(rec.WindowStart), rec.Used, rec.Key,
		); err != nil {
			return store.QuotaResult{}, fmt.Errorf("llmgate/postgres: quota update: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return store.QuotaResult{}, fmt.Errorf("llmgate/postgres: commit: %w", err)
	}
	return res, nil
}

// Usage returns the active record for spec.Key without writing.
func (s *Store) Usage(ctx context.Context, spec store.QuotaSpec, now time.Time) (store.QuotaRecord, error) {
	var rec store.QuotaRecord
	var start int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT window_start, used FROM %s WHERE key = $1`, s.quotasTable()),
		spec.Key,
	).Scan(&start, &rec.Used)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return store.QuotaRecord{}, fmt.Errorf("llmgate/postgres: usage: %w", err)
	}
	rec.WindowStart = fromMicros(start)
	return store.Rotate(rec, spec, now), nil
}

const breakerColumns = `state, failures, opened_at, trial, trial_started_at`

func scanBreaker(row pgx.Row) (store.BreakerState, error) {
	var st store.BreakerState
	var state int
	var opened, trialStarted int64
	if err := row.Scan(&state, &st.Failures, &opened, &st.Trial, &trialStarted); err != nil {
		return store.BreakerState{}, err
	}
	st.State = store.CircuitState(state)
	st.OpenedAt = fromMicros(opened)
	st.TrialStartedAt = fromMicros(trialStarted)
	return st, nil
}

func (s *Store) lockBreaker(ctx context.Context, tx pgx.Tx, key string) (store.BreakerState, error) {
	if _, err := tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (key) VALUES ($1) ON CONFLICT DO NOTHING`, s.breakersTable()),
		key,
	); err != nil {
		return store.BreakerState{}, fmt.Errorf("llmgate/postgres: breaker insert: %w", err)
	}
	st, err := scanBreaker(tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE key = $1 FOR UPDATE`, breakerColumns, s.breakersTable()),
		key,
	))
	if err != nil {
		return store.BreakerState{}, fmt.Errorf("llmgate/postgres: breaker lock: %w", err)
	}
	return st, nil
}

func (s *Store) saveBreaker(ctx context.Context, tx pgx.Tx, key string, st store.BreakerState) error {
	_, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET state = $1, failures = $2, opened_at = $3, trial = $4, trial_started_at = $5 WHERE key = $6`,
			s.breakersTable()),
		int(st.State), st.Failures, toMicros(st.OpenedAt), st.Trial, toMicros(st.TrialStartedAt), key,
	)
	if err != nil {
		return fmt.Errorf("llmgate/postgres: breaker update: %w", err)
	}
	return nil
}

// Allow admits or rejects a call for the breaker at key.
func (s *Store) Allow(ctx context.Context, key string, spec store.BreakerSpec, trialToken string, now time.Time) (store.BreakerAdmission, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return store.BreakerAdmission{}, fmt.Errorf("llmgate/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	st, err := s.lockBreaker(ctx, tx, key)
	if err != nil {
		return store.BreakerAdmission{}, err
	}
	st, adm := store.Admit(st, spec, trialToken, now)
	if err := s.saveBreaker(ctx, tx, key, st); err != nil {
		return store.BreakerAdmission{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return store.BreakerAdmission{}, fmt.Errorf("llmgate/postgres: commit: %w", err)
	}
	return adm, nil
}

// Record applies a call outcome to the breaker at key.
func (s *Store) Record(ctx context.Context, key string, spec store.BreakerSpec, trial string, success bool, now time.Time) (store.BreakerOutcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return store.BreakerOutcome{}, fmt.Errorf("llmgate/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	st, err := s.lockBreaker(ctx, tx, key)
	if err != nil {
		return store.BreakerOutcome{}, err
	}
	st, out := store.Apply(st, spec, trial, success, now)
	if err := s.saveBreaker(ctx, tx, key, st); err != nil {
		return store.BreakerOutcome{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return store.BreakerOutcome{}, fmt.Errorf("llmgate/postgres: commit: %w", err)
	}
	return out, nil
}

// Snapshot returns the breaker state at now without claiming a trial.
func (s *Store) Snapshot(ctx context.Context, key string, spec store.BreakerSpec, now time.Time) (store.BreakerState, error) {
	st, err := scanBreaker(s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE key = $1`, breakerColumns, s.breakersTable()),
		key,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.BreakerState{}, nil
	}
	if err != nil {
		return store.BreakerState{}, fmt.Errorf("llmgate/postgres: breaker snapshot: %w", err)
	}
	return store.Advance(st, spec, now), nil
}

func toMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}
