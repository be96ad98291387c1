// Package sqlite provides a SQLite-backed state store for llmgate.
//
// It suits single-host deployments where several processes share one
// database file. Every operation is a write transaction opened with
// BEGIN IMMEDIATE, so SQLite's single-writer lock makes each
// read-modify-write atomic across processes. Within a process the pool is
// limited to one connection.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/hardik936/llmgate/store"
)

// Store is a SQLite-backed implementation of every store interface.
type Store struct {
	db *sql.DB
}

var (
	_ store.BucketStore  = (*Store)(nil)
	_ store.QuotaStore   = (*Store)(nil)
	_ store.BreakerStore = (*Store)(nil)
)

// Config configures the SQLite backend.
type Config struct {
	// Path is the database file path.
	Path string

	// BusyTimeout is how long to wait for another writer before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// New opens (creating if needed) the database at cfg.Path and ensures the
// schema exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("llmgate/sqlite: path cannot be empty")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("llmgate/sqlite: open: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports a single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Open is New followed by bundling into store.Stores.
func Open(ctx context.Context, path string) (store.Stores, error) {
	s, err := New(ctx, Config{Path: path})
	if err != nil {
		return store.Stores{}, err
	}
	return store.NewStores("sqlite", s, s, s, s.Close), nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS buckets (
		key TEXT PRIMARY KEY,
		tokens REAL NOT NULL DEFAULT 0,
		last_refill INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS quotas (
		key TEXT PRIMARY KEY,
		window_start INTEGER NOT NULL DEFAULT 0,
		used INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS breakers (
		key TEXT PRIMARY KEY,
		state INTEGER NOT NULL DEFAULT 0,
		failures INTEGER NOT NULL DEFAULT 0,
		opened_at INTEGER NOT NULL DEFAULT 0,
		trial TEXT NOT NULL DEFAULT '',
		trial_started_at INTEGER NOT NULL DEFAULT 0
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("llmgate/sqlite: init schema: %w", err)
	}
	return nil
}

// withTx runs fn inside a write transaction and commits it when fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("llmgate/sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("llmgate/sqlite: commit: %w", err)
	}
	return nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadBucket(ctx context.Context, q queryer, key string) (store.BucketState, error) {
	var st store.BucketState
	var last int64
	err := q.QueryRowContext(ctx, `SELECT tokens, last_refill FROM buckets WHERE key = ?`, key).Scan(&st.Tokens, &last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return store.BucketState{}, fmt.Errorf("llmgate/sqlite: bucket load: %w", err)
	}
	st.LastRefill = fromMicros(last)
	return st, nil
}

func saveBucket(ctx context.Context, tx *sql.Tx, key string, st store.BucketState) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO buckets (key, tokens, last_refill) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET tokens = excluded.tokens, last_refill = excluded.last_refill`,
		key, st.Tokens, toMicros(st.LastRefill),
	)
	if err != nil {
		return fmt.Errorf("llmgate/sqlite: bucket save: %w", err)
	}
	return nil
}

// Take refills the bucket and deducts n tokens if available.
func (s *Store) Take(ctx context.Context, key string, spec store.BucketSpec, n float64, now time.Time) (bool, store.BucketState, error) {
	var ok bool
	var st store.BucketState
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := loadBucket(ctx, tx, key)
		if err != nil {
			return err
		}
		st, ok = store.TakeTokens(cur, spec, n, now)
		return saveBucket(ctx, tx, key, st)
	})
	if err != nil {
		return false, store.BucketState{}, err
	}
	return ok, st, nil
}

// Give returns n tokens to the bucket, capped at capacity.
func (s *Store) Give(ctx context.Context, key string, spec store.BucketSpec, n float64, now time.Time) (store.BucketState, error) {
	var st store.BucketState
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := loadBucket(ctx, tx, key)
		if err != nil {
			return err
		}
		st = store.GiveTokens(cur, spec, n, now)
		return saveBucket(ctx, tx, key, st)
	})
	if err != nil {
		return store.BucketState{}, err
	}
	return st, nil
}

// Peek returns the refilled bucket state without writing it.
func (s *Store) Peek(ctx context.Context, key string, spec store.BucketSpec, now time.Time) (store.BucketState, error) {
	st, err := loadBucket(ctx, s.db, key)
	if err != nil {
		return store.BucketState{}, err
	}
	return store.Refill(st, spec, now), nil
}

func loadQuota(ctx context.Context, q queryer, key string) (store.QuotaRecord, error) {
	rec := store.QuotaRecord{Key: key}
	var start int64
	err := q.QueryRowContext(ctx, `SELECT window_start, used FROM quotas WHERE key = ?`, key).Scan(&start, &rec.Used)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return store.QuotaRecord{}, fmt.Errorf("llmgate/sqlite: quota load: %w", err)
	}
	rec.WindowStart = fromMicros(start)
	return rec, nil
}

// Reserve rotates and reserves against every key in one write transaction.
func (s *Store) Reserve(ctx context.Context, specs []store.QuotaSpec, mode store.QuotaMode, tokens int64, now time.Time) (store.QuotaResult, error) {
	if len(specs) == 0 {
		return store.QuotaResult{Allowed: true, Rejected: -1}, nil
	}

	var res store.QuotaResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		recs := make([]store.QuotaRecord, len(specs))
		for i, spec := range specs {
			cur, err := loadQuota(ctx, tx, spec.Key)
			if err != nil {
				return err
			}
			recs[i] = store.Rotate(cur, spec, now)
		}

		res = store.ApplyReservation(recs, mode, tokens)
		for _, rec := range res.Records {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO quotas (key, window_start, used) VALUES (?, ?, ?)
				ON CONFLICT (key) DO UPDATE SET window_start = excluded.window_start, used = excluded.used`,
				rec.Key, toMicros(rec.WindowStart), rec.Used,
			); err != nil {
				return fmt.Errorf("llmgate/sqlite: quota save: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return store.QuotaResult{}, err
	}
	return res, nil
}

// Usage returns the active record for spec.Key without writing.
func (s *Store) Usage(ctx context.Context, spec store.QuotaSpec, now time.Time) (store.QuotaRecord, error) {
	rec, err := loadQuota(ctx, s.db, spec.Key)
	if err != nil {
		return store.QuotaRecord{}, err
	}
	return store.Rotate(rec, spec, now), nil
}

func loadBreaker(ctx context.Context, q queryer, key string) (store.BreakerState, bool, error) {
	var st store.BreakerState
	var state int
	var opened, trialStarted int64
	err := q.QueryRowContext(ctx,
		`SELECT state, failures, opened_at, trial, trial_started_at FROM breakers WHERE key = ?`, key,
	).Scan(&state, &st.Failures, &opened, &st.Trial, &trialStarted)
	if errors.Is(err, sql.ErrNoRows) {
		return store.BreakerState{}, false, nil
	}
	if err != nil {
		return store.BreakerState{}, false, fmt.Errorf("llmgate/sqlite: breaker load: %w", err)
	}
	st.State = store.CircuitState(state)
	st.OpenedAt = fromMicros(opened)
	st.TrialStartedAt = fromMicros(trialStarted)
	return st, true, nil
}

func saveBreaker(ctx context.Context, tx *sql.Tx, key string, st store.BreakerState) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO breakers (key, state, failures, opened_at, trial, trial_started_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			state = excluded.state,
			failures = excluded.failures,
			opened_at = excluded.opened_at,
			trial = excluded.trial,
			trial_started_at = excluded.trial_started_at`,
		key, int(st.State), st.Failures, toMicros(st.OpenedAt), st.Trial, toMicros(st.TrialStartedAt),
	)
	if err != nil {
		return fmt.Errorf("llmgate/sqlite: breaker save: %w", err)
	}
	return nil
}

// Allow admits or rejects a call for the breaker at key.
func (s *Store) Allow(ctx context.Context, key string, spec store.BreakerSpec, trialToken string, now time.Time) (store.BreakerAdmission, error) {
	var adm store.BreakerAdmission
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, _, err := loadBreaker(ctx, tx, key)
		if err != nil {
			return err
		}
		var st store.BreakerState
		st, adm = store.Admit(cur, spec, trialToken, now)
		return saveBreaker(ctx, tx, key, st)
	})
	if err != nil {
		return store.BreakerAdmission{}, err
	}
	return adm, nil
}

// Record applies a call outcome to the breaker at key.
func (s *Store) Record(ctx context.Context, key string, spec store.BreakerSpec, trial string, success bool, now time.Time) (store.BreakerOutcome, error) {
	var out store.BreakerOutcome
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, _, err := loadBreaker(ctx, tx, key)
		if err != nil {
			return err
		}
		var st store.BreakerState
		st, out = store.Apply(cur, spec, trial, success, now)
		return saveBreaker(ctx, tx, key, st)
	})
	if err != nil {
		return store.BreakerOutcome{}, err
	}
	return out, nil
}

// Snapshot returns the breaker state at now without claiming a trial.
func (s *Store) Snapshot(ctx context.Context, key string, spec store.BreakerSpec, now time.Time) (store.BreakerState, error) {
	st, found, err := loadBreaker(ctx, s.db, key)
	if err != nil || !found {
		return store.BreakerState{}, err
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
