// Package memory provides the in-process state backend for llmgate.
//
// State lives in maps of per-key entries, each guarded by its own mutex, so
// operations on different providers, scopes or resources never contend.
// Multi-key quota reservations lock their entries in key order.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hardik936/llmgate/store"
)

// Store is an in-memory implementation of every store interface.
type Store struct {
	mu       sync.Mutex
	buckets  map[string]*bucketEntry
	quotas   map[string]*quotaEntry
	breakers map[string]*breakerEntry
}

type bucketEntry struct {
	mu sync.Mutex
	st store.BucketState
}

type quotaEntry struct {
	mu  sync.Mutex
	rec store.QuotaRecord
}

type breakerEntry struct {
	mu sync.Mutex
	st store.BreakerState
}

var (
	_ store.BucketStore  = (*Store)(nil)
	_ store.QuotaStore   = (*Store)(nil)
	_ store.BreakerStore = (*Store)(nil)
)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		buckets:  make(map[string]*bucketEntry),
		quotas:   make(map[string]*quotaEntry),
		breakers: make(map[string]*breakerEntry),
	}
}

// Stores returns s bundled as a store.Stores value.
func (s *Store) Stores() store.Stores {
	return store.NewStores("memory", s, s, s, nil)
}

func (s *Store) bucket(key string) *bucketEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.buckets[key]
	if !ok {
		e = &bucketEntry{}
		s.buckets[key] = e
	}
	return e
}

func (s *Store) quota(key string) *quotaEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.quotas[key]
	if !ok {
		e = &quotaEntry{}
		s.quotas[key] = e
	}
	return e
}

func (s *Store) breaker(key string) *breakerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.breakers[key]
	if !ok {
		e = &breakerEntry{}
		s.breakers[key] = e
	}
	return e
}

// Take refills the bucket and deducts n tokens if available.
func (s *Store) Take(_ context.Context, key string, spec store.BucketSpec, n float64, now time.Time) (bool, store.BucketState, error) {
	e := s.bucket(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := store.TakeTokens(e.st, spec, n, now)
	e.st = st
	return ok, st, nil
}

// Give returns n tokens to the bucket.
func (s *Store) Give(_ context.Context, key string, spec store.BucketSpec, n float64, now time.Time) (store.BucketState, error) {
	e := s.bucket(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.st = store.GiveTokens(e.st, spec, n, now)
	return e.st, nil
}

// Peek returns the refilled bucket state without storing it.
func (s *Store) Peek(_ context.Context, key string, spec store.BucketSpec, now time.Time) (store.BucketState, error) {
	e := s.bucket(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	return store.Refill(e.st, spec, now), nil
}

// Reserve rotates and reserves against every key atomically.
func (s *Store) Reserve(_ context.Context, specs []store.QuotaSpec, mode store.QuotaMode, tokens int64, now time.Time) (store.QuotaResult, error) {
	entries := make([]*quotaEntry, len(specs))
	for i, spec := range specs {
		entries[i] = s.quota(spec.Key)
	}

	// Lock in key order so concurrent multi-key reservations cannot deadlock.
	order := make([]int, len(specs))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return specs[order[a]].Key < specs[order[b]].Key })
	for _, i := range order {
		entries[i].mu.Lock()
	}
	defer func() {
		for _, i := range order {
			entries[i].mu.Unlock()
		}
	}()

	recs := make([]store.QuotaRecord, len(specs))
	for i, spec := range specs {
		entries[i].rec = store.Rotate(entries[i].rec, spec, now)
		recs[i] = entries[i].rec
	}

	res := store.ApplyReservation(recs, mode, tokens)
	if res.Allowed {
		for i := range entries {
			entries[i].rec = res.Records[i]
		}
	}
	return res, nil
}

// Usage returns the active record for spec.Key.
func (s *Store) Usage(_ context.Context, spec store.QuotaSpec, now time.Time) (store.QuotaRecord, error) {
	s.mu.Lock()
	e, ok := s.quotas[spec.Key]
	s.mu.Unlock()

	if !ok {
		return store.Rotate(store.QuotaRecord{}, spec, now), nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return store.Rotate(e.rec, spec, now), nil
}

// Allow admits or rejects a call for the breaker at key.
func (s *Store) Allow(_ context.Context, key string, spec store.BreakerSpec, trialToken string, now time.Time) (store.BreakerAdmission, error) {
	e := s.breaker(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	st, adm := store.Admit(e.st, spec, trialToken, now)
	e.st = st
	return adm, nil
}

// Record applies a call outcome to the breaker at key.
func (s *Store) Record(_ context.Context, key string, spec store.BreakerSpec, trial string, success bool, now time.Time) (store.BreakerOutcome, error) {
	e := s.breaker(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	st, out := store.Apply(e.st, spec, trial, success, now)
	e.st = st
	return out, nil
}

// Snapshot returns the breaker state at now without claiming a trial.
func (s *Store) Snapshot(_ context.Context, key string, spec store.BreakerSpec, now time.Time) (store.BreakerState, error) {
	s.mu.Lock()
	e, ok := s.breakers[key]
	s.mu.Unlock()

	if !ok {
		return store.BreakerState{}, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return store.Advance(e.st, spec, now), nil
}
