// Package redis provides a Redis-backed state store for llmgate.
//
// Buckets, quota windows and breakers are Redis hashes. Every
// read-modify-write runs as a Lua script so concurrent processes sharing the
// same Redis observe the same invariants as the in-memory store. Times are
// passed to the scripts as unix microseconds.
//
// A multi-scope quota reservation touches several keys in one script. On
// Redis Cluster, give every key the same hash tag through WithKeyPrefix
// (for example "{llmgate}:").
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/hardik936/llmgate/store"
)

// Store is a Redis-backed implementation of every store interface.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
}

var (
	_ store.BucketStore  = (*Store)(nil)
	_ store.QuotaStore   = (*Store)(nil)
	_ store.BreakerStore = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "llmgate:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New creates a Redis-backed store.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "llmgate:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to the Redis server at url (redis:// or rediss://), checks
// the connection and returns the bundled stores. Close on the result closes
// the client.
func Open(ctx context.Context, url string, opts ...Option) (store.Stores, error) {
	o, err := goredis.ParseURL(url)
	if err != nil {
		return store.Stores{}, fmt.Errorf("llmgate/redis: parse url: %w", err)
	}
	client := goredis.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return store.Stores{}, fmt.Errorf("llmgate/redis: ping: %w", err)
	}
	s := New(client, opts...)
	return store.NewStores("redis", s, s, s, client.Close), nil
}

func (s *Store) bucketKey(key string) string  { return s.keyPrefix + "bucket:" + key }
func (s *Store) quotaKey(key string) string   { return s.keyPrefix + "quota:" + key }
func (s *Store) breakerKey(key string) string { return s.keyPrefix + "breaker:" + key }

// bucketScript refills and then takes, gives or peeks.
// KEYS[1] = bucket hash key
// ARGV[1] = capacity
// ARGV[2] = rate per second
// ARGV[3] = n
// ARGV[4] = now (unix micros)
// ARGV[5] = op ("take", "give" or "peek")
//
// Returns {granted (0|1), tokens, last_refill}.
var bucketScript = goredis.NewScript(`
local cap = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local n = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local op = ARGV[5]

local vals = redis.call("HMGET", KEYS[1], "tokens", "last_refill")
local tokens = tonumber(vals[1])
local last = tonumber(vals[2])

if last == nil then
    tokens = cap
    last = now
else
    local elapsed = (now - last) / 1000000
    if elapsed > 0 then
        tokens = tokens + elapsed * rate
        last = now
    end
    if tokens > cap then tokens = cap end
    if tokens < 0 then tokens = 0 end
end

local granted = 0
if op == "take" then
    if tokens >= n then
        tokens = tokens - n
        granted = 1
    end
elseif op == "give" then
    tokens = tokens + n
    if tokens > cap then tokens = cap end
end

local tokens_s = string.format("%.17g", tokens)
local last_s = string.format("%d", last)
if op ~= "peek" then
    redis.call("HSET", KEYS[1], "tokens", tokens_s, "last_refill", last_s)
end
return {granted, tokens_s, last_s}
`)

// reserveScript rotates and reserves against every quota key at once.
// KEYS[i]      = quota hash key for scope i
// ARGV[1]      = mode ("soft" or "hard")
// ARGV[2]      = tokens
// ARGV[3]      = now (unix micros)
// ARGV[2+2i]   = limit for scope i
// ARGV[3+2i]   = window length for scope i (micros)
//
// Returns {allowed (0|1), rejected index (0-based or -1), start_1, used_1, ...}.
var reserveScript = goredis.NewScript(`
local mode = ARGV[1]
local tokens = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local n = #KEYS

local starts, used, rotated = {}, {}, {}
local rejected = -1
for i = 1, n do
    local limit = tonumber(ARGV[2 + 2 * i])
    local window = tonumber(ARGV[3 + 2 * i])
    local vals = redis.call("HMGET", KEYS[i], "window_start", "used")
    local start = tonumber(vals[1])
    local u = tonumber(vals[2]) or 0
    rotated[i] = false
    if start == nil or now >= start + window then
        start = now
        u = 0
        rotated[i] = true
    end
    starts[i] = start
    used[i] = u
    if mode == "hard" and rejected < 0 and u + tokens > limit then
        rejected = i - 1
    end
end

local allowed = 1
if rejected >= 0 then
    allowed = 0
end

local out = {allowed, rejected}
for i = 1, n do
    if allowed == 1 then
        used[i] = used[i] + tokens
    end
    if allowed == 1 or rotated[i] then
        redis.call("HSET", KEYS[i], "window_start", string.format("%d", starts[i]), "used", string.format("%d", used[i]))
    end
    out[#out + 1] = string.format("%d", starts[i])
    out[#out + 1] = string.format("%d", used[i])
end
return out
`)

// breakerLib holds the state helpers shared by the breaker scripts.
const breakerLib = `
local function load(key)
    local v = redis.call("HMGET", key, "state", "failures", "opened_at", "trial", "trial_started_at")
    return {
        state = tonumber(v[1]) or 0,
        failures = tonumber(v[2]) or 0,
        opened_at = tonumber(v[3]) or 0,
        trial = v[4] or "",
        trial_started_at = tonumber(v[5]) or 0,
    }
end

local function save(key, st)
    redis.call("HSET", key,
        "state", tostring(st.state),
        "failures", tostring(st.failures),
        "opened_at", string.format("%d", st.opened_at),
        "trial", st.trial,
        "trial_started_at", string.format("%d", st.trial_started_at))
end

local function advance(st, timeout, now)
    if st.state == 1 and now >= st.opened_at + timeout then
        st.state = 2
        st.trial = ""
        st.trial_started_at = 0
    end
end
`

// allowScript admits a call, claiming the half-open trial when free.
// KEYS[1] = breaker hash key
// ARGV[1] = recovery timeout (micros)
// ARGV[2] = trial token
// ARGV[3] = now (unix micros)
//
// Returns {permit (0|1), trial, from, to}.
var allowScript = goredis.NewScript(breakerLib + `
local timeout = tonumber(ARGV[1])
local token = ARGV[2]
local now = tonumber(ARGV[3])

local st = load(KEYS[1])
local from = st.state
advance(st, timeout, now)

local permit = 0
local trial = ""
if st.state == 0 then
    permit = 1
elseif st.state == 2 then
    local abandoned = st.trial ~= "" and now >= st.trial_started_at + timeout
    if st.trial == "" or abandoned then
        st.trial = token
        st.trial_started_at = now
        permit = 1
        trial = token
    end
end

save(KEYS[1], st)
return {permit, trial, from, st.state}
`)

// recordScript applies a call outcome.
// KEYS[1] = breaker hash key
// ARGV[1] = failure threshold
// ARGV[2] = recovery timeout (micros)
// ARGV[3] = trial token ("" for a CLOSED admission)
// ARGV[4] = success ("1" or "0")
// ARGV[5] = now (unix micros)
//
// Returns {from, to, failures, opened_at, trial, trial_started_at}.
var recordScript = goredis.NewScript(breakerLib + `
local threshold = tonumber(ARGV[1])
local timeout = tonumber(ARGV[2])
local trial = ARGV[3]
local success = ARGV[4] == "1"
local now = tonumber(ARGV[5])

local st = load(KEYS[1])
local from = st.state
advance(st, timeout, now)

if st.state == 0 then
    if trial == "" then
        if success then
            st.failures = 0
        else
            st.failures = st.failures + 1
            if st.failures >= threshold then
                st.state = 1
                st.opened_at = now
            end
        end
    end
elseif st.state == 2 then
    if trial ~= "" and trial == st.trial then
        st.trial = ""
        st.trial_started_at = 0
        if success then
            st.state = 0
            st.failures = 0
        else
            st.state = 1
            st.opened_at = now
        end
    end
end

save(KEYS[1], st)
return {from, st.state, st.failures,
    string.format("%d", st.opened_at), st.trial, string.format("%d", st.trial_started_at)}
`)

func (s *Store) runBucket(ctx context.Context, key string, spec store.BucketSpec, n float64, now time.Time, op string) (bool, store.BucketState, error) {
	vals, err := bucketScript.Run(ctx, s.client,
		[]string{s.bucketKey(key)},
		formatFloat(spec.Capacity), formatFloat(spec.RatePerSec), formatFloat(n), now.UnixMicro(), op,
	).Slice()
	if err != nil {
		return false, store.BucketState{}, fmt.Errorf("llmgate/redis: bucket %s: %w", op, err)
	}
	if len(vals) != 3 {
		return false, store.BucketState{}, fmt.Errorf("llmgate/redis: bucket %s: unexpected reply length %d", op, len(vals))
	}

	tokens, err := strconv.ParseFloat(asString(vals[1]), 64)
	if err != nil {
		return false, store.BucketState{}, fmt.Errorf("llmgate/redis: bucket %s: parse tokens: %w", op, err)
	}
	st := store.BucketState{
		Tokens:     tokens,
		Capacity:   spec.Capacity,
		RatePerSec: spec.RatePerSec,
		LastRefill: fromMicros(asInt(vals[2])),
	}
	return asInt(vals[0]) == 1, st, nil
}

// Take refills the bucket and deducts n tokens if available.
func (s *Store) Take(ctx context.Context, key string, spec store.BucketSpec, n float64, now time.Time) (bool, store.BucketState, error) {
	return s.runBucket(ctx, key, spec, n, now, "take")
}

// Give returns n tokens to the bucket, capped at capacity.
func (s *Store) Give(ctx context.Context, key string, spec store.BucketSpec, n float64, now time.Time) (store.BucketState, error) {
	_, st, err := s.runBucket(ctx, key, spec, n, now, "give")
	return st, err
}

// Peek returns the refilled bucket state without writing it.
func (s *Store) Peek(ctx context.Context, key string, spec store.BucketSpec, now time.Time) (store.BucketState, error) {
	_, st, err := s.runBucket(ctx, key, spec, 0, now, "peek")
	return st, err
}

// Reserve rotates and reserves against every key in one script.
func (s *Store) Reserve(ctx context.Context, specs []store.QuotaSpec, mode store.QuotaMode, tokens int64, now time.Time) (store.QuotaResult, error) {
	if len(specs) == 0 {
		return store.QuotaResult{Allowed: true, Rejected: -1}, nil
	}

	keys := make([]string, len(specs))
	args := make([]interface{}, 0, 3+2*len(specs))
	args = append(args, string(mode), tokens, now.UnixMicro())
	for i, spec := range specs {
		keys[i] = s.quotaKey(spec.Key)
		args = append(args, spec.Limit, spec.Window.Microseconds())
	}

	vals, err := reserveScript.Run(ctx, s.client, keys, args...).Slice()
	if err != nil {
		return store.QuotaResult{}, fmt.Errorf("llmgate/redis: reserve: %w", err)
	}
	if len(vals) != 2+2*len(specs) {
		return store.QuotaResult{}, fmt.Errorf("llmgate/redis: reserve: unexpected reply length %d", len(vals))
	}

	res := store.QuotaResult{
		Allowed:  asInt(vals[0]) == 1,
		Rejected: int(asInt(vals[1])),
		Records:  make([]store.QuotaRecord, len(specs)),
	}
	for i, spec := range specs {
		res.Records[i] = store.QuotaRecord{
			Key:         spec.Key,
			WindowStart: fromMicros(asInt(vals[2+2*i])),
			Window:      spec.Window,
			Used:        asInt(vals[3+2*i]),
			Limit:       spec.Limit,
		}
	}
	return res, nil
}

// Usage returns the active record for spec.Key without writing.
func (s *Store) Usage(ctx context.Context, spec store.QuotaSpec, now time.Time) (store.QuotaRecord, error) {
	vals, err := s.client.HMGet(ctx, s.quotaKey(spec.Key), "window_start", "used").Result()
	if err != nil {
		return store.QuotaRecord{}, fmt.Errorf("llmgate/redis: usage: %w", err)
	}

	var rec store.QuotaRecord
	if vals[0] != nil {
		rec.WindowStart = fromMicros(asInt(vals[0]))
		rec.Used = asInt(vals[1])
	}
	return store.Rotate(rec, spec, now), nil
}

// Allow admits or rejects a call for the breaker at key.
func (s *Store) Allow(ctx context.Context, key string, spec store.BreakerSpec, trialToken string, now time.Time) (store.BreakerAdmission, error) {
	vals, err := allowScript.Run(ctx, s.client,
		[]string{s.breakerKey(key)},
		spec.RecoveryTimeout.Microseconds(), trialToken, now.UnixMicro(),
	).Slice()
	if err != nil {
		return store.BreakerAdmission{}, fmt.Errorf("llmgate/redis: breaker allow: %w", err)
	}
	if len(vals) != 4 {
		return store.BreakerAdmission{}, fmt.Errorf("llmgate/redis: breaker allow: unexpected reply length %d", len(vals))
	}
	return store.BreakerAdmission{
		Permit: asInt(vals[0]) == 1,
		Trial:  asString(vals[1]),
		From:   store.CircuitState(asInt(vals[2])),
		To:     store.CircuitState(asInt(vals[3])),
	}, nil
}

// Record applies a call outcome to the breaker at key.
func (s *Store) Record(ctx context.Context, key string, spec store.BreakerSpec, trial string, success bool, now time.Time) (store.BreakerOutcome, error) {
	ok := "0"
	if success {
		ok = "1"
	}
	vals, err := recordScript.Run(ctx, s.client,
		[]string{s.breakerKey(key)},
		spec.FailureThreshold, spec.RecoveryTimeout.Microseconds(), trial, ok, now.UnixMicro(),
	).Slice()
	if err != nil {
		return store.BreakerOutcome{}, fmt.Errorf("llmgate/redis: breaker record: %w", err)
	}
	if len(vals) != 6 {
		return store.BreakerOutcome{}, fmt.Errorf("llmgate/redis: breaker record: unexpected reply length %d", len(vals))
	}

	to := store.CircuitState(asInt(vals[1]))
	return store.BreakerOutcome{
		From: store.CircuitState(asInt(vals[0])),
		To:   to,
		State: store.BreakerState{
			State:          to,
			Failures:       int(asInt(vals[2])),
			OpenedAt:       fromMicros(asInt(vals[3])),
			Trial:          asString(vals[4]),
			TrialStartedAt: fromMicros(asInt(vals[5])),
		},
	}, nil
}

// Snapshot returns the breaker state at now without claiming a trial.
func (s *Store) Snapshot(ctx context.Context, key string, spec store.BreakerSpec, now time.Time) (store.BreakerState, error) {
	vals, err := s.client.HMGet(ctx, s.breakerKey(key), "state", "failures", "opened_at", "trial", "trial_started_at").Result()
	if err != nil {
		return store.BreakerState{}, fmt.Errorf("llmgate/redis: breaker snapshot: %w", err)
	}
	if vals[0] == nil {
		return store.BreakerState{}, nil
	}

	st := store.BreakerState{
		State:          store.CircuitState(asInt(vals[0])),
		Failures:       int(asInt(vals[1])),
		OpenedAt:       fromMicros(asInt(vals[2])),
		Trial:          asString(vals[3]),
		TrialStartedAt: fromMicros(asInt(vals[4])),
	}
	return store.Advance(st, spec, now), nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func fromMicros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}

// asInt converts a script or HMGET reply element to int64. Missing values
// and unparsable strings are zero.
func asInt(v interface{}) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(x, 64)
			if ferr != nil {
				return 0
			}
			return int64(f)
		}
		return n
	default:
		return 0
	}
}

func asString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return ""
	}
}
