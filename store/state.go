package store

import "time"

// The functions in this file are the single definition of bucket, quota and
// breaker arithmetic. Backends that run the read-modify-write in Go (memory,
// postgres, sqlite) call them under their lock or transaction; the redis Lua
// scripts mirror them line for line.

// Refill returns st with tokens accrued up to now. A bucket that has never
// been touched (zero LastRefill) starts full. Time moving backwards accrues
// nothing.
func Refill(st BucketState, spec BucketSpec, now time.Time) BucketState {
	st.Capacity = spec.Capacity
	st.RatePerSec = spec.RatePerSec

	if st.LastRefill.IsZero() {
		st.Tokens = spec.Capacity
		st.LastRefill = now
		return st
	}

	if elapsed := now.Sub(st.LastRefill).Seconds(); elapsed > 0 {
		st.Tokens += elapsed * spec.RatePerSec
		st.LastRefill = now
	}
	if st.Tokens > spec.Capacity {
		st.Tokens = spec.Capacity
	}
	if st.Tokens < 0 {
		st.Tokens = 0
	}
	return st
}

// TakeTokens refills st and deducts n when available.
func TakeTokens(st BucketState, spec BucketSpec, n float64, now time.Time) (BucketState, bool) {
	st = Refill(st, spec, now)
	if st.Tokens >= n {
		st.Tokens -= n
		return st, true
	}
	return st, false
}

// GiveTokens refills st and returns n tokens, capped at capacity.
func GiveTokens(st BucketState, spec BucketSpec, n float64, now time.Time) BucketState {
	st = Refill(st, spec, now)
	st.Tokens += n
	if st.Tokens > spec.Capacity {
		st.Tokens = spec.Capacity
	}
	return st
}

// Rotate returns the record that is active at now: rec itself when its
// window is still open, or a fresh zero-usage window starting at now.
// Limit and window length always follow spec.
func Rotate(rec QuotaRecord, spec QuotaSpec, now time.Time) QuotaRecord {
	if rec.WindowStart.IsZero() || !now.Before(rec.WindowStart.Add(spec.Window)) {
		return QuotaRecord{
			Key:         spec.Key,
			WindowStart: now,
			Window:      spec.Window,
			Limit:       spec.Limit,
		}
	}
	rec.Key = spec.Key
	rec.Window = spec.Window
	rec.Limit = spec.Limit
	return rec
}

// ApplyReservation adds tokens to every record according to mode. recs must
// already be rotated. In hard mode nothing is added if any record would go
// over its limit.
func ApplyReservation(recs []QuotaRecord, mode QuotaMode, tokens int64) QuotaResult {
	res := QuotaResult{Allowed: true, Rejected: -1}

	if mode == QuotaHard {
		for i, r := range recs {
			if r.Used+tokens > r.Limit {
				res.Allowed = false
				res.Rejected = i
				res.Records = recs
				return res
			}
		}
	}

	out := make([]QuotaRecord, len(recs))
	for i, r := range recs {
		r.Used += tokens
		out[i] = r
	}
	res.Records = out
	return res
}

// Advance moves an OPEN breaker to HALF_OPEN once its recovery timeout has
// elapsed at now.
func Advance(st BreakerState, spec BreakerSpec, now time.Time) BreakerState {
	if st.State == StateOpen && !now.Before(st.OpenedAt.Add(spec.RecoveryTimeout)) {
		st.State = StateHalfOpen
		st.Trial = ""
		st.TrialStartedAt = time.Time{}
	}
	return st
}

// Admit decides whether a call may proceed and, in HALF_OPEN, claims the
// trial slot for token. A trial held for longer than the recovery timeout
// is treated as abandoned and can be claimed again.
func Admit(st BreakerState, spec BreakerSpec, token string, now time.Time) (BreakerState, BreakerAdmission) {
	from := st.State
	st = Advance(st, spec, now)

	adm := BreakerAdmission{From: from}
	switch st.State {
	case StateClosed:
		adm.Permit = true
	case StateHalfOpen:
		abandoned := st.Trial != "" && !now.Before(st.TrialStartedAt.Add(spec.RecoveryTimeout))
		if st.Trial == "" || abandoned {
			st.Trial = token
			st.TrialStartedAt = now
			adm.Permit = true
			adm.Trial = token
		}
	}
	adm.To = st.State
	return st, adm
}

// Apply records the outcome of a call. Only the holder of the current trial
// can resolve HALF_OPEN; results for calls admitted in an earlier state are
// dropped once the breaker has left CLOSED.
func Apply(st BreakerState, spec BreakerSpec, trial string, success bool, now time.Time) (BreakerState, BreakerOutcome) {
	from := st.State
	st = Advance(st, spec, now)

	switch st.State {
	case StateClosed:
		if trial != "" {
			// A trial that was already resolved by someone else.
			break
		}
		if success {
			st.Failures = 0
			break
		}
		st.Failures++
		if st.Failures >= spec.FailureThreshold {
			st.State = StateOpen
			st.OpenedAt = now
		}
	case StateHalfOpen:
		if trial == "" || trial != st.Trial {
			break
		}
		st.Trial = ""
		st.TrialStartedAt = time.Time{}
		if success {
			st.State = StateClosed
			st.Failures = 0
		} else {
			st.State = StateOpen
			st.OpenedAt = now
		}
	}

	return st, BreakerOutcome{State: st, From: from, To: st.State}
}
