package llmgate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hardik936/llmgate/store"
)

// ScopeKind is the dimension a quota is tracked along.
type ScopeKind string

const (
	ScopeWorkflow ScopeKind = "workflow"
	ScopeTenant   ScopeKind = "tenant"
)

// Scope identifies one quota window.
type Scope struct {
	Kind ScopeKind `json:"kind"`
	ID   string    `json:"id"`
}

// WorkflowScope returns the quota scope of a workflow.
func WorkflowScope(id string) Scope { return Scope{Kind: ScopeWorkflow, ID: id} }

// TenantScope returns the quota scope of a tenant.
func TenantScope(id string) Scope { return Scope{Kind: ScopeTenant, ID: id} }

// Key returns the store key, "<kind>:<id>".
func (s Scope) Key() string { return string(s.Kind) + ":" + s.ID }

func (s Scope) String() string { return s.Key() }

// ParseScope parses a "<kind>:<id>" key.
func ParseScope(key string) (Scope, error) {
	kind, id, ok := strings.Cut(key, ":")
	if !ok || id == "" {
		return Scope{}, fmt.Errorf("invalid scope key %q (want workflow:<id> or tenant:<id>)", key)
	}
	switch ScopeKind(kind) {
	case ScopeWorkflow, ScopeTenant:
		return Scope{Kind: ScopeKind(kind), ID: id}, nil
	default:
		return Scope{}, fmt.Errorf("invalid scope kind %q in %q", kind, key)
	}
}

// requestScopes returns the scopes a request is charged against.
func requestScopes(req Request) []Scope {
	var scopes []Scope
	if req.WorkflowID != "" {
		scopes = append(scopes, WorkflowScope(req.WorkflowID))
	}
	if req.TenantID != "" {
		scopes = append(scopes, TenantScope(req.TenantID))
	}
	return scopes
}

// QuotaStatus is the introspection view of one scope's window.
type QuotaStatus struct {
	Scope           Scope     `json:"scope"`
	TokensUsed      int64     `json:"tokens_used"`
	TokensRemaining int64     `json:"tokens_remaining"`
	TokensLimit     int64     `json:"tokens_limit"`
	WindowStart     time.Time `json:"window_start"`
	WindowEnd       time.Time `json:"window_end"`
	ResetAt         time.Time `json:"reset_at"`
	Mode            QuotaMode `json:"mode"`
	Enabled         bool      `json:"enabled"`
}

// QuotaDecision is the outcome of CheckAndReserve.
type QuotaDecision struct {
	Allowed bool

	// Warning is set when a soft-mode reservation took a scope over its limit.
	Warning bool

	// Remaining is the smallest remaining budget across the scopes, floored
	// at zero. It is -1 when no scope was checked.
	Remaining int64

	Scopes []QuotaStatus
}

// QuotaManager enforces rolling-window token budgets per workflow and
// tenant. All scopes of one reservation are checked and charged in a single
// atomic store operation.
type QuotaManager struct {
	quota   store.QuotaStore
	cfg     QuotaConfig
	enabled bool
	clock   Clock
	logger  *slog.Logger
}

// NewQuotaManager creates a QuotaManager. WithClock and WithLogger apply.
func NewQuotaManager(cfg Config, quota store.QuotaStore, opts ...Option) *QuotaManager {
	o := buildOptions(opts)
	cfg = cfg.withDefaults()
	return &QuotaManager{
		quota:   quota,
		cfg:     cfg.Quota,
		enabled: cfg.RateLimitEnabled,
		clock:   o.clock,
		logger:  o.logger,
	}
}

// Mode returns the enforcement mode.
func (q *QuotaManager) Mode() QuotaMode { return q.cfg.Enforcement }

// Limit returns the configured limit for scope.
func (q *QuotaManager) Limit(scope Scope) int64 {
	if limit, ok := q.cfg.Limits[scope.Key()]; ok {
		return limit
	}
	return q.cfg.DefaultTokens
}

func (q *QuotaManager) spec(scope Scope) store.QuotaSpec {
	return store.QuotaSpec{Key: scope.Key(), Limit: q.Limit(scope), Window: q.cfg.Window()}
}

func (q *QuotaManager) status(scope Scope, rec store.QuotaRecord) QuotaStatus {
	return QuotaStatus{
		Scope:           scope,
		TokensUsed:      rec.Used,
		TokensRemaining: rec.Remaining(),
		TokensLimit:     rec.Limit,
		WindowStart:     rec.WindowStart,
		WindowEnd:       rec.WindowEnd(),
		ResetAt:         rec.WindowEnd(),
		Mode:            q.cfg.Enforcement,
		Enabled:         q.enabled,
	}
}

// CheckAndReserve charges tokens against every scope. In soft mode the
// charge always succeeds and Warning reports an overage. In hard mode a
// charge that would take any scope over its limit is rejected for all of
// them and a *QuotaExceededError is returned. With no scopes, or when rate
// limiting is disabled, the call is allowed and nothing is recorded.
func (q *QuotaManager) CheckAndReserve(ctx context.Context, scopes []Scope, tokens int64) (QuotaDecision, error) {
	scopes = dedupeScopes(scopes)
	if !q.enabled || len(scopes) == 0 {
		return QuotaDecision{Allowed: true, Remaining: -1}, nil
	}

	specs := make([]store.QuotaSpec, len(scopes))
	for i, s := range scopes {
		specs[i] = q.spec(s)
	}

	res, err := q.quota.Reserve(ctx, specs, q.cfg.Enforcement, tokens, q.clock.Now())
	if err != nil {
		return QuotaDecision{}, fmt.Errorf("llmgate: reserve quota: %w", err)
	}

	dec := QuotaDecision{Allowed: res.Allowed, Remaining: -1, Scopes: make([]QuotaStatus, len(scopes))}
	for i, rec := range res.Records {
		st := q.status(scopes[i], rec)
		dec.Scopes[i] = st
		if dec.Remaining < 0 || st.TokensRemaining < dec.Remaining {
			dec.Remaining = st.TokensRemaining
		}
		if res.Allowed && rec.Used > rec.Limit {
			dec.Warning = true
			q.logger.Warn("quota overage",
				"scope", st.Scope.Key(),
				"tokens_used", rec.Used,
				"tokens_limit", rec.Limit,
				"tokens_requested", tokens,
			)
		}
	}

	if !res.Allowed {
		rec := res.Records[res.Rejected]
		return dec, &QuotaExceededError{
			Scope:           scopes[res.Rejected],
			TokensUsed:      rec.Used,
			TokensLimit:     rec.Limit,
			TokensRequested: tokens,
			WindowStart:     rec.WindowStart,
			WindowEnd:       rec.WindowEnd(),
			ResetAt:         rec.WindowEnd(),
		}
	}
	return dec, nil
}

// Status reports the current window for scope. A scope that has never been
// charged reports an empty window starting now; no record is created.
func (q *QuotaManager) Status(ctx context.Context, scope Scope) (QuotaStatus, error) {
	rec, err := q.quota.Usage(ctx, q.spec(scope), q.clock.Now())
	if err != nil {
		return QuotaStatus{}, fmt.Errorf("llmgate: quota status %s: %w", scope, err)
	}
	return q.status(scope, rec), nil
}

func dedupeScopes(scopes []Scope) []Scope {
	if len(scopes) < 2 {
		return scopes
	}
	seen := make(map[string]bool, len(scopes))
	out := scopes[:0:0]
	for _, s := range scopes {
		if seen[s.Key()] {
			continue
		}
		seen[s.Key()] = true
		out = append(out, s)
	}
	return out
}
