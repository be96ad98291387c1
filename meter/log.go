package meter

import (
	"context"
	"log/slog"

	"github.com/hardik936/llmgate"
)

// LogMeter logs admission, attempt and result events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ llmgate.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnAdmission(e llmgate.AdmissionEvent) {
	switch e.Kind {
	case llmgate.AdmissionRateLimit:
		level := slog.LevelDebug
		if !e.Allowed {
			level = slog.LevelWarn
		}
		m.Logger.Log(context.Background(), level, "rate_limit",
			"request_id", e.RequestID,
			"provider", e.Provider,
			"allowed", e.Allowed,
			"permits", e.Permits,
			"wait_ms", e.Wait.Milliseconds(),
			"available_tokens", e.AvailableTokens,
		)
	case llmgate.AdmissionQuota:
		level := slog.LevelDebug
		if !e.Allowed || e.Warning {
			level = slog.LevelWarn
		}
		m.Logger.Log(context.Background(), level, "quota",
			"request_id", e.RequestID,
			"workflow", e.WorkflowID,
			"tenant", e.TenantID,
			"allowed", e.Allowed,
			"warning", e.Warning,
			"tokens", e.Tokens,
		)
	}
}

func (m *LogMeter) OnAttempt(a llmgate.CallAttempt) {
	if a.Success {
		m.Logger.Debug("attempt",
			"request_id", a.RequestID,
			"provider", a.Provider,
			"attempt", a.Attempt,
			"latency_ms", a.Latency.Milliseconds(),
			"tokens", a.TokensUsed,
		)
		return
	}
	m.Logger.Info("attempt_error",
		"request_id", a.RequestID,
		"provider", a.Provider,
		"attempt", a.Attempt,
		"latency_ms", a.Latency.Milliseconds(),
		"class", a.Class.String(),
		"error", a.Err,
	)
}

func (m *LogMeter) OnFailover(e llmgate.FailoverEvent) {
	m.Logger.Warn("failover",
		"request_id", e.RequestID,
		"from", e.From,
		"to", e.To,
		"reason", e.Reason,
		"degraded", e.Degraded,
	)
}

func (m *LogMeter) OnResult(e llmgate.ResultEvent) {
	if e.Success {
		m.Logger.Info("result",
			"request_id", e.RequestID,
			"workflow", e.WorkflowID,
			"tenant", e.TenantID,
			"provider", e.Provider,
			"duration_ms", e.Latency.Milliseconds(),
			"failover_attempts", e.FailoverAttempts,
			"tokens", e.TokensUsed,
			"cost", e.Cost,
		)
	} else {
		m.Logger.Warn("result_error",
			"request_id", e.RequestID,
			"workflow", e.WorkflowID,
			"tenant", e.TenantID,
			"provider", e.Provider,
			"duration_ms", e.Latency.Milliseconds(),
			"failover_attempts", e.FailoverAttempts,
			"error", e.Err,
		)
	}
}

func (m *LogMeter) OnBreakerTransition(e llmgate.BreakerEvent) {
	m.Logger.Info("breaker",
		"resource", e.Resource,
		"from", e.From.String(),
		"to", e.To.String(),
		"failures", e.Failures,
	)
}
