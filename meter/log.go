package meter

import (
	"log/slog"

	"github.com/ineyio/quotaguard"
)

// LogMeter logs engine events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ quotaguard.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnDecision(e quotaguard.DecisionEvent) {
	if e.Granted {
		m.Logger.Info("decision",
			"identity", e.Identity.Key(),
			"feature", e.Feature,
			"model", e.ModelID,
			"plan", e.Plan,
			"byok", e.BYOK,
			"degraded", e.Degraded,
			"duration_ms", e.Duration.Milliseconds(),
		)
		return
	}
	m.Logger.Info("decision_denied",
		"identity", e.Identity.Key(),
		"feature", e.Feature,
		"model", e.ModelID,
		"plan", e.Plan,
		"reason", e.Reason,
		"gate", e.Gate,
		"duration_ms", e.Duration.Milliseconds(),
	)
}

func (m *LogMeter) OnUsage(e quotaguard.UsageEvent) {
	if e.Error == nil {
		return
	}
	m.Logger.Error("usage_error",
		"identity", e.Record.Identity.Key(),
		"feature", e.Record.Feature,
		"model", e.Record.ModelID,
		"provider", e.Record.Provider,
		"byok", e.Record.BYOK,
		"error", e.Error,
	)
}

func (m *LogMeter) OnDependencyError(e quotaguard.DependencyEvent) {
	m.Logger.Warn("dependency_error",
		"dependency", e.Dependency,
		"gate", e.Gate,
		"policy", e.Policy,
		"error", e.Error,
	)
}
