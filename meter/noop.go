package meter

import "github.com/ineyio/quotaguard"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ quotaguard.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnDecision(quotaguard.DecisionEvent)          {}
func (m *NoopMeter) OnUsage(quotaguard.UsageEvent)                {}
func (m *NoopMeter) OnDependencyError(quotaguard.DependencyEvent) {}
