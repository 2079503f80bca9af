package quotaguard

import "time"

// Meter observes engine events for monitoring/logging.
type Meter interface {
	// OnDecision is called once per EvaluateAccess.
	OnDecision(event DecisionEvent)

	// OnUsage is called after a usage record is appended (or fails to be).
	OnUsage(event UsageEvent)

	// OnDependencyError is called when a backing store fails.
	OnDependencyError(event DependencyEvent)
}

// DecisionEvent describes a grant/deny verdict.
type DecisionEvent struct {
	Identity Identity
	Feature  string
	ModelID  string
	Plan     string
	Granted  bool
	Reason   Reason
	Gate     Gate
	BYOK     bool
	Degraded []Gate
	Duration time.Duration
}

// UsageEvent describes a usage append.
type UsageEvent struct {
	Record UsageRecord
	Error  error
}

// DependencyEvent describes a store failure and how it was resolved.
type DependencyEvent struct {
	Dependency string
	Gate       Gate
	Policy     FailurePolicy
	Error      error
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (m *noopMeter) OnDecision(DecisionEvent)          {}
func (m *noopMeter) OnUsage(UsageEvent)                {}
func (m *noopMeter) OnDependencyError(DependencyEvent) {}
