package quotaguard

import "fmt"

// FailurePolicy decides how a gate behaves when its dependency fails.
type FailurePolicy string

const (
	// FailOpen grants the request and flags the decision as degraded.
	FailOpen FailurePolicy = "open"
	// FailClosed denies the request with ReasonDependencyUnavailable.
	FailClosed FailurePolicy = "closed"
)

// Policies holds the per-gate failure policies.
type Policies struct {
	Budget FailurePolicy `yaml:"budget"`
	Quota  FailurePolicy `yaml:"quota"`
	Rate   FailurePolicy `yaml:"rate"`
	Credit FailurePolicy `yaml:"credit"`
}

// DefaultPolicies returns the production defaults: only the budget gate
// fails open.
func DefaultPolicies() Policies {
	return Policies{
		Budget: FailOpen,
		Quota:  FailClosed,
		Rate:   FailClosed,
		Credit: FailClosed,
	}
}

func (p Policies) withDefaults() Policies {
	d := DefaultPolicies()
	if p.Budget == "" {
		p.Budget = d.Budget
	}
	if p.Quota == "" {
		p.Quota = d.Quota
	}
	if p.Rate == "" {
		p.Rate = d.Rate
	}
	if p.Credit == "" {
		p.Credit = d.Credit
	}
	return p
}

// Validate rejects unknown values. The budget gate must fail open: a
// monitoring fault may never turn into a product outage.
func (p Policies) Validate() error {
	for name, v := range map[string]FailurePolicy{
		"budget": p.Budget, "quota": p.Quota, "rate": p.Rate, "credit": p.Credit,
	} {
		if v != "" && v != FailOpen && v != FailClosed {
			return fmt.Errorf("quotaguard: config: policies.%s: invalid value %q", name, v)
		}
	}
	if p.Budget == FailClosed {
		return fmt.Errorf("quotaguard: config: policies.budget must be %q", FailOpen)
	}
	return nil
}
