package memory

import (
	"context"
	"sync"

	"github.com/ineyio/quotaguard"
)

// Plans is a static quotaguard.PlanLookup. Unknown users get the fallback.
type Plans struct {
	mu       sync.RWMutex
	plans    map[string]string
	fallback string
}

var _ quotaguard.PlanLookup = (*Plans)(nil)

// NewPlans creates a plan table with a fallback plan for unknown users.
func NewPlans(fallback string) *Plans {
	return &Plans{plans: make(map[string]string), fallback: fallback}
}

// Set assigns a plan to a user.
func (p *Plans) Set(userID, plan string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plans[userID] = plan
}

func (p *Plans) GetPlan(_ context.Context, userID string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if plan, ok := p.plans[userID]; ok {
		return plan, nil
	}
	return p.fallback, nil
}

// Credentials is a static quotaguard.CredentialChecker.
type Credentials struct {
	mu   sync.RWMutex
	keys map[string]bool // userID + "/" + provider
}

var _ quotaguard.CredentialChecker = (*Credentials)(nil)

// NewCredentials creates an empty credential set.
func NewCredentials() *Credentials {
	return &Credentials{keys: make(map[string]bool)}
}

// Add marks that userID stored its own key for provider.
func (c *Credentials) Add(userID, provider string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[userID+"/"+provider] = true
}

// Remove deletes a stored key.
func (c *Credentials) Remove(userID, provider string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.keys, userID+"/"+provider)
}

func (c *Credentials) HasOwnCredential(_ context.Context, userID, provider string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keys[userID+"/"+provider], nil
}
