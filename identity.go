package quotaguard

import (
	"fmt"
	"strings"
)

// IdentityKind distinguishes authenticated users from anonymous callers.
type IdentityKind string

const (
	IdentityUser IdentityKind = "user"
	IdentityIP   IdentityKind = "ip"
)

// Identity is the key every balance and counter is scoped to.
// User and IP identities never share state, even for equal values.
type Identity struct {
	Kind  IdentityKind `json:"kind" yaml:"kind"`
	Value string       `json:"value" yaml:"value"`
}

// UserIdentity returns the identity of an authenticated user.
func UserIdentity(userID string) Identity {
	return Identity{Kind: IdentityUser, Value: userID}
}

// IPIdentity returns the identity of an anonymous caller.
func IPIdentity(ip string) Identity {
	return Identity{Kind: IdentityIP, Value: ip}
}

// ParseIdentityKind validates a kind string (e.g. from a URL path).
func ParseIdentityKind(s string) (IdentityKind, error) {
	switch IdentityKind(s) {
	case IdentityUser, IdentityIP:
		return IdentityKind(s), nil
	default:
		return "", fmt.Errorf("quotaguard: invalid identity kind %q", s)
	}
}

// Validate returns ErrUnauthenticated if the identity cannot be used as a key.
func (id Identity) Validate() error {
	if id.Kind != IdentityUser && id.Kind != IdentityIP {
		return ErrUnauthenticated
	}
	if strings.TrimSpace(id.Value) == "" {
		return ErrUnauthenticated
	}
	return nil
}

// IsUser reports whether the identity is an authenticated user.
func (id Identity) IsUser() bool { return id.Kind == IdentityUser }

// Key returns the canonical "<kind>:<value>" form used by stores.
func (id Identity) Key() string {
	return string(id.Kind) + ":" + id.Value
}

func (id Identity) String() string { return id.Key() }
