package usage

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Unbounded is the remaining budget of a scope without a limit.
const Unbounded = time.Duration(math.MaxInt64)

// ScopeKind distinguishes application and group budgets.
type ScopeKind string

const (
	ScopeApp   ScopeKind = "app"
	ScopeGroup ScopeKind = "group"
)

// Scope is the unit a usage budget is tracked against: one application or
// one named group of applications.
type Scope struct {
	Kind ScopeKind
	Name string
}

// App returns the scope of a single application.
func App(name string) Scope {
	return Scope{Kind: ScopeApp, Name: name}
}

// Group returns the scope of a named group.
func Group(name string) Scope {
	return Scope{Kind: ScopeGroup, Name: name}
}

// String returns the storage key, e.g. "app:firefox" or "group:games".
func (s Scope) String() string {
	return string(s.Kind) + ":" + s.Name
}

// ParseScope parses a storage key produced by String.
func ParseScope(key string) (Scope, error) {
	kind, name, ok := strings.Cut(key, ":")
	if !ok || name == "" {
		return Scope{}, fmt.Errorf("invalid scope %q", key)
	}
	switch ScopeKind(kind) {
	case ScopeApp, ScopeGroup:
		return Scope{Kind: ScopeKind(kind), Name: name}, nil
	default:
		return Scope{}, fmt.Errorf("invalid scope kind %q", kind)
	}
}

// Stats is a read-only view of one (user, scope) budget.
type Stats struct {
	User      string        `json:"user"`
	Scope     string        `json:"scope"`
	Used      time.Duration `json:"used"`
	Limit     time.Duration `json:"limit,omitempty"`
	Remaining time.Duration `json:"remaining,omitempty"`
	Limited   bool          `json:"limited"`
	Exceeded  bool          `json:"exceeded"`
}
