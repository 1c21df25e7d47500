package policy

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goodtune/procmon/internal/config"
	"github.com/goodtune/procmon/internal/match"
	"github.com/goodtune/procmon/internal/usage"
)

// Policy is an immutable, compiled view of the monitor configuration used
// for one tick.
type Policy struct {
	Enabled    bool
	Tick       time.Duration
	TrackAll   bool
	Thresholds []int

	users       map[string]struct{}
	blocked     []string
	limits      map[string]int
	limitOrder  []string
	groups      map[string][]string
	groupOrder  []string
	groupLimits map[string]int
	tracked     []string
	matcher     match.Matcher
}

// Compile builds a Policy from a validated configuration.
func Compile(cfg *config.Config) (*Policy, error) {
	m, err := match.New(cfg.Monitor.Matching)
	if err != nil {
		return nil, err
	}
	return CompileWith(cfg, m)
}

// CompileWith builds a Policy using a caller supplied matcher.
func CompileWith(cfg *config.Config, m match.Matcher) (*Policy, error) {
	mc := cfg.Monitor

	p := &Policy{
		Enabled:     mc.Enabled,
		Tick:        cfg.CheckInterval(),
		TrackAll:    mc.TrackAll,
		Thresholds:  cfg.Thresholds(),
		users:       make(map[string]struct{}, len(mc.MonitoredUsers)),
		blocked:     sortedUnique(mc.BlockedProcesses),
		limits:      make(map[string]int, len(mc.LimitedProcesses)),
		groups:      make(map[string][]string, len(mc.ProcessGroups)),
		groupLimits: make(map[string]int, len(mc.GroupLimits)),
		tracked:     sortedUnique(mc.TrackedProcesses),
		matcher:     m,
	}

	for _, u := range mc.MonitoredUsers {
		p.users[u] = struct{}{}
	}
	for name, minutes := range mc.LimitedProcesses {
		p.limits[name] = minutes
	}
	p.limitOrder = sortedKeys(p.limits)

	for group, members := range mc.ProcessGroups {
		p.groups[group] = sortedUnique(members)
	}
	p.groupOrder = sortedKeys(p.groups)

	for group, minutes := range mc.GroupLimits {
		p.groupLimits[group] = minutes
	}

	if g, ok := m.(*match.Glob); ok {
		for _, pattern := range p.patterns() {
			if err := g.Compile(pattern); err != nil {
				return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
			}
		}
	}

	return p, nil
}

func (p *Policy) patterns() []string {
	out := append([]string(nil), p.blocked...)
	out = append(out, p.limitOrder...)
	out = append(out, p.tracked...)
	for _, members := range p.groups {
		out = append(out, members...)
	}
	return out
}

// Matcher returns the name matching strategy.
func (p *Policy) Matcher() match.Matcher {
	return p.matcher
}

// Monitors reports whether the user is governed. An empty user list
// governs everyone.
func (p *Policy) Monitors(user string) bool {
	if len(p.users) == 0 {
		return true
	}
	_, ok := p.users[user]
	return ok
}

// Blocked returns the blocked pattern that selects name, if any.
func (p *Policy) Blocked(name string) (string, bool) {
	return match.First(p.matcher, p.blocked, name)
}

// Application maps a process name to the application key it is accounted
// under: the first matching limit pattern, then group member, then tracked
// pattern, then the raw name when every application is tracked. accounted
// is false when the process is not tracked at all.
func (p *Policy) Application(name string) (app string, accounted bool) {
	if pattern, ok := match.First(p.matcher, p.limitOrder, name); ok {
		return pattern, true
	}
	for _, group := range p.groupOrder {
		if pattern, ok := match.First(p.matcher, p.groups[group], name); ok {
			return pattern, true
		}
	}
	if pattern, ok := match.First(p.matcher, p.tracked, name); ok {
		return pattern, true
	}
	if p.TrackAll {
		return name, true
	}
	return name, false
}

// GroupOf returns the group a process name counts toward. When more than
// one group matches, the first in sorted order wins and ambiguous is set.
func (p *Policy) GroupOf(name string) (group string, ambiguous bool, ok bool) {
	for _, g := range p.groupOrder {
		if _, hit := match.First(p.matcher, p.groups[g], name); !hit {
			continue
		}
		if ok {
			return group, true, true
		}
		group, ok = g, true
	}
	return group, false, ok
}

// Limit returns the daily limit in minutes for scope; zero means unlimited.
func (p *Policy) Limit(scope usage.Scope) int {
	switch scope.Kind {
	case usage.ScopeApp:
		return p.limits[scope.Name]
	case usage.ScopeGroup:
		return p.groupLimits[scope.Name]
	default:
		return 0
	}
}

// LimitForName resolves a free-form application or group name typed by an
// administrator to a scope and its limit.
func (p *Policy) LimitForName(name string) (usage.Scope, int) {
	if _, ok := p.groups[name]; ok {
		return usage.Group(name), p.groupLimits[name]
	}
	if app, ok := p.Application(name); ok {
		return usage.App(app), p.limits[app]
	}
	return usage.App(name), 0
}

// LimitedScopes returns every scope with a daily limit, applications
// first, each sorted by name.
func (p *Policy) LimitedScopes() []usage.Scope {
	var out []usage.Scope
	for _, name := range p.limitOrder {
		if p.limits[name] > 0 {
			out = append(out, usage.App(name))
		}
	}
	for _, name := range sortedKeys(p.groupLimits) {
		if p.groupLimits[name] > 0 {
			out = append(out, usage.Group(name))
		}
	}
	return out
}

// Groups returns group names in sorted order.
func (p *Policy) Groups() []string {
	return append([]string(nil), p.groupOrder...)
}

// Members returns a group's member patterns.
func (p *Policy) Members(group string) []string {
	return append([]string(nil), p.groups[group]...)
}

func sortedUnique(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
