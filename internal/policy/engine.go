package policy

import (
	"sort"
	"time"

	"github.com/goodtune/procmon/internal/usage"
	"github.com/rs/zerolog"
)

// Engine resolves individual and group limits for a process sample.
type Engine struct {
	logger zerolog.Logger
}

// NewEngine creates a new limit resolver.
func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{
		logger: logger.With().Str("component", "policy-engine").Logger(),
	}
}

// Evaluate accrues one tick of usage for every active scope in the sample,
// records due warnings in the ledger and returns the termination orders.
//
// Blocked processes are ordered terminated without accruing. Each
// application and each group is accrued at most once per user per tick,
// however many of its processes are running.
func (e *Engine) Evaluate(observations []Observation, p *Policy, ledger *usage.Ledger) *Decision {
	d := &Decision{Active: make(map[string][]usage.Scope)}

	byUser := make(map[string][]Observation)
	for _, o := range observations {
		if o.User == "" || !p.Monitors(o.User) {
			continue
		}
		byUser[o.User] = append(byUser[o.User], o)
	}

	users := make([]string, 0, len(byUser))
	for user := range byUser {
		users = append(users, user)
	}
	sort.Strings(users)

	for _, user := range users {
		e.evaluateUser(user, byUser[user], p, ledger, d)
	}

	return d
}

func (e *Engine) evaluateUser(user string, procs []Observation, p *Policy, ledger *usage.Ledger, d *Decision) {
	apps := make(map[string][]Observation)
	groups := make(map[string][]Observation)
	var blocked []Termination

	for _, o := range procs {
		if pattern, ok := p.Blocked(o.Name); ok {
			blocked = append(blocked, Termination{
				User:    user,
				PID:     o.PID,
				Process: o.Name,
				App:     pattern,
				Scope:   usage.App(pattern),
				Reason:  ReasonBlocked,
			})
			continue
		}

		app, accounted := p.Application(o.Name)
		if !accounted {
			continue
		}
		apps[app] = append(apps[app], o)

		if group, ambiguous, ok := p.GroupOf(o.Name); ok {
			if ambiguous {
				e.logger.Warn().
					Str("user", user).
					Str("process", o.Name).
					Str("group", group).
					Msg("Process matches more than one group, charging the first")
			}
			groups[group] = append(groups[group], o)
		}
	}

	appNames := sortedKeys(apps)
	groupNames := sortedKeys(groups)

	for _, app := range appNames {
		scope := usage.App(app)
		ledger.Accrue(user, scope, p.Tick)
		d.Active[user] = append(d.Active[user], scope)
	}
	for _, group := range groupNames {
		scope := usage.Group(group)
		ledger.Accrue(user, scope, p.Tick)
		d.Active[user] = append(d.Active[user], scope)
	}

	flagged := make(map[int32]Termination)

	for _, app := range appNames {
		scope := usage.App(app)
		if !e.checkScope(user, scope, p, ledger, d) {
			continue
		}
		for _, o := range apps[app] {
			flagged[o.PID] = Termination{
				User:    user,
				PID:     o.PID,
				Process: o.Name,
				App:     app,
				Scope:   scope,
				Reason:  ReasonLimit,
			}
		}
	}

	for _, group := range groupNames {
		scope := usage.Group(group)
		if !e.checkScope(user, scope, p, ledger, d) {
			continue
		}
		for _, o := range groups[group] {
			if _, ok := flagged[o.PID]; ok {
				continue
			}
			app, _ := p.Application(o.Name)
			flagged[o.PID] = Termination{
				User:    user,
				PID:     o.PID,
				Process: o.Name,
				App:     app,
				Scope:   scope,
				Reason:  ReasonGroupLimit,
			}
		}
	}

	sort.Slice(blocked, func(i, j int) bool { return blocked[i].PID < blocked[j].PID })
	d.Terminations = append(d.Terminations, blocked...)

	pids := make([]int32, 0, len(flagged))
	for pid := range flagged {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	for _, pid := range pids {
		d.Terminations = append(d.Terminations, flagged[pid])
	}
}

// checkScope records due warnings for a limited scope and reports whether
// its budget is exhausted.
func (e *Engine) checkScope(user string, scope usage.Scope, p *Policy, ledger *usage.Ledger, d *Decision) bool {
	limit := p.Limit(scope)
	if limit <= 0 {
		return false
	}

	remaining := ledger.Remaining(user, scope, limit)
	for _, threshold := range ledger.DueWarnings(user, scope, remaining, p.Thresholds) {
		d.Warnings = append(d.Warnings, Warning{
			User:      user,
			Scope:     scope,
			Threshold: time.Duration(threshold) * time.Second,
			Remaining: remaining,
			Used:      ledger.Used(user, scope),
			Limit:     time.Duration(limit) * time.Minute,
		})
	}

	if remaining > 0 {
		return false
	}

	e.logger.Debug().
		Str("user", user).
		Str("scope", scope.String()).
		Dur("used", ledger.Used(user, scope)).
		Int("limit_minutes", limit).
		Msg("Usage limit exceeded")
	return true
}
