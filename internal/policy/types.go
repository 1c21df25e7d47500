package policy

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/goodtune/procmon/internal/usage"
)

// Observation is one running process as seen by the sampler.
type Observation struct {
	User string `json:"user"`
	Name string `json:"name"`
	PID  int32  `json:"pid"`
}

// Reason explains why a process is terminated.
type Reason string

const (
	ReasonBlocked    Reason = "BLOCKED"
	ReasonLimit      Reason = "LIMIT"
	ReasonGroupLimit Reason = "GROUP_LIMIT"
)

// UnmarshalJSON implements json.Unmarshaler to normalize reason to uppercase.
func (r *Reason) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	normalized := Reason(strings.ToUpper(s))
	switch normalized {
	case ReasonBlocked, ReasonLimit, ReasonGroupLimit:
		*r = normalized
		return nil
	default:
		return fmt.Errorf("invalid reason: %s (must be BLOCKED, LIMIT, or GROUP_LIMIT)", s)
	}
}

// Describe returns a human readable explanation.
func (r Reason) Describe() string {
	switch r {
	case ReasonBlocked:
		return "blocked application"
	case ReasonLimit:
		return "daily time limit exceeded"
	case ReasonGroupLimit:
		return "group time limit exceeded"
	default:
		return string(r)
	}
}

// Termination orders one process to be stopped.
type Termination struct {
	User    string      `json:"user"`
	PID     int32       `json:"pid"`
	Process string      `json:"process"`
	App     string      `json:"app"`
	Scope   usage.Scope `json:"-"`
	Reason  Reason      `json:"reason"`
}

// Warning is one threshold crossing to notify a user about.
type Warning struct {
	User      string
	Scope     usage.Scope
	Threshold time.Duration
	Remaining time.Duration
	Used      time.Duration
	Limit     time.Duration
}

// Decision is the outcome of evaluating one sample.
type Decision struct {
	Terminations []Termination
	Warnings     []Warning

	// Active lists, per user, the scopes accrued this tick.
	Active map[string][]usage.Scope
}

// Accrued returns the number of (user, scope) accruals in the decision.
func (d *Decision) Accrued() int {
	n := 0
	for _, scopes := range d.Active {
		n += len(scopes)
	}
	return n
}
