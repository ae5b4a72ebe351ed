package contracts

import (
	"strconv"
	"time"
)

// Decision is the permission oracle's answer for a request.
type Decision int

// Decision values. The zero value is DecisionUnknown so that an uninitialized
// answer never grants anything.
const (
	DecisionUnknown Decision = iota
	DecisionAllow
	DecisionDeny
)

func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "allow"
	case DecisionDeny:
		return "deny"
	default:
		return "unknown"
	}
}

// Outcome is the stored half of a decision: the policy either allows or denies.
type Outcome bool

// Outcome values.
const (
	OutcomeAllow Outcome = true
	OutcomeDeny  Outcome = false
)

// Key renders the outcome the way the policy document stores it ("true" or
// "false").
func (o Outcome) Key() string {
	return strconv.FormatBool(bool(o))
}

// ParseOutcome accepts "true"/"false" as well as "allow"/"deny".
func ParseOutcome(s string) (Outcome, bool) {
	switch s {
	case "true", "allow":
		return OutcomeAllow, true
	case "false", "deny":
		return OutcomeDeny, true
	}
	return OutcomeDeny, false
}

func (o Outcome) String() string {
	if o {
		return "allow"
	}
	return "deny"
}

// Conditions narrows when a policy applies.
//
// Kinds is the event-kind membership predicate: a kind is a member only when
// mapped to true. A non-nil empty Kinds matches nothing. Expr is a CEL
// expression evaluated against the event; both must hold when present.
type Conditions struct {
	Kinds map[int]bool `json:"kinds,omitempty" yaml:"kinds,omitempty"`
	Expr  string       `json:"expr,omitempty" yaml:"expr,omitempty"`
}

// IsEmpty reports whether the set carries no predicate at all.
func (c *Conditions) IsEmpty() bool {
	return c == nil || (c.Kinds == nil && c.Expr == "")
}

// Policy is a persisted, reusable authorization decision for one
// (origin, outcome, operation type) triple.
type Policy struct {
	Conditions *Conditions `json:"conditions"`
	CreatedAt  int64       `json:"created_at"`
}

// Created returns CreatedAt as a time.
func (p Policy) Created() time.Time {
	return time.Unix(p.CreatedAt, 0).UTC()
}

// PolicyEntry is a flattened policy, used for listings.
type PolicyEntry struct {
	Origin  string  `json:"host"`
	Outcome Outcome `json:"accept"`
	Type    string  `json:"type"`
	Policy
}
