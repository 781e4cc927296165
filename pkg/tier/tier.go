// Package tier defines the closed set of trust tiers for PRISM actions.
// A tier determines the authorization workflow an action must clear
// before the gateway will dispatch it.
package tier

import "fmt"

// Tier identifies a trust tier.
type Tier string

const (
	// Observational actions are read-only; dispatch proceeds immediately.
	Observational Tier = "OBSERVATIONAL"
	// Advisory actions run immediately but an audit record is emitted
	// before dispatch.
	Advisory Tier = "ADVISORY"
	// Active actions pause until a human approver resolves the request.
	Active Tier = "ACTIVE"
	// Critical actions require both human approval and a fresh MFA proof
	// bound to the request.
	Critical Tier = "CRITICAL"
)

// Workflow describes the authorization steps a tier demands.
type Workflow struct {
	AuditBeforeDispatch bool // append an audit record before dispatch
	RequiresApproval    bool // a PENDING request must reach APPROVED
	RequiresMFA         bool // approval must carry a fresh MFA proof
}

var workflows = map[Tier]Workflow{
	Observational: {},
	Advisory:      {AuditBeforeDispatch: true},
	Active:        {AuditBeforeDispatch: true, RequiresApproval: true},
	Critical:      {AuditBeforeDispatch: true, RequiresApproval: true, RequiresMFA: true},
}

// All lists every tier in escalating trust order.
var All = []Tier{Observational, Advisory, Active, Critical}

// Workflow returns the authorization workflow for the tier.
func (t Tier) Workflow() Workflow {
	return workflows[t]
}

// Valid reports whether t is a member of the closed tier set.
func (t Tier) Valid() bool {
	_, ok := workflows[t]
	return ok
}

// Parse converts a string into a Tier, rejecting anything outside the
// closed set.
func Parse(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}

// rank orders tiers by escalating trust. Used for comparisons only;
// never for inferring a workflow.
var rank = map[Tier]int{
	Observational: 0,
	Advisory:      1,
	Active:        2,
	Critical:      3,
}

// AtLeast reports whether t demands at least as much trust as other.
func (t Tier) AtLeast(other Tier) bool {
	return rank[t] >= rank[other]
}
