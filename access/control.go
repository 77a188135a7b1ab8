// Package access decides whether a caller holds the role an operation needs
// on a given contract.
package access

import (
	"fmt"

	"escrowflow/contract"
)

// Role is the capability an operation requires.
type Role int

const (
	RoleClient Role = iota + 1
	RoleFreelancer
	RoleClientOrFreelancer
	RoleArbiter
	// RoleAnyParty admits the client, the freelancer and the arbiter.
	RoleAnyParty
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleFreelancer:
		return "freelancer"
	case RoleClientOrFreelancer:
		return "client_or_freelancer"
	case RoleArbiter:
		return "arbiter"
	case RoleAnyParty:
		return "any_party"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Control compares callers against the contract parties and the configured
// arbiter. It keeps no other state.
type Control struct {
	arbiterID string
}

func New(arbiterID string) *Control {
	return &Control{arbiterID: arbiterID}
}

// ArbiterID returns the process-wide arbiter identity.
func (a *Control) ArbiterID() string {
	return a.arbiterID
}

// IsArbiter reports whether callerID is the configured arbiter. An empty
// arbiter id never matches.
func (a *Control) IsArbiter(callerID string) bool {
	return a.arbiterID != "" && callerID == a.arbiterID
}

// Authorize returns contract.ErrUnauthorized unless callerID holds role on c.
func (a *Control) Authorize(c contract.Contract, callerID string, role Role) error {
	if callerID == "" {
		return contract.ErrUnauthorized
	}
	isClient := callerID == c.ClientID
	isFreelancer := callerID == c.FreelancerID

	var ok bool
	switch role {
	case RoleClient:
		ok = isClient
	case RoleFreelancer:
		ok = isFreelancer
	case RoleClientOrFreelancer:
		ok = isClient || isFreelancer
	case RoleArbiter:
		ok = a.IsArbiter(callerID)
	case RoleAnyParty:
		ok = isClient || isFreelancer || a.IsArbiter(callerID)
	}
	if !ok {
		return contract.ErrUnauthorized
	}
	return nil
}
