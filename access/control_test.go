package access

import (
	"testing"

	"github.com/stretchr/testify/require"

	"escrowflow/contract"
)

func TestAuthorize(t *testing.T) {
	c := contract.Contract{ClientID: "alice", FreelancerID: "bob"}
	ctl := New("carol")

	cases := []struct {
		name   string
		caller string
		role   Role
		allow  bool
	}{
		{"client as client", "alice", RoleClient, true},
		{"freelancer as client", "bob", RoleClient, false},
		{"freelancer as freelancer", "bob", RoleFreelancer, true},
		{"client as freelancer", "alice", RoleFreelancer, false},
		{"client as either party", "alice", RoleClientOrFreelancer, true},
		{"freelancer as either party", "bob", RoleClientOrFreelancer, true},
		{"arbiter as either party", "carol", RoleClientOrFreelancer, false},
		{"arbiter as arbiter", "carol", RoleArbiter, true},
		{"client as arbiter", "alice", RoleArbiter, false},
		{"arbiter as any party", "carol", RoleAnyParty, true},
		{"stranger as any party", "mallory", RoleAnyParty, false},
		{"empty caller", "", RoleClient, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ctl.Authorize(c, tc.caller, tc.role)
			if tc.allow {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, contract.ErrUnauthorized)
		})
	}
}

func TestAuthorizeWithoutArbiter(t *testing.T) {
	ctl := New("")
	c := contract.Contract{ClientID: "alice", FreelancerID: "bob"}
	require.ErrorIs(t, ctl.Authorize(c, "", RoleArbiter), contract.ErrUnauthorized, "an unset arbiter must never authorize")
	require.False(t, ctl.IsArbiter(""), "empty caller must not match an empty arbiter id")
}

func TestRoleString(t *testing.T) {
	require.Equal(t, "client_or_freelancer", RoleClientOrFreelancer.String())
	require.Equal(t, "role(42)", Role(42).String())
}
