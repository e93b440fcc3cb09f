package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		role   Role
		action Action
		want   bool
	}{
		{RoleTeam, ActionMessage, true},
		{RoleTeam, ActionFlash, false},
		{RoleTeam, ActionEscalate, false},
		{RoleTeam, ActionAdmin, false},
		{RoleLabManager, ActionMessage, true},
		{RoleLabManager, ActionFlash, false},
		{RoleLabManager, ActionEscalate, false},
		{RoleProdManager, ActionMessage, true},
		{RoleProdManager, ActionFlash, true},
		{RoleProdManager, ActionEscalate, true},
		{RoleProdManager, ActionAdmin, false},
		{RoleAdmin, ActionMessage, true},
		{RoleAdmin, ActionFlash, true},
		{RoleAdmin, ActionEscalate, true},
		{RoleAdmin, ActionAdmin, true},
		{Role("intern"), ActionMessage, false},
	}
	for _, tc := range cases {
		if got := Can(tc.role, tc.action); got != tc.want {
			t.Errorf("Can(%s, %s) = %v, want %v", tc.role, tc.action, got, tc.want)
		}
	}
}

func TestNormalizeDefaultsToTeam(t *testing.T) {
	if Normalize("prod_manager") != RoleProdManager {
		t.Fatalf("known role must pass through")
	}
	if Normalize("") != RoleTeam {
		t.Fatalf("empty role must default to team")
	}
	if Normalize("superuser") != RoleTeam {
		t.Fatalf("unknown role must default to team")
	}
}
