package rbac

import "testing"

func sameCompanyActor() Actor {
	return Actor{Empid: "emp-1", CompanyID: 1, Departments: []string{"ops"}, Projects: []string{"atlas"}}
}

func TestEvaluatePresets(t *testing.T) {
	cases := []struct {
		name     string
		role     Role
		action   Action
		actor    Actor
		resource Resource
		allow    bool
		reason   Reason
	}{
		{name: "staff create same company", role: RoleStaff, action: ActionMessageCreate, actor: sameCompanyActor(), resource: Resource{CompanyID: 1}, allow: true, reason: ReasonRoleAllow},
		{name: "staff delete not allowed", role: RoleStaff, action: ActionMessageDelete, actor: sameCompanyActor(), resource: Resource{CompanyID: 1}, allow: false, reason: ReasonRoleNotAllowed},
		{name: "staff moderate preset deny", role: RoleStaff, action: ActionAdminModerate, actor: sameCompanyActor(), resource: Resource{CompanyID: 1}, allow: false, reason: ReasonRoleDeny},
		{name: "manager moderate preset deny", role: RoleManager, action: ActionAdminModerate, actor: sameCompanyActor(), resource: Resource{CompanyID: 1}, allow: false, reason: ReasonRoleDeny},
		{name: "admin moderate", role: RoleAdmin, action: ActionAdminModerate, actor: sameCompanyActor(), resource: Resource{CompanyID: 1}, allow: true, reason: ReasonRoleAllow},
		{name: "admin cross company", role: RoleAdmin, action: ActionMessageRead, actor: sameCompanyActor(), resource: Resource{CompanyID: 2}, allow: false, reason: ReasonScopeMismatch},
		{name: "owner cross company", role: RoleOwner, action: ActionMessageRead, actor: sameCompanyActor(), resource: Resource{CompanyID: 2}, allow: true, reason: ReasonRoleAllow},
		{name: "staff department mismatch", role: RoleStaff, action: ActionMessageRead, actor: sameCompanyActor(), resource: Resource{CompanyID: 1, Department: "finance"}, allow: false, reason: ReasonScopeMismatch},
		{name: "staff department absent passes", role: RoleStaff, action: ActionMessageRead, actor: sameCompanyActor(), resource: Resource{CompanyID: 1}, allow: true, reason: ReasonRoleAllow},
		{name: "staff project unassigned", role: RoleStaff, action: ActionMessageRead, actor: sameCompanyActor(), resource: Resource{CompanyID: 1, Project: "zephyr"}, allow: false, reason: ReasonScopeMismatch},
		{name: "unknown action", role: RoleOwner, action: Action("message:transmogrify"), actor: sameCompanyActor(), resource: Resource{CompanyID: 1}, allow: false, reason: ReasonUnknownAction},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Evaluate(tc.role, tc.action, tc.actor, tc.resource, nil)
			if got.Allowed != tc.allow || got.Reason != tc.reason {
				t.Fatalf("Evaluate(%q, %q) = %+v, want allow=%v reason=%s", tc.role, tc.action, got, tc.allow, tc.reason)
			}
		})
	}
}

// External accounts must never clear the company boundary, whatever the
// action. A regression here is a cross-tenant read.
func TestExternalNeverCrossesCompanies(t *testing.T) {
	actor := Actor{Empid: "guest-9", CompanyID: 7}
	for action := range knownActions {
		got := Evaluate(RoleExternal, action, actor, Resource{CompanyID: 8}, nil)
		if got.Allowed {
			t.Fatalf("external actor allowed %q across companies", action)
		}
	}
}

func TestExternalOwnershipScope(t *testing.T) {
	actor := Actor{Empid: "guest-9", CompanyID: 7}

	owned := Resource{CompanyID: 7, LinkedEntityOwner: "guest-9"}
	if got := Evaluate(RoleExternal, ActionMessageRead, actor, owned, nil); !got.Allowed {
		t.Fatalf("external read of owned resource denied: %+v", got)
	}

	foreign := Resource{CompanyID: 7, LinkedEntityOwner: "emp-3"}
	if got := Evaluate(RoleExternal, ActionMessageRead, actor, foreign, nil); got.Allowed || got.Reason != ReasonScopeMismatch {
		t.Fatalf("external read of foreign-owned resource = %+v, want SCOPE_MISMATCH", got)
	}
}

func TestDenyRuleOverridesAllowRule(t *testing.T) {
	actor := sameCompanyActor()
	policy := &Policy{Rules: []Rule{
		{ID: "rule-allow", Effect: EffectAllow, Actions: []Action{ActionMessageDelete}},
		{ID: "rule-deny", Effect: EffectDeny, Actions: []Action{ActionMessageDelete}},
	}}

	got := Evaluate(RoleAdmin, ActionMessageDelete, actor, Resource{CompanyID: 1}, policy)
	if got.Allowed || got.Reason != ReasonRuleDeny || got.RuleID != "rule-deny" {
		t.Fatalf("deny override failed: %+v", got)
	}
}

func TestAllowRuleGrantsBeyondPreset(t *testing.T) {
	actor := sameCompanyActor()
	policy := &Policy{Rules: []Rule{
		{ID: "rule-grant", Effect: EffectAllow, Actions: []Action{ActionMessageDelete}, Scope: Scope{Company: "same"}},
	}}

	got := Evaluate(RoleStaff, ActionMessageDelete, actor, Resource{CompanyID: 1}, policy)
	if !got.Allowed || got.Reason != ReasonRuleAllow || got.RuleID != "rule-grant" {
		t.Fatalf("allow rule not applied: %+v", got)
	}
}

func TestRuleScopedToLinkedTypes(t *testing.T) {
	actor := sameCompanyActor()
	policy := &Policy{Rules: []Rule{
		{ID: "rule-invoices", Effect: EffectDeny, Actions: []Action{ActionMessageRead}, Scope: Scope{LinkedTypes: []string{"invoice"}}},
	}}

	invoice := Resource{CompanyID: 1, LinkedEntityType: "invoice"}
	if got := Evaluate(RoleAdmin, ActionMessageRead, actor, invoice, policy); got.Allowed {
		t.Fatalf("linked-type deny not applied: %+v", got)
	}

	task := Resource{CompanyID: 1, LinkedEntityType: "task"}
	if got := Evaluate(RoleAdmin, ActionMessageRead, actor, task, policy); !got.Allowed {
		t.Fatalf("linked-type deny leaked to other types: %+v", got)
	}
}

func TestNormalize(t *testing.T) {
	cases := map[string]Role{
		"owner":     RoleOwner,
		"Admin":     RoleAdmin,
		" manager ": RoleManager,
		"staff":     RoleStaff,
		"external":  RoleExternal,
		"root":      RoleExternal,
		"":          RoleExternal,
	}
	for input, want := range cases {
		if got := Normalize(input); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", input, got, want)
		}
	}
}
