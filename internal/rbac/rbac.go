package rbac

import "strings"

type Role string
type Action string

const (
	RoleOwner    Role = "owner"
	RoleAdmin    Role = "admin"
	RoleManager  Role = "manager"
	RoleStaff    Role = "staff"
	RoleExternal Role = "external"
)

const (
	ActionMessageCreate    Action = "message:create"
	ActionMessageRead      Action = "message:read"
	ActionMessageReply     Action = "message:reply"
	ActionMessageEdit      Action = "message:edit"
	ActionMessageDelete    Action = "message:delete"
	ActionThreadRead       Action = "thread:read"
	ActionPresenceRead     Action = "presence:read"
	ActionAttachmentUpload Action = "attachment:upload"
	ActionAttachmentRead   Action = "attachment:read"
	ActionAdminModerate    Action = "admin:moderate"
	ActionAdminExport      Action = "admin:export"
)

type Reason string

const (
	ReasonUnknownAction  Reason = "UNKNOWN_ACTION"
	ReasonRuleDeny       Reason = "RULE_DENY"
	ReasonRuleAllow      Reason = "RULE_ALLOW"
	ReasonRoleDeny       Reason = "ROLE_DENY"
	ReasonRoleNotAllowed Reason = "ROLE_NOT_ALLOWED"
	ReasonScopeMismatch  Reason = "SCOPE_MISMATCH"
	ReasonRoleAllow      Reason = "ROLE_ALLOW"
)

// Actor is the evaluated principal: who is asking.
type Actor struct {
	Empid       string
	CompanyID   int64
	Departments []string
	Projects    []string
}

// Resource is the target of the action. Zero-valued fields mean the
// resource carries no such attribute; see the matching rules in
// scopeMatches for how absence is treated.
type Resource struct {
	CompanyID         int64
	Department        string
	Project           string
	LinkedEntityType  string
	LinkedEntityOwner string
}

type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Rule is an explicit per-tenant override. Rules are evaluated before
// role presets; any matching deny wins over any matching allow.
type Rule struct {
	ID      string
	Effect  Effect
	Actions []Action
	Scope   Scope
}

// Policy carries a tenant's explicit rules. A nil policy means
// preset-only evaluation.
type Policy struct {
	Rules []Rule
}

// Scope constrains where a preset or rule applies.
//
// Company is "same" or "all". Department "same" requires the resource
// department to be one of the actor's departments, passing when the
// resource has none. Project "assigned" requires resource project
// membership. LinkedOwnership "self" requires the linked-entity owner to
// be the actor when an owner is present. LinkedTypes, when non-empty, is
// a positive allow-list on the resource's linked-entity type.
type Scope struct {
	Company         string
	Department      string
	Project         string
	LinkedOwnership string
	LinkedTypes     []string
}

type Decision struct {
	Allowed bool
	Reason  Reason
	RuleID  string
}

type preset struct {
	allow map[Action]struct{}
	deny  map[Action]struct{}
	scope Scope
}

var knownActions = map[Action]struct{}{
	ActionMessageCreate:    {},
	ActionMessageRead:      {},
	ActionMessageReply:     {},
	ActionMessageEdit:      {},
	ActionMessageDelete:    {},
	ActionThreadRead:       {},
	ActionPresenceRead:     {},
	ActionAttachmentUpload: {},
	ActionAttachmentRead:   {},
	ActionAdminModerate:    {},
	ActionAdminExport:      {},
}

func actionSet(actions ...Action) map[Action]struct{} {
	set := make(map[Action]struct{}, len(actions))
	for _, action := range actions {
		set[action] = struct{}{}
	}
	return set
}

// presetFor returns the capability table for a role. Normalize guarantees
// only the five known roles reach it; anything else gets the External
// preset, the least privileged.
func presetFor(role Role) preset {
	switch role {
	case RoleOwner:
		return preset{
			allow: actionSet(
				ActionMessageCreate, ActionMessageRead, ActionMessageReply,
				ActionMessageEdit, ActionMessageDelete, ActionThreadRead,
				ActionPresenceRead, ActionAttachmentUpload, ActionAttachmentRead,
				ActionAdminModerate, ActionAdminExport,
			),
			scope: Scope{Company: "all"},
		}
	case RoleAdmin:
		return preset{
			allow: actionSet(
				ActionMessageCreate, ActionMessageRead, ActionMessageReply,
				ActionMessageEdit, ActionMessageDelete, ActionThreadRead,
				ActionPresenceRead, ActionAttachmentUpload, ActionAttachmentRead,
				ActionAdminModerate, ActionAdminExport,
			),
			scope: Scope{Company: "same"},
		}
	case RoleManager:
		return preset{
			allow: actionSet(
				ActionMessageCreate, ActionMessageRead, ActionMessageReply,
				ActionMessageEdit, ActionMessageDelete, ActionThreadRead,
				ActionPresenceRead, ActionAttachmentUpload, ActionAttachmentRead,
				ActionAdminExport,
			),
			deny:  actionSet(ActionAdminModerate),
			scope: Scope{Company: "same", Department: "same"},
		}
	case RoleStaff:
		return preset{
			allow: actionSet(
				ActionMessageCreate, ActionMessageRead, ActionMessageReply,
				ActionMessageEdit, ActionThreadRead, ActionPresenceRead,
				ActionAttachmentUpload, ActionAttachmentRead,
			),
			deny:  actionSet(ActionAdminModerate, ActionAdminExport),
			scope: Scope{Company: "same", Department: "same", Project: "assigned"},
		}
	default:
		return preset{
			allow: actionSet(
				ActionMessageRead, ActionMessageReply, ActionThreadRead,
				ActionAttachmentRead,
			),
			deny: actionSet(
				ActionMessageDelete, ActionAdminModerate, ActionAdminExport,
			),
			scope: Scope{Company: "same", LinkedOwnership: "self"},
		}
	}
}

// Normalize maps a stored role string to a known role. Unknown roles fall
// to External so they fail closed.
func Normalize(role string) Role {
	normalized := Role(strings.ToLower(strings.TrimSpace(role)))
	switch normalized {
	case RoleOwner, RoleAdmin, RoleManager, RoleStaff, RoleExternal:
		return normalized
	default:
		return RoleExternal
	}
}

// Evaluate decides whether an actor may perform an action on a resource.
// Explicit rules run first with deny precedence, then the role preset's
// deny set, allow set, and scope. Pure; safe to call on every request.
func Evaluate(role Role, action Action, actor Actor, resource Resource, policy *Policy) Decision {
	if _, ok := knownActions[action]; !ok {
		return Decision{Allowed: false, Reason: ReasonUnknownAction}
	}

	if policy != nil {
		for _, rule := range policy.Rules {
			if rule.Effect != EffectDeny {
				continue
			}
			if ruleMatches(rule, action, actor, resource) {
				return Decision{Allowed: false, Reason: ReasonRuleDeny, RuleID: rule.ID}
			}
		}
		for _, rule := range policy.Rules {
			if rule.Effect != EffectAllow {
				continue
			}
			if ruleMatches(rule, action, actor, resource) {
				return Decision{Allowed: true, Reason: ReasonRuleAllow, RuleID: rule.ID}
			}
		}
	}

	p := presetFor(role)
	if _, denied := p.deny[action]; denied {
		return Decision{Allowed: false, Reason: ReasonRoleDeny}
	}
	if _, allowed := p.allow[action]; !allowed {
		return Decision{Allowed: false, Reason: ReasonRoleNotAllowed}
	}
	if !scopeMatches(p.scope, actor, resource) {
		return Decision{Allowed: false, Reason: ReasonScopeMismatch}
	}
	return Decision{Allowed: true, Reason: ReasonRoleAllow}
}

func ruleMatches(rule Rule, action Action, actor Actor, resource Resource) bool {
	found := false
	for _, candidate := range rule.Actions {
		if candidate == action {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	return scopeMatches(rule.Scope, actor, resource)
}

func scopeMatches(scope Scope, actor Actor, resource Resource) bool {
	switch scope.Company {
	case "", "all":
	case "same":
		if actor.CompanyID != resource.CompanyID {
			return false
		}
	default:
		return false
	}

	if scope.Department == "same" && resource.Department != "" {
		if !contains(actor.Departments, resource.Department) {
			return false
		}
	}

	if scope.Project == "assigned" && resource.Project != "" {
		if !contains(actor.Projects, resource.Project) {
			return false
		}
	}

	if scope.LinkedOwnership == "self" && resource.LinkedEntityOwner != "" {
		if resource.LinkedEntityOwner != actor.Empid {
			return false
		}
	}

	if len(scope.LinkedTypes) > 0 && !contains(scope.LinkedTypes, resource.LinkedEntityType) {
		return false
	}
	return true
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
