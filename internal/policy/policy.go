// Package policy implements the per-(principal, resource, action)
// authorization decision and object field projection (spec.md §2 row
// 17, §4.3 step 1). No teacher equivalent; grounded on spec.md §4.3
// step 1 ("look up policies for (principal.roles, mapName, action)")
// and §6's role model directly.
package policy

import "strings"

// Action is the operation being authorized — spec.md §4.3 step 1
// derives it from the op itself ("REMOVE if opType=REMOVE or LWW value
// is null, else PUT"), so callers compute this rather than policy.
type Action string

const (
	ActionPut    Action = "PUT"
	ActionRemove Action = "REMOVE"
	ActionRead   Action = "READ"
)

// Rule grants or denies one (role, mapName pattern, action) triple.
// MapName may be the literal "*" to match every map.
type Rule struct {
	Role    string
	MapName string
	Action  Action
	Allow   bool
}

// Engine evaluates Rules. The default posture (no matching rule) is
// deny, matching spec.md's fail-closed "Deny → emit OP_REJECTED, stop."
type Engine struct {
	rules []Rule
}

// New creates an Engine from an explicit rule set. Rules are evaluated
// in order and the first match wins, so a narrower denial placed ahead
// of a broad "ADMIN allow *" overrides it, while one placed after it
// never takes effect.
func New(rules ...Rule) *Engine {
	return &Engine{rules: rules}
}

// AddRule appends a rule, evaluated after every rule already present.
func (e *Engine) AddRule(r Rule) {
	e.rules = append(e.rules, r)
}

// Decide reports whether any of principalRoles is granted action on
// mapName.
func (e *Engine) Decide(principalRoles []string, mapName string, action Action) bool {
	roleSet := make(map[string]struct{}, len(principalRoles))
	for _, r := range principalRoles {
		roleSet[r] = struct{}{}
	}

	for _, rule := range e.rules {
		if rule.Action != action {
			continue
		}
		if _, hasRole := roleSet[rule.Role]; !hasRole {
			continue
		}
		if rule.MapName != "*" && !matchMapName(rule.MapName, mapName) {
			continue
		}
		return rule.Allow
	}
	return false
}

// matchMapName supports a trailing "*" prefix wildcard (e.g. "tmp:*"),
// otherwise requires an exact match.
func matchMapName(pattern, mapName string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(mapName, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == mapName
}

// DefaultUserRules grants the USER role full PUT/REMOVE/READ access —
// the baseline role every authenticated connection has per spec.md
// §6's handshake ("roles default to [USER]") absent any narrower
// operator-configured policy.
func DefaultUserRules() []Rule {
	return []Rule{
		{Role: "USER", MapName: "*", Action: ActionPut, Allow: true},
		{Role: "USER", MapName: "*", Action: ActionRemove, Allow: true},
		{Role: "USER", MapName: "*", Action: ActionRead, Allow: true},
	}
}

// FieldFilter projects a record down to only its interested fields —
// spec.md §4.5's subscription/query result shaping. An empty
// interestedFields set means "no filtering": the whole record passes
// through unchanged.
type FieldFilter struct{}

// Project returns a new map holding only the keys of record named in
// interestedFields; names absent from record are skipped. An empty
// interestedFields returns record itself.
func (FieldFilter) Project(record map[string]any, interestedFields []string) map[string]any {
	if len(interestedFields) == 0 {
		return record
	}
	out := make(map[string]any, len(interestedFields))
	for _, f := range interestedFields {
		if v, ok := record[f]; ok {
			out[f] = v
		}
	}
	return out
}
