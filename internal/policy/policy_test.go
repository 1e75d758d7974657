package policy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultUserRulesAllowAllActions(t *testing.T) {
	e := New(DefaultUserRules()...)
	require.True(t, e.Decide([]string{"USER"}, "orders", ActionPut))
	require.True(t, e.Decide([]string{"USER"}, "orders", ActionRemove))
	require.True(t, e.Decide([]string{"USER"}, "orders", ActionRead))
}

func TestUnmatchedRoleDeniesByDefault(t *testing.T) {
	e := New(DefaultUserRules()...)
	require.False(t, e.Decide([]string{"GUEST"}, "orders", ActionPut))
}

func TestFirstMatchingRuleWinsOverWildcard(t *testing.T) {
	e := New(
		Rule{Role: "ADMIN", MapName: "*", Action: ActionRemove, Allow: true},
		Rule{Role: "ADMIN", MapName: "audit:*", Action: ActionRemove, Allow: false},
	)
	require.True(t, e.Decide([]string{"ADMIN"}, "audit:2026", ActionRemove)) // first rule matched first
}

func TestWildcardPrefixMatchesMapNamePattern(t *testing.T) {
	e := New(Rule{Role: "USER", MapName: "tmp:*", Action: ActionPut, Allow: true})
	require.True(t, e.Decide([]string{"USER"}, "tmp:scratch", ActionPut))
	require.False(t, e.Decide([]string{"USER"}, "orders", ActionPut))
}

func TestFieldFilterProjectsOnlyInterestedFields(t *testing.T) {
	f := FieldFilter{}
	record := map[string]any{"id": "1", "name": "widget", "secret": "x"}

	projected := f.Project(record, []string{"id", "name"})
	require.Equal(t, map[string]any{"id": "1", "name": "widget"}, projected)
}

func TestFieldFilterNoInterestedFieldsPassesThrough(t *testing.T) {
	f := FieldFilter{}
	record := map[string]any{"id": "1"}
	require.Equal(t, record, f.Project(record, nil))
}
