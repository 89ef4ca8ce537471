package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netintercept/pkg/domain"
)

func TestCondition(t *testing.T) {
	ctx := NewCtx(
		"https://api.example.com/v1/items?id=42&tag=a",
		"POST",
		map[string]string{
			"Content-Type": "application/json",
			"Cookie":       "session=abc; theme=dark",
			"X-Trace":      "trace-123",
		},
		[]byte(`{"user":{"name":"ann","roles":["admin","dev"]},"count":3,"a/b":true}`),
	)
	ctx.ResourceType = domain.ResourceXhr
	ctx.Initiator = "https://example.com"

	tests := []struct {
		name string
		c    Condition
		want bool
	}{
		{"url glob", Condition{Type: ConditionURL, Pattern: "https://api.example.com/*"}, true},
		{"url glob contains", Condition{Type: ConditionURL, Pattern: "*/v1/*"}, true},
		{"url prefix miss", Condition{Type: ConditionURL, Mode: "prefix", Pattern: "http://"}, false},
		{"url regex", Condition{Type: ConditionURL, Mode: "regex", Pattern: `items\?id=\d+`}, true},
		{"url exact", Condition{Type: ConditionURL, Mode: "exact", Pattern: "https://api.example.com/v1/items"}, false},
		{"method", Condition{Type: ConditionMethod, Values: []string{"get", "post"}}, true},
		{"resource type", Condition{Type: ConditionResourceType, Values: []string{"xhr"}}, true},
		{"resource type miss", Condition{Type: ConditionResourceType, Values: []string{"main_frame"}}, false},
		{"initiator", Condition{Type: ConditionInitiator, Op: OpEquals, Value: "https://example.com"}, true},
		{"header exists case-insensitive", Condition{Type: ConditionHeader, Key: "x-trace"}, true},
		{"header contains", Condition{Type: ConditionHeader, Key: "X-Trace", Op: OpContains, Value: "123"}, true},
		{"header missing", Condition{Type: ConditionHeader, Key: "X-None"}, false},
		{"query", Condition{Type: ConditionQuery, Key: "id", Op: OpEquals, Value: "42"}, true},
		{"cookie", Condition{Type: ConditionCookie, Key: "theme", Op: OpEquals, Value: "dark"}, true},
		{"text regex", Condition{Type: ConditionText, Op: OpRegex, Value: `"count":\d`}, true},
		{"json pointer string", Condition{Type: ConditionJSONPointer, Pointer: "/user/name", Op: OpEquals, Value: "ann"}, true},
		{"json pointer index", Condition{Type: ConditionJSONPointer, Pointer: "/user/roles/1", Op: OpEquals, Value: "dev"}, true},
		{"json pointer number", Condition{Type: ConditionJSONPointer, Pointer: "/count", Op: OpEquals, Value: "3"}, true},
		{"json pointer escaped", Condition{Type: ConditionJSONPointer, Pointer: "/a~1b", Op: OpEquals, Value: "true"}, true},
		{"json pointer missing", Condition{Type: ConditionJSONPointer, Pointer: "/user/age"}, false},
		{"json path", Condition{Type: ConditionJSONPath, Path: "user.roles.#", Op: OpEquals, Value: "2"}, true},
		{"unknown", Condition{Type: "bogus"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cond(ctx, tt.c))
		})
	}
}

func TestEvalPriorityAndStats(t *testing.T) {
	e := New(RuleSet{Rules: []Rule{
		{ID: "low", Priority: 1, Match: Match{AllOf: []Condition{{Type: ConditionURL, Pattern: "*"}}}, Action: Action{Type: ActionBlock}},
		{ID: "high", Priority: 10, Match: Match{AllOf: []Condition{{Type: ConditionMethod, Values: []string{"GET"}}}}, Action: Action{Type: ActionProceed}},
		{ID: "off", Priority: 100, Disabled: true, Action: Action{Type: ActionBlock}},
		{ID: "none", Priority: 50, Match: Match{NoneOf: []Condition{{Type: ConditionURL, Pattern: "*"}}}, Action: Action{Type: ActionBlock}},
	}})

	res := e.Eval(NewCtx("http://a/", "GET", nil, nil))
	require.NotNil(t, res)
	assert.Equal(t, domain.RuleID("high"), res.RuleID)

	res = e.Eval(NewCtx("http://a/", "POST", nil, nil))
	require.NotNil(t, res)
	assert.Equal(t, domain.RuleID("low"), res.RuleID)

	st := e.Stats()
	assert.Equal(t, int64(2), st.Total)
	assert.Equal(t, int64(2), st.Matched)
	assert.Equal(t, map[domain.RuleID]int64{"high": 1, "low": 1}, st.ByRule)
}

func TestEvalShortCircuit(t *testing.T) {
	e := New(RuleSet{Rules: []Rule{
		{ID: "first", Priority: 1, Mode: ModeShortCircuit, Action: Action{Type: ActionBlock}},
		{ID: "second", Priority: 5, Action: Action{Type: ActionBlock}},
	}})
	res := e.Eval(NewCtx("http://a/", "GET", nil, nil))
	require.NotNil(t, res)
	assert.Equal(t, domain.RuleID("first"), res.RuleID)

	assert.Nil(t, New(RuleSet{}).Eval(NewCtx("http://a/", "GET", nil, nil)))
}

func TestParse(t *testing.T) {
	rs, err := Parse([]byte(`
version: "1"
rules:
  - id: block-ads
    priority: 5
    match:
      anyOf:
        - {type: url, mode: regex, pattern: "ads?\\."}
    action:
      type: block
  - id: review
    match:
      allOf:
        - {type: resource_type, values: [main_frame]}
    action:
      type: defer
      defer: {timeoutMS: 500, defaultAction: proceed}
`))
	require.NoError(t, err)
	require.Len(t, rs.Rules, 2)
	assert.Equal(t, ActionDefer, rs.Rules[1].Action.Type)
	assert.Equal(t, ActionProceed, rs.Rules[1].Action.Defer.DefaultAction)

	rs, err = Parse([]byte(`{"rules":[{"id":"r","action":{"type":"redirect","url":"http://b/"}}]}`))
	require.NoError(t, err)
	assert.Equal(t, "http://b/", rs.Rules[0].Action.URL)

	invalid := []string{
		`rules: [{action: {type: block}}]`,
		`rules: [{id: a, action: {type: block}}, {id: a, action: {type: block}}]`,
		`rules: [{id: a, action: {type: explode}}]`,
		`rules: [{id: a, action: {type: redirect}}]`,
		`rules: [{id: a, action: {type: set_headers}}]`,
		`rules: [{id: a, match: {allOf: [{type: url, mode: regex, pattern: "("}]}, action: {type: block}}]`,
		`rules: [{id: a, match: {allOf: [{type: json_pointer, pointer: "x"}]}, action: {type: block}}]`,
		`rules: [{id: a, mode: sometimes, action: {type: block}}]`,
	}
	for _, doc := range invalid {
		_, err := Parse([]byte(doc))
		assert.Error(t, err, doc)
	}
}
