package validator

import (
	"testing"

	"github.com/mykhaliev/tool-conformance/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func call(seq int, name string, args map[string]any) model.ToolCall {
	return model.ToolCall{Name: name, Arguments: args, Sequence: seq}
}

// ============================================================================
// Tool call rules
// ============================================================================

func TestNoToolCalls(t *testing.T) {
	t.Run("No calls passes", func(t *testing.T) {
		res := Evaluate(model.NoToolCalls{}, "hello", nil)
		assert.True(t, res.Passed)
	})

	t.Run("Any call fails and names it", func(t *testing.T) {
		res := Evaluate(model.NoToolCalls{}, "hello", []model.ToolCall{call(0, "get_weather", nil)})
		assert.False(t, res.Passed)
		assert.Contains(t, res.Detail, "get_weather")
	})
}

func TestToolMatch(t *testing.T) {
	calls := []model.ToolCall{call(0, "get_weather", nil), call(1, "search", nil)}

	assert.True(t, Evaluate(model.ToolMatch{Name: "search"}, "", calls).Passed)
	assert.False(t, Evaluate(model.ToolMatch{Name: "Search"}, "", calls).Passed, "match is case-sensitive")
	assert.False(t, Evaluate(model.ToolMatch{Name: "search"}, "", nil).Passed)
}

func TestToolMatchAll(t *testing.T) {
	calls := []model.ToolCall{call(0, "b", nil), call(1, "a", nil)}

	res := Evaluate(model.ToolMatchAll{Names: []string{"a", "b"}}, "", calls)
	assert.True(t, res.Passed, "order does not matter")

	res = Evaluate(model.ToolMatchAll{Names: []string{"a", "c", "d"}}, "", calls)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Message, "c, d")
}

func TestToolArgsMatch(t *testing.T) {
	rule := model.ToolArgsMatch{Name: "get_weather", Args: map[string]any{"latitude": 40.4168}}

	tests := []struct {
		name   string
		calls  []model.ToolCall
		passed bool
	}{
		{"Within tolerance", []model.ToolCall{call(0, "get_weather", map[string]any{"latitude": 40.42})}, true},
		{"Outside tolerance", []model.ToolCall{call(0, "get_weather", map[string]any{"latitude": 41.0})}, false},
		{"Numeric string", []model.ToolCall{call(0, "get_weather", map[string]any{"latitude": "40.417"})}, true},
		{"Missing argument", []model.ToolCall{call(0, "get_weather", map[string]any{"longitude": -3.7})}, false},
		{"Other tool only", []model.ToolCall{call(0, "search", map[string]any{"latitude": 40.4168})}, false},
		{"Second call matches", []model.ToolCall{
			call(0, "get_weather", map[string]any{"latitude": 10.0}),
			call(1, "get_weather", map[string]any{"latitude": 40.41}),
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.passed, Evaluate(rule, "", tt.calls).Passed)
		})
	}
}

func TestToolArgsMatchRequiresSameKind(t *testing.T) {
	tests := []struct {
		name   string
		want   any
		got    any
		passed bool
	}{
		{"Bool vs string", true, "true", false},
		{"Bool equal", true, true, true},
		{"Nil vs string", nil, "null", false},
		{"Nil equal", nil, nil, true},
		{"String vs nil", "x", nil, false},
		{"Slice vs string", []any{1, 2}, "[1, 2]", false},
		{"Slice with float elements", []any{1, 2}, []any{1.0, 2.001}, true},
		{"Slice length differs", []any{1, 2}, []any{1}, false},
		{"Map vs string", map[string]any{"a": 1}, "{a: 1}", false},
		{"Map equal", map[string]any{"a": 1, "b": "x"}, map[string]any{"b": "x", "a": 1.0}, true},
		{"Map extra key", map[string]any{"a": 1}, map[string]any{"a": 1, "b": 2}, false},
		{"Numeric string still matches", 3, "3", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := model.ToolArgsMatch{Name: "f", Args: map[string]any{"k": tt.want}}
			calls := []model.ToolCall{call(0, "f", map[string]any{"k": tt.got})}
			assert.Equal(t, tt.passed, Evaluate(rule, "", calls).Passed)
		})
	}
}

func TestDeepEqual(t *testing.T) {
	assert.True(t, DeepEqual(1, 1.0))
	assert.False(t, DeepEqual(1, "1"))
	assert.False(t, DeepEqual(false, "false"))
	assert.True(t, DeepEqual([]any{"a", map[string]any{"n": 2}}, []any{"a", map[string]any{"n": 2.0}}))
	assert.False(t, DeepEqual(map[string]any{"n": 2}, map[string]any{"n": 2.001}))
}

func TestToolArgsMatchReportsNearestMismatch(t *testing.T) {
	rule := model.ToolArgsMatch{Name: "book", Args: map[string]any{"city": "Madrid", "nights": 2}}
	calls := []model.ToolCall{
		call(0, "book", map[string]any{"city": "Paris", "nights": 5}),
		call(1, "book", map[string]any{"city": "Madrid", "nights": 3}),
	}

	res := Evaluate(rule, "", calls)
	require.False(t, res.Passed)
	assert.Contains(t, res.Detail, "call #1")
	assert.Contains(t, res.Detail, "nights")
	assert.NotContains(t, res.Detail, "Paris")
}

func TestToolArgsMatchNestedPath(t *testing.T) {
	rule := model.ToolArgsMatch{Name: "route", Args: map[string]any{"origin.lat": 40.0, "mode": "bike"}}
	calls := []model.ToolCall{call(0, "route", map[string]any{
		"origin": map[string]any{"lat": 40.005, "lon": -3.7},
		"mode":   "bike",
	})}

	assert.True(t, Evaluate(rule, "", calls).Passed)
}

func TestToolCountMin(t *testing.T) {
	calls := []model.ToolCall{call(0, "a", nil), call(1, "a", nil), call(2, "b", nil)}

	assert.True(t, Evaluate(model.ToolCountMin{Min: 3}, "", calls).Passed)
	assert.False(t, Evaluate(model.ToolCountMin{Min: 4}, "", calls).Passed)
	assert.True(t, Evaluate(model.ToolCountMin{Min: 2, Name: "a"}, "", calls).Passed)
	assert.False(t, Evaluate(model.ToolCountMin{Min: 2, Name: "b"}, "", calls).Passed)
	assert.True(t, Evaluate(model.ToolCountMin{Min: 0}, "", nil).Passed)
}

// ============================================================================
// Response rules
// ============================================================================

func TestResponseLengthMin(t *testing.T) {
	rule := model.ResponseLengthMin{Min: 10}

	assert.False(t, Evaluate(rule, "hello", nil).Passed)
	assert.True(t, Evaluate(rule, "hello world!", nil).Passed)
	assert.False(t, Evaluate(rule, "   hello       ", nil).Passed, "length is measured after trimming")
}

func TestChatValid(t *testing.T) {
	assert.True(t, Evaluate(model.ChatValid{}, "Hi there", nil).Passed)
	assert.False(t, Evaluate(model.ChatValid{}, "  \n ", nil).Passed)
	assert.False(t, Evaluate(model.ChatValid{}, "Hi", []model.ToolCall{call(0, "x", nil)}).Passed)
}

func TestResponseReferencesAny(t *testing.T) {
	rule := model.ResponseReferencesAny{Terms: []string{"Madrid", "Spain"}}

	assert.True(t, Evaluate(rule, "the weather in MADRID is sunny", nil).Passed)
	assert.False(t, Evaluate(rule, "the weather in Paris is sunny", nil).Passed)
}

func TestValidJSONSchema(t *testing.T) {
	schema := map[string]any{
		"type":     "object",
		"required": []any{"name", "temps"},
		"properties": map[string]any{
			"name":  map[string]any{"type": "string"},
			"temps": map[string]any{"type": "array", "items": map[string]any{"type": "number"}},
			"unit":  map[string]any{"type": "string", "enum": []any{"C", "F"}},
		},
	}
	rule := model.ValidJSONSchema{Schema: schema}

	tests := []struct {
		name     string
		response string
		passed   bool
		detail   string
	}{
		{"Valid object", `{"name":"Madrid","temps":[21.5, 23]}`, true, ""},
		{"Fenced", "```json\n{\"name\":\"Madrid\",\"temps\":[]}\n```", true, ""},
		{"Not JSON", `the weather is nice`, false, ""},
		{"Missing key", `{"name":"Madrid"}`, false, "missing required key 'temps'"},
		{"Wrong nested type", `{"name":"Madrid","temps":[1,"x"]}`, false, "$.temps[1]"},
		{"Wrong root type", `[1,2]`, false, "expected object"},
		{"Enum violation", `{"name":"M","temps":[],"unit":"K"}`, false, "$.unit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Evaluate(rule, tt.response, nil)
			assert.Equal(t, tt.passed, res.Passed, res.Detail)
			if tt.detail != "" {
				assert.Contains(t, res.Detail, tt.detail)
			}
		})
	}
}

func TestResponseTone(t *testing.T) {
	tests := []struct {
		tone     string
		response string
		passed   bool
	}{
		{"apologetic", "I'm so sorry, unfortunately that flight is full.", true},
		{"enthusiastic", "Wow, that is amazing news!!", true},
		{"formal", "Dear customer, please be advised that your order has shipped. Regards.", true},
		{"professional", "Dear Sir, we would like to inform you accordingly.", true},
		{"neutral", "The meeting is at 3 PM in room 4.", true},
		{"friendly", "The meeting is at 3 PM in room 4.", false},
	}

	for _, tt := range tests {
		t.Run(tt.tone, func(t *testing.T) {
			assert.Equal(t, tt.passed, Evaluate(model.ResponseTone{Tone: tt.tone}, tt.response, nil).Passed)
		})
	}

	res := Evaluate(model.ResponseTone{Tone: "sarcastic"}, "sure", nil)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Message, "Unknown tone")
}

// ============================================================================
// Aggregation
// ============================================================================

func TestEvaluateAllReportsEveryFailure(t *testing.T) {
	rules := []model.ValidationRule{
		model.NoToolCalls{},
		model.ResponseLengthMin{Min: 100},
		model.ResponseReferencesAny{Terms: []string{"weather"}},
	}
	calls := []model.ToolCall{call(0, "get_weather", nil)}

	outcome := EvaluateAll(rules, "the weather is fine", calls)
	assert.False(t, outcome.Passed)
	assert.Len(t, outcome.Rules, 3)
	assert.Equal(t, "2 of 3 rules failed", outcome.Message)
	assert.Contains(t, outcome.Detail, model.RuleNoToolCalls)
	assert.Contains(t, outcome.Detail, model.RuleResponseLengthMin)
	assert.True(t, outcome.Rules[2].Passed)
}

func TestEvaluateAllPasses(t *testing.T) {
	outcome := EvaluateAll([]model.ValidationRule{model.ChatValid{}}, "Hello!", nil)
	assert.True(t, outcome.Passed)
	assert.Empty(t, outcome.Detail)
}
