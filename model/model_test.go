package model

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCatalog = `
name: weather
tests:
  - id: weather-madrid
    name: Weather lookup
    description:
      - Calls get_weather for a named city
      - Uses the mocked forecast
    domain: GENERIC
    context:
      city: Madrid
    tool_schemas:
      - name: get_weather
        description: Current weather for coordinates
        parameters:
          type: object
          properties:
            latitude: {type: number}
            longitude: {type: number}
          required: [latitude, longitude]
    mock_responses:
      get_weather: {temperature: 21, unit: C}
    query: "What's the weather in {{city}}?"
    rules:
      - type: tool_args_match
        name: get_weather
        args: {latitude: 40.4168}
      - type: response_references_any
        terms: ["21"]
  - id: chit-chat
    name: Small talk
    description: Plain greeting
    domain: domain-specific
    query: Hello!
    parse_thinking_tags: false
    rules:
      - type: chat_valid
`

func TestParseCatalogFromString(t *testing.T) {
	catalog, err := ParseCatalogFromString(sampleCatalog)
	require.NoError(t, err)
	require.Len(t, catalog.Tests, 2)

	first := catalog.Tests[0]
	assert.Equal(t, "weather-madrid", first.ID)
	assert.Equal(t, Lines{"Calls get_weather for a named city", "Uses the mocked forecast"}, first.Description)
	assert.Equal(t, "Madrid", first.Context["city"])
	require.Len(t, first.ToolSchemas, 1)
	assert.Equal(t, "object", first.ToolSchemas[0].Parameters["type"])
	assert.True(t, first.ThinkingTagsEnabled())

	second := catalog.Tests[1]
	assert.Equal(t, Lines{"Plain greeting"}, second.Description)
	assert.False(t, second.ThinkingTagsEnabled())
}

func TestParseCatalogFile(t *testing.T) {
	t.Run("Valid file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "catalog.yaml")
		require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0644))

		catalog, err := ParseCatalog(path)
		require.NoError(t, err)
		assert.Equal(t, "weather", catalog.Name)
	})

	t.Run("Non-existent file", func(t *testing.T) {
		_, err := ParseCatalog("/non/existent/catalog.yaml")
		assert.Error(t, err)
	})

	t.Run("Invalid YAML", func(t *testing.T) {
		_, err := ParseCatalogFromString("tests: [unclosed")
		assert.Error(t, err)
	})
}

func TestCompile(t *testing.T) {
	catalog, err := ParseCatalogFromString(sampleCatalog)
	require.NoError(t, err)

	compiled, err := catalog.Tests[0].Compile()
	require.NoError(t, err)
	require.Len(t, compiled.Rules, 2)
	assert.Equal(t, ToolArgsMatch{Name: "get_weather", Args: map[string]any{"latitude": 40.4168}}, compiled.Rules[0])

	_, err = catalog.Tests[1].Compile()
	assert.NoError(t, err, "dash form of the domain is accepted")
}

func TestCompileMalformed(t *testing.T) {
	base := func() TestCaseDefinition {
		return TestCaseDefinition{
			ID:    "t1",
			Query: "hi",
			Rules: []RuleSpec{{Type: RuleChatValid}},
		}
	}

	tests := []struct {
		name   string
		mutate func(*TestCaseDefinition)
		want   string
	}{
		{"Missing query", func(d *TestCaseDefinition) { d.Query = "  " }, "missing query"},
		{"Missing id", func(d *TestCaseDefinition) { d.ID = "" }, "no id"},
		{"No rules", func(d *TestCaseDefinition) { d.Rules = nil }, "no validation rules"},
		{"Unknown rule", func(d *TestCaseDefinition) { d.Rules = []RuleSpec{{Type: "vibes"}} }, "unknown validation rule"},
		{"Rule without params", func(d *TestCaseDefinition) { d.Rules = []RuleSpec{{Type: RuleToolMatch}} }, "requires name"},
		{"Bad domain", func(d *TestCaseDefinition) { d.Domain = "SPORTS" }, "unknown domain"},
		{"Non-object tool schema", func(d *TestCaseDefinition) {
			d.ToolSchemas = []ToolSchema{{Name: "x", Parameters: map[string]any{"type": "string"}}}
		}, "must be object"},
		{"Unnamed tool schema", func(d *TestCaseDefinition) {
			d.ToolSchemas = []ToolSchema{{Parameters: map[string]any{"type": "object"}}}
		}, "no name"},
		{"Duplicate tool schema", func(d *TestCaseDefinition) {
			d.ToolSchemas = []ToolSchema{{Name: "x"}, {Name: "x"}}
		}, "duplicate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := base()
			tt.mutate(&def)
			_, err := def.Compile()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRuleSpecCompileErrors(t *testing.T) {
	_, err := RuleSpec{Type: "nope"}.Compile()
	assert.True(t, errors.Is(err, ErrUnknownRule))

	_, err = RuleSpec{Type: RuleValidJSONSchema}.Compile()
	assert.True(t, errors.Is(err, ErrMissingRuleParam))

	rule, err := RuleSpec{Type: RuleToolCountMin, Min: 2, Name: "search"}.Compile()
	require.NoError(t, err)
	assert.Equal(t, "tool_count_min(2, search)", rule.String())
}

func TestParseDomain(t *testing.T) {
	d, err := ParseDomain("generic")
	require.NoError(t, err)
	assert.Equal(t, DomainGeneric, d)

	d, err = ParseDomain("Domain-Specific")
	require.NoError(t, err)
	assert.Equal(t, DomainSpecific, d)

	_, err = ParseDomain("other")
	assert.Error(t, err)
}

func TestParseRunConfigFromString(t *testing.T) {
	cfg, err := ParseRunConfigFromString(`
providers:
  - name: main
    type: OPENAI
    model: gpt-4o-mini
    token: secret
    rate_limits: {tpm: 1000, rpm: 10}
servers:
  - name: maps
    type: stdio
    command: maps-server --stdio
agent:
  provider: main
  max_iterations: 4
catalogs: [weather.yaml]
settings:
  test_timeout: 30s
  tokenizer: tiktoken
  thinking_tags:
    - {open: "<reasoning>", close: "</reasoning>"}
`)
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, cfg.Providers[0].Type)
	assert.Equal(t, 10, cfg.Providers[0].RateLimits.RPM)
	assert.Equal(t, Stdio, cfg.Servers[0].Type)
	assert.Equal(t, 4, cfg.Agent.MaxIterations)
	assert.Equal(t, []string{"weather.yaml"}, cfg.Catalogs)
	assert.Equal(t, TokenizerTiktoken, cfg.Settings.Tokenizer)
	assert.Equal(t, TagPair{Open: "<reasoning>", Close: "</reasoning>"}, cfg.Settings.ThinkingTags[0])
}
