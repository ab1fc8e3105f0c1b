package model

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ============================================================================
// RUN CONFIGURATION
// ============================================================================

type RunConfiguration struct {
	Providers []Provider        `yaml:"providers"`
	Servers   []Server          `yaml:"servers"`
	Agent     Agent             `yaml:"agent"`
	Catalogs  []string          `yaml:"catalogs"`
	Settings  Settings          `yaml:"settings"`
	Variables map[string]string `yaml:"variables,omitempty"`
}

// ============================================================================
// PROVIDER CONFIGURATION
// ============================================================================

// RateLimitConfig throttles requests before they reach the provider.
type RateLimitConfig struct {
	TPM int `yaml:"tpm"`
	RPM int `yaml:"rpm"`
}

// RetryConfig controls how 429 responses are retried inside the backend.
type RetryConfig struct {
	RetryOn429 bool `yaml:"retry_on_429"`
	MaxRetries int  `yaml:"max_retries"`
}

type Provider struct {
	Name            string          `yaml:"name"`
	Type            ProviderType    `yaml:"type"`
	Token           string          `yaml:"token"`
	Secret          string          `yaml:"secret"`
	Model           string          `yaml:"model"`
	BaseURL         string          `yaml:"baseUrl"`
	Version         string          `yaml:"version"`          // azure api version
	ProjectID       string          `yaml:"project_id"`       // vertex
	Location        string          `yaml:"location"`         // vertex
	Region          string          `yaml:"region"`           // bedrock
	CredentialsPath string          `yaml:"credentials_path"` // vertex
	AuthType        string          `yaml:"auth_type"`        // azure: api_key (default) or entra_id
	RateLimits      RateLimitConfig `yaml:"rate_limits"`
	Retry           RetryConfig     `yaml:"retry"`
}

type ProviderType string

const (
	ProviderGroq            ProviderType = "GROQ"
	ProviderGoogle          ProviderType = "GOOGLE"
	ProviderVertex          ProviderType = "VERTEX"
	ProviderAnthropic       ProviderType = "ANTHROPIC"
	ProviderAmazonAnthropic ProviderType = "AMAZON-ANTHROPIC"
	ProviderOpenAI          ProviderType = "OPENAI"
	ProviderAzure           ProviderType = "AZURE"
)

// ============================================================================
// EXTERNAL TOOL SERVERS
// ============================================================================

// Server is an MCP server whose tools back declared tools that have no mock.
type Server struct {
	Name        string     `yaml:"name"`
	Type        ServerType `yaml:"type"`
	Command     string     `yaml:"command,omitempty"`
	URL         string     `yaml:"url,omitempty"`
	Headers     []string   `yaml:"headers"`
	ServerDelay string     `yaml:"server_delay,omitempty"`
}

type ServerType string

const (
	Stdio ServerType = "stdio"
	SSE   ServerType = "sse"
	Http  ServerType = "http"
)

// ============================================================================
// AGENT AND SETTINGS
// ============================================================================

type Agent struct {
	Provider      string   `yaml:"provider"`
	SystemPrompt  string   `yaml:"system_prompt,omitempty"`
	MaxIterations int      `yaml:"max_iterations,omitempty"`
	Temperature   *float64 `yaml:"temperature,omitempty"`
	MaxTokens     int      `yaml:"max_tokens,omitempty"`
}

type Settings struct {
	Verbose      bool      `yaml:"verbose"`
	TestTimeout  string    `yaml:"test_timeout,omitempty"`
	TestDelay    string    `yaml:"test_delay,omitempty"`
	ToolTimeout  string    `yaml:"tool_timeout,omitempty"`
	Tokenizer    string    `yaml:"tokenizer,omitempty"` // approx (default) or tiktoken
	HistoryDB    string    `yaml:"history_db,omitempty"`
	ThinkingTags []TagPair `yaml:"thinking_tags,omitempty"`
}

// TagPair delimits a thinking segment in streamed text.
type TagPair struct {
	Open  string `yaml:"open" json:"open"`
	Close string `yaml:"close" json:"close"`
}

const (
	TokenizerApprox   = "approx"
	TokenizerTiktoken = "tiktoken"
)

// ============================================================================
// TEST CASES
// ============================================================================

type Domain string

const (
	DomainGeneric  Domain = "GENERIC"
	DomainSpecific Domain = "DOMAIN_SPECIFIC"
)

// ParseDomain accepts either case and a dash in place of the underscore.
func ParseDomain(s string) (Domain, error) {
	d := Domain(strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(s)), "-", "_"))
	switch d {
	case DomainGeneric, DomainSpecific:
		return d, nil
	}
	return "", fmt.Errorf("unknown domain %q", s)
}

// Lines decodes from either a YAML scalar or a sequence of scalars.
type Lines []string

func (l *Lines) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*l = strings.Split(strings.TrimRight(node.Value, "\n"), "\n")
		return nil
	}
	var lines []string
	if err := node.Decode(&lines); err != nil {
		return err
	}
	*l = lines
	return nil
}

type ToolSchema struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description"`
	Parameters  map[string]any `yaml:"parameters" json:"parameters"`
}

type TestCaseDefinition struct {
	ID                string            `yaml:"id"`
	Name              string            `yaml:"name"`
	Description       Lines             `yaml:"description,omitempty"`
	Domain            Domain            `yaml:"domain"`
	Context           map[string]string `yaml:"context,omitempty"`
	ToolSchemas       []ToolSchema      `yaml:"tool_schemas,omitempty"`
	Tools             []string          `yaml:"tools,omitempty"`
	MockResponses     map[string]any    `yaml:"mock_responses,omitempty"`
	Query             string            `yaml:"query"`
	SystemPrompt      string            `yaml:"system_prompt,omitempty"`
	Rules             []RuleSpec        `yaml:"rules"`
	ParseThinkingTags *bool             `yaml:"parse_thinking_tags,omitempty"`
}

// EffectiveDomain parses the test's domain. A test without one is GENERIC.
func (t TestCaseDefinition) EffectiveDomain() (Domain, error) {
	if t.Domain == "" {
		return DomainGeneric, nil
	}
	return ParseDomain(string(t.Domain))
}

// ThinkingTagsEnabled defaults to true when the flag is absent.
func (t TestCaseDefinition) ThinkingTagsEnabled() bool {
	return t.ParseThinkingTags == nil || *t.ParseThinkingTags
}

// CompiledTest is a definition whose rules and tool schemas were checked.
type CompiledTest struct {
	Definition TestCaseDefinition
	Rules      []ValidationRule
}

// Compile checks a definition and returns its typed rules. An error marks the
// test as malformed; callers skip it.
func (t TestCaseDefinition) Compile() (CompiledTest, error) {
	if strings.TrimSpace(t.ID) == "" {
		return CompiledTest{}, fmt.Errorf("test has no id")
	}
	if strings.TrimSpace(t.Query) == "" {
		return CompiledTest{}, fmt.Errorf("test %s: missing query", t.ID)
	}
	if t.Domain != "" {
		if _, err := ParseDomain(string(t.Domain)); err != nil {
			return CompiledTest{}, fmt.Errorf("test %s: %w", t.ID, err)
		}
	}
	seen := make(map[string]struct{}, len(t.ToolSchemas))
	for i, schema := range t.ToolSchemas {
		if err := schema.Validate(); err != nil {
			return CompiledTest{}, fmt.Errorf("test %s: tool schema %d: %w", t.ID, i, err)
		}
		if _, dup := seen[schema.Name]; dup {
			return CompiledTest{}, fmt.Errorf("test %s: duplicate tool schema %q", t.ID, schema.Name)
		}
		seen[schema.Name] = struct{}{}
	}
	if len(t.Rules) == 0 {
		return CompiledTest{}, fmt.Errorf("test %s: no validation rules", t.ID)
	}
	rules := make([]ValidationRule, 0, len(t.Rules))
	for i, spec := range t.Rules {
		rule, err := spec.Compile()
		if err != nil {
			return CompiledTest{}, fmt.Errorf("test %s: rule %d: %w", t.ID, i, err)
		}
		rules = append(rules, rule)
	}
	return CompiledTest{Definition: t, Rules: rules}, nil
}

// Validate requires a name and an object-typed JSON schema.
func (s ToolSchema) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("tool schema has no name")
	}
	if s.Parameters == nil {
		return nil
	}
	if typ, ok := s.Parameters["type"]; ok && typ != "object" {
		return fmt.Errorf("tool %s: parameters type must be object, got %v", s.Name, typ)
	}
	if props, ok := s.Parameters["properties"]; ok {
		if _, isMap := props.(map[string]any); !isMap {
			return fmt.Errorf("tool %s: properties must be an object", s.Name)
		}
	}
	if req, ok := s.Parameters["required"]; ok {
		if _, isList := req.([]any); !isList {
			return fmt.Errorf("tool %s: required must be a list", s.Name)
		}
	}
	return nil
}

// Catalog is the on-disk test catalog format.
type Catalog struct {
	Name  string               `yaml:"name,omitempty"`
	Tests []TestCaseDefinition `yaml:"tests"`
}

// ============================================================================
// TOOL CALLS
// ============================================================================

type ToolCall struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Sequence  int            `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
	Result    string         `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Duration  time.Duration  `json:"duration,omitempty"`
}

// ============================================================================
// YAML PARSER
// ============================================================================

func ParseRunConfigFromString(definition string) (*RunConfiguration, error) {
	var config RunConfiguration
	if err := yaml.Unmarshal([]byte(definition), &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return &config, nil
}

func ParseCatalog(filename string) (*Catalog, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return ParseCatalogFromString(string(data))
}

func ParseCatalogFromString(definition string) (*Catalog, error) {
	var catalog Catalog
	if err := yaml.Unmarshal([]byte(definition), &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse YAML catalog: %w", err)
	}
	return &catalog, nil
}
