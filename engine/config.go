package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/life4/genesis/slices"
	"github.com/mykhaliev/tool-conformance/agent"
	"github.com/mykhaliev/tool-conformance/logger"
	"github.com/mykhaliev/tool-conformance/model"
	"github.com/mykhaliev/tool-conformance/templates"
)

const (
	DefaultTestTimeout = 5 * time.Minute
	DefaultTestDelay   = 0 * time.Second
	DefaultToolTimeout = 30 * time.Second
)

// ValidateConfigFile checks that path names a readable YAML file.
func ValidateConfigFile(path string) error {
	if path == "" {
		return fmt.Errorf("config file path is empty")
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("config file does not exist: %s", path)
		}
		return fmt.Errorf("cannot access config file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("config path is a directory: %s", path)
	}
	if ext := strings.ToLower(filepath.Ext(path)); ext != ".yaml" && ext != ".yml" {
		logger.Logger.Warn("Unexpected file extension", "extension", ext, "expected", ".yaml, .yml")
	}
	return nil
}

// LoadRunConfig reads and parses the run configuration at path. Relative
// catalog paths are resolved against the config file's directory.
func LoadRunConfig(path string) (*model.RunConfiguration, error) {
	if err := ValidateConfigFile(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := model.ParseRunConfigFromString(string(data))
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	cfg.Catalogs = slices.Map(cfg.Catalogs, func(p string) string {
		if p == "" || filepath.IsAbs(p) || strings.Contains(p, "{{") {
			return p
		}
		return filepath.Join(dir, p)
	})
	return cfg, nil
}

// RenderConfig replaces template placeholders in the user-facing string
// fields of cfg, typically environment references like {{OPENAI_API_KEY}}.
func RenderConfig(cfg *model.RunConfiguration, templateCtx map[string]string) {
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		p.Name = templates.RenderOrKeep(p.Name, templateCtx)
		p.Token = templates.RenderOrKeep(p.Token, templateCtx)
		p.Secret = templates.RenderOrKeep(p.Secret, templateCtx)
		p.Model = templates.RenderOrKeep(p.Model, templateCtx)
		p.BaseURL = templates.RenderOrKeep(p.BaseURL, templateCtx)
		p.Version = templates.RenderOrKeep(p.Version, templateCtx)
		p.ProjectID = templates.RenderOrKeep(p.ProjectID, templateCtx)
		p.Location = templates.RenderOrKeep(p.Location, templateCtx)
		p.Region = templates.RenderOrKeep(p.Region, templateCtx)
		p.CredentialsPath = templates.RenderOrKeep(p.CredentialsPath, templateCtx)
		p.AuthType = templates.RenderOrKeep(p.AuthType, templateCtx)
	}
	for i := range cfg.Servers {
		s := &cfg.Servers[i]
		s.Name = templates.RenderOrKeep(s.Name, templateCtx)
		s.Command = templates.RenderOrKeep(s.Command, templateCtx)
		s.URL = templates.RenderOrKeep(s.URL, templateCtx)
		s.ServerDelay = templates.RenderOrKeep(s.ServerDelay, templateCtx)
		for k := range s.Headers {
			s.Headers[k] = templates.RenderOrKeep(s.Headers[k], templateCtx)
		}
	}
	cfg.Agent.Provider = templates.RenderOrKeep(cfg.Agent.Provider, templateCtx)
	for i := range cfg.Catalogs {
		cfg.Catalogs[i] = templates.RenderOrKeep(cfg.Catalogs[i], templateCtx)
	}
	if cfg.Settings.HistoryDB != "" {
		cfg.Settings.HistoryDB = templates.RenderOrKeep(cfg.Settings.HistoryDB, templateCtx)
	}
}

// ValidateRunConfig checks cross references after rendering.
func ValidateRunConfig(cfg *model.RunConfiguration) error {
	if len(cfg.Providers) == 0 {
		return fmt.Errorf("no providers defined")
	}
	seen := make(map[string]struct{}, len(cfg.Providers))
	for i, p := range cfg.Providers {
		if err := agent.ValidateProvider(p); err != nil {
			return fmt.Errorf("provider at index %d: %w", i, err)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("duplicate provider name: %s", p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	if cfg.Agent.Provider == "" {
		return fmt.Errorf("agent provider is not set")
	}
	if _, err := agent.FindProvider(cfg.Providers, cfg.Agent.Provider); err != nil {
		return err
	}
	if len(cfg.Catalogs) == 0 {
		return fmt.Errorf("no catalogs defined")
	}
	servers := make(map[string]struct{}, len(cfg.Servers))
	for i, s := range cfg.Servers {
		if s.Name == "" {
			return fmt.Errorf("server at index %d has empty name", i)
		}
		if _, dup := servers[s.Name]; dup {
			return fmt.Errorf("duplicate server name: %s", s.Name)
		}
		servers[s.Name] = struct{}{}
	}
	for i, tag := range cfg.Settings.ThinkingTags {
		if tag.Open == "" || tag.Close == "" {
			return fmt.Errorf("thinking tag pair at index %d needs both open and close", i)
		}
	}
	return nil
}

// ParseDuration parses value as a Go duration. Empty or invalid input falls
// back to def; negative input becomes 0.
func ParseDuration(name, value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	dur, err := time.ParseDuration(value)
	if err != nil {
		logger.Logger.Warn("Invalid duration, using default",
			"setting", name,
			"value", value,
			"default", def,
			"error", err)
		return def
	}
	if dur < 0 {
		logger.Logger.Warn("Negative duration, using 0", "setting", name, "value", dur)
		return 0
	}
	return dur
}

// NewSettings converts the YAML settings of a run into engine settings.
func NewSettings(cfg *model.RunConfiguration) Settings {
	return Settings{
		TestTimeout:  ParseDuration("test_timeout", cfg.Settings.TestTimeout, DefaultTestTimeout),
		TestDelay:    ParseDuration("test_delay", cfg.Settings.TestDelay, DefaultTestDelay),
		SystemPrompt: cfg.Agent.SystemPrompt,
		ThinkingTags: cfg.Settings.ThinkingTags,
	}
}

// AgentConfig converts the YAML agent and settings sections into backend
// options.
func AgentConfig(cfg *model.RunConfiguration) agent.Config {
	c := agent.Config{
		MaxIterations: cfg.Agent.MaxIterations,
		ToolTimeout:   ParseDuration("tool_timeout", cfg.Settings.ToolTimeout, DefaultToolTimeout),
		Temperature:   cfg.Agent.Temperature,
		MaxTokens:     cfg.Agent.MaxTokens,
	}
	if len(cfg.Settings.ThinkingTags) > 0 {
		c.ThinkingTags = cfg.Settings.ThinkingTags[0]
	}
	return c
}
