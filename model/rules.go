package model

import (
	"errors"
	"fmt"
	"strings"
)

// Rule type names as written in catalogs.
const (
	RuleNoToolCalls           = "no_tool_calls"
	RuleToolMatch             = "tool_match"
	RuleToolMatchAll          = "tool_match_all"
	RuleToolArgsMatch         = "tool_args_match"
	RuleToolCountMin          = "tool_count_min"
	RuleResponseLengthMin     = "response_length_min"
	RuleChatValid             = "chat_valid"
	RuleValidJSONSchema       = "valid_json_schema"
	RuleResponseReferencesAny = "response_references_any"
	RuleResponseTone          = "response_tone"
)

var (
	ErrUnknownRule      = errors.New("unknown validation rule")
	ErrMissingRuleParam = errors.New("missing rule parameter")
)

// ValidationRule is a closed set of checks. Only types in this package
// implement it.
type ValidationRule interface {
	RuleType() string
	String() string
	isValidationRule()
}

type NoToolCalls struct{}

type ToolMatch struct {
	Name string
}

type ToolMatchAll struct {
	Names []string
}

type ToolArgsMatch struct {
	Name string
	Args map[string]any
}

// ToolCountMin counts every call when Name is empty.
type ToolCountMin struct {
	Min  int
	Name string
}

type ResponseLengthMin struct {
	Min int
}

type ChatValid struct{}

type ValidJSONSchema struct {
	Schema map[string]any
}

type ResponseReferencesAny struct {
	Terms []string
}

type ResponseTone struct {
	Tone string
}

func (NoToolCalls) RuleType() string           { return RuleNoToolCalls }
func (ToolMatch) RuleType() string             { return RuleToolMatch }
func (ToolMatchAll) RuleType() string          { return RuleToolMatchAll }
func (ToolArgsMatch) RuleType() string         { return RuleToolArgsMatch }
func (ToolCountMin) RuleType() string          { return RuleToolCountMin }
func (ResponseLengthMin) RuleType() string     { return RuleResponseLengthMin }
func (ChatValid) RuleType() string             { return RuleChatValid }
func (ValidJSONSchema) RuleType() string       { return RuleValidJSONSchema }
func (ResponseReferencesAny) RuleType() string { return RuleResponseReferencesAny }
func (ResponseTone) RuleType() string          { return RuleResponseTone }

func (NoToolCalls) isValidationRule()           {}
func (ToolMatch) isValidationRule()             {}
func (ToolMatchAll) isValidationRule()          {}
func (ToolArgsMatch) isValidationRule()         {}
func (ToolCountMin) isValidationRule()          {}
func (ResponseLengthMin) isValidationRule()     {}
func (ChatValid) isValidationRule()             {}
func (ValidJSONSchema) isValidationRule()       {}
func (ResponseReferencesAny) isValidationRule() {}
func (ResponseTone) isValidationRule()          {}

func (r NoToolCalls) String() string { return r.RuleType() }
func (r ToolMatch) String() string   { return fmt.Sprintf("%s(%s)", r.RuleType(), r.Name) }
func (r ToolMatchAll) String() string {
	return fmt.Sprintf("%s(%s)", r.RuleType(), strings.Join(r.Names, ", "))
}
func (r ToolArgsMatch) String() string { return fmt.Sprintf("%s(%s)", r.RuleType(), r.Name) }
func (r ToolCountMin) String() string {
	if r.Name == "" {
		return fmt.Sprintf("%s(%d)", r.RuleType(), r.Min)
	}
	return fmt.Sprintf("%s(%d, %s)", r.RuleType(), r.Min, r.Name)
}
func (r ResponseLengthMin) String() string { return fmt.Sprintf("%s(%d)", r.RuleType(), r.Min) }
func (r ChatValid) String() string         { return r.RuleType() }
func (r ValidJSONSchema) String() string   { return r.RuleType() }
func (r ResponseReferencesAny) String() string {
	return fmt.Sprintf("%s(%s)", r.RuleType(), strings.Join(r.Terms, ", "))
}
func (r ResponseTone) String() string { return fmt.Sprintf("%s(%s)", r.RuleType(), r.Tone) }

// RuleSpec is the catalog form of a rule. Which fields apply depends on Type.
type RuleSpec struct {
	Type   string         `yaml:"type" json:"type"`
	Name   string         `yaml:"name,omitempty" json:"name,omitempty"`
	Names  []string       `yaml:"names,omitempty" json:"names,omitempty"`
	Args   map[string]any `yaml:"args,omitempty" json:"args,omitempty"`
	Min    int            `yaml:"min,omitempty" json:"min,omitempty"`
	Schema map[string]any `yaml:"schema,omitempty" json:"schema,omitempty"`
	Terms  []string       `yaml:"terms,omitempty" json:"terms,omitempty"`
	Tone   string         `yaml:"tone,omitempty" json:"tone,omitempty"`
}

func (s RuleSpec) Compile() (ValidationRule, error) {
	missing := func(param string) error {
		return fmt.Errorf("%w: %s requires %s", ErrMissingRuleParam, s.Type, param)
	}

	switch s.Type {
	case RuleNoToolCalls:
		return NoToolCalls{}, nil
	case RuleToolMatch:
		if s.Name == "" {
			return nil, missing("name")
		}
		return ToolMatch{Name: s.Name}, nil
	case RuleToolMatchAll:
		if len(s.Names) == 0 {
			return nil, missing("names")
		}
		return ToolMatchAll{Names: s.Names}, nil
	case RuleToolArgsMatch:
		if s.Name == "" {
			return nil, missing("name")
		}
		if len(s.Args) == 0 {
			return nil, missing("args")
		}
		return ToolArgsMatch{Name: s.Name, Args: s.Args}, nil
	case RuleToolCountMin:
		if s.Min < 0 {
			return nil, fmt.Errorf("%s: min must not be negative", s.Type)
		}
		return ToolCountMin{Min: s.Min, Name: s.Name}, nil
	case RuleResponseLengthMin:
		if s.Min < 0 {
			return nil, fmt.Errorf("%s: min must not be negative", s.Type)
		}
		return ResponseLengthMin{Min: s.Min}, nil
	case RuleChatValid:
		return ChatValid{}, nil
	case RuleValidJSONSchema:
		if s.Schema == nil {
			return nil, missing("schema")
		}
		return ValidJSONSchema{Schema: s.Schema}, nil
	case RuleResponseReferencesAny:
		if len(s.Terms) == 0 {
			return nil, missing("terms")
		}
		return ResponseReferencesAny{Terms: s.Terms}, nil
	case RuleResponseTone:
		if s.Tone == "" {
			return nil, missing("tone")
		}
		return ResponseTone{Tone: s.Tone}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRule, s.Type)
	}
}
