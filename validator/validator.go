// Package validator evaluates validation rules against a finished test: the
// accumulated response text plus the tool calls recorded while it streamed.
// Evaluation is pure; nothing here performs I/O.
package validator

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/life4/genesis/slices"
	"github.com/mykhaliev/tool-conformance/model"
)

// Outcome is the AND of every rule result for one test.
type Outcome struct {
	model.ValidationResult
	Rules []model.RuleResult
}

// EvaluateAll runs every rule, without stopping at the first failure, so the
// outcome can report each failing rule.
func EvaluateAll(rules []model.ValidationRule, response string, calls []model.ToolCall) Outcome {
	results := make([]model.RuleResult, 0, len(rules))
	for _, rule := range rules {
		results = append(results, model.RuleResult{
			Rule:             rule.String(),
			ValidationResult: Evaluate(rule, response, calls),
		})
	}

	failed := slices.Filter(results, func(r model.RuleResult) bool { return !r.Passed })
	if len(failed) == 0 {
		return Outcome{
			ValidationResult: model.Pass(fmt.Sprintf("All %d rules passed", len(results))),
			Rules:            results,
		}
	}

	lines := slices.Map(failed, func(r model.RuleResult) string {
		if r.Detail == "" {
			return fmt.Sprintf("%s: %s", r.Rule, r.Message)
		}
		return fmt.Sprintf("%s: %s (%s)", r.Rule, r.Message, r.Detail)
	})
	return Outcome{
		ValidationResult: model.Fail(
			fmt.Sprintf("%d of %d rules failed", len(failed), len(results)),
			strings.Join(lines, "\n"),
		),
		Rules: results,
	}
}

// Evaluate checks a single rule.
func Evaluate(rule model.ValidationRule, response string, calls []model.ToolCall) model.ValidationResult {
	switch r := rule.(type) {
	case model.NoToolCalls:
		return evalNoToolCalls(calls)
	case model.ToolMatch:
		return evalToolMatch(r, calls)
	case model.ToolMatchAll:
		return evalToolMatchAll(r, calls)
	case model.ToolArgsMatch:
		return evalToolArgsMatch(r, calls)
	case model.ToolCountMin:
		return evalToolCountMin(r, calls)
	case model.ResponseLengthMin:
		return evalResponseLengthMin(r, response)
	case model.ChatValid:
		return evalChatValid(response, calls)
	case model.ValidJSONSchema:
		return evalValidJSONSchema(r, response)
	case model.ResponseReferencesAny:
		return evalResponseReferencesAny(r, response)
	case model.ResponseTone:
		return evalResponseTone(r, response)
	case nil:
		return model.Fail("No rule", "")
	default:
		return model.Fail(fmt.Sprintf("Unknown rule type: %s", rule.RuleType()), "")
	}
}

func callNames(calls []model.ToolCall) []string {
	return slices.Map(calls, func(c model.ToolCall) string { return c.Name })
}

func evalNoToolCalls(calls []model.ToolCall) model.ValidationResult {
	if len(calls) == 0 {
		return model.Pass("No tools were called")
	}
	return model.Fail(
		fmt.Sprintf("Expected no tool calls, got %d", len(calls)),
		fmt.Sprintf("called: %s", strings.Join(callNames(calls), ", ")),
	)
}

func evalToolMatch(r model.ToolMatch, calls []model.ToolCall) model.ValidationResult {
	if slices.Contains(callNames(calls), r.Name) {
		return model.Pass(fmt.Sprintf("Tool '%s' was called", r.Name))
	}
	return model.Fail(fmt.Sprintf("Tool '%s' was not called", r.Name), calledDetail(calls))
}

func evalToolMatchAll(r model.ToolMatchAll, calls []model.ToolCall) model.ValidationResult {
	names := callNames(calls)
	missing := slices.Filter(r.Names, func(name string) bool { return !slices.Contains(names, name) })
	if len(missing) == 0 {
		return model.Pass(fmt.Sprintf("All %d expected tools were called", len(r.Names)))
	}
	return model.Fail(
		fmt.Sprintf("Missing tool calls: %s", strings.Join(missing, ", ")),
		calledDetail(calls),
	)
}

func evalToolArgsMatch(r model.ToolArgsMatch, calls []model.ToolCall) model.ValidationResult {
	candidates := slices.Filter(calls, func(c model.ToolCall) bool { return c.Name == r.Name })
	if len(candidates) == 0 {
		return model.Fail(fmt.Sprintf("Tool '%s' was not called", r.Name), calledDetail(calls))
	}

	var nearest []string
	nearestSeq := -1
	for _, call := range candidates {
		mismatches := argMismatches(r.Args, call.Arguments)
		if len(mismatches) == 0 {
			return model.Pass(fmt.Sprintf("Tool '%s' called with expected arguments", r.Name))
		}
		if nearestSeq < 0 || len(mismatches) < len(nearest) {
			nearest = mismatches
			nearestSeq = call.Sequence
		}
	}

	return model.Fail(
		fmt.Sprintf("Tool '%s' called with unexpected arguments", r.Name),
		fmt.Sprintf("call #%d: %s", nearestSeq, strings.Join(nearest, "; ")),
	)
}

func evalToolCountMin(r model.ToolCountMin, calls []model.ToolCall) model.ValidationResult {
	matching := calls
	subject := "tool calls"
	if r.Name != "" {
		matching = slices.Filter(calls, func(c model.ToolCall) bool { return c.Name == r.Name })
		subject = fmt.Sprintf("calls to '%s'", r.Name)
	}
	if len(matching) >= r.Min {
		return model.Pass(fmt.Sprintf("%d %s (min %d)", len(matching), subject, r.Min))
	}
	return model.Fail(
		fmt.Sprintf("Expected at least %d %s, got %d", r.Min, subject, len(matching)),
		calledDetail(calls),
	)
}

func evalResponseLengthMin(r model.ResponseLengthMin, response string) model.ValidationResult {
	n := utf8.RuneCountInString(strings.TrimSpace(response))
	if n >= r.Min {
		return model.Pass(fmt.Sprintf("Response length %d (min %d)", n, r.Min))
	}
	return model.Fail(
		fmt.Sprintf("Response too short: %d characters, expected at least %d", n, r.Min),
		truncate(response, 200),
	)
}

func evalChatValid(response string, calls []model.ToolCall) model.ValidationResult {
	if strings.TrimSpace(response) == "" {
		return model.Fail("Response is blank", "")
	}
	if len(calls) > 0 {
		return model.Fail("Chat response must not call tools", calledDetail(calls))
	}
	return model.Pass("Plain chat response")
}

func evalResponseReferencesAny(r model.ResponseReferencesAny, response string) model.ValidationResult {
	lower := strings.ToLower(response)
	found, err := slices.Find(r.Terms, func(term string) bool {
		return strings.Contains(lower, strings.ToLower(term))
	})
	if err == nil {
		return model.Pass(fmt.Sprintf("Response references '%s'", found))
	}
	return model.Fail(
		fmt.Sprintf("Response references none of: %s", strings.Join(r.Terms, ", ")),
		truncate(response, 200),
	)
}

func calledDetail(calls []model.ToolCall) string {
	if len(calls) == 0 {
		return "no tools were called"
	}
	return fmt.Sprintf("called: %s", strings.Join(callNames(calls), ", "))
}

func truncate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	return string([]rune(s)[:maxLen-3]) + "..."
}
