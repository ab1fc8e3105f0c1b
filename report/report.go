// Package report turns the frames of a run into a per-test summary and writes
// it as JSON or Markdown.
package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/mykhaliev/tool-conformance/logger"
	"github.com/mykhaliev/tool-conformance/model"
	"github.com/mykhaliev/tool-conformance/version"
)

type TestStatus string

const (
	StatusPassed       TestStatus = "passed"
	StatusFailed       TestStatus = "failed"
	StatusSkipped      TestStatus = "skipped"
	StatusNotCompleted TestStatus = "not_completed"
	StatusNotRun       TestStatus = "not_run"
)

const (
	FormatJSON     = ".json"
	FormatMarkdown = ".md"
)

type TestResult struct {
	Index      int                  `json:"index"`
	ID         string               `json:"id"`
	Name       string               `json:"name,omitempty"`
	Domain     model.Domain         `json:"domain,omitempty"`
	Status     TestStatus           `json:"status"`
	Query      string               `json:"query,omitempty"`
	Response   string               `json:"response,omitempty"`
	Thinking   string               `json:"thinking,omitempty"`
	Message    string               `json:"message,omitempty"`
	Detail     string               `json:"detail,omitempty"`
	Rules      []model.RuleResult   `json:"rules,omitempty"`
	ToolCalls  []model.ToolCall     `json:"tool_calls,omitempty"`
	Duration   time.Duration        `json:"duration,omitempty"`
	Metrics    *model.StreamMetrics `json:"metrics,omitempty"`
	SkipReason string               `json:"skip_reason,omitempty"`
	Error      string               `json:"error,omitempty"`
}

type Summary struct {
	Total        int     `json:"total"`
	Passed       int     `json:"passed"`
	Failed       int     `json:"failed"`
	Skipped      int     `json:"skipped"`
	NotCompleted int     `json:"not_completed"`
	NotRun       int     `json:"not_run"`
	PassRate     float64 `json:"pass_rate"`
}

type RunReport struct {
	Version    string       `json:"version"`
	RunID      string       `json:"run_id"`
	Outcome    string       `json:"outcome"`
	Domain     model.Domain `json:"domain,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Error      string       `json:"error,omitempty"`
	Summary    Summary      `json:"summary"`
	Tests      []TestResult `json:"tests"`
}

// Input is everything Build needs from a finished run.
type Input struct {
	RunID      string
	Outcome    string
	Domain     model.Domain
	Tests      []model.TestCaseDefinition
	Frames     []model.ResultFrame
	StartedAt  time.Time
	FinishedAt time.Time
}

type segmentText struct {
	kind model.FrameKind
	text string
}

// Build folds frames into one result per test. A test with frames but no
// validation or skip did not complete; a test without frames was not run.
func Build(in Input) RunReport {
	results := make([]TestResult, len(in.Tests))
	segments := make([]map[int]segmentText, len(in.Tests))
	for i, t := range in.Tests {
		results[i] = TestResult{Index: i, ID: t.ID, Name: t.Name, Domain: t.Domain, Status: StatusNotRun}
		segments[i] = make(map[int]segmentText)
	}

	r := RunReport{
		Version:    version.Version,
		RunID:      in.RunID,
		Outcome:    in.Outcome,
		Domain:     in.Domain,
		StartedAt:  in.StartedAt,
		FinishedAt: in.FinishedAt,
	}

	for _, f := range in.Frames {
		if f.TestIndex < 0 || f.TestIndex >= len(results) {
			continue
		}
		res := &results[f.TestIndex]
		if res.Status == StatusNotRun {
			res.Status = StatusNotCompleted
		}

		switch f.Kind {
		case model.FrameQuery:
			res.Query = f.Query.Text
		case model.FrameThinking, model.FrameContent:
			segments[f.TestIndex][f.Segment.Index] = segmentText{kind: f.Kind, text: f.Segment.Text}
		case model.FrameTool:
			res.ToolCalls = append(res.ToolCalls, *f.Tool)
		case model.FrameValidation:
			v := f.Validation
			res.Status = StatusFailed
			if v.Passed {
				res.Status = StatusPassed
			}
			res.Message = v.Message
			res.Detail = v.Detail
			res.Rules = v.Rules
			res.Response = v.Text
			res.Duration = v.Duration
			metrics := v.Metrics
			res.Metrics = &metrics
		case model.FrameSkipped:
			res.Status = StatusSkipped
			res.SkipReason = f.Skipped.Reason
		case model.FrameError:
			res.Error = f.Error.Message
			r.Error = f.Error.Message
		}
	}

	for i := range results {
		results[i].Thinking = joinSegments(segments[i], model.FrameThinking)
		if results[i].Response == "" {
			results[i].Response = joinSegments(segments[i], model.FrameContent)
		}
	}

	r.Tests = results
	r.Summary = summarize(results)
	return r
}

func joinSegments(segs map[int]segmentText, kind model.FrameKind) string {
	indexes := make([]int, 0, len(segs))
	for i, s := range segs {
		if s.kind == kind {
			indexes = append(indexes, i)
		}
	}
	sort.Ints(indexes)
	parts := make([]string, 0, len(indexes))
	for _, i := range indexes {
		if text := strings.TrimSpace(segs[i].text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}

func summarize(results []TestResult) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		switch r.Status {
		case StatusPassed:
			s.Passed++
		case StatusFailed:
			s.Failed++
		case StatusSkipped:
			s.Skipped++
		case StatusNotCompleted:
			s.NotCompleted++
		case StatusNotRun:
			s.NotRun++
		}
	}
	if evaluated := s.Passed + s.Failed; evaluated > 0 {
		s.PassRate = float64(s.Passed) / float64(evaluated) * 100
	}
	return s
}

// HasFailures reports whether any test failed or the run did not complete.
func (r RunReport) HasFailures() bool {
	return r.Summary.Failed > 0 || r.Summary.NotCompleted > 0 || r.Error != ""
}

func (r RunReport) JSON() ([]byte, error) {
	data, err := sonic.ConfigStd.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode report: %w", err)
	}
	return data, nil
}

func (r RunReport) Markdown() string {
	var b strings.Builder
	b.WriteString("# Tool Conformance Results\n\n")
	fmt.Fprintf(&b, "**Version:** %s\n", r.Version)
	fmt.Fprintf(&b, "**Run:** %s\n", r.RunID)
	fmt.Fprintf(&b, "**Outcome:** %s\n", r.Outcome)
	if r.Domain != "" {
		fmt.Fprintf(&b, "**Domain:** %s\n", r.Domain)
	}
	fmt.Fprintf(&b, "**Started:** %s\n\n", r.StartedAt.Format(time.RFC3339))
	if r.Error != "" {
		fmt.Fprintf(&b, "> **Run aborted:** %s\n\n", r.Error)
	}

	s := r.Summary
	b.WriteString("## Summary\n\n")
	fmt.Fprintf(&b, "- **Total:** %d\n", s.Total)
	fmt.Fprintf(&b, "- **Passed:** %d\n", s.Passed)
	fmt.Fprintf(&b, "- **Failed:** %d\n", s.Failed)
	fmt.Fprintf(&b, "- **Skipped:** %d\n", s.Skipped)
	fmt.Fprintf(&b, "- **Not completed:** %d\n", s.NotCompleted)
	fmt.Fprintf(&b, "- **Not run:** %d\n", s.NotRun)
	fmt.Fprintf(&b, "- **Pass rate:** %.1f%%\n\n", s.PassRate)

	b.WriteString("## Tests\n\n")
	b.WriteString("| # | Test | Status | Tool calls | Duration | TPS |\n")
	b.WriteString("|---|------|--------|------------|----------|-----|\n")
	for _, t := range r.Tests {
		tps := "-"
		if t.Metrics != nil {
			tps = fmt.Sprintf("%.1f", t.Metrics.TokensPerSecond)
		}
		fmt.Fprintf(&b, "| %d | %s | %s | %d | %.2fs | %s |\n",
			t.Index+1, escapeCell(displayName(t)), statusLabel(t.Status), len(t.ToolCalls), t.Duration.Seconds(), tps)
	}

	var problems []TestResult
	for _, t := range r.Tests {
		if t.Status == StatusFailed || t.Status == StatusSkipped || t.Error != "" {
			problems = append(problems, t)
		}
	}
	if len(problems) > 0 {
		b.WriteString("\n## Details\n\n")
	}
	for _, t := range problems {
		fmt.Fprintf(&b, "### %s\n\n", displayName(t))
		switch {
		case t.Status == StatusSkipped:
			fmt.Fprintf(&b, "Skipped: %s\n\n", t.SkipReason)
		case t.Error != "":
			fmt.Fprintf(&b, "Error: %s\n\n", t.Error)
		default:
			fmt.Fprintf(&b, "%s\n\n", t.Message)
			for _, rule := range t.Rules {
				mark := "✅"
				if !rule.Passed {
					mark = "❌"
				}
				fmt.Fprintf(&b, "- %s `%s`: %s\n", mark, rule.Rule, rule.Message)
				if rule.Detail != "" {
					fmt.Fprintf(&b, "  - %s\n", strings.ReplaceAll(rule.Detail, "\n", "\n  - "))
				}
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

func displayName(t TestResult) string {
	if t.Name == "" {
		return t.ID
	}
	return fmt.Sprintf("%s (%s)", t.Name, t.ID)
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}

func statusLabel(s TestStatus) string {
	switch s {
	case StatusPassed:
		return "✅ PASS"
	case StatusFailed:
		return "❌ FAIL"
	case StatusSkipped:
		return "⏭️ SKIP"
	case StatusNotCompleted:
		return "⚠️ NOT COMPLETED"
	}
	return "NOT RUN"
}

// ValidateOutputPath accepts .json and .md report paths.
func ValidateOutputPath(path string) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case FormatJSON, FormatMarkdown:
		return nil
	default:
		return fmt.Errorf("unknown report type %q, supported types are: .json, .md", ext)
	}
}

// Save writes r to path in the format its extension names.
func Save(r RunReport, path string) error {
	if err := ValidateOutputPath(path); err != nil {
		return err
	}
	var content []byte
	if strings.EqualFold(filepath.Ext(path), FormatJSON) {
		data, err := r.JSON()
		if err != nil {
			return err
		}
		content = data
	} else {
		content = []byte(r.Markdown())
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, logger.DirPermission); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	if err := os.WriteFile(path, content, logger.FilePermission); err != nil {
		return fmt.Errorf("failed to write report file: %w", err)
	}
	logger.Logger.Info("Report generated", "path", path, "size", len(content))
	return nil
}

// PrintSummary writes the console summary block.
func PrintSummary(w io.Writer, r RunReport) {
	line := strings.Repeat("=", 80)
	fmt.Fprintln(w, "\n"+line)
	fmt.Fprintln(w, "[Summary] Tool Conformance Run")
	fmt.Fprintln(w, line)
	fmt.Fprintf(w, "  Run:            %s (%s)\n", r.RunID, r.Outcome)
	fmt.Fprintf(w, "  Total Tests:    %d\n", r.Summary.Total)
	fmt.Fprintf(w, "  Passed:         %d (%.1f%%)\n", r.Summary.Passed, r.Summary.PassRate)
	fmt.Fprintf(w, "  Failed:         %d\n", r.Summary.Failed)
	fmt.Fprintf(w, "  Skipped:        %d\n", r.Summary.Skipped)
	fmt.Fprintf(w, "  Not completed:  %d\n", r.Summary.NotCompleted)
	fmt.Fprintf(w, "  Not run:        %d\n", r.Summary.NotRun)
	if r.Error != "" {
		fmt.Fprintf(w, "  Error:          %s\n", r.Error)
	}
	fmt.Fprintln(w, line)
}
