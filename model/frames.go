package model

import "time"

// ============================================================================
// RESULT FRAMES
// ============================================================================

type FrameKind string

const (
	FrameDescription FrameKind = "description"
	FrameQuery       FrameKind = "query"
	FrameThinking    FrameKind = "thinking"
	FrameTool        FrameKind = "tool"
	FrameContent     FrameKind = "content"
	FrameValidation  FrameKind = "validation"
	FrameError       FrameKind = "error"
	FrameSkipped     FrameKind = "skipped"
)

// ResultFrame is one event of a run. Exactly one payload matching Kind is set.
// Thinking and Content frames carry the full text of their segment so far;
// consumers replace the segment with the same Index instead of appending.
type ResultFrame struct {
	Kind      FrameKind `json:"kind"`
	RunID     string    `json:"run_id,omitempty"`
	TestIndex int       `json:"test_index"`
	TestID    string    `json:"test_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Description *DescriptionFrame `json:"description,omitempty"`
	Query       *QueryFrame       `json:"query,omitempty"`
	Segment     *SegmentFrame     `json:"segment,omitempty"`
	Tool        *ToolCall         `json:"tool,omitempty"`
	Validation  *ValidationFrame  `json:"validation,omitempty"`
	Error       *ErrorFrame       `json:"error,omitempty"`
	Skipped     *SkippedFrame     `json:"skipped,omitempty"`
}

type DescriptionFrame struct {
	Name         string   `json:"name"`
	Lines        []string `json:"lines,omitempty"`
	Domain       Domain   `json:"domain,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
}

type QueryFrame struct {
	Text string `json:"text"`
}

type SegmentFrame struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

type ValidationFrame struct {
	ValidationResult
	Rules    []RuleResult  `json:"rules,omitempty"`
	Duration time.Duration `json:"duration"`
	Text     string        `json:"text"`
	Metrics  StreamMetrics `json:"metrics"`
}

type ErrorFrame struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

type SkippedFrame struct {
	Reason string `json:"reason"`
}

type StreamMetrics struct {
	FirstChunkLatency time.Duration `json:"first_chunk_latency"`
	Duration          time.Duration `json:"duration"`
	Tokens            int           `json:"tokens"`
	TokensPerSecond   float64       `json:"tokens_per_second"`
}

// ============================================================================
// VALIDATION RESULTS
// ============================================================================

type ValidationResult struct {
	Passed  bool   `json:"passed"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func Pass(message string) ValidationResult {
	return ValidationResult{Passed: true, Message: message}
}

func Fail(message, detail string) ValidationResult {
	return ValidationResult{Passed: false, Message: message, Detail: detail}
}

type RuleResult struct {
	Rule string `json:"rule"`
	ValidationResult
}

func ThinkingFrame(index int, text string) ResultFrame {
	return ResultFrame{Kind: FrameThinking, Segment: &SegmentFrame{Index: index, Text: text}}
}

func ContentFrame(index int, text string) ResultFrame {
	return ResultFrame{Kind: FrameContent, Segment: &SegmentFrame{Index: index, Text: text}}
}
