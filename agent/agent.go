// Package agent drives a language model through one conversation turn,
// streaming its text and executing the tools it calls.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/mykhaliev/tool-conformance/logger"
	"github.com/mykhaliev/tool-conformance/model"
	"github.com/tmc/langchaingo/llms"
)

const (
	DefaultMaxIterations = 10
	ResultPreviewLength  = 200
	EventBufferSize      = 16
)

type EventKind string

const (
	EventText     EventKind = "text"
	EventToolCall EventKind = "tool_call"
	EventError    EventKind = "error"
)

// Event is one item of a backend stream. An EventError is always last.
type Event struct {
	Kind     EventKind
	Text     string
	ToolCall *model.ToolCall
	Err      *Error
}

type ErrorKind string

const (
	// ErrorKindBackend aborts the whole run.
	ErrorKindBackend ErrorKind = "backend"
	// ErrorKindMalformedInput skips only the current test.
	ErrorKindMalformedInput ErrorKind = "malformed_input"
)

type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func BackendError(err error) *Error {
	return &Error{Kind: ErrorKindBackend, Err: err}
}

func MalformedInputError(err error) *Error {
	return &Error{Kind: ErrorKindMalformedInput, Err: err}
}

// ToolSet is the set of tools offered to the model for one request.
type ToolSet interface {
	Definitions() []llms.Tool
	Execute(ctx context.Context, name string, args map[string]any) (string, error)
}

type Request struct {
	SystemPrompt string
	Query        string
	Tools        ToolSet
	// ResetConversation drops earlier turns before sending Query.
	ResetConversation bool
}

// Backend turns a request into a stream of text chunks and tool calls. The
// channel is closed when the stream ends. Senders stop when ctx is done.
type Backend interface {
	Stream(ctx context.Context, req Request) <-chan Event
}

type Config struct {
	MaxIterations int
	ToolTimeout   time.Duration
	Temperature   *float64
	MaxTokens     int
	// ThinkingTags wraps reasoning returned outside the text stream so the
	// tag processor sees it like inline thinking.
	ThinkingTags model.TagPair
}

type LLMAgent struct {
	Name     string
	Provider string
	Model    llms.Model
	Config   Config

	mu      sync.Mutex
	history []llms.MessageContent
}

func NewLLMAgent(name, provider string, m llms.Model, cfg Config) *LLMAgent {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.ThinkingTags.Open == "" || cfg.ThinkingTags.Close == "" {
		cfg.ThinkingTags = model.TagPair{Open: "<thinking>", Close: "</thinking>"}
	}
	return &LLMAgent{Name: name, Provider: provider, Model: m, Config: cfg}
}

func (a *LLMAgent) Stream(ctx context.Context, req Request) <-chan Event {
	out := make(chan Event, EventBufferSize)
	go func() {
		defer close(out)
		err := a.run(ctx, req, out)
		if err == nil || ctx.Err() != nil {
			return
		}
		var agentErr *Error
		if !errors.As(err, &agentErr) {
			agentErr = BackendError(err)
		}
		send(ctx, out, Event{Kind: EventError, Err: agentErr})
	}()
	return out
}

func send(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (a *LLMAgent) run(ctx context.Context, req Request, out chan<- Event) error {
	if strings.TrimSpace(req.Query) == "" {
		return MalformedInputError(fmt.Errorf("query is empty"))
	}
	if a.Model == nil {
		return BackendError(fmt.Errorf("agent %s has no model", a.Name))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if req.ResetConversation || len(a.history) == 0 {
		a.history = nil
		if strings.TrimSpace(req.SystemPrompt) != "" {
			a.history = append(a.history, llms.TextParts(llms.ChatMessageTypeSystem, req.SystemPrompt))
		}
	}
	a.history = append(a.history, llms.TextParts(llms.ChatMessageTypeHuman, req.Query))

	var opts []llms.CallOption
	if req.Tools != nil {
		if tools := req.Tools.Definitions(); len(tools) > 0 {
			opts = append(opts, llms.WithTools(tools))
		}
	}
	if a.Config.Temperature != nil {
		opts = append(opts, llms.WithTemperature(*a.Config.Temperature))
	}
	if a.Config.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(a.Config.MaxTokens))
	}

	for iteration := 1; iteration <= a.Config.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		streamed := false
		streamFn := llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			if len(chunk) == 0 || isToolCallChunk(chunk) {
				return nil
			}
			streamed = true
			if !send(ctx, out, Event{Kind: EventText, Text: string(chunk)}) {
				return ctx.Err()
			}
			return nil
		})

		logger.Logger.Debug("Generating content",
			"agent", a.Name,
			"provider", a.Provider,
			"iteration", iteration)

		resp, err := a.Model.GenerateContent(ctx, a.history, append(opts, streamFn)...)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return BackendError(fmt.Errorf("generation failed (iteration %d): %w", iteration, err))
		}
		if resp == nil || len(resp.Choices) == 0 {
			return BackendError(fmt.Errorf("model returned no choices (iteration %d)", iteration))
		}
		choice := resp.Choices[0]

		if !streamed {
			if rc := strings.TrimSpace(choice.ReasoningContent); rc != "" {
				send(ctx, out, Event{Kind: EventText, Text: a.Config.ThinkingTags.Open + rc + a.Config.ThinkingTags.Close})
			}
			if choice.Content != "" {
				send(ctx, out, Event{Kind: EventText, Text: choice.Content})
			}
		}
		if strings.TrimSpace(choice.Content) != "" {
			a.history = append(a.history, llms.TextParts(llms.ChatMessageTypeAI, choice.Content))
		}

		if len(choice.ToolCalls) == 0 {
			return nil
		}

		for _, tc := range choice.ToolCalls {
			if tc.FunctionCall == nil {
				logger.Logger.Warn("Skipping tool call without function", "id", tc.ID)
				continue
			}
			call := a.executeTool(ctx, req.Tools, tc)
			if !send(ctx, out, Event{Kind: EventToolCall, ToolCall: &call}) {
				return ctx.Err()
			}

			content := call.Result
			if call.Error != "" {
				content = "Error: " + call.Error
			}
			a.history = append(a.history,
				llms.MessageContent{Role: llms.ChatMessageTypeAI, Parts: []llms.ContentPart{tc}},
				llms.MessageContent{Role: llms.ChatMessageTypeTool, Parts: []llms.ContentPart{
					llms.ToolCallResponse{ToolCallID: tc.ID, Name: tc.FunctionCall.Name, Content: content},
				}},
			)
		}
	}

	logger.Logger.Warn("Maximum iterations reached without final answer",
		"agent", a.Name,
		"max_iterations", a.Config.MaxIterations)
	return nil
}

func (a *LLMAgent) executeTool(ctx context.Context, tools ToolSet, tc llms.ToolCall) model.ToolCall {
	args := map[string]any{}
	if raw := strings.TrimSpace(tc.FunctionCall.Arguments); raw != "" {
		if err := sonic.UnmarshalString(raw, &args); err != nil {
			logger.Logger.Warn("Failed to parse tool arguments",
				"tool_name", tc.FunctionCall.Name,
				"error", err)
			args = map[string]any{}
		}
	}

	call := model.ToolCall{
		ID:        tc.ID,
		Name:      tc.FunctionCall.Name,
		Arguments: args,
		Timestamp: time.Now(),
	}
	if tools == nil {
		call.Error = fmt.Sprintf("tool %s is not available", call.Name)
		return call
	}

	toolCtx := ctx
	if a.Config.ToolTimeout > 0 {
		var cancel context.CancelFunc
		toolCtx, cancel = context.WithTimeout(ctx, a.Config.ToolTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := tools.Execute(toolCtx, call.Name, args)
	call.Duration = time.Since(start)
	call.Result = result
	if err != nil {
		call.Error = err.Error()
		logger.Logger.Debug("Tool execution failed",
			"tool_name", call.Name,
			"error", err)
	} else {
		logger.Logger.Debug("Tool execution successful",
			"tool_name", call.Name,
			"result_preview", truncateString(result, ResultPreviewLength))
	}
	return call
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// isToolCallChunk reports whether a streamed chunk is a provider's raw
// tool-call delta rather than text.
func isToolCallChunk(chunk []byte) bool {
	trimmed := strings.TrimSpace(string(chunk))
	if !strings.HasPrefix(trimmed, "[") && !strings.HasPrefix(trimmed, "{") {
		return false
	}

	var toolCallArray []any
	if err := sonic.Unmarshal(chunk, &toolCallArray); err == nil && len(toolCallArray) > 0 {
		if first, ok := toolCallArray[0].(map[string]any); ok {
			_, hasFn := first["function"]
			_, hasName := first["name"]
			return hasFn || hasName
		}
		return false
	}

	var chunkData map[string]any
	if err := sonic.Unmarshal(chunk, &chunkData); err == nil {
		if choices, ok := chunkData["choices"].([]any); ok && len(choices) > 0 {
			if choice, ok := choices[0].(map[string]any); ok {
				if toolCalls, ok := choice["tool_calls"].([]any); ok && len(toolCalls) > 0 {
					return true
				}
			}
		}
	}
	return false
}
