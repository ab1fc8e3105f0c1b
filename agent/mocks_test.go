package agent

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"
	"github.com/tmc/langchaingo/llms"
)

// MockLLMModel is a mock implementation of llms.Model
type MockLLMModel struct {
	mock.Mock
}

func (m *MockLLMModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	args := m.Called(ctx, messages, options)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*llms.ContentResponse), args.Error(1)
}

func (m *MockLLMModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	args := m.Called(ctx, prompt, options)
	return args.String(0), args.Error(1)
}

// streamChunks returns a Run hook that feeds chunks through the request's
// streaming callback.
func streamChunks(chunks ...string) func(mock.Arguments) {
	return func(args mock.Arguments) {
		ctx := args.Get(0).(context.Context)
		opts := callOptions(args)
		if opts.StreamingFunc == nil {
			return
		}
		for _, c := range chunks {
			if err := opts.StreamingFunc(ctx, []byte(c)); err != nil {
				return
			}
		}
	}
}

func callOptions(args mock.Arguments) llms.CallOptions {
	var opts llms.CallOptions
	for _, o := range args.Get(2).([]llms.CallOption) {
		o(&opts)
	}
	return opts
}

// stubTools is a ToolSet that answers every call with a fixed result.
type stubTools struct {
	mu     sync.Mutex
	defs   []llms.Tool
	result string
	err    error
	calls  []map[string]any
}

func (s *stubTools) Definitions() []llms.Tool {
	return s.defs
}

func (s *stubTools) Execute(_ context.Context, _ string, args map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, args)
	return s.result, s.err
}

func textResponse(content string) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: content}}}
}

func toolCallResponse(id, name, arguments string) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		ToolCalls: []llms.ToolCall{{
			ID:           id,
			Type:         "function",
			FunctionCall: &llms.FunctionCall{Name: name, Arguments: arguments},
		}},
	}}}
}
