package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mykhaliev/tool-conformance/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func texts(events []Event) []string {
	var out []string
	for _, ev := range events {
		if ev.Kind == EventText {
			out = append(out, ev.Text)
		}
	}
	return out
}

func TestStreamForwardsChunks(t *testing.T) {
	m := new(MockLLMModel)
	m.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything).
		Run(streamChunks("<thinking>plan", "</thinking>", "Hello")).
		Return(textResponse("<thinking>plan</thinking>Hello"), nil).Once()

	a := NewLLMAgent("test", "mock", m, Config{})
	events := collect(t, a.Stream(context.Background(), Request{Query: "hi"}))

	assert.Equal(t, []string{"<thinking>plan", "</thinking>", "Hello"}, texts(events))
	m.AssertExpectations(t)
}

func TestStreamSkipsToolCallChunks(t *testing.T) {
	m := new(MockLLMModel)
	m.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything).
		Run(streamChunks(`[{"id":"c1","function":{"name":"x"}}]`, "Done")).
		Return(textResponse("Done"), nil).Once()

	a := NewLLMAgent("test", "mock", m, Config{})
	events := collect(t, a.Stream(context.Background(), Request{Query: "hi"}))
	assert.Equal(t, []string{"Done"}, texts(events))
}

func TestStreamExecutesToolCalls(t *testing.T) {
	m := new(MockLLMModel)
	var secondCallMessages []llms.MessageContent
	m.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything).
		Return(toolCallResponse("call_1", "get_weather", `{"city":"Madrid"}`), nil).Once()
	m.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			secondCallMessages = append([]llms.MessageContent(nil), args.Get(1).([]llms.MessageContent)...)
		}).
		Return(textResponse("Sunny in Madrid"), nil).Once()

	tools := &stubTools{result: `{"temp":21}`}
	a := NewLLMAgent("test", "mock", m, Config{ToolTimeout: time.Second})
	events := collect(t, a.Stream(context.Background(), Request{
		SystemPrompt: "You are helpful",
		Query:        "Weather in Madrid?",
		Tools:        tools,
	}))

	require.Len(t, events, 2)
	assert.Equal(t, EventToolCall, events[0].Kind)
	call := events[0].ToolCall
	require.NotNil(t, call)
	assert.Equal(t, "get_weather", call.Name)
	assert.Equal(t, "call_1", call.ID)
	assert.Equal(t, map[string]any{"city": "Madrid"}, call.Arguments)
	assert.Equal(t, `{"temp":21}`, call.Result)
	assert.Empty(t, call.Error)

	assert.Equal(t, EventText, events[1].Kind)
	assert.Equal(t, "Sunny in Madrid", events[1].Text)

	require.Len(t, secondCallMessages, 4)
	assert.Equal(t, llms.ChatMessageTypeSystem, secondCallMessages[0].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, secondCallMessages[1].Role)
	assert.Equal(t, llms.ChatMessageTypeAI, secondCallMessages[2].Role)
	assert.Equal(t, llms.ChatMessageTypeTool, secondCallMessages[3].Role)
	resp, ok := secondCallMessages[3].Parts[0].(llms.ToolCallResponse)
	require.True(t, ok)
	assert.Equal(t, `{"temp":21}`, resp.Content)
	m.AssertExpectations(t)
}

func TestStreamToolErrorIsReportedToModel(t *testing.T) {
	m := new(MockLLMModel)
	var toolMessage llms.ToolCallResponse
	m.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything).
		Return(toolCallResponse("call_1", "search", `not json`), nil).Once()
	m.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			msgs := args.Get(1).([]llms.MessageContent)
			toolMessage = msgs[len(msgs)-1].Parts[0].(llms.ToolCallResponse)
		}).
		Return(textResponse("Sorry"), nil).Once()

	tools := &stubTools{err: errors.New("no mock response configured")}
	a := NewLLMAgent("test", "mock", m, Config{})
	events := collect(t, a.Stream(context.Background(), Request{Query: "find", Tools: tools}))

	require.Len(t, events, 2)
	assert.Equal(t, "no mock response configured", events[0].ToolCall.Error)
	assert.Equal(t, map[string]any{}, events[0].ToolCall.Arguments, "unparsable arguments become an empty map")
	assert.Equal(t, "Error: no mock response configured", toolMessage.Content)
}

func TestStreamWrapsReasoningContent(t *testing.T) {
	m := new(MockLLMModel)
	m.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything).
		Return(&llms.ContentResponse{Choices: []*llms.ContentChoice{{
			Content:          "42",
			ReasoningContent: "compute",
		}}}, nil).Once()

	a := NewLLMAgent("test", "mock", m, Config{ThinkingTags: model.TagPair{Open: "<think>", Close: "</think>"}})
	events := collect(t, a.Stream(context.Background(), Request{Query: "answer"}))
	assert.Equal(t, []string{"<think>compute</think>", "42"}, texts(events))
}

func TestStreamBackendError(t *testing.T) {
	m := new(MockLLMModel)
	m.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("connection refused")).Once()

	a := NewLLMAgent("test", "mock", m, Config{})
	events := collect(t, a.Stream(context.Background(), Request{Query: "hi"}))

	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Kind)
	assert.Equal(t, ErrorKindBackend, events[0].Err.Kind)
	assert.Contains(t, events[0].Err.Error(), "connection refused")
}

func TestStreamNoChoicesIsBackendError(t *testing.T) {
	m := new(MockLLMModel)
	m.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything).
		Return(&llms.ContentResponse{}, nil).Once()

	a := NewLLMAgent("test", "mock", m, Config{})
	events := collect(t, a.Stream(context.Background(), Request{Query: "hi"}))
	require.Len(t, events, 1)
	assert.Equal(t, ErrorKindBackend, events[0].Err.Kind)
}

func TestStreamEmptyQueryIsMalformed(t *testing.T) {
	m := new(MockLLMModel)
	a := NewLLMAgent("test", "mock", m, Config{})
	events := collect(t, a.Stream(context.Background(), Request{Query: "   "}))

	require.Len(t, events, 1)
	assert.Equal(t, ErrorKindMalformedInput, events[0].Err.Kind)
	m.AssertNotCalled(t, "GenerateContent", mock.Anything, mock.Anything, mock.Anything)
}

func TestStreamCancelledContextClosesQuietly(t *testing.T) {
	m := new(MockLLMModel)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := NewLLMAgent("test", "mock", m, Config{})
	events := collect(t, a.Stream(ctx, Request{Query: "hi"}))
	assert.Empty(t, events)
	m.AssertNotCalled(t, "GenerateContent", mock.Anything, mock.Anything, mock.Anything)
}

func TestStreamStopsAtMaxIterations(t *testing.T) {
	m := new(MockLLMModel)
	m.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything).
		Return(toolCallResponse("c", "loop", `{}`), nil).Times(2)

	a := NewLLMAgent("test", "mock", m, Config{MaxIterations: 2})
	events := collect(t, a.Stream(context.Background(), Request{Query: "go", Tools: &stubTools{result: "ok"}}))

	assert.Len(t, events, 2)
	m.AssertNumberOfCalls(t, "GenerateContent", 2)
}

func TestResetConversation(t *testing.T) {
	m := new(MockLLMModel)
	var lengths []int
	m.On("GenerateContent", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			lengths = append(lengths, len(args.Get(1).([]llms.MessageContent)))
		}).
		Return(textResponse("ok"), nil)

	a := NewLLMAgent("test", "mock", m, Config{})
	collect(t, a.Stream(context.Background(), Request{SystemPrompt: "sys", Query: "one", ResetConversation: true}))
	collect(t, a.Stream(context.Background(), Request{SystemPrompt: "sys", Query: "two"}))
	collect(t, a.Stream(context.Background(), Request{SystemPrompt: "sys", Query: "three", ResetConversation: true}))

	// system+human, then +ai+human, then reset to system+human
	assert.Equal(t, []int{2, 4, 2}, lengths)
}

func TestIsToolCallChunk(t *testing.T) {
	tests := []struct {
		name  string
		chunk string
		want  bool
	}{
		{"Plain text", "Hello there", false},
		{"Tool call array", `[{"id":"1","function":{"name":"x"}}]`, true},
		{"Named array", `[{"name":"x"}]`, true},
		{"Number array", `[1,2]`, false},
		{"OpenAI delta", `{"choices":[{"tool_calls":[{"index":0}]}]}`, true},
		{"JSON answer", `{"city":"Madrid"}`, false},
		{"Broken JSON", `{"city":`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isToolCallChunk([]byte(tt.chunk)))
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := error(BackendError(cause))
	assert.True(t, errors.Is(err, cause))

	var agentErr *Error
	require.True(t, errors.As(err, &agentErr))
	assert.Equal(t, ErrorKindBackend, agentErr.Kind)
}
