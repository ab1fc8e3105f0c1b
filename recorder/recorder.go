// Package recorder keeps the ordered tool calls of the running test and the
// mock responses tools return instead of calling real services.
package recorder

import (
	"maps"
	"sync"
	"time"

	"github.com/mykhaliev/tool-conformance/model"
)

// Recorder is written by the engine and read by tool handlers. Reset must be
// called before every test so calls never carry over.
type Recorder struct {
	mu    sync.RWMutex
	calls []model.ToolCall
	mocks map[string]any
	now   func() time.Time
}

func New() *Recorder {
	return &Recorder{now: time.Now}
}

// NewWithClock is used by tests that need stable timestamps.
func NewWithClock(now func() time.Time) *Recorder {
	return &Recorder{now: now}
}

// Record appends call, assigning the next sequence index and a timestamp
// when none is set. It returns the stored call.
func (r *Recorder) Record(call model.ToolCall) model.ToolCall {
	r.mu.Lock()
	defer r.mu.Unlock()

	call.Sequence = len(r.calls)
	if call.Timestamp.IsZero() {
		call.Timestamp = r.now()
	}
	if call.Arguments == nil {
		call.Arguments = map[string]any{}
	}
	r.calls = append(r.calls, call)
	return call
}

// Calls returns a copy of the calls recorded since the last Reset.
func (r *Recorder) Calls() []model.ToolCall {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.ToolCall, len(r.calls))
	copy(out, r.calls)
	return out
}

func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}

// Reset drops every call and mock response.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = nil
	r.mocks = nil
}

func (r *Recorder) SetMockResponses(mocks map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.mocks = maps.Clone(mocks)
}

func (r *Recorder) MockResponseFor(toolName string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.mocks[toolName]
	return v, ok
}
