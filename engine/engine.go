// Package engine runs a catalog of tool-calling tests against a backend, one
// test at a time, and publishes every step as a result frame.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mykhaliev/tool-conformance/agent"
	"github.com/mykhaliev/tool-conformance/catalog"
	"github.com/mykhaliev/tool-conformance/logger"
	"github.com/mykhaliev/tool-conformance/model"
	"github.com/mykhaliev/tool-conformance/recorder"
	"github.com/mykhaliev/tool-conformance/registry"
	"github.com/mykhaliev/tool-conformance/report"
	"github.com/mykhaliev/tool-conformance/stream"
	"github.com/mykhaliev/tool-conformance/templates"
	"github.com/mykhaliev/tool-conformance/validator"
)

// ToolRegistry holds the tools offered to the model during one test.
type ToolRegistry interface {
	agent.ToolSet
	Reset(tools []registry.Tool) error
}

// RunSaver persists the summary of a finished run.
type RunSaver interface {
	Save(r report.RunReport) error
}

type Settings struct {
	// TestTimeout bounds a single test. Zero disables it.
	TestTimeout time.Duration
	// TestDelay is slept between tests.
	TestDelay time.Duration
	// SystemPrompt is used by tests that do not set their own.
	SystemPrompt string
	ThinkingTags []model.TagPair
}

type Dependencies struct {
	Catalog  catalog.Source
	Backend  agent.Backend
	Registry ToolRegistry
	Recorder *recorder.Recorder
	// Servers back declared tools that have no mock response.
	Servers      []ToolServer
	Settings     Settings
	TokenCounter stream.TokenCounter
	// Store is optional.
	Store RunSaver
	// TemplateContext is the base context for query and prompt rendering.
	TemplateContext map[string]string
	Clock           func() time.Time
}

type testOutcome int

const (
	testPassed testOutcome = iota
	testFailed
	testSkipped
	testFatal
	testCancelled
)

// run is one execution of the filtered catalog.
type run struct {
	id         string
	domain     model.Domain
	tests      []model.TestCaseDefinition
	bus        *frameBus
	cancel     context.CancelFunc
	done       chan struct{}
	startedAt  time.Time
	finishedAt time.Time
}

type Engine struct {
	deps Dependencies

	mu      sync.Mutex
	status  Status
	index   int
	outcome Outcome
	current *run
}

func New(deps Dependencies) (*Engine, error) {
	if deps.Catalog == nil {
		return nil, fmt.Errorf("engine requires a catalog source")
	}
	if deps.Backend == nil {
		return nil, fmt.Errorf("engine requires a backend")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("engine requires a tool registry")
	}
	if deps.Recorder == nil {
		return nil, fmt.Errorf("engine requires a tool call recorder")
	}
	if deps.TokenCounter == nil {
		deps.TokenCounter = stream.ApproxCounter{}
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Engine{deps: deps, status: StatusIdle}, nil
}

// Start loads the catalog, keeps the tests of domainFilter (all when nil) and
// runs them in a background goroutine. It returns ErrAlreadyRunning while a
// run is active.
func (e *Engine) Start(ctx context.Context, domainFilter *model.Domain) error {
	e.mu.Lock()
	err := e.startable()
	e.mu.Unlock()
	if err != nil {
		return err
	}

	// The catalog may be slow; load it without holding the lock.
	tests, err := e.deps.Catalog.GetTests(ctx)
	if err != nil {
		return fmt.Errorf("failed to load tests: %w", err)
	}
	tests = catalog.FilterByDomain(tests, domainFilter)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.startable(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{
		id:        uuid.New().String(),
		tests:     tests,
		bus:       newFrameBus(),
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: e.deps.Clock(),
	}
	if domainFilter != nil {
		r.domain = *domainFilter
	}

	e.current = r
	e.status = StatusRunning
	e.index = 0
	e.outcome = OutcomeNone

	logger.Logger.Info("Starting run",
		"run_id", r.id,
		"tests", len(tests),
		"domain", r.domain)

	go e.execute(runCtx, r)
	return nil
}

func (e *Engine) startable() error {
	if e.status == StatusRunning {
		return ErrAlreadyRunning
	}
	return validateTransition(e.status, StatusRunning)
}

// Cancel stops the active run. The test in flight gets no validation frame.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status != StatusRunning || e.current == nil {
		return
	}
	logger.Logger.Info("Cancel requested", "run_id", e.current.id, "index", e.index)
	e.current.cancel()
}

// Wait blocks until the current run finishes or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	e.mu.Lock()
	r := e.current
	e.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := State{Status: e.status, Index: e.index, LastOutcome: e.outcome}
	if e.current != nil {
		s.RunID = e.current.id
		s.Total = len(e.current.tests)
		s.Frames = e.current.bus.snapshot()
	}
	return s
}

func (e *Engine) Progress() Progress {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current == nil {
		return Progress{}
	}
	p := Progress{Total: len(e.current.tests), Cancellable: e.status == StatusRunning}
	if p.Total > 0 {
		p.Current = min(e.index+1, p.Total)
	}
	return p
}

// Subscribe streams the frames of the current run, or the last one when
// Idle, starting from its first frame. The channel closes when the run ends
// or ctx is done.
func (e *Engine) Subscribe(ctx context.Context) <-chan model.ResultFrame {
	e.mu.Lock()
	r := e.current
	e.mu.Unlock()

	if r == nil {
		out := make(chan model.ResultFrame)
		close(out)
		return out
	}
	return r.bus.subscribe(ctx)
}

// Summary folds the frames of the current or last run into a report.
func (e *Engine) Summary() report.RunReport {
	e.mu.Lock()
	r := e.current
	label := string(e.outcome)
	if e.status == StatusRunning {
		label = string(StatusRunning)
	}
	var finishedAt time.Time
	if r != nil {
		finishedAt = r.finishedAt
	}
	e.mu.Unlock()

	if r == nil {
		return report.Build(report.Input{})
	}
	return summarize(r, label, finishedAt)
}

func summarize(r *run, outcome string, finishedAt time.Time) report.RunReport {
	return report.Build(report.Input{
		RunID:      r.id,
		Outcome:    outcome,
		Domain:     r.domain,
		Tests:      r.tests,
		Frames:     r.bus.snapshot(),
		StartedAt:  r.startedAt,
		FinishedAt: finishedAt,
	})
}

func (e *Engine) execute(ctx context.Context, r *run) {
	defer close(r.done)
	defer r.cancel()

	outcome := OutcomeCompleted
	var passed, failed, skipped int

loop:
	for i, def := range r.tests {
		if ctx.Err() != nil {
			outcome = OutcomeCancelled
			break
		}
		if err := e.advance(i); err != nil {
			logger.Logger.Error("Cannot advance run", "run_id", r.id, "error", err)
			outcome = OutcomeFailed
			break
		}

		switch e.runTest(ctx, r, i, def) {
		case testPassed:
			passed++
		case testFailed:
			failed++
		case testSkipped:
			skipped++
		case testFatal:
			outcome = OutcomeFailed
			break loop
		case testCancelled:
			outcome = OutcomeCancelled
			break loop
		}

		if i < len(r.tests)-1 && e.deps.Settings.TestDelay > 0 {
			logger.Logger.Debug("Delaying next test", "delay", e.deps.Settings.TestDelay)
			if err := sleepCtx(ctx, e.deps.Settings.TestDelay); err != nil {
				outcome = OutcomeCancelled
				break
			}
		}
	}

	finishedAt := e.finish(r, outcome)

	switch outcome {
	case OutcomeCancelled:
		logger.Logger.Info("Run cancelled", "run_id", r.id, "passed", passed, "failed", failed, "skipped", skipped)
	case OutcomeFailed:
		logger.Logger.Error("Run aborted", "run_id", r.id, "passed", passed, "failed", failed, "skipped", skipped)
	default:
		logger.Logger.Info("Run finished", "run_id", r.id, "passed", passed, "failed", failed, "skipped", skipped)
	}

	if e.deps.Store != nil {
		if err := e.deps.Store.Save(summarize(r, string(outcome), finishedAt)); err != nil {
			logger.Logger.Warn("Failed to save run history", "run_id", r.id, "error", err)
		}
	}
}

func (e *Engine) advance(index int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := validateTransition(e.status, StatusRunning); err != nil {
		return err
	}
	e.index = index
	return nil
}

func (e *Engine) finish(r *run, outcome Outcome) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := validateTransition(e.status, StatusIdle); err != nil {
		logger.Logger.Error("Unexpected state at end of run", "run_id", r.id, "error", err)
	}
	e.status = StatusIdle
	e.outcome = outcome
	r.finishedAt = e.deps.Clock()
	r.bus.close()
	return r.finishedAt
}

func (e *Engine) emit(r *run, index int, testID string, f model.ResultFrame) {
	f.RunID = r.id
	f.TestIndex = index
	f.TestID = testID
	f.Timestamp = e.deps.Clock()
	r.bus.publish(f)
}

func (e *Engine) skip(r *run, index int, def model.TestCaseDefinition, err error) testOutcome {
	logger.Logger.Warn("Skipping malformed test", "test_id", def.ID, "index", index, "error", err)
	e.emit(r, index, def.ID, model.ResultFrame{
		Kind:    model.FrameSkipped,
		Skipped: &model.SkippedFrame{Reason: err.Error()},
	})
	return testSkipped
}

func (e *Engine) runTest(ctx context.Context, r *run, index int, def model.TestCaseDefinition) testOutcome {
	e.deps.Recorder.Reset()

	compiled, err := def.Compile()
	if err != nil {
		return e.skip(r, index, def, err)
	}
	tools, err := toolsFor(def, e.deps.Recorder, e.deps.Servers)
	if err != nil {
		return e.skip(r, index, def, err)
	}
	e.deps.Recorder.SetMockResponses(def.MockResponses)
	if err := e.deps.Registry.Reset(tools); err != nil {
		return e.skip(r, index, def, fmt.Errorf("test %s: %w", def.ID, err))
	}

	// Compile already rejected unparseable domains.
	domain, _ := def.EffectiveDomain()
	tctx := templates.Merge(e.deps.TemplateContext, nil)
	tctx[templates.KeyRunID] = r.id
	tctx[templates.KeyTestID] = def.ID
	tctx[templates.KeyTestName] = def.Name
	tctx[templates.KeyDomain] = string(domain)
	for k, v := range def.Context {
		tctx[k] = templates.RenderOrKeep(v, tctx)
	}
	query, err := templates.Render(def.Query, tctx)
	if err != nil {
		return e.skip(r, index, def, fmt.Errorf("test %s: query: %w", def.ID, err))
	}
	systemPrompt := def.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = e.deps.Settings.SystemPrompt
	}
	systemPrompt, err = templates.Render(systemPrompt, tctx)
	if err != nil {
		return e.skip(r, index, def, fmt.Errorf("test %s: system prompt: %w", def.ID, err))
	}

	e.emit(r, index, def.ID, model.ResultFrame{
		Kind: model.FrameDescription,
		Description: &model.DescriptionFrame{
			Name:         def.Name,
			Lines:        def.Description,
			Domain:       domain,
			SystemPrompt: systemPrompt,
		},
	})
	e.emit(r, index, def.ID, model.ResultFrame{Kind: model.FrameQuery, Query: &model.QueryFrame{Text: query}})

	logger.Logger.Info("Running test",
		"index", index+1,
		"total", len(r.tests),
		"test_id", def.ID,
		"name", def.Name,
		"tools", len(tools))

	var (
		testCtx    context.Context
		cancelTest context.CancelFunc
	)
	if timeout := e.deps.Settings.TestTimeout; timeout > 0 {
		testCtx, cancelTest = context.WithTimeout(ctx, timeout)
	} else {
		testCtx, cancelTest = context.WithCancel(ctx)
	}
	defer cancelTest()

	proc := stream.NewProcessor(def.ThinkingTagsEnabled(),
		stream.WithTags(e.deps.Settings.ThinkingTags...),
		stream.WithTokenCounter(e.deps.TokenCounter),
		stream.WithClock(e.deps.Clock))
	started := e.deps.Clock()

	events := e.deps.Backend.Stream(testCtx, agent.Request{
		SystemPrompt:      systemPrompt,
		Query:             query,
		Tools:             e.deps.Registry,
		ResetConversation: true,
	})

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if testCtx.Err() != nil {
					return e.interrupted(ctx, r, index, def, proc, started)
				}
				return e.validate(r, index, def, compiled, proc, started)
			}
			if res, done := e.handleEvent(r, index, def, proc, ev); done {
				return res
			}
			if ctx.Err() != nil {
				logger.Logger.Info("Test interrupted by cancel", "test_id", def.ID)
				return testCancelled
			}
		case <-testCtx.Done():
			return e.interrupted(ctx, r, index, def, proc, started)
		}
	}
}

// handleEvent applies one backend event. done is true when the event ends
// the test.
func (e *Engine) handleEvent(r *run, index int, def model.TestCaseDefinition, proc *stream.Processor, ev agent.Event) (testOutcome, bool) {
	switch ev.Kind {
	case agent.EventText:
		for _, f := range proc.Feed(ev.Text) {
			e.emit(r, index, def.ID, f)
		}
	case agent.EventToolCall:
		if ev.ToolCall == nil {
			return 0, false
		}
		call := e.deps.Recorder.Record(*ev.ToolCall)
		logger.Logger.Debug("Tool call recorded", "test_id", def.ID, "tool", call.Name, "sequence", call.Sequence)
		e.emit(r, index, def.ID, model.ResultFrame{Kind: model.FrameTool, Tool: &call})
	case agent.EventError:
		agentErr := ev.Err
		if agentErr == nil {
			agentErr = agent.BackendError(errors.New("backend reported an error without details"))
		}
		if agentErr.Kind == agent.ErrorKindMalformedInput {
			return e.skip(r, index, def, fmt.Errorf("test %s: %w", def.ID, agentErr)), true
		}
		logger.Logger.Error("Backend failed, aborting run", "test_id", def.ID, "error", agentErr)
		e.emit(r, index, def.ID, model.ResultFrame{
			Kind:  model.FrameError,
			Error: &model.ErrorFrame{Message: agentErr.Error(), Kind: string(agentErr.Kind)},
		})
		return testFatal, true
	}
	return 0, false
}

// interrupted handles a test whose context ended: a cancelled run gets no
// validation, an expired test timeout fails the test.
func (e *Engine) interrupted(ctx context.Context, r *run, index int, def model.TestCaseDefinition, proc *stream.Processor, started time.Time) testOutcome {
	if ctx.Err() != nil {
		logger.Logger.Info("Test interrupted by cancel", "test_id", def.ID)
		return testCancelled
	}
	frames, metrics := proc.Finish()
	for _, f := range frames {
		e.emit(r, index, def.ID, f)
	}
	result := model.Fail(fmt.Sprintf("test timed out after %s", e.deps.Settings.TestTimeout), "")
	return e.report(r, index, def, &model.ValidationFrame{
		ValidationResult: result,
		Duration:         e.deps.Clock().Sub(started),
		Text:             proc.Content(),
		Metrics:          metrics,
	})
}

func (e *Engine) validate(r *run, index int, def model.TestCaseDefinition, compiled model.CompiledTest, proc *stream.Processor, started time.Time) testOutcome {
	frames, metrics := proc.Finish()
	for _, f := range frames {
		e.emit(r, index, def.ID, f)
	}
	outcome := validator.EvaluateAll(compiled.Rules, proc.Content(), e.deps.Recorder.Calls())
	return e.report(r, index, def, &model.ValidationFrame{
		ValidationResult: outcome.ValidationResult,
		Rules:            outcome.Rules,
		Duration:         e.deps.Clock().Sub(started),
		Text:             proc.Content(),
		Metrics:          metrics,
	})
}

func (e *Engine) report(r *run, index int, def model.TestCaseDefinition, v *model.ValidationFrame) testOutcome {
	e.emit(r, index, def.ID, model.ResultFrame{Kind: model.FrameValidation, Validation: v})
	if v.Passed {
		logger.Logger.Info("Test PASSED",
			"test_id", def.ID,
			"duration", v.Duration,
			"tool_calls", e.deps.Recorder.Len())
		return testPassed
	}
	logger.Logger.Warn("Test FAILED",
		"test_id", def.ID,
		"duration", v.Duration,
		"message", v.Message,
		"detail", v.Detail)
	return testFailed
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
