package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/life4/genesis/slices"
	"github.com/mykhaliev/tool-conformance/agent"
	"github.com/mykhaliev/tool-conformance/catalog"
	"github.com/mykhaliev/tool-conformance/engine"
	"github.com/mykhaliev/tool-conformance/logger"
	"github.com/mykhaliev/tool-conformance/model"
	"github.com/mykhaliev/tool-conformance/recorder"
	"github.com/mykhaliev/tool-conformance/registry"
	"github.com/mykhaliev/tool-conformance/report"
	"github.com/mykhaliev/tool-conformance/runstore"
	"github.com/mykhaliev/tool-conformance/server"
	"github.com/mykhaliev/tool-conformance/stream"
	"github.com/mykhaliev/tool-conformance/templates"
	"github.com/mykhaliev/tool-conformance/version"
)

const (
	AppName          = "tool-conformance"
	DefaultHistoryDB = "conformance-history.db"
	previewLength    = 120
)

type options struct {
	configPath string
	domain     string
	outputPath string
	verbose    bool
	history    bool
	logWriter  io.Writer
}

func main() {
	configPath := flag.String("f", "", "Path to the run configuration file (YAML)")
	domain := flag.String("domain", "", "Only run tests of this domain (GENERIC or DOMAIN_SPECIFIC)")
	outputPath := flag.String("o", "", "Path to the report file (.json or .md)")
	logPath := flag.String("l", "", "Path to the log file (if not set, logs to stdout)")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	showVersion := flag.Bool("v", false, "Show version and exit")
	history := flag.Bool("history", false, "List stored runs and exit")

	flag.Parse()

	fmt.Printf("Version: %s\nCommit: %s\nBuildDate: %s\n",
		version.Version, version.Commit, version.BuildDate)
	if *showVersion {
		return
	}

	logWriter, logFile, err := logger.SetupLogWriter(*logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to setup logging: %v\n", err)
		os.Exit(1)
	}
	logger.SetupLogger(logWriter, *verbose)

	if *configPath == "" {
		fmt.Fprintf(os.Stderr, "Error: -f <config-file> is required\n\n")
		flag.Usage()
		os.Exit(1)
	}
	if *outputPath != "" {
		if err := report.ValidateOutputPath(*outputPath); err != nil {
			logger.Logger.Error("Invalid report path", "error", err)
			os.Exit(1)
		}
	}

	logger.Logger.Info("Starting application",
		"app", AppName,
		"config", *configPath,
		"domain", *domain,
		"output", *outputPath,
		"logfile", *logPath,
		"verbose", *verbose)

	code := run(options{
		configPath: *configPath,
		domain:     *domain,
		outputPath: *outputPath,
		verbose:    *verbose,
		history:    *history,
		logWriter:  logWriter,
	})
	if logFile != nil {
		logFile.Close()
	}
	os.Exit(code)
}

func run(opts options) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := engine.LoadRunConfig(opts.configPath)
	if err != nil {
		logger.Logger.Error("Failed to load configuration", "error", err)
		return 1
	}
	if cfg.Settings.Verbose && !opts.verbose {
		logger.SetupLogger(opts.logWriter, true)
	}

	templateCtx := templates.StaticContext("", opts.configPath, cfg.Variables)
	engine.RenderConfig(cfg, templateCtx)

	historyPath := cfg.Settings.HistoryDB
	if opts.history {
		if historyPath == "" {
			historyPath = DefaultHistoryDB
		}
		return listHistory(historyPath)
	}

	if err := engine.ValidateRunConfig(cfg); err != nil {
		logger.Logger.Error("Invalid configuration", "error", err)
		return 1
	}

	var domainFilter *model.Domain
	if opts.domain != "" {
		d, err := model.ParseDomain(opts.domain)
		if err != nil {
			logger.Logger.Error("Invalid domain filter", "error", err)
			return 1
		}
		domainFilter = &d
	}

	logger.Logger.Info("Configuration loaded",
		"providers", len(cfg.Providers),
		"servers", len(cfg.Servers),
		"catalogs", len(cfg.Catalogs))

	providerCfg, err := agent.FindProvider(cfg.Providers, cfg.Agent.Provider)
	if err != nil {
		logger.Logger.Error("Agent provider not found", "error", err)
		return 1
	}
	llm, err := agent.CreateProvider(ctx, providerCfg)
	if err != nil {
		logger.Logger.Error("Failed to initialize provider", "provider", providerCfg.Name, "error", err)
		return 1
	}
	backend := agent.NewLLMAgent(AppName, providerCfg.Name, llm, engine.AgentConfig(cfg))

	reg, err := registry.New(ctx)
	if err != nil {
		logger.Logger.Error("Failed to start tool registry", "error", err)
		return 1
	}
	defer reg.Close()

	servers, err := server.ConnectAll(ctx, cfg.Servers)
	if err != nil {
		logger.Logger.Error("Failed to initialize servers", "error", err)
		return 1
	}
	defer server.CloseAll(servers)

	deps := engine.Dependencies{
		Catalog:         catalog.NewFileSource(cfg.Catalogs...),
		Backend:         backend,
		Registry:        reg,
		Recorder:        recorder.New(),
		Servers:         slices.Map(servers, func(s *server.ToolServer) engine.ToolServer { return s }),
		Settings:        engine.NewSettings(cfg),
		TokenCounter:    stream.NewTokenCounter(cfg.Settings.Tokenizer),
		TemplateContext: templateCtx,
	}

	var store *runstore.Store
	if historyPath != "" {
		store, err = runstore.Open(historyPath)
		if err != nil {
			logger.Logger.Error("Failed to open run history", "path", historyPath, "error", err)
			return 1
		}
		defer store.Close()
		deps.Store = store
	}

	eng, err := engine.New(deps)
	if err != nil {
		logger.Logger.Error("Failed to create engine", "error", err)
		return 1
	}
	if err := eng.Start(ctx, domainFilter); err != nil {
		logger.Logger.Error("Failed to start run", "error", err)
		return 1
	}

	for f := range eng.Subscribe(context.Background()) {
		printFrame(os.Stdout, f)
	}
	if err := eng.Wait(context.Background()); err != nil {
		logger.Logger.Error("Run did not finish", "error", err)
		return 1
	}

	summary := eng.Summary()
	report.PrintSummary(os.Stdout, summary)

	if opts.outputPath != "" {
		if err := report.Save(summary, opts.outputPath); err != nil {
			logger.Logger.Error("Failed to generate report", "error", err)
			return 1
		}
	}

	if store != nil {
		compareWithPrevious(store, summary)
	}

	if summary.Outcome != string(engine.OutcomeCompleted) || summary.HasFailures() {
		logger.Logger.Warn("Run completed with failures", "outcome", summary.Outcome)
		return 1
	}
	logger.Logger.Info("All tests passed successfully")
	return 0
}

// printFrame writes a one-line console trace of f. Thinking and content
// segments are shown through the validation frame that closes the test.
func printFrame(w io.Writer, f model.ResultFrame) {
	switch f.Kind {
	case model.FrameDescription:
		fmt.Fprintf(w, "\n[%d] %s (%s)\n", f.TestIndex+1, f.Description.Name, f.TestID)
		for _, line := range f.Description.Lines {
			fmt.Fprintf(w, "    %s\n", line)
		}
	case model.FrameQuery:
		fmt.Fprintf(w, "  > %s\n", preview(f.Query.Text))
	case model.FrameTool:
		status := "ok"
		if f.Tool.Error != "" {
			status = "error: " + f.Tool.Error
		}
		fmt.Fprintf(w, "  * %s %v (%s)\n", f.Tool.Name, f.Tool.Arguments, status)
	case model.FrameValidation:
		v := f.Validation
		mark := "✅ PASS"
		if !v.Passed {
			mark = "❌ FAIL"
		}
		fmt.Fprintf(w, "  < %s\n", preview(v.Text))
		fmt.Fprintf(w, "  %s %s [%.2fs, %.1f tok/s]\n", mark, v.Message, v.Duration.Seconds(), v.Metrics.TokensPerSecond)
		if v.Detail != "" {
			fmt.Fprintf(w, "    %s\n", strings.ReplaceAll(v.Detail, "\n", "\n    "))
		}
	case model.FrameSkipped:
		fmt.Fprintf(w, "  ⏭️ SKIP %s\n", f.Skipped.Reason)
	case model.FrameError:
		fmt.Fprintf(w, "  ERROR %s\n", f.Error.Message)
	}
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len([]rune(s)) <= previewLength {
		return s
	}
	return string([]rune(s)[:previewLength]) + "..."
}

func listHistory(path string) int {
	store, err := runstore.Open(path)
	if err != nil {
		logger.Logger.Error("Failed to open run history", "path", path, "error", err)
		return 1
	}
	defer store.Close()

	runs, err := store.List()
	if err != nil {
		logger.Logger.Error("Failed to read run history", "error", err)
		return 1
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded")
		return 0
	}
	fmt.Printf("%-36s  %-20s  %-10s  %6s  %6s  %6s  %6s\n", "RUN", "STARTED", "OUTCOME", "TOTAL", "PASS", "FAIL", "SKIP")
	for _, r := range runs {
		fmt.Printf("%-36s  %-20s  %-10s  %6d  %6d  %6d  %6d\n",
			r.RunID, r.StartedAt.Format(logger.TimeFormat), r.Outcome,
			r.Summary.Total, r.Summary.Passed, r.Summary.Failed, r.Summary.Skipped)
	}
	return 0
}

func compareWithPrevious(store *runstore.Store, current report.RunReport) {
	prev, ok, err := store.Previous(current)
	if err != nil {
		logger.Logger.Warn("Failed to read previous run", "error", err)
		return
	}
	if !ok {
		return
	}
	logger.Logger.Info("Compared with previous run",
		"previous_run", prev.RunID,
		"previous_pass_rate", fmt.Sprintf("%.1f%%", prev.Summary.PassRate),
		"pass_rate", fmt.Sprintf("%.1f%%", current.Summary.PassRate),
		"passed_delta", current.Summary.Passed-prev.Summary.Passed)
}
