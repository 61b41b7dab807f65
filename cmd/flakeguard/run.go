package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/flakeguard/flakeguard/pkg/approval"
	"github.com/flakeguard/flakeguard/pkg/config"
	"github.com/flakeguard/flakeguard/pkg/junit"
	"github.com/flakeguard/flakeguard/pkg/memory"
	"github.com/flakeguard/flakeguard/pkg/orchestrator"
	"github.com/flakeguard/flakeguard/pkg/runner"
	"github.com/flakeguard/flakeguard/pkg/triage"
	"github.com/flakeguard/flakeguard/pkg/upload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	runCwd        string
	runJUnit      string
	runProject    string
	runMaxRetries int
	runPolicy     string
	runRetryScope string
	runEnv        []string
	runTimeout    time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the test suite with retry orchestration",
	Long: `Execute the configured test command, parse its JUnit report, triage
failures, and retry transient ones up to the attempt budget. The run
is persisted to the history store and a consolidated report is
written on completion.`,
	RunE: runTests,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runCwd, "cwd", "",
		"working directory of the test project")
	runCmd.Flags().StringVar(&runJUnit, "junit", "",
		"relative path to the JUnit XML report inside --cwd")
	runCmd.Flags().StringVar(&runProject, "project", "",
		"project tag for history and reports")
	runCmd.Flags().IntVar(&runMaxRetries, "max-retries", 0,
		"max attempts including the first run")
	runCmd.Flags().StringVar(&runPolicy, "policy", "",
		"retry policy (always, flaky_only, none)")
	runCmd.Flags().StringVar(&runRetryScope, "retry-scope", "",
		"what to rerun on retry (full, failed_only)")
	runCmd.Flags().StringArrayVar(&runEnv, "env", nil,
		"extra env var as KEY=VALUE (can be repeated)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0,
		"per-attempt command timeout (0 disables the bound)")
}

func runTests(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := applyRunFlags(cmd, cfg); err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	// Setup context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	}()

	run := runner.NewRunner(log, &runner.Config{
		Timeout: cfg.Run.Timeout,
	})
	parser := junit.NewParser(log)

	var classifier orchestrator.Classifier

	chat, err := triage.NewChatClient(&cfg.Classifier)
	if err != nil {
		return fmt.Errorf("creating chat client: %w", err)
	}

	if chat != nil {
		classifier = triage.NewClassifier(log, chat)
	}

	gate := approval.NewTerminalGate(log)

	// The run continues without history when the store cannot start;
	// the failure is surfaced in the report's error list.
	var (
		store    orchestrator.HistoryStore
		preError string
	)

	memStore := memory.NewStore(log, &cfg.Memory)
	if err := memStore.Start(ctx); err != nil {
		log.WithError(err).Warn("Run memory unavailable, continuing without history")

		preError = "[memory] " + err.Error()
	} else {
		store = memStore

		defer func() {
			if err := memStore.Stop(); err != nil {
				log.WithError(err).Warn("Failed to close run memory")
			}
		}()
	}

	orch := orchestrator.New(log, &cfg.Run, run, parser, classifier, gate, store)

	rc := orch.Run(ctx)

	if preError != "" {
		rc.Errors = append(rc.Errors, preError)
	}

	reportPath, err := writeReportFile(cfg, rc)
	if err != nil {
		log.WithError(err).Warn("Failed to write consolidated report")
	} else {
		log.WithField("path", reportPath).Info("Consolidated report written")

		if err := maybeUploadReport(ctx, cfg, reportPath); err != nil {
			log.WithError(err).Warn("Failed to upload report")
		}
	}

	logRunOutcome(rc)

	exitCode = rc.FinalExitCode()

	return nil
}

// applyRunFlags overlays explicitly set CLI flags onto the run
// configuration. Flags win over config file values.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()

	if flags.Changed("cwd") {
		cfg.Run.WorkingDir = runCwd
	}

	if flags.Changed("junit") {
		cfg.Run.JUnitPath = runJUnit
	}

	if flags.Changed("project") {
		cfg.Run.Project = runProject
	}

	if flags.Changed("max-retries") {
		cfg.Run.MaxAttempts = runMaxRetries
	}

	if flags.Changed("policy") {
		cfg.Run.Policy = config.RetryPolicy(runPolicy)
	}

	if flags.Changed("retry-scope") {
		cfg.Run.RetryScope = config.RetryScope(runRetryScope)
	}

	if flags.Changed("timeout") {
		cfg.Run.Timeout = runTimeout
	}

	for _, entry := range runEnv {
		k, v, ok := strings.Cut(entry, "=")
		if !ok || k == "" {
			return fmt.Errorf("invalid env entry %q: must be KEY=VALUE", entry)
		}

		if cfg.Run.Env == nil {
			cfg.Run.Env = make(map[string]string, len(runEnv))
		}

		cfg.Run.Env[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}

	return nil
}

// maybeUploadReport pushes the report directory when upload is
// configured and enabled.
func maybeUploadReport(ctx context.Context, cfg *config.Config, reportPath string) error {
	if cfg.Report.Upload == nil || !cfg.Report.Upload.Enabled {
		return nil
	}

	uploader, err := upload.NewS3Uploader(log, cfg.Report.Upload)
	if err != nil {
		return fmt.Errorf("creating uploader: %w", err)
	}

	dir := reportDir(cfg)

	return uploader.Upload(ctx, dir)
}

func logRunOutcome(rc *orchestrator.RunContext) {
	log.WithFields(logrus.Fields{
		"total":   rc.Summary.Total,
		"passed":  rc.Summary.Passed,
		"failed":  rc.Summary.Failed,
		"skipped": rc.Summary.Skipped,
	}).Info("Final summary")

	if rc.ClassifierSummary != "" {
		log.WithField("summary", rc.ClassifierSummary).Info("Classifier summary")
	}

	for _, note := range rc.MemoryNotes {
		log.WithField("note", note).Info("Memory insight")
	}

	for _, e := range rc.Errors {
		log.WithField("error", e).Warn("Run error")
	}
}
