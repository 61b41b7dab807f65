package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/flakeguard/flakeguard/pkg/config"
	"github.com/flakeguard/flakeguard/pkg/junit"
	"github.com/flakeguard/flakeguard/pkg/orchestrator"
	"github.com/flakeguard/flakeguard/pkg/sysinfo"
)

// reportFileName is the consolidated report written after every run.
const reportFileName = "execution_report.json"

// report is the consolidated run report persisted to disk and, when
// configured, uploaded to object storage.
type report struct {
	Project           string           `json:"project"`
	WorkingDir        string           `json:"cwd"`
	JUnitPath         string           `json:"junit_path"`
	Policy            string           `json:"policy"`
	RetryScope        string           `json:"retry_scope"`
	MaxAttempts       int              `json:"max_attempts"`
	Attempts          int              `json:"attempts"`
	Summary           junit.Summary    `json:"summary"`
	Results           []junit.TestCase `json:"results"`
	ClassifierSummary string           `json:"classifier_summary,omitempty"`
	MemoryNotes       []string         `json:"memory_notes,omitempty"`
	Errors            []string         `json:"errors,omitempty"`
	System            sysinfo.Snapshot `json:"system"`
	ExitCode          int              `json:"exit_code"`
	GeneratedAt       time.Time        `json:"generated_at"`
}

// reportDir returns the per-project directory holding report output.
func reportDir(cfg *config.Config) string {
	return filepath.Join(cfg.Report.OutputDir, cfg.Run.Project)
}

// writeReportFile renders the consolidated report and writes it under
// the configured output directory. It returns the written path.
func writeReportFile(cfg *config.Config, rc *orchestrator.RunContext) (string, error) {
	rep := report{
		Project:           cfg.Run.Project,
		WorkingDir:        cfg.Run.WorkingDir,
		JUnitPath:         cfg.Run.JUnitPath,
		Policy:            string(cfg.Run.Policy),
		RetryScope:        string(cfg.Run.RetryScope),
		MaxAttempts:       cfg.Run.MaxAttempts,
		Attempts:          rc.Attempt,
		Summary:           rc.Summary,
		Results:           rc.Results,
		ClassifierSummary: rc.ClassifierSummary,
		MemoryNotes:       rc.MemoryNotes,
		Errors:            rc.Errors,
		System:            sysinfo.Collect(),
		ExitCode:          rc.FinalExitCode(),
		GeneratedAt:       time.Now().UTC(),
	}

	dir := reportDir(cfg)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating report directory: %w", err)
	}

	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling report: %w", err)
	}

	path := filepath.Join(dir, reportFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing report: %w", err)
	}

	return path, nil
}
