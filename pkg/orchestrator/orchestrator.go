// Package orchestrator sequences test execution, parsing, triage,
// approval and persistence as an explicit finite state machine.
package orchestrator

import (
	"context"
	"path/filepath"

	"github.com/flakeguard/flakeguard/pkg/approval"
	"github.com/flakeguard/flakeguard/pkg/config"
	"github.com/flakeguard/flakeguard/pkg/junit"
	"github.com/flakeguard/flakeguard/pkg/memory"
	"github.com/flakeguard/flakeguard/pkg/runner"
	"github.com/flakeguard/flakeguard/pkg/triage"
	"github.com/sirupsen/logrus"
)

// State of the run loop.
type State string

const (
	StateInit             State = "init"
	StateExecuting        State = "executing"
	StateParsing          State = "parsing"
	StateClassifying      State = "classifying"
	StateAwaitingApproval State = "awaiting_approval"
	StateRetrying         State = "retrying"
	StateDone             State = "done"
	StatePersisting       State = "persisting"
	StateTerminal         State = "terminal"
)

// Route is the router's verdict for one attempt.
type Route string

const (
	RouteRetry Route = "retry"
	RouteEnd   Route = "end"
)

// RunContext is the strongly typed state carried across the run. It
// replaces the loosely typed state dictionary of graph-style
// orchestrators: stages mutate it only at their own boundaries.
type RunContext struct {
	Config *config.RunConfig

	// Attempt is the current attempt number, starting at 1 and
	// incremented by exactly one per retry.
	Attempt int

	// Last process outputs.
	ExitCode int
	Stdout   string
	Stderr   string

	// Results accumulates every parsed case across all attempts,
	// append-only. Summary covers only the current attempt's parse.
	Results []junit.TestCase
	Summary junit.Summary

	ClassifierSummary string
	MemoryNotes       []string

	// Errors collects non-test failures (missing cwd, missing
	// report, classifier or persistence trouble). None of them stop
	// the run.
	Errors []string
}

// Parser turns a report file into typed cases for one attempt.
type Parser interface {
	ParseFile(path string, attempt int) ([]junit.TestCase, junit.Summary, error)
}

// Classifier labels the current attempt's failed cases in place and
// returns the run-level summary text.
type Classifier interface {
	Classify(
		ctx context.Context,
		policy config.RetryPolicy,
		attempt int,
		results []junit.TestCase,
	) (string, error)
}

// HistoryStore is the slice of run memory used at persist time.
type HistoryStore interface {
	SaveRun(
		ctx context.Context,
		project string,
		summary junit.Summary,
		results []junit.TestCase,
		classifierSummary string,
	) (*memory.Run, error)
	FindRecurrences(ctx context.Context, name, message string, days int) (int64, error)
}

// Orchestrator owns one run's retry loop.
type Orchestrator struct {
	log        logrus.FieldLogger
	cfg        *config.RunConfig
	runner     runner.Runner
	parser     Parser
	classifier Classifier
	gate       approval.Gate
	store      HistoryStore
}

// New creates an orchestrator. classifier, gate and store may be nil;
// the corresponding stages then degrade to no-ops.
func New(
	log logrus.FieldLogger,
	cfg *config.RunConfig,
	run runner.Runner,
	parser Parser,
	classifier Classifier,
	gate approval.Gate,
	store HistoryStore,
) *Orchestrator {
	return &Orchestrator{
		log:        log.WithField("component", "orchestrator"),
		cfg:        cfg,
		runner:     run,
		parser:     parser,
		classifier: classifier,
		gate:       gate,
		store:      store,
	}
}

// Run executes the state machine to completion and returns the final
// run context. It never returns an error: every failure mode degrades
// to a reduced-functionality continuation recorded in rc.Errors.
func (o *Orchestrator) Run(ctx context.Context) *RunContext {
	rc := &RunContext{
		Config:  o.cfg,
		Attempt: 1,
	}

	state := StateInit
	prompted := false

	for state != StateTerminal {
		o.log.WithFields(logrus.Fields{
			"state":   state,
			"attempt": rc.Attempt,
		}).Debug("State transition")

		switch state {
		case StateInit:
			o.cfg.ApplyDefaults()

			state = StateExecuting

		case StateExecuting:
			res := o.runner.Run(ctx, o.cfg.WorkingDir, o.cfg.Command, o.cfg.Env)
			rc.ExitCode = res.ExitCode
			rc.Stdout = res.Stdout
			rc.Stderr = res.Stderr

			if res.Err != "" {
				rc.Errors = append(rc.Errors, "[execute] "+res.Err)
			}

			state = StateParsing

		case StateParsing:
			path := filepath.Join(o.cfg.WorkingDir, o.cfg.JUnitPath)

			cases, summary, err := o.parser.ParseFile(path, rc.Attempt)
			if err != nil {
				// Proceed with an empty attempt summary.
				rc.Errors = append(rc.Errors, "[parse] "+err.Error())
				rc.Summary = junit.Summary{}
			} else {
				rc.Results = append(rc.Results, cases...)
				rc.Summary = summary
			}

			state = StateClassifying

		case StateClassifying:
			if o.classifier != nil && rc.Summary.Failed > 0 {
				summary, err := o.classifier.Classify(
					ctx, o.cfg.Policy, rc.Attempt, rc.Results,
				)

				switch {
				case err != nil:
					rc.Errors = append(rc.Errors, "[classify] "+err.Error())
				case summary != "":
					rc.ClassifierSummary = summary
				}
			}

			state = StateAwaitingApproval

		case StateAwaitingApproval:
			if !prompted && o.shouldPrompt(rc) {
				if approved, answered := o.gate.Prompt(ctx); answered {
					*o.cfg.Approved = approved
				}

				prompted = true
			}

			if o.route(rc) == RouteRetry {
				state = StateRetrying
			} else {
				state = StateDone
			}

		case StateRetrying:
			rc.Attempt++

			o.log.WithField("attempt", rc.Attempt).Info("Retrying test run")

			state = StateExecuting

		case StateDone:
			state = StatePersisting

		case StatePersisting:
			o.persist(ctx, rc)

			state = StateTerminal
		}
	}

	o.log.WithFields(logrus.Fields{
		"attempts": rc.Attempt,
		"failed":   rc.Summary.Failed,
		"errors":   len(rc.Errors),
	}).Info("Run finished")

	return rc
}

// shouldPrompt gates the approval prompt: only when the current
// attempt has failures, the policy permits retrying, and attempts
// remain to be spent.
func (o *Orchestrator) shouldPrompt(rc *RunContext) bool {
	if o.gate == nil {
		return false
	}

	if rc.Summary.Failed == 0 {
		return false
	}

	if o.cfg.Policy == config.PolicyNone {
		return false
	}

	return rc.Attempt < o.cfg.MaxAttempts
}

// route is evaluated once per attempt, after classification and
// approval.
func (o *Orchestrator) route(rc *RunContext) Route {
	if rc.Summary.Failed == 0 {
		return RouteEnd
	}

	if o.cfg.Policy == config.PolicyNone {
		return RouteEnd
	}

	if o.cfg.Approved != nil && !*o.cfg.Approved {
		return RouteEnd
	}

	if rc.Attempt >= o.cfg.MaxAttempts {
		return RouteEnd
	}

	if o.cfg.Policy == config.PolicyAlways {
		return RouteRetry
	}

	var failedNow []junit.TestCase

	for _, tc := range rc.Results {
		if tc.Attempt == rc.Attempt && tc.Status == junit.StatusFailed {
			failedNow = append(failedNow, tc)
		}
	}

	// External labels, when present for this attempt, take precedence
	// over the rule-based verdict in both directions.
	hasLabels := false

	for _, tc := range failedNow {
		if tc.Label != "" {
			hasLabels = true

			if tc.Label == junit.LabelTransient {
				return RouteRetry
			}
		}
	}

	if hasLabels {
		return RouteEnd
	}

	for _, tc := range failedNow {
		if triage.RetryEligible(tc) {
			return RouteRetry
		}
	}

	return RouteEnd
}

// persist writes the run to memory exactly once, after the retry loop
// has exited, and annotates failures with recurrence notes. A save
// error is recorded and the notes omitted; the in-memory result is
// still returned to the caller.
func (o *Orchestrator) persist(ctx context.Context, rc *RunContext) {
	if o.store == nil {
		return
	}

	run, err := o.store.SaveRun(
		ctx, o.cfg.Project, rc.Summary, rc.Results, rc.ClassifierSummary,
	)
	if err != nil {
		rc.Errors = append(rc.Errors, "[persist] "+err.Error())

		return
	}

	rc.MemoryNotes = memory.RecurrenceNotes(ctx, o.store, rc.Results)

	o.log.WithFields(logrus.Fields{
		"run":   run.UID,
		"notes": len(rc.MemoryNotes),
	}).Debug("Run history saved")
}

// FinalExitCode mirrors the suite outcome after retries: zero when
// the final attempt had no failures.
func (rc *RunContext) FinalExitCode() int {
	if rc.Summary.Failed == 0 {
		return 0
	}

	return 1
}
