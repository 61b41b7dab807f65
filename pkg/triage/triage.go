// Package triage classifies failed test cases as transient or real.
//
// Classification is two-tier: an external chat collaborator labels the
// current attempt's failures when configured and parseable, and a
// rule-based tier covers everything else. External failures always
// degrade to the rule tier, never to the caller.
package triage

import (
	"context"
	"strings"

	"github.com/flakeguard/flakeguard/pkg/config"
	"github.com/flakeguard/flakeguard/pkg/junit"
	"github.com/sirupsen/logrus"
)

// flakyMarker tags known-flaky tests directly in the test name.
const flakyMarker = "@flaky"

// transientSignals are message/detail substrings that mark a failure
// as retry-eligible. Matching is case-insensitive, first match wins.
var transientSignals = []string{
	"not visible",
	"timeout",
	"timed out",
	"network",
	"navigation",
	"to be visible",
}

// RetryEligible reports whether a failed case qualifies for retry
// under the rule-based tier.
func RetryEligible(tc junit.TestCase) bool {
	if strings.Contains(strings.ToLower(tc.Name), flakyMarker) {
		return true
	}

	msg := strings.ToLower(tc.Message)
	details := strings.ToLower(tc.Details)

	for _, sig := range transientSignals {
		if strings.Contains(msg, sig) || strings.Contains(details, sig) {
			return true
		}
	}

	return false
}

// Classifier labels the failed cases of an attempt.
type Classifier struct {
	log  logrus.FieldLogger
	chat ChatClient
}

// NewClassifier creates a classifier. chat may be nil, in which case
// only the rule-based tier applies.
func NewClassifier(log logrus.FieldLogger, chat ChatClient) *Classifier {
	return &Classifier{
		log:  log.WithField("component", "triage"),
		chat: chat,
	}
}

// Classify submits the current attempt's failed cases to the external
// collaborator and merges the returned labels back onto them by exact
// name match, mutating results in place. Earlier attempts are never
// touched. It returns the run-level summary text; any error leaves
// the affected cases unlabeled for the rule tier to pick up.
func (c *Classifier) Classify(
	ctx context.Context,
	policy config.RetryPolicy,
	attempt int,
	results []junit.TestCase,
) (string, error) {
	var failed []int

	for i := range results {
		if results[i].Attempt == attempt && results[i].Status == junit.StatusFailed {
			failed = append(failed, i)
		}
	}

	if len(failed) == 0 || c.chat == nil {
		return "", nil
	}

	summary, labels, err := c.requestLabels(ctx, policy, attempt, results, failed)
	if err != nil {
		return "", err
	}

	var matched int

	for _, i := range failed {
		lbl, ok := labels[results[i].Name]
		if !ok {
			continue
		}

		results[i].Label = lbl.Label
		results[i].LabelReason = lbl.Reason
		matched++
	}

	c.log.WithFields(logrus.Fields{
		"attempt": attempt,
		"failed":  len(failed),
		"labeled": matched,
	}).Debug("Classified failures")

	return summary, nil
}
