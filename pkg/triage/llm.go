package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flakeguard/flakeguard/pkg/config"
	"github.com/flakeguard/flakeguard/pkg/junit"
)

// ChatMessage is one role/content pair sent to the chat collaborator.
type ChatMessage struct {
	Role    string
	Content string
}

// ChatClient is the external text-completion collaborator. Any error
// or unparsable output is treated as "no labels available".
type ChatClient interface {
	Chat(ctx context.Context, messages []ChatMessage) (string, error)
}

const systemPrompt = "You are a UI test failure triage assistant. " +
	"Classify failures as transient (environmental flakiness, safe to retry) " +
	"or real (an actual defect). Respond with strict JSON only."

// promptPayload is the compact JSON document describing the attempt's
// failures for the collaborator.
type promptPayload struct {
	Attempt     int            `json:"attempt"`
	Policy      string         `json:"policy"`
	FailedCases []promptCase   `json:"failed_cases"`
	Task        string         `json:"task"`
	Format      responseFormat `json:"format"`
}

type promptCase struct {
	Name    string `json:"name"`
	Suite   string `json:"suite"`
	Message string `json:"message"`
	Details string `json:"details"`
}

type responseFormat struct {
	Summary string        `json:"summary"`
	Labels  []labelFormat `json:"labels"`
}

type labelFormat struct {
	Name   string `json:"name"`
	Label  string `json:"label"`
	Reason string `json:"reason"`
}

// caseLabel is one merged label for a failed case.
type caseLabel struct {
	Label  string
	Reason string
}

// requestLabels performs the collaborator round-trip for the given
// failed case indices and returns the run summary plus labels keyed
// by exact case name.
func (c *Classifier) requestLabels(
	ctx context.Context,
	policy config.RetryPolicy,
	attempt int,
	results []junit.TestCase,
	failed []int,
) (string, map[string]caseLabel, error) {
	payload := promptPayload{
		Attempt: attempt,
		Policy:  string(policy),
		Task: "Summarize failures (2-3 lines) and label each case as " +
			"'transient' or 'real' with a brief reason. Return JSON.",
		Format: responseFormat{
			Summary: "string",
			Labels:  []labelFormat{{Name: "string", Label: "transient|real", Reason: "string"}},
		},
	}

	for _, i := range failed {
		payload.FailedCases = append(payload.FailedCases, promptCase{
			Name:    results[i].Name,
			Suite:   results[i].Suite,
			Message: results[i].Message,
			Details: results[i].Details,
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("encoding triage payload: %w", err)
	}

	raw, err := c.chat.Chat(ctx, []ChatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: string(body)},
	})
	if err != nil {
		return "", nil, fmt.Errorf("chat completion: %w", err)
	}

	var decoded struct {
		Summary string `json:"summary"`
		Labels  []struct {
			Name   string `json:"name"`
			Label  string `json:"label"`
			Reason string `json:"reason"`
		} `json:"labels"`
	}

	if err := json.Unmarshal([]byte(stripFences(raw)), &decoded); err != nil {
		return "", nil, fmt.Errorf("parsing triage response: %w", err)
	}

	labels := make(map[string]caseLabel, len(decoded.Labels))

	for _, l := range decoded.Labels {
		name := l.Name
		label := strings.ToLower(strings.TrimSpace(l.Label))

		if name == "" || label == "" {
			continue
		}

		labels[name] = caseLabel{
			Label:  label,
			Reason: strings.TrimSpace(l.Reason),
		}
	}

	return decoded.Summary, labels, nil
}

// stripFences removes a surrounding markdown code fence, which chat
// models emit despite instructions to return bare JSON.
func stripFences(s string) string {
	s = strings.TrimSpace(s)

	if !strings.HasPrefix(s, "```") {
		return s
	}

	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")

	return strings.TrimSpace(s)
}
