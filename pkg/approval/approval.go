// Package approval implements the human-in-the-loop retry checkpoint.
package approval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// Gate asks a human whether a retry may be spent.
type Gate interface {
	// Prompt asks once for an approve/deny signal. answered reports
	// whether a signal was obtained; when false the caller keeps its
	// existing approved value.
	Prompt(ctx context.Context) (approved, answered bool)
}

// terminalGate prompts on an interactive terminal and leaves the
// decision untouched in non-interactive contexts (CI).
type terminalGate struct {
	log         logrus.FieldLogger
	in          io.Reader
	out         io.Writer
	interactive func() bool
}

// Ensure interface compliance.
var _ Gate = (*terminalGate)(nil)

// NewTerminalGate creates a gate reading from stdin.
func NewTerminalGate(log logrus.FieldLogger) Gate {
	return &terminalGate{
		log: log.WithField("component", "approval"),
		in:  os.Stdin,
		out: os.Stdout,
		interactive: func() bool {
			return term.IsTerminal(int(os.Stdin.Fd()))
		},
	}
}

// Prompt asks for an explicit approve/deny answer. Anything else,
// including EOF, counts as no signal.
func (g *terminalGate) Prompt(_ context.Context) (bool, bool) {
	if !g.interactive() {
		g.log.Debug("Non-interactive context, keeping existing approval")

		return false, false
	}

	fmt.Fprint(g.out, "Approve retry if failures > 0? (approve/deny) [approve]: ")

	line, err := bufio.NewReader(g.in).ReadString('\n')
	if err != nil && line == "" {
		return false, false
	}

	switch strings.ToLower(strings.TrimSpace(line)) {
	case "approve":
		return true, true
	case "deny":
		return false, true
	default:
		return false, false
	}
}

// StaticGate always answers with a fixed decision. Used when the
// decision comes from configuration rather than a prompt.
type StaticGate struct {
	Approved bool
}

// Ensure interface compliance.
var _ Gate = StaticGate{}

// Prompt returns the fixed decision.
func (g StaticGate) Prompt(_ context.Context) (bool, bool) {
	return g.Approved, true
}
