package command

import (
	"fmt"
	"strings"
	"time"

	"github.com/artpar/conductor/internal/core/domain"
)

// Result is what the execution backend reports for one command.
type Result struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

// OK reports a zero exit code.
func (r Result) OK() bool {
	return r.ExitCode == 0
}

// transientMarkers are substrings the platform prints for conditions that
// clear up on their own.
var transientMarkers = []string{
	"binding",
	"not yet propagated",
	"rate limit",
	"429",
	"timed out",
	"timeout",
	"temporarily unavailable",
	"connection reset",
	"try again",
}

// Classify turns a non-zero result into a transient or fatal error.
func Classify(cmd Command, r Result) error {
	if r.OK() {
		return nil
	}
	detail := firstLine(r.Stderr)
	if detail == "" {
		detail = firstLine(r.Stdout)
	}

	text := strings.ToLower(r.Stderr + "\n" + r.Stdout)
	for _, m := range transientMarkers {
		if strings.Contains(text, m) {
			return fmt.Errorf("%w: %s exited %d: %s", domain.ErrTransient, cmd.Op, r.ExitCode, detail)
		}
	}
	return fmt.Errorf("%w: %s exited %d: %s", domain.ErrFatal, cmd.Op, r.ExitCode, detail)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
