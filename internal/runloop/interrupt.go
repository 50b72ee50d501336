package runloop

import (
	"context"
	"fmt"
	"strings"

	"github.com/RefoundAI/ralph-sub000/internal/dag"
)

// interruptSubflow implements spec.md §4.2 step 7: banner, multi-line
// feedback prompt (blank line terminates), optional task description
// append and log entry, claim release, an "interrupted" journal entry, and
// a continue/stop prompt. The returned bool reports whether the loop
// should continue (true) or the run should end with OutcomeInterrupted
// (false).
func (l *Loop) interruptSubflow(ctx context.Context, t *dag.Task, iteration int, model string) (bool, error) {
	l.printf("\n--- interrupted: %s (%s) ---\n", t.ID, t.Title)
	l.printf("Enter feedback, blank line to finish:\n")

	feedback := l.readFeedbackLines()
	if feedback != "" {
		t.Description += fmt.Sprintf("\n\n## User Guidance (iteration %d)\n%s\n", iteration, feedback)
		if err := l.store.UpdateTask(ctx, t); err != nil {
			return false, fmt.Errorf("runloop: append guidance to %q: %w", t.ID, err)
		}
		if _, err := l.store.AppendLog(ctx, t.ID, "user feedback: "+feedback); err != nil {
			return false, err
		}
	}

	if err := l.engine.Release(ctx, t.ID); err != nil {
		return false, err
	}
	if err := l.journal(ctx, t, iteration, "interrupted", model, 0, nil, feedback); err != nil {
		return false, err
	}
	l.interrupt.Clear()

	l.printf("Continue? [y/N] ")
	answer, ok := l.readLine()
	if !ok {
		return false, nil
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes", nil
}

func (l *Loop) readFeedbackLines() string {
	var lines []string
	for {
		line, ok := l.readLine()
		if !ok || line == "" {
			break
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (l *Loop) readLine() (string, bool) {
	if l.cfg.Feedback == nil {
		return "", false
	}
	return l.cfg.Feedback.ReadLine()
}

func (l *Loop) printf(format string, args ...any) {
	if l.cfg.Output == nil {
		return
	}
	l.cfg.Output.Printf(format, args...)
}
