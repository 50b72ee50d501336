package runloop

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/RefoundAI/ralph-sub000/internal/dag"
)

const staticInstructions = `
---
You are operating under an autonomous orchestrator. Use the following sigils in your
response to communicate structured outcomes; everything else is free-form:

  <task-done>{task id}</task-done>       mark the assigned task complete
  <task-failed>{task id}</task-failed>   mark the assigned task failed
  <promise>COMPLETE</promise>            declare all work in this run done
  <promise>FAILURE</promise>             declare a critical, unrecoverable failure
  <next-model>opus|sonnet|haiku</next-model>  request a model change for the next iteration
  <journal>text</journal>                notes to attach to this iteration's journal entry
  <knowledge tags="a,b" title="...">body</knowledge>  record a reusable knowledge entry
`

const verifyInstructions = `
---
You are verifying a task previously marked done. Inspect the change, run any
relevant tests, and respond with exactly one of:

  <verify-pass/>
  <verify-fail>reason the task is not actually complete</verify-fail>
`

// buildPrompt assembles spec.md §4.2 step 4's IterationContext into the
// single text block the agent session sends as the prompt.
func (l *Loop) buildPrompt(ctx context.Context, t *dag.Task) (string, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "# Task %s\n\n## %s\n\n%s\n\n", t.ID, t.Title, t.Description)

	if t.ParentID != "" {
		if parent, err := l.store.GetTask(ctx, t.ParentID); err == nil && parent != nil {
			fmt.Fprintf(&b, "## Parent task\n%s: %s\n\n", parent.ID, parent.Title)
		}
	}

	if err := l.writeBlockerSummaries(ctx, &b, t); err != nil {
		return "", err
	}

	if t.FeatureID != "" {
		l.writeFeatureDocs(ctx, &b, t.FeatureID)
	}

	if t.RetryCount > 0 {
		reason := ""
		if last, err := l.store.LastLog(ctx, t.ID); err == nil && last != nil {
			reason = last.Message
		}
		fmt.Fprintf(&b, "## Retry (attempt %d of %d)\nPrevious failure reason: %s\n\n", t.RetryCount, t.MaxRetries, reason)
	}

	l.writeJournalSection(ctx, &b, t.ID)
	l.writeKnowledgeSection(&b)

	b.WriteString(staticInstructions)
	return b.String(), nil
}

func (l *Loop) writeBlockerSummaries(ctx context.Context, b *strings.Builder, t *dag.Task) error {
	blockers, err := l.store.BlockersOf(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("blockers of %q: %w", t.ID, err)
	}
	var done []*dag.Task
	for _, blk := range blockers {
		if blk.Status == dag.StatusDone {
			done = append(done, blk)
		}
	}
	if len(done) == 0 {
		return nil
	}
	b.WriteString("## Completed dependencies\n")
	for _, blk := range done {
		summary := blk.Description
		if last, err := l.store.LastLog(ctx, blk.ID); err == nil && last != nil && last.Message != "" {
			summary = last.Message
		}
		fmt.Fprintf(b, "- %s (%s): %s\n", blk.ID, blk.Title, summary)
	}
	b.WriteString("\n")
	return nil
}

func (l *Loop) writeFeatureDocs(ctx context.Context, b *strings.Builder, featureID string) {
	feature, err := l.store.GetFeature(ctx, featureID)
	if err != nil || feature == nil {
		return
	}
	b.WriteString("## Feature\n")
	if feature.SpecPath != "" {
		if data, err := os.ReadFile(feature.SpecPath); err == nil {
			fmt.Fprintf(b, "### Spec (%s)\n%s\n\n", feature.SpecPath, string(data))
		}
	}
	if feature.PlanPath != "" {
		if data, err := os.ReadFile(feature.PlanPath); err == nil {
			fmt.Fprintf(b, "### Plan (%s)\n%s\n\n", feature.PlanPath, string(data))
		}
	}
}

func (l *Loop) writeJournalSection(ctx context.Context, b *strings.Builder, taskID string) {
	if l.runs == nil {
		return
	}
	entries, err := l.runs.ForTask(ctx, taskID)
	if err != nil || len(entries) == 0 {
		return
	}
	b.WriteString("## Journal history\n")
	for _, e := range entries {
		if e.Notes == "" {
			continue
		}
		fmt.Fprintf(b, "- iteration %d (%s): %s\n", e.Iteration, e.Outcome, e.Notes)
	}
	b.WriteString("\n")
}

func (l *Loop) writeKnowledgeSection(b *strings.Builder) {
	if l.knowledge == nil {
		return
	}
	entries, err := l.knowledge.List()
	if err != nil || len(entries) == 0 {
		return
	}
	b.WriteString("## Knowledge base\n")
	for _, e := range entries {
		fmt.Fprintf(b, "- %s [%s]\n", e.Title, strings.Join(e.Tags, ", "))
	}
	b.WriteString("\n")
}

// buildVerificationPrompt assembles the verification sub-session's prompt:
// the task restated plus its feature spec/plan, per spec.md §4.4.
func (l *Loop) buildVerificationPrompt(ctx context.Context, t *dag.Task) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# Verify task %s\n\n## %s\n\n%s\n\n", t.ID, t.Title, t.Description)
	if t.FeatureID != "" {
		l.writeFeatureDocs(ctx, &b, t.FeatureID)
	}
	b.WriteString(verifyInstructions)
	return b.String(), nil
}
