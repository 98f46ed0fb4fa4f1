// Package planner turns a free-text orchestration prompt into a frozen
// TaskPlan (a dependency DAG of Tasks) for PIPELINE/BATCH/AUTO mode
// dispatch. The prompt is written by a human and is not itself LLM output,
// so decomposition here is a deterministic heuristic segmentation rather
// than another LLM round trip — the Task Dispatcher needs a plan before it
// can create the first Cloud Agent, and that decision can't depend on an
// external service being reachable.
package planner

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/codeready-toolchain/cursorchestrator/pkg/store"
)

// numberedItem matches a leading ordinal marker such as "1." or "2)".
var numberedItem = regexp.MustCompile(`^\s*(\d+)[.)]\s+`)

// bulletItem matches a leading unordered bullet marker.
var bulletItem = regexp.MustCompile(`^\s*[-*•]\s+`)

var highPriorityWords = []string{"critical", "urgent", "must", "blocking", "asap", "security"}
var lowPriorityWords = []string{"optional", "nice to have", "nice-to-have", "later", "eventually", "if time permits"}

// Plan decomposes prompt into a TaskPlan.
//
// Lines prefixed with an explicit marker (numbered or bulleted) become
// separate tasks. Numbered lists are treated as sequential: each task
// depends on the one before it, since the author chose to order them.
// Bulleted lists are treated as independent: no dependencies are inferred,
// letting BATCH/AUTO mode dispatch them in parallel. When the prompt has no
// list structure at all, it's split into sentences and chained
// sequentially, since an un-itemized prompt reads as one continuous
// narrative rather than a set of independent asks.
func Plan(prompt string) store.TaskPlan {
	lines := splitNonEmptyLines(prompt)
	items, sequential := extractListItems(lines)
	if len(items) == 0 {
		items = splitSentences(prompt)
		sequential = true
	}

	plan := store.TaskPlan{ProjectDescription: strings.TrimSpace(prompt)}
	if len(items) == 0 {
		return plan
	}

	tasks := make([]store.Task, 0, len(items))
	for i, item := range items {
		id := taskID(i)
		var deps []string
		if sequential && i > 0 {
			deps = []string{taskID(i - 1)}
		}
		tasks = append(tasks, store.Task{
			ID:                  id,
			Title:               title(item),
			Description:         item,
			Priority:            priority(item),
			EstimatedComplexity: complexity(item),
			Dependencies:        deps,
		})
	}
	plan.Tasks = tasks
	return plan
}

func taskID(i int) string {
	return "task-" + strconv.Itoa(i+1)
}

func splitNonEmptyLines(prompt string) []string {
	raw := strings.Split(prompt, "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// extractListItems returns the content of each numbered or bulleted line,
// plus whether the list should be treated as sequential (numbered) or
// parallel (bulleted). A prompt mixing both styles is treated as numbered
// (sequential), since an explicit order takes precedence over an implicit
// one.
func extractListItems(lines []string) ([]string, bool) {
	var numbered, bulleted []string
	for _, l := range lines {
		switch {
		case numberedItem.MatchString(l):
			numbered = append(numbered, strings.TrimSpace(numberedItem.ReplaceAllString(l, "")))
		case bulletItem.MatchString(l):
			bulleted = append(bulleted, strings.TrimSpace(bulletItem.ReplaceAllString(l, "")))
		}
	}
	if len(numbered) > 0 {
		return numbered, true
	}
	if len(bulleted) > 0 {
		return bulleted, false
	}
	return nil, false
}

func splitSentences(prompt string) []string {
	raw := strings.FieldsFunc(prompt, func(r rune) bool {
		return r == '.' || r == '\n'
	})
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// title derives a short label from the start of a task's text.
func title(text string) string {
	const maxLen = 60
	t := strings.TrimSpace(text)
	if idx := strings.IndexAny(t, ".\n"); idx > 0 && idx < maxLen {
		t = t[:idx]
	}
	if len(t) > maxLen {
		t = strings.TrimSpace(t[:maxLen])
	}
	return t
}

func priority(text string) store.TaskPriority {
	lower := strings.ToLower(text)
	for _, w := range highPriorityWords {
		if strings.Contains(lower, w) {
			return store.TaskPriorityHigh
		}
	}
	for _, w := range lowPriorityWords {
		if strings.Contains(lower, w) {
			return store.TaskPriorityLow
		}
	}
	return store.TaskPriorityMedium
}

// complexity buckets a task's estimated size by its description length,
// matching the {small, medium, large} taskSize hint vocabulary.
func complexity(text string) string {
	n := len(strings.TrimSpace(text))
	switch {
	case n <= 80:
		return "small"
	case n <= 200:
		return "medium"
	default:
		return "large"
	}
}
