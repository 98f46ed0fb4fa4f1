// Package analyzer is the LLM-backed decision engine (spec §4.6): given the
// running conversation and agent state, it decides whether the orchestrator
// should keep going, ask the agent to run tests, ask it to fix something, or
// declare the task complete. The decision loop is on the critical path of
// every agent iteration, so a broken or unreachable LLM must never stall it
// — any failure degrades to a deterministic rule-based decision instead of
// propagating an error.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/codeready-toolchain/cursorchestrator/pkg/store"
)

// allowedActions is the set of decisions the Analyzer is permitted to
// return; anything else in an LLM response is treated as unparseable.
var allowedActions = map[store.DecisionAction]bool{
	store.ActionContinue: true,
	store.ActionTest:     true,
	store.ActionFix:      true,
	store.ActionComplete: true,
}

// Input is everything the decision needs: the conversation so far, the
// agent's current progress, and how many iterations it has already spent.
type Input struct {
	BranchName     string
	PRURL          string
	Summary        string
	TasksCompleted []string
	TasksRemaining []string
	Conversation   []ConversationMessage
	Iterations     int
	MaxIterations  int
}

// Decision is the Analyzer's verdict for one iteration.
type Decision struct {
	Action          store.DecisionAction
	Reasoning       string
	FollowupMessage string
	Confidence      float64
	TasksCompleted  []string
	TasksRemaining  []string
}

// Analyzer produces Decisions, preferring the LLM when configured and
// falling back to a fixed heuristic whenever the LLM is unavailable,
// errors, or returns something unparseable.
type Analyzer struct {
	llm    *LLMClient
	logger *slog.Logger
}

// New constructs an Analyzer. llm may be nil, in which case every decision
// is made by the rule-based fallback — useful for tests and for operators
// who haven't configured an LLM endpoint.
func New(llm *LLMClient, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{llm: llm, logger: logger}
}

// Analyze never returns an error: any failure along the LLM path is logged
// and absorbed into a rule-based Decision, since the orchestration loop
// must make forward progress even when the LLM is down.
func (a *Analyzer) Analyze(ctx context.Context, in Input) Decision {
	if a.llm != nil {
		if d, ok := a.tryLLM(ctx, in); ok {
			return d
		}
	}
	return ruleBased(in)
}

func (a *Analyzer) tryLLM(ctx context.Context, in Input) (Decision, bool) {
	messages := buildPrompt(in)
	raw, err := a.llm.ChatCompletion(ctx, messages)
	if err != nil {
		a.logger.Warn("analyzer: llm call failed, falling back to rule-based decision", "error", err)
		return Decision{}, false
	}

	d, err := parseDecision(raw, in)
	if err != nil {
		a.logger.Warn("analyzer: llm response unparseable, falling back to rule-based decision", "error", err)
		return Decision{}, false
	}
	return d, true
}

type llmDecisionPayload struct {
	Action          store.DecisionAction `json:"action"`
	Reasoning       string                `json:"reasoning"`
	FollowupMessage string                `json:"followup_message"`
	Confidence      float64               `json:"confidence"`
	TasksCompleted  []string              `json:"tasks_completed"`
	TasksRemaining  []string              `json:"tasks_remaining"`
}

// parseDecision extracts the outermost JSON object from raw (LLMs routinely
// wrap their JSON in prose or code fences despite the response-format hint)
// and validates it into a Decision.
func parseDecision(raw string, in Input) (Decision, error) {
	obj, err := extractJSONObject(raw)
	if err != nil {
		return Decision{}, err
	}

	var payload llmDecisionPayload
	if err := json.Unmarshal([]byte(obj), &payload); err != nil {
		return Decision{}, fmt.Errorf("analyzer: decode llm decision: %w", err)
	}
	if !allowedActions[payload.Action] {
		return Decision{}, fmt.Errorf("analyzer: llm returned unrecognized action %q", payload.Action)
	}

	d := Decision{
		Action:          payload.Action,
		Reasoning:       payload.Reasoning,
		FollowupMessage: payload.FollowupMessage,
		Confidence:      clampConfidence(payload.Confidence),
		TasksCompleted:  payload.TasksCompleted,
		TasksRemaining:  payload.TasksRemaining,
	}
	if d.TasksCompleted == nil {
		d.TasksCompleted = in.TasksCompleted
	}
	if d.TasksRemaining == nil {
		d.TasksRemaining = in.TasksRemaining
	}
	return d, nil
}

func clampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}

// extractJSONObject finds the first balanced {...} span in s, tolerating
// braces inside quoted strings.
func extractJSONObject(s string) (string, error) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", fmt.Errorf("analyzer: no JSON object found in llm response")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
			// inside a string, braces don't count
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("analyzer: unbalanced JSON object in llm response")
}

// buildPrompt assembles the system instructions plus the full conversation
// for the chat-completion call (spec §4.6 step 1).
func buildPrompt(in Input) []ConversationMessage {
	var sb strings.Builder
	sb.WriteString("You are the decision engine for an autonomous coding agent orchestrator. ")
	sb.WriteString("Given the agent's conversation so far, decide the next action.\n\n")
	fmt.Fprintf(&sb, "Branch: %s\n", in.BranchName)
	if in.PRURL != "" {
		fmt.Fprintf(&sb, "Pull request: %s\n", in.PRURL)
	}
	if in.Summary != "" {
		fmt.Fprintf(&sb, "Summary so far: %s\n", in.Summary)
	}
	fmt.Fprintf(&sb, "Iteration %d of %d\n", in.Iterations, in.MaxIterations)
	fmt.Fprintf(&sb, "Tasks completed: %s\n", strings.Join(in.TasksCompleted, "; "))
	fmt.Fprintf(&sb, "Tasks remaining: %s\n", strings.Join(in.TasksRemaining, "; "))
	sb.WriteString("\nRespond with a single JSON object with fields: action (one of CONTINUE, TEST, FIX, COMPLETE), ")
	sb.WriteString("reasoning, followup_message, confidence (0-1), tasks_completed, tasks_remaining.")

	messages := make([]ConversationMessage, 0, len(in.Conversation)+2)
	messages = append(messages, ConversationMessage{Role: RoleSystem, Content: sb.String()})
	messages = append(messages, in.Conversation...)
	return messages
}

// ruleBased is the deterministic fallback (spec §4.6 step 4): it never
// calls out, never fails, and always returns a usable Decision.
func ruleBased(in Input) Decision {
	if lastAssistant, ok := lastAssistantContent(in.Conversation); ok {
		lower := strings.ToLower(lastAssistant)
		if strings.Contains(lower, "error") || strings.Contains(lower, "failed") {
			return Decision{
				Action:          store.ActionFix,
				Reasoning:       "rule-based fallback: the agent's last message reported an error or failure",
				FollowupMessage: "The previous attempt reported an error. Please investigate and fix it before continuing.",
				Confidence:      0.6,
				TasksCompleted:  in.TasksCompleted,
				TasksRemaining:  in.TasksRemaining,
			}
		}
	}

	if in.Iterations >= 5 {
		return Decision{
			Action:          store.ActionTest,
			Reasoning:       "rule-based fallback: the agent has spent 5 or more iterations without an LLM decision, run tests to check progress",
			FollowupMessage: "Please run the test suite and report the results.",
			Confidence:      0.7,
			TasksCompleted:  in.TasksCompleted,
			TasksRemaining:  in.TasksRemaining,
		}
	}

	return Decision{
		Action:          store.ActionContinue,
		Reasoning:       "rule-based fallback: no error signal and iteration budget not yet exhausted, continue with the plan",
		FollowupMessage: "Please continue working on the remaining tasks.",
		Confidence:      0.5,
		TasksCompleted:  in.TasksCompleted,
		TasksRemaining:  in.TasksRemaining,
	}
}

func lastAssistantContent(conv []ConversationMessage) (string, bool) {
	for i := len(conv) - 1; i >= 0; i-- {
		if conv[i].Role == RoleAssistant {
			return conv[i].Content, true
		}
	}
	return "", false
}
