// Package orchestrator is the event reducer (spec §4.4): the single entry
// point every webhook-driven status change passes through, whichever path
// delivered it (broker fast path or best-effort direct call). It routes an
// event to the right handling rule by looking up the reporting agent's
// state and, if it's a subagent, its master; drives the Analyzer/Tester/
// Quality Scorer loop for a master's own FINISHED events; and hands
// PIPELINE/BATCH/AUTO subagent completions off to the Task Dispatcher.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/codeready-toolchain/cursorchestrator/pkg/agentclient"
	"github.com/codeready-toolchain/cursorchestrator/pkg/analyzer"
	"github.com/codeready-toolchain/cursorchestrator/pkg/quality"
	"github.com/codeready-toolchain/cursorchestrator/pkg/store"
	"github.com/codeready-toolchain/cursorchestrator/pkg/tester"
	"github.com/codeready-toolchain/cursorchestrator/pkg/webhook"
)

// defaultMaxIterations and defaultQualityThreshold mirror spec §4.4/§4.6's
// stated defaults, used when EngineConfig carries a zero value.
const (
	defaultMaxIterations    = 20
	defaultQualityThreshold = 70
)

// TaskCompleter is the Task Dispatcher's half of the contract this package
// depends on for PIPELINE/BATCH/AUTO subagent completions (spec §4.4 rule 4).
// Satisfied by *pkg/dispatcher.Dispatcher.
type TaskCompleter interface {
	HandleTaskCompletion(ctx context.Context, orch *store.Orchestration, masterID, agentID, taskID, apiKey string) error
	LookupSubagent(agentID string) (masterID, taskID string, ok bool)
}

// Reducer implements process_event / ProcessWebhookEvent, satisfying both
// pkg/webhook.EventProcessor and pkg/brokerworker.WebhookProcessor with the
// one identical method.
type Reducer struct {
	agentClient   *agentclient.Client
	testerClient  *tester.Client
	analyzer      *analyzer.Analyzer
	dispatcher    TaskCompleter
	orchestrations *store.OrchestrationStore
	agentStates   *store.AgentStateStore
	events        *store.EventStore
	locks         *LockRegistry
	defaultAPIKey string
	maxIterations int
	qualityThreshold int
	logger        *slog.Logger
}

// New constructs a Reducer. maxIterations/qualityThreshold fall back to
// spec §4.4/§4.6's defaults (20, 70) when zero.
func New(
	agentClient *agentclient.Client,
	testerClient *tester.Client,
	an *analyzer.Analyzer,
	dispatcher TaskCompleter,
	orchestrations *store.OrchestrationStore,
	agentStates *store.AgentStateStore,
	events *store.EventStore,
	defaultAPIKey string,
	maxIterations int,
	qualityThreshold int,
) *Reducer {
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}
	if qualityThreshold <= 0 {
		qualityThreshold = defaultQualityThreshold
	}
	return &Reducer{
		agentClient:      agentClient,
		testerClient:     testerClient,
		analyzer:         an,
		dispatcher:       dispatcher,
		orchestrations:   orchestrations,
		agentStates:      agentStates,
		events:           events,
		locks:            NewLockRegistry(),
		defaultAPIKey:    defaultAPIKey,
		maxIterations:    maxIterations,
		qualityThreshold: qualityThreshold,
		logger:           slog.Default().With("component", "orchestrator"),
	}
}

// ProcessWebhookEvent implements spec §4.4's process_event. Events the
// reducer doesn't act on (anything but FINISHED/ERROR) are accepted
// silently, matching the webhook gateway's own boundary behavior.
func (r *Reducer) ProcessWebhookEvent(ctx context.Context, evt webhook.StatusChangeEvent) error {
	if !evt.ActsOn() {
		return nil
	}

	unlock := r.locks.Lock(evt.AgentID)
	defer unlock()

	state, err := r.agentStates.GetByAgentID(ctx, evt.AgentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// PIPELINE/BATCH/AUTO subagents have no AgentState row of their
			// own; the Task Dispatcher's in-memory registry names their master.
			if masterID, _, ok := r.dispatcher.LookupSubagent(evt.AgentID); ok {
				master, err := r.agentStates.GetByAgentID(ctx, masterID)
				if err != nil {
					return fmt.Errorf("orchestrator: load master agent state %s: %w", masterID, err)
				}
				return r.handlePlannedSubagent(ctx, master, evt)
			}
			r.logger.Warn("event for unknown agent, ignoring", "agent_id", evt.AgentID)
			return nil
		}
		return fmt.Errorf("orchestrator: load agent state %s: %w", evt.AgentID, err)
	}

	master, err := r.agentStates.FindMasterBySubagent(ctx, evt.AgentID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("orchestrator: reverse lookup master for %s: %w", evt.AgentID, err)
	}
	isSubagent := err == nil

	mode := store.ModeSingleAgent
	if isSubagent && master.LastAnalysis != nil && master.LastAnalysis.Mode != "" {
		mode = master.LastAnalysis.Mode
	}

	switch {
	case isSubagent && mode != store.ModeSingleAgent:
		// Rule 4: PIPELINE/BATCH/AUTO subagent completion/failure — the
		// Task Dispatcher owns the remaining/completed bookkeeping and
		// next-task fan-out.
		return r.handlePlannedSubagent(ctx, master, evt)
	default:
		// Rules 3 and 5 collapse here: a SINGLE_AGENT master never records
		// itself as its own subagent (see pkg/dispatcher's DESIGN.md entry),
		// so `state` below is always the reporting agent's own master-or-
		// standalone record, whether or not the reverse lookup matched.
		return r.handleOwnEvent(ctx, state, evt)
	}
}

// handlePlannedSubagent implements rule 4: hand off to the Task Dispatcher.
func (r *Reducer) handlePlannedSubagent(ctx context.Context, master *store.AgentState, evt webhook.StatusChangeEvent) error {
	unlock := r.locks.Lock(master.AgentID)
	defer unlock()

	_, taskID, ok := r.dispatcher.LookupSubagent(evt.AgentID)
	if !ok {
		r.logger.Warn("subagent not found in active registry, dropping completion", "agent_id", evt.AgentID, "master_id", master.AgentID)
		return nil
	}

	orch, err := r.orchestrations.GetByMasterAgentID(ctx, master.AgentID)
	if err != nil {
		return fmt.Errorf("orchestrator: load orchestration for master %s: %w", master.AgentID, err)
	}

	if evt.Status == webhook.StatusError {
		r.recordEvent(ctx, orch.ID, store.EventLevelError, "subagent_error", fmt.Sprintf("subagent %s failed task %s", evt.AgentID, taskID), map[string]any{"agent_id": evt.AgentID, "task_id": taskID})
	}

	return r.dispatcher.HandleTaskCompletion(ctx, orch, master.AgentID, evt.AgentID, taskID, r.defaultAPIKey)
}

// handleOwnEvent implements rules 3/5: FINISHED drives the analyze-decide-
// execute loop (with the MAX_ITERATIONS_REACHED termination path); ERROR
// marks the agent ERROR and notifies.
func (r *Reducer) handleOwnEvent(ctx context.Context, state *store.AgentState, evt webhook.StatusChangeEvent) error {
	orch, err := r.orchestrations.GetByMasterAgentID(ctx, state.AgentID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("orchestrator: load orchestration for agent %s: %w", state.AgentID, err)
	}

	if evt.Status == webhook.StatusError {
		return r.markError(ctx, orch, state, evt)
	}

	updated, err := r.agentStates.IncrementIterations(ctx, state.AgentID)
	if err != nil {
		return fmt.Errorf("orchestrator: increment iterations for %s: %w", state.AgentID, err)
	}

	if updated.Iterations >= r.maxIterations {
		return r.markMaxIterationsReached(ctx, orch, updated)
	}

	conversation, err := r.agentClient.GetConversation(ctx, r.defaultAPIKey, state.AgentID)
	if err != nil {
		return fmt.Errorf("orchestrator: fetch conversation for %s: %w", state.AgentID, err)
	}
	agentStatus, err := r.agentClient.GetAgent(ctx, r.defaultAPIKey, state.AgentID)
	if err != nil {
		return fmt.Errorf("orchestrator: fetch agent status for %s: %w", state.AgentID, err)
	}

	decision := r.analyzer.Analyze(ctx, analyzer.Input{
		BranchName:     agentStatusBranch(agentStatus),
		PRURL:          agentStatusPRURL(agentStatus),
		Summary:        agentStatus.Summary,
		TasksCompleted: updated.TasksCompleted,
		TasksRemaining: updated.TasksRemaining,
		Conversation:   toAnalyzerConversation(conversation.Messages),
		Iterations:     updated.Iterations,
		MaxIterations:  r.maxIterations,
	})

	nextAnalysis := store.LastAnalysis{}
	if updated.LastAnalysis != nil {
		nextAnalysis = *updated.LastAnalysis
	}
	nextAnalysis.LastAction = decision.Action

	branch := agentStatusBranch(agentStatus)
	if err := r.agentStates.Update(ctx, state.AgentID, store.UpdateAgentStateInput{
		Status:         store.AgentActive,
		TasksCompleted: decision.TasksCompleted,
		TasksRemaining: decision.TasksRemaining,
		LastAnalysis:   &nextAnalysis,
		BranchName:     branch,
	}); err != nil {
		return fmt.Errorf("orchestrator: persist decision for %s: %w", state.AgentID, err)
	}
	if branch != "" {
		updated.BranchName = branch
	}

	return r.execute(ctx, orch, updated, decision)
}

func (r *Reducer) markError(ctx context.Context, orch *store.Orchestration, state *store.AgentState, evt webhook.StatusChangeEvent) error {
	if err := r.agentStates.Update(ctx, state.AgentID, store.UpdateAgentStateInput{
		Status:         store.AgentError,
		TasksCompleted: state.TasksCompleted,
		TasksRemaining: state.TasksRemaining,
		LastAnalysis:   state.LastAnalysis,
	}); err != nil {
		return fmt.Errorf("orchestrator: mark agent error for %s: %w", state.AgentID, err)
	}
	if orch != nil {
		if err := r.orchestrations.MarkError(ctx, orch.ID, "AGENT_ERROR", evt.Summary, "remote agent reported an error"); err != nil {
			return fmt.Errorf("orchestrator: mark orchestration error for %s: %w", orch.ID, err)
		}
		r.recordEvent(ctx, orch.ID, store.EventLevelError, "agent_error", evt.Summary, map[string]any{"agent_id": state.AgentID})
	}
	return nil
}

func (r *Reducer) markMaxIterationsReached(ctx context.Context, orch *store.Orchestration, state *store.AgentState) error {
	if err := r.agentStates.Update(ctx, state.AgentID, store.UpdateAgentStateInput{
		Status:         store.AgentMaxIterationsReached,
		TasksCompleted: state.TasksCompleted,
		TasksRemaining: state.TasksRemaining,
		LastAnalysis:   state.LastAnalysis,
	}); err != nil {
		return fmt.Errorf("orchestrator: mark max iterations reached for %s: %w", state.AgentID, err)
	}
	if orch != nil {
		if err := r.orchestrations.MarkError(ctx, orch.ID, "MAX_ITERATIONS_REACHED", "agent exceeded the maximum iteration count", "terminated after reaching the iteration limit"); err != nil {
			return fmt.Errorf("orchestrator: mark orchestration error for %s: %w", orch.ID, err)
		}
		r.recordEvent(ctx, orch.ID, store.EventLevelWarn, "max_iterations_reached", fmt.Sprintf("agent %s reached %d iterations", state.AgentID, state.Iterations), nil)
	}
	return nil
}

// execute implements spec §4.4's decision-execution table.
func (r *Reducer) execute(ctx context.Context, orch *store.Orchestration, state *store.AgentState, decision analyzer.Decision) error {
	switch decision.Action {
	case store.ActionContinue, store.ActionFix:
		return r.followUp(ctx, orch, state, decision)
	case store.ActionTest:
		return r.runTest(ctx, orch, state, decision)
	case store.ActionComplete:
		return r.completeOrRefine(ctx, orch, state, decision)
	default:
		return fmt.Errorf("orchestrator: unrecognized decision action %q", decision.Action)
	}
}

func (r *Reducer) followUp(ctx context.Context, orch *store.Orchestration, state *store.AgentState, decision analyzer.Decision) error {
	text := decision.FollowupMessage
	if text == "" {
		text = defaultFollowUpMessage(decision.Action)
	}
	if err := r.agentClient.FollowUp(ctx, r.defaultAPIKey, state.AgentID, text); err != nil {
		return fmt.Errorf("orchestrator: send follow-up to %s: %w", state.AgentID, err)
	}
	if orch != nil {
		r.recordEvent(ctx, orch.ID, store.EventLevelInfo, "followup_sent", text, map[string]any{"agent_id": state.AgentID, "action": decision.Action})
	}
	return nil
}

func (r *Reducer) runTest(ctx context.Context, orch *store.Orchestration, state *store.AgentState, decision analyzer.Decision) error {
	if state.BranchName == "" {
		r.logger.Info("TEST decision with no known branch name, treating as CONTINUE", "agent_id", state.AgentID)
		return r.followUp(ctx, orch, state, decision)
	}

	testResult, err := r.testerClient.Run(ctx, state.Repository, state.BranchName)
	if err != nil {
		return fmt.Errorf("orchestrator: run tester for %s: %w", state.AgentID, err)
	}

	updatedState, err := r.recordTestResult(ctx, state, testResult)
	if err != nil {
		return err
	}

	if testResult.Success {
		return r.completeOrRefine(ctx, orch, updatedState, decision)
	}

	text := "Tests failed. Please fix the following issues:\n"
	for _, e := range testResult.Errors {
		text += "- " + e + "\n"
	}
	if err := r.agentClient.FollowUp(ctx, r.defaultAPIKey, state.AgentID, text); err != nil {
		return fmt.Errorf("orchestrator: send fix instructions to %s: %w", state.AgentID, err)
	}
	if orch != nil {
		r.recordEvent(ctx, orch.ID, store.EventLevelWarn, "test_failed", "tester reported failures", map[string]any{"agent_id": state.AgentID, "errors": testResult.Errors})
	}
	return nil
}

// recordTestResult folds a Tester run's counters into the agent's
// last_analysis (spec §4.7's inputs to the Quality Scorer): tests_passed/
// tests_total come straight from the run's TestCounts, while errors_total
// tracks the high-water mark of errors ever reported for this agent and
// errors_fixed is how many of those no longer appear in the latest run.
func (r *Reducer) recordTestResult(ctx context.Context, state *store.AgentState, result *tester.Result) (*store.AgentState, error) {
	next := store.LastAnalysis{}
	if state.LastAnalysis != nil {
		next = *state.LastAnalysis
	}

	if result.TestCounts != nil {
		next.TestsPassed = result.TestCounts.Passed
		next.TestsTotal = result.TestCounts.Total
	}
	if result.CodeQuality != nil {
		score := result.CodeQuality.Score
		next.CodeQuality = &score
	}
	if result.Coverage != nil {
		coverage := int(math.Round(*result.Coverage))
		next.TestCoverage = &coverage
	}

	remaining := len(result.Errors)
	if remaining > next.ErrorsTotal {
		next.ErrorsTotal = remaining
	}
	next.ErrorsFixed = next.ErrorsTotal - remaining

	if err := r.agentStates.Update(ctx, state.AgentID, store.UpdateAgentStateInput{
		Status:         store.AgentActive,
		TasksCompleted: state.TasksCompleted,
		TasksRemaining: state.TasksRemaining,
		LastAnalysis:   &next,
	}); err != nil {
		return nil, fmt.Errorf("orchestrator: persist test result for %s: %w", state.AgentID, err)
	}

	updated := *state
	updated.LastAnalysis = &next
	return &updated, nil
}

// qualityInputs builds the Quality Scorer's Inputs (spec §4.7) from an
// agent's real iteration count plus whatever test/error counters the most
// recent Tester run left on last_analysis — nil when TEST never ran this
// orchestration, which the scorer treats as its documented neutral case.
func (r *Reducer) qualityInputs(state *store.AgentState) quality.Inputs {
	in := quality.Inputs{Iterations: state.Iterations, MaxIterations: r.maxIterations}
	if state.LastAnalysis == nil {
		return in
	}
	in.TestsPassed = state.LastAnalysis.TestsPassed
	in.TestsTotal = state.LastAnalysis.TestsTotal
	in.ErrorsFixed = state.LastAnalysis.ErrorsFixed
	in.ErrorsTotal = state.LastAnalysis.ErrorsTotal
	in.CodeQuality = state.LastAnalysis.CodeQuality
	in.TestCoverage = state.LastAnalysis.TestCoverage
	return in
}

// completeOrRefine implements the COMPLETE decision's Quality Scorer gate.
// state.LastAnalysis already carries the most recent Tester run's counters
// when this follows a TEST decision (recordTestResult folded them in
// before the call); when COMPLETE is reached directly from the analyzer
// with no TEST this round, qualityInputs falls back to the scorer's
// documented neutral values instead of a fabricated proxy.
func (r *Reducer) completeOrRefine(ctx context.Context, orch *store.Orchestration, state *store.AgentState, decision analyzer.Decision) error {
	result := quality.Score(r.qualityInputs(state))

	carried := store.LastAnalysis{}
	if state.LastAnalysis != nil {
		carried = *state.LastAnalysis
	}

	if result.Total >= r.qualityThreshold {
		carried.QualityScore = result.Total
		carried.LastAction = store.ActionComplete
		if err := r.agentStates.Update(ctx, state.AgentID, store.UpdateAgentStateInput{
			Status:         store.AgentCompleted,
			TasksCompleted: decision.TasksCompleted,
			TasksRemaining: decision.TasksRemaining,
			LastAnalysis:   &carried,
		}); err != nil {
			return fmt.Errorf("orchestrator: mark agent completed %s: %w", state.AgentID, err)
		}
		if orch != nil {
			if err := r.orchestrations.MarkCompleted(ctx, orch.ID); err != nil {
				return fmt.Errorf("orchestrator: mark orchestration completed %s: %w", orch.ID, err)
			}
			r.recordEvent(ctx, orch.ID, store.EventLevelInfo, "orchestration_completed", "quality threshold met", map[string]any{"quality_score": result.Total, "grade": result.Grade})
		}
		return nil
	}

	text := fmt.Sprintf("Quality score %d is below the %d threshold. Please address:\n", result.Total, r.qualityThreshold)
	for _, rec := range result.Recommendations {
		text += "- " + rec + "\n"
	}
	if err := r.agentClient.FollowUp(ctx, r.defaultAPIKey, state.AgentID, text); err != nil {
		return fmt.Errorf("orchestrator: send refinement follow-up to %s: %w", state.AgentID, err)
	}
	carried.QualityScore = result.Total
	carried.NeedsRefinement = true
	carried.LastAction = store.ActionComplete
	if err := r.agentStates.Update(ctx, state.AgentID, store.UpdateAgentStateInput{
		Status:         store.AgentActive,
		TasksCompleted: decision.TasksCompleted,
		TasksRemaining: decision.TasksRemaining,
		LastAnalysis:   &carried,
	}); err != nil {
		return fmt.Errorf("orchestrator: mark agent needs refinement %s: %w", state.AgentID, err)
	}
	return nil
}

func (r *Reducer) recordEvent(ctx context.Context, orchestrationID string, level store.EventLevel, stepKey, message string, payload map[string]any) {
	if err := r.events.Record(ctx, store.RecordInput{
		OrchestrationID: orchestrationID,
		Level:           level,
		StepKey:         stepKey,
		Message:         message,
		Payload:         payload,
	}); err != nil {
		r.logger.Error("record event failed", "orchestration_id", orchestrationID, "step_key", stepKey, "error", err)
	}
}

func defaultFollowUpMessage(action store.DecisionAction) string {
	if action == store.ActionFix {
		return "Please fix the issues identified and continue."
	}
	return "Please continue with the remaining work."
}

func agentStatusBranch(resp *agentclient.GetAgentResponse) string {
	if resp.Target == nil {
		return ""
	}
	return resp.Target.BranchName
}

func agentStatusPRURL(resp *agentclient.GetAgentResponse) string {
	if resp.Target == nil {
		return ""
	}
	return resp.Target.PRURL
}

func toAnalyzerConversation(messages []agentclient.ConversationMessage) []analyzer.ConversationMessage {
	out := make([]analyzer.ConversationMessage, 0, len(messages))
	for _, m := range messages {
		role := analyzer.RoleAssistant
		if m.Type == "user" {
			role = analyzer.RoleUser
		}
		out = append(out, analyzer.ConversationMessage{Role: role, Content: m.Text})
	}
	return out
}
