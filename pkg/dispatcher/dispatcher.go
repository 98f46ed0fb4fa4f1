// Package dispatcher is the Task Dispatcher (spec §4.5): it starts new
// orchestrations, builds and sends per-task prompts to the External Agent
// Service, and tracks which remote agents are working on which tasks for
// PIPELINE/BATCH/AUTO mode so completions can be routed back to the right
// master. It is the sole implementation of both pkg/outbox.Starter and
// pkg/brokerworker.Starter (via two adapters, since the two durable paths
// carry different argument shapes for the same operation).
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/cursorchestrator/pkg/agentclient"
	"github.com/codeready-toolchain/cursorchestrator/pkg/apierr"
	"github.com/codeready-toolchain/cursorchestrator/pkg/planner"
	"github.com/codeready-toolchain/cursorchestrator/pkg/quality"
	"github.com/codeready-toolchain/cursorchestrator/pkg/store"
)

const (
	maxPromptLength = 100_000
	minRefLength    = 1
	maxRefLength    = 255
	defaultRef      = "main"
	minAPIKeyLength = 10
)

// validateStartPayload checks a start-orchestration payload against spec
// §4.2 step 1 before any remote call is made. apiKey is the already-resolved
// credential (payload key, or the dispatcher's default when the payload
// carries none) so a short payload key backed by a valid default doesn't
// fail. Returns the resolved ref (defaulted to "main" when empty) and a
// terminal, non-retryable apierr.CodeValidation error on any violation.
func validateStartPayload(p store.StartOrchestrationPayload, apiKey string) (ref string, err error) {
	if strings.TrimSpace(p.Prompt) == "" {
		return "", apierr.New(apierr.CodeValidation, "prompt must not be empty")
	}
	if len(p.Prompt) > maxPromptLength {
		return "", apierr.New(apierr.CodeValidation, fmt.Sprintf("prompt exceeds %d characters", maxPromptLength))
	}
	if strings.TrimSpace(p.Repository) == "" {
		return "", apierr.New(apierr.CodeValidation, "repository must not be empty")
	}
	ref = p.Ref
	if ref == "" {
		ref = defaultRef
	}
	if len(ref) < minRefLength || len(ref) > maxRefLength {
		return "", apierr.New(apierr.CodeValidation, fmt.Sprintf("ref must be %d-%d characters", minRefLength, maxRefLength))
	}
	if len(apiKey) < minAPIKeyLength {
		return "", apierr.New(apierr.CodeValidation, fmt.Sprintf("api key must be at least %d characters", minAPIKeyLength))
	}
	return ref, nil
}

// subagentRef records which task a dispatched remote agent is working and
// for which master, the in-memory ActiveSubagent the spec describes as
// rebuildable from persisted state after a restart.
type subagentRef struct {
	masterID string
	taskID   string
}

// Dispatcher implements start_orchestration, dispatch_task, and
// handle_task_completion.
type Dispatcher struct {
	agentClient    *agentclient.Client
	models         *ModelValidator
	orchestrations *store.OrchestrationStore
	agentStates    *store.AgentStateStore
	events         *store.EventStore
	defaultAPIKey  string
	maxParallel    int
	maxIterations  int
	logger         *slog.Logger

	mu        sync.Mutex
	subagents map[string]subagentRef // agentID -> {masterID, taskID}
}

// New constructs a Dispatcher. defaultAPIKey is used when a job/payload
// doesn't carry its own credential; maxParallel is the BATCH/AUTO default
// parallelism (env.MAX_PARALLEL_AGENTS, spec §4.5); maxIterations is the
// engine's configured iteration ceiling, used only to report a real
// Quality Scorer denominator for PIPELINE/BATCH/AUTO masters, which never
// run the Tester themselves (spec §4.4/§4.5).
func New(
	agentClient *agentclient.Client,
	models *ModelValidator,
	orchestrations *store.OrchestrationStore,
	agentStates *store.AgentStateStore,
	events *store.EventStore,
	defaultAPIKey string,
	maxParallel int,
	maxIterations int,
) *Dispatcher {
	if maxParallel <= 0 {
		maxParallel = 3
	}
	if maxIterations <= 0 {
		maxIterations = 20
	}
	return &Dispatcher{
		agentClient:    agentClient,
		models:         models,
		orchestrations: orchestrations,
		agentStates:    agentStates,
		events:         events,
		defaultAPIKey:  defaultAPIKey,
		maxParallel:    maxParallel,
		maxIterations:  maxIterations,
		logger:         slog.Default().With("component", "dispatcher"),
		subagents:      make(map[string]subagentRef),
	}
}

// OutboxStarterAdapter satisfies pkg/outbox.Starter: the outbox path always
// operates on a pre-created Orchestration row (the row that was inserted
// before the job was enqueued), identified by job.OrchestrationID.
type OutboxStarterAdapter struct{ *Dispatcher }

func (a OutboxStarterAdapter) StartOrchestration(ctx context.Context, job *store.OutboxJob) error {
	apiKey := job.Payload.APIKey
	if apiKey == "" {
		apiKey = a.defaultAPIKey
	}
	if _, err := validateStartPayload(job.Payload, apiKey); err != nil {
		return err
	}
	orch, err := a.orchestrations.Get(ctx, job.OrchestrationID)
	if err != nil {
		return fmt.Errorf("dispatcher: load orchestration %s: %w", job.OrchestrationID, err)
	}
	return a.startOrchestration(ctx, orch, apiKey)
}

// BrokerStarterAdapter satisfies pkg/brokerworker.Starter: the broker path
// carries the orchestration's fields directly in the payload (no row exists
// yet), so it creates one before dispatching.
type BrokerStarterAdapter struct{ *Dispatcher }

func (a BrokerStarterAdapter) StartOrchestration(ctx context.Context, payload store.StartOrchestrationPayload) error {
	apiKey := payload.APIKey
	if apiKey == "" {
		apiKey = a.defaultAPIKey
	}
	ref, err := validateStartPayload(payload, apiKey)
	if err != nil {
		return err
	}
	orch, err := a.orchestrations.Create(ctx, store.CreateInput{
		RepositoryURL: NormalizeRepository(payload.Repository),
		Prompt:        payload.Prompt,
		Ref:           ref,
		Model:         payload.Model,
		Mode:          payload.Options.Mode,
		Options:       payload.Options,
	})
	if err != nil {
		return fmt.Errorf("dispatcher: create orchestration: %w", err)
	}
	return a.startOrchestration(ctx, orch, apiKey)
}

// startOrchestration implements spec §4.5's start_orchestration, branching
// on mode.
func (d *Dispatcher) startOrchestration(ctx context.Context, orch *store.Orchestration, apiKey string) error {
	if err := d.orchestrations.MarkRunning(ctx, orch.ID); err != nil {
		return fmt.Errorf("dispatcher: mark orchestration running: %w", err)
	}

	mode := orch.Mode
	if mode == "" {
		mode = store.ModeSingleAgent
	}

	switch mode {
	case store.ModeSingleAgent:
		return d.startSingleAgent(ctx, orch, apiKey)
	default:
		return d.startPlanned(ctx, orch, apiKey, mode)
	}
}

// startSingleAgent creates exactly one Cloud Agent with the full prompt and
// persists master state referencing it directly (the master IS the remote
// agent in this mode; see DESIGN.md's resolution of the SINGLE_AGENT
// subagent-routing question).
func (d *Dispatcher) startSingleAgent(ctx context.Context, orch *store.Orchestration, apiKey string) error {
	model := ""
	if orch.Model != nil {
		model = d.models.Resolve(ctx, apiKey, *orch.Model)
	}

	resp, err := d.agentClient.CreateAgent(ctx, apiKey, agentclient.CreateAgentRequest{
		Prompt: agentclient.PromptSpec{Text: orch.Prompt},
		Source: agentclient.SourceSpec{Repository: NormalizeRepository(orch.RepositoryURL), Ref: orch.Ref},
		Target: &agentclient.TargetSpec{AutoCreatePR: true},
		Model:  model,
	})
	if err != nil {
		return err
	}

	if _, err := d.agentStates.Create(ctx, store.CreateAgentStateInput{
		AgentID:         resp.ID,
		TaskDescription: orch.Prompt,
		Repository:      orch.RepositoryURL,
	}); err != nil {
		return fmt.Errorf("dispatcher: persist master agent state: %w", err)
	}

	if err := d.orchestrations.RecordStarted(ctx, orch.ID, resp.ID, store.TaskPlan{}); err != nil {
		return fmt.Errorf("dispatcher: record started: %w", err)
	}

	d.recordEvent(ctx, orch.ID, store.EventLevelInfo, "orchestration_started", fmt.Sprintf("created single agent %s", resp.ID), nil)
	return nil
}

// startPlanned handles PIPELINE/BATCH/AUTO: plan the tasks, create a
// locally-tracked master identity, and dispatch the initial parallelizable
// set.
func (d *Dispatcher) startPlanned(ctx context.Context, orch *store.Orchestration, apiKey string, mode store.Mode) error {
	plan := planner.Plan(orch.Prompt)

	masterID := uuid.NewString()
	remaining := make([]string, 0, len(plan.Tasks))
	for _, t := range plan.Tasks {
		remaining = append(remaining, t.ID)
	}

	if _, err := d.agentStates.Create(ctx, store.CreateAgentStateInput{
		AgentID:         masterID,
		TaskDescription: orch.Prompt,
		Repository:      orch.RepositoryURL,
		TasksRemaining:  remaining,
	}); err != nil {
		return fmt.Errorf("dispatcher: persist master agent state: %w", err)
	}

	maxParallel := orch.Options.MaxParallelAgents
	if maxParallel <= 0 {
		maxParallel = d.maxParallel
	}
	if err := d.agentStates.Update(ctx, masterID, store.UpdateAgentStateInput{
		Status:         store.AgentActive,
		TasksCompleted: []string{},
		TasksRemaining: remaining,
		LastAnalysis:   &store.LastAnalysis{TaskPlan: &plan, Mode: mode, Options: orch.Options},
	}); err != nil {
		return fmt.Errorf("dispatcher: seed master last_analysis: %w", err)
	}

	if err := d.orchestrations.RecordStarted(ctx, orch.ID, masterID, plan); err != nil {
		return fmt.Errorf("dispatcher: record started: %w", err)
	}

	// spec §4.4's tasks_total == 0 edge case: an empty plan on a non-SINGLE_AGENT
	// mode completes immediately with a default-inputs quality score.
	if len(plan.Tasks) == 0 {
		return d.completeMasterImmediately(ctx, orch, masterID)
	}

	var toDispatch []store.Task
	switch mode {
	case store.ModePipeline:
		if next := firstReady(plan.Tasks, nil); next != nil {
			toDispatch = []store.Task{*next}
		}
	default: // BATCH, AUTO
		toDispatch = readySet(plan.Tasks, nil, nil, maxParallel)
	}

	for _, task := range toDispatch {
		if err := d.dispatchTask(ctx, orch, masterID, task, apiKey); err != nil {
			d.logger.Error("dispatch initial task failed", "orchestration_id", orch.ID, "task_id", task.ID, "error", err)
			d.recordEvent(ctx, orch.ID, store.EventLevelError, "dispatch_task_failed", err.Error(), map[string]any{"task_id": task.ID})
		}
	}
	if err := d.orchestrations.SetActiveAgents(ctx, orch.ID, len(toDispatch)); err != nil {
		d.logger.Error("set active agents failed", "orchestration_id", orch.ID, "error", err)
	}

	return nil
}

func (d *Dispatcher) completeMasterImmediately(ctx context.Context, orch *store.Orchestration, masterID string) error {
	result := quality.Score(quality.Inputs{})
	if err := d.agentStates.Update(ctx, masterID, store.UpdateAgentStateInput{
		Status:         store.AgentCompleted,
		TasksCompleted: []string{},
		TasksRemaining: []string{},
		LastAnalysis:   &store.LastAnalysis{QualityScore: result.Total},
	}); err != nil {
		return fmt.Errorf("dispatcher: mark empty-plan master completed: %w", err)
	}
	if err := d.orchestrations.MarkCompleted(ctx, orch.ID); err != nil {
		return fmt.Errorf("dispatcher: mark orchestration completed: %w", err)
	}
	d.recordEvent(ctx, orch.ID, store.EventLevelInfo, "orchestration_completed", "empty task plan, completed immediately", map[string]any{"quality_score": result.Total, "grade": result.Grade})
	return nil
}

// dispatchTask builds the per-task prompt and creates the remote agent,
// recording the subagent in the in-memory ActiveSubagent registry.
func (d *Dispatcher) dispatchTask(ctx context.Context, orch *store.Orchestration, masterID string, task store.Task, apiKey string) error {
	model := ""
	if orch.Model != nil {
		model = d.models.Resolve(ctx, apiKey, *orch.Model)
	}

	resp, err := d.agentClient.CreateAgent(ctx, apiKey, agentclient.CreateAgentRequest{
		Prompt: agentclient.PromptSpec{Text: buildTaskPrompt(task, orch.Options)},
		Source: agentclient.SourceSpec{Repository: NormalizeRepository(orch.RepositoryURL), Ref: orch.Ref},
		Target: &agentclient.TargetSpec{AutoCreatePR: true},
		Model:  model,
	})
	if err != nil {
		return err
	}

	d.trackSubagent(resp.ID, masterID, task.ID)
	d.recordEvent(ctx, orch.ID, store.EventLevelInfo, "task_dispatched", fmt.Sprintf("dispatched task %s to agent %s", task.ID, resp.ID), map[string]any{"task_id": task.ID, "agent_id": resp.ID})
	return nil
}

// buildTaskPrompt composes the per-task instruction: title, description,
// priority, complexity, the standard completion footer, and any
// option-derived additions (spec §4.5).
func buildTaskPrompt(task store.Task, opts store.Options) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\n\n%s\n\n", task.Title, task.Description)
	fmt.Fprintf(&sb, "Priority: %s. Estimated complexity: %s.\n\n", task.Priority, task.EstimatedComplexity)
	sb.WriteString("Complete this task fully, test your changes, follow best practices, and do not introduce breaking changes.\n")

	if opts.EnableAutoFix {
		sb.WriteString("If you encounter errors, attempt to fix them before finishing.\n")
	}
	if opts.EnableTesting {
		sb.WriteString("Write or update tests to cover this change.\n")
	}
	if opts.EnableValidation {
		sb.WriteString("Validate your changes against the project's existing conventions before finishing.\n")
	}
	if opts.Priority != "" {
		fmt.Fprintf(&sb, "Overall priority for this project: %s.\n", opts.Priority)
	}
	return sb.String()
}

func (d *Dispatcher) recordEvent(ctx context.Context, orchestrationID string, level store.EventLevel, stepKey, message string, payload map[string]any) {
	if err := d.events.Record(ctx, store.RecordInput{
		OrchestrationID: orchestrationID,
		Level:           level,
		StepKey:         stepKey,
		Message:         message,
		Payload:         payload,
	}); err != nil {
		d.logger.Error("record event failed", "orchestration_id", orchestrationID, "step_key", stepKey, "error", err)
	}
}

// trackSubagent records a dispatched remote agent's master and task id in
// the in-memory ActiveSubagent registry (spec §3), mirroring the teacher's
// SubAgentRunner mutex-protected map but without the channel-delivery
// machinery: results here arrive as webhook events, not goroutine returns.
func (d *Dispatcher) trackSubagent(agentID, masterID, taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subagents[agentID] = subagentRef{masterID: masterID, taskID: taskID}
}

// untrackSubagent removes a completed/failed subagent from the registry and
// returns what it was tracking, if anything.
func (d *Dispatcher) untrackSubagent(agentID string) (subagentRef, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ref, ok := d.subagents[agentID]
	if ok {
		delete(d.subagents, agentID)
	}
	return ref, ok
}

// LookupSubagent reports which master and task a currently-active remote
// agent belongs to, for the Orchestrator's PIPELINE/BATCH/AUTO routing rule.
func (d *Dispatcher) LookupSubagent(agentID string) (masterID, taskID string, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ref, found := d.subagents[agentID]
	if !found {
		return "", "", false
	}
	return ref.masterID, ref.taskID, true
}

// HandleTaskCompletion implements spec §4.4/§4.5's completion path for a
// PIPELINE/BATCH/AUTO subagent: move the task from remaining to completed,
// pick whatever becomes ready next under the mode's concurrency rule, and
// dispatch it — or complete the master if nothing remains.
func (d *Dispatcher) HandleTaskCompletion(ctx context.Context, orch *store.Orchestration, masterID, agentID, taskID string, apiKey string) error {
	d.untrackSubagent(agentID)

	master, err := d.agentStates.GetByAgentID(ctx, masterID)
	if err != nil {
		return fmt.Errorf("dispatcher: load master agent state %s: %w", masterID, err)
	}

	completed := append(append([]string{}, master.TasksCompleted...), taskID)
	remaining := removeString(master.TasksRemaining, taskID)

	if err := d.orchestrations.IncrementTasksCompleted(ctx, orch.ID); err != nil {
		d.logger.Error("increment tasks completed failed", "orchestration_id", orch.ID, "error", err)
	}

	var plan store.TaskPlan
	if master.LastAnalysis != nil && master.LastAnalysis.TaskPlan != nil {
		plan = *master.LastAnalysis.TaskPlan
	}

	mode := store.ModeBatch
	if master.LastAnalysis != nil && master.LastAnalysis.Mode != "" {
		mode = master.LastAnalysis.Mode
	}

	var next []store.Task
	switch mode {
	case store.ModePipeline:
		if t := firstReady(plan.Tasks, completed); t != nil {
			next = []store.Task{*t}
		}
	default:
		maxParallel := orch.Options.MaxParallelAgents
		if maxParallel <= 0 {
			maxParallel = d.maxParallel
		}
		available := maxParallel - d.activeCountFor(masterID)
		if available > 0 {
			next = readySet(plan.Tasks, completed, d.activeTaskIDsFor(masterID), available)
		}
	}

	for _, t := range next {
		if err := d.dispatchTask(ctx, orch, masterID, t, apiKey); err != nil {
			d.logger.Error("dispatch next task failed", "orchestration_id", orch.ID, "task_id", t.ID, "error", err)
			d.recordEvent(ctx, orch.ID, store.EventLevelError, "dispatch_task_failed", err.Error(), map[string]any{"task_id": t.ID})
		}
	}

	status := store.AgentActive
	if len(remaining) == 0 && d.activeCountFor(masterID) == 0 {
		status = store.AgentCompleted
	}

	if err := d.agentStates.Update(ctx, masterID, store.UpdateAgentStateInput{
		Status:         status,
		TasksCompleted: completed,
		TasksRemaining: remaining,
		LastAnalysis:   master.LastAnalysis,
	}); err != nil {
		return fmt.Errorf("dispatcher: update master after task completion: %w", err)
	}

	if status == store.AgentCompleted {
		// PIPELINE/BATCH/AUTO masters never run the Tester themselves (only
		// SINGLE_AGENT agents do, spec §4.4/§4.5), so there are no real
		// tests/errors counts to report here; scoring on iterations alone
		// leaves those components at the Quality Scorer's documented neutral
		// value instead of a fabricated proxy built from task-list lengths.
		result := quality.Score(quality.Inputs{Iterations: master.Iterations, MaxIterations: d.maxIterations})
		if err := d.orchestrations.MarkCompleted(ctx, orch.ID); err != nil {
			return fmt.Errorf("dispatcher: mark orchestration completed: %w", err)
		}
		d.recordEvent(ctx, orch.ID, store.EventLevelInfo, "orchestration_completed", "all tasks completed", map[string]any{"quality_score": result.Total, "grade": result.Grade})
	}

	return nil
}

func (d *Dispatcher) activeCountFor(masterID string) int {
	return len(d.activeTaskIDsFor(masterID))
}

// activeTaskIDsFor returns the task ids currently dispatched to a live
// subagent under masterID, so they aren't selected again until they
// actually complete.
func (d *Dispatcher) activeTaskIDsFor(masterID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ids []string
	for _, ref := range d.subagents {
		if ref.masterID == masterID {
			ids = append(ids, ref.taskID)
		}
	}
	return ids
}

func removeString(items []string, target string) []string {
	out := make([]string, 0, len(items))
	for _, s := range items {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// firstReady returns the first task (in plan order) whose dependencies are
// all in completed and which is not itself already completed, or nil. It
// does not consult the in-flight set.
func firstReady(tasks []store.Task, completed []string) *store.Task {
	set := readySet(tasks, completed, nil, 1)
	if len(set) == 0 {
		return nil
	}
	return &set[0]
}

// readySet returns up to limit tasks (in plan order) whose dependencies are
// all in completed, excluding tasks that are completed or already in flight
// (inFlight). Only completed tasks satisfy a dependency — an in-flight task
// hasn't finished yet, so its dependents stay unready until it has.
func readySet(tasks []store.Task, completed, inFlight []string, limit int) []store.Task {
	done := make(map[string]bool, len(completed))
	for _, id := range completed {
		done[id] = true
	}
	skip := make(map[string]bool, len(inFlight))
	for _, id := range inFlight {
		skip[id] = true
	}

	var ready []store.Task
	for _, t := range tasks {
		if limit > 0 && len(ready) >= limit {
			break
		}
		if done[t.ID] || skip[t.ID] {
			continue
		}
		if allSatisfied(t.Dependencies, done) {
			ready = append(ready, t)
		}
	}
	return ready
}

func allSatisfied(deps []string, done map[string]bool) bool {
	for _, d := range deps {
		if !done[d] {
			return false
		}
	}
	return true
}

// NormalizeRepository implements spec §4.5's repository normalization: the
// three recognized input forms collapse to one canonical
// https://github.com/<owner>/<repo> form, except URLs that already start
// with "http", which pass through unchanged.
func NormalizeRepository(repo string) string {
	switch {
	case strings.HasPrefix(repo, "http"):
		return repo
	case strings.HasPrefix(repo, "github.com/"):
		return "https://" + repo
	default:
		return "https://github.com/" + repo
	}
}
