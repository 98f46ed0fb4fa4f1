// Package store is the persistence layer: typed repositories over
// PostgreSQL for orchestrations, outbox jobs, events, agent state, and
// health heartbeats.
package store

import "time"

// OrchestrationStatus is the lifecycle status of an Orchestration.
type OrchestrationStatus string

const (
	OrchestrationQueued    OrchestrationStatus = "queued"
	OrchestrationRunning   OrchestrationStatus = "running"
	OrchestrationCompleted OrchestrationStatus = "completed"
	OrchestrationError     OrchestrationStatus = "error"
	OrchestrationTimeout   OrchestrationStatus = "timeout"
	OrchestrationStopped   OrchestrationStatus = "stopped"
)

// Mode is the dispatch mode for an orchestration.
type Mode string

const (
	ModeSingleAgent Mode = "SINGLE_AGENT"
	ModePipeline    Mode = "PIPELINE"
	ModeBatch       Mode = "BATCH"
	ModeAuto        Mode = "AUTO"
)

// Priority is the per-orchestration priority hint appended to subtask prompts.
type Priority string

const (
	PrioritySpeed    Priority = "speed"
	PriorityQuality  Priority = "quality"
	PriorityBalanced Priority = "balanced"
)

// TaskSize is the planner sizing hint.
type TaskSize string

const (
	TaskSizeSmall  TaskSize = "small"
	TaskSizeMedium TaskSize = "medium"
	TaskSizeLarge  TaskSize = "large"
	TaskSizeAuto   TaskSize = "auto"
)

// Options are the per-orchestration options recognized by the core (spec §6.7).
type Options struct {
	Mode              Mode     `json:"mode,omitempty"`
	MaxParallelAgents int      `json:"maxParallelAgents,omitempty"`
	EnableAutoFix     bool     `json:"enableAutoFix,omitempty"`
	EnableTesting     bool     `json:"enableTesting,omitempty"`
	EnableValidation  bool     `json:"enableValidation,omitempty"`
	Priority          Priority `json:"priority,omitempty"`
	TaskSize          TaskSize `json:"taskSize,omitempty"`
}

// Orchestration is a top-level unit of work initiated by a user prompt.
type Orchestration struct {
	ID              string
	MasterAgentID   *string
	RepositoryURL   string
	Prompt          string
	PromptLength    int
	Ref             string
	Model           *string
	Mode            Mode
	Status          OrchestrationStatus
	TasksTotal      int
	TasksCompleted  int
	ActiveAgents    int
	Metadata        TaskPlan
	Options         Options
	ErrorCode       *string
	ErrorMessage    *string
	ErrorSummary    *string
	CreatedAt       time.Time
	StartedAt       *time.Time
	UpdatedAt       time.Time
}

// OutboxJobStatus is the lifecycle status of a durable OutboxJob.
type OutboxJobStatus string

const (
	OutboxPending    OutboxJobStatus = "pending"
	OutboxProcessing OutboxJobStatus = "processing"
	OutboxCompleted  OutboxJobStatus = "completed"
	OutboxFailed     OutboxJobStatus = "failed"
)

// OutboxJobType names the kind of durable instruction.
type OutboxJobType string

// OutboxStartOrchestration is the only job type emitted at kickoff time.
const OutboxStartOrchestration OutboxJobType = "start-orchestration"

// OutboxJob is a durable instruction claimed and executed by the Outbox
// Processor under optimistic locking.
type OutboxJob struct {
	ID              string
	OrchestrationID string
	Type            OutboxJobType
	Payload         StartOrchestrationPayload
	Status          OutboxJobStatus
	Attempts        int
	MaxAttempts     int
	NextRunAt       time.Time
	LastError       *string
	WorkerID        *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// StartOrchestrationPayload is the one known OutboxJob payload variant.
// Unknown variants in the source system's "opaque JSON" scheme route to a
// dead-letter path rather than panicking (see pkg/outbox).
type StartOrchestrationPayload struct {
	Prompt     string  `json:"prompt"`
	Repository string  `json:"repository"`
	Ref        string  `json:"ref"`
	Model      *string `json:"model,omitempty"`
	APIKey     string  `json:"apiKey"`
	Options    Options `json:"options"`
}

// EventLevel is the severity of an Event.
type EventLevel string

const (
	EventLevelInfo  EventLevel = "info"
	EventLevelWarn  EventLevel = "warn"
	EventLevelError EventLevel = "error"
	EventLevelDebug EventLevel = "debug"
)

// StepPhase marks where in a multi-step operation an Event was emitted.
type StepPhase string

const (
	StepPhaseStart    StepPhase = "start"
	StepPhaseProgress StepPhase = "progress"
	StepPhaseEnd      StepPhase = "end"
)

// Event is an append-only audit record attached to an orchestration.
type Event struct {
	ID              int64
	OrchestrationID string
	Level           EventLevel
	StepKey         string
	StepPhase       *StepPhase
	Message         string
	Payload         map[string]any
	CreatedAt       time.Time
}

// AgentStatus is the lifecycle status of an AgentState.
type AgentStatus string

const (
	AgentActive               AgentStatus = "ACTIVE"
	AgentCompleted            AgentStatus = "COMPLETED"
	AgentError                AgentStatus = "ERROR"
	AgentMaxIterationsReached AgentStatus = "MAX_ITERATIONS_REACHED"
	AgentTimeout              AgentStatus = "TIMEOUT"
)

// DecisionAction is one of the four decisions the Analyzer can return.
type DecisionAction string

const (
	ActionContinue DecisionAction = "CONTINUE"
	ActionTest     DecisionAction = "TEST"
	ActionFix      DecisionAction = "FIX"
	ActionComplete DecisionAction = "COMPLETE"
)

// LastAnalysis is the frozen decision context persisted on AgentState —
// the task plan, current task/subagent pointers, mode/options, and the
// most recent quality score.
type LastAnalysis struct {
	TaskPlan        *TaskPlan      `json:"taskPlan,omitempty"`
	CurrentTaskID   string         `json:"currentTaskId,omitempty"`
	CurrentAgentID  string         `json:"currentAgentId,omitempty"`
	Mode            Mode           `json:"mode,omitempty"`
	Options         Options        `json:"options,omitempty"`
	QualityScore    int            `json:"qualityScore,omitempty"`
	NeedsRefinement bool           `json:"needsRefinement,omitempty"`
	LastAction      DecisionAction `json:"lastAction,omitempty"`

	// TestsPassed/TestsTotal/ErrorsFixed/ErrorsTotal/CodeQuality/TestCoverage
	// are the Quality Scorer's own inputs (spec §4.7), folded in from the
	// most recent Tester run so a later COMPLETE decision — even one
	// reached without running TEST again — scores against real counts
	// instead of a fabricated proxy.
	TestsPassed  int  `json:"testsPassed,omitempty"`
	TestsTotal   int  `json:"testsTotal,omitempty"`
	ErrorsFixed  int  `json:"errorsFixed,omitempty"`
	ErrorsTotal  int  `json:"errorsTotal,omitempty"`
	CodeQuality  *int `json:"codeQuality,omitempty"`
	TestCoverage *int `json:"testCoverage,omitempty"`
}

// AgentState is per-Cloud-Agent coordination state, for both master and
// single agents.
type AgentState struct {
	ID              int64
	AgentID         string
	TaskDescription string
	BranchName      string
	Repository      string
	Iterations      int
	Status          AgentStatus
	TasksCompleted  []string
	TasksRemaining  []string
	LastAnalysis    *LastAnalysis
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TaskPriority is the priority of a planned Task.
type TaskPriority string

const (
	TaskPriorityHigh   TaskPriority = "high"
	TaskPriorityMedium TaskPriority = "medium"
	TaskPriorityLow    TaskPriority = "low"
)

// Task is one node of a TaskPlan's dependency DAG.
type Task struct {
	ID                  string       `json:"id"`
	Title               string       `json:"title"`
	Description         string       `json:"description"`
	Priority            TaskPriority `json:"priority"`
	EstimatedComplexity string       `json:"estimatedComplexity"`
	Dependencies        []string     `json:"dependencies"`
}

// TaskPlan is produced once by the planner and frozen onto AgentState /
// Orchestration.metadata.
type TaskPlan struct {
	ProjectDescription string `json:"projectDescription"`
	Tasks              []Task `json:"tasks"`
}

// HealthRecord is a periodic heartbeat with worker id, uptime, memory, and
// queue depths. Append-only.
type HealthRecord struct {
	ID         int64
	Service    string
	Status     string
	Message    string
	Payload    map[string]any
	CreatedAt  time.Time
}
