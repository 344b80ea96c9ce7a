package models

import "time"

// StepAction is an atomic browser action inside a task plan
type StepAction string

const (
	StepNavigate        StepAction = "navigate"
	StepType            StepAction = "type"
	StepPressKey        StepAction = "press_key"
	StepClick           StepAction = "click"
	StepWait            StepAction = "wait"
	StepWaitForSelector StepAction = "wait_for_selector"
	StepScroll          StepAction = "scroll"
	StepScreenshot      StepAction = "screenshot"
	StepMessage         StepAction = "message"
)

// Valid reports whether a is a known step action
func (a StepAction) Valid() bool {
	switch a {
	case StepNavigate, StepType, StepPressKey, StepClick, StepWait,
		StepWaitForSelector, StepScroll, StepScreenshot, StepMessage:
		return true
	}
	return false
}

// Step is one action with its parameters. It is a plain value with no
// reference fields, so copies handed out by a plan cannot alter the plan.
type Step struct {
	Action    StepAction `json:"action"`
	URL       string     `json:"url,omitempty"`
	Selector  string     `json:"selector,omitempty"`
	Text      string     `json:"text,omitempty"`
	Key       string     `json:"key,omitempty"`
	Direction string     `json:"direction,omitempty"`
	Amount    int        `json:"amount,omitempty"`
	WaitMS    int        `json:"waitMs,omitempty"`
	Message   string     `json:"message,omitempty"`
}

// PlanProvenance records which parser variant produced a plan
type PlanProvenance string

const (
	ProvenanceRule  PlanProvenance = "rule"
	ProvenanceModel PlanProvenance = "model"
)

// TaskPlan is an ordered list of steps derived from a task description
type TaskPlan struct {
	OriginalTask string         `json:"originalTask"`
	TaskType     string         `json:"taskType"`
	Steps        []Step         `json:"steps"`
	TotalSteps   int            `json:"totalSteps"`
	Provenance   PlanProvenance `json:"provenance"`
}

// NewTaskPlan copies steps into a fresh plan so later edits to the input slice are not observed
func NewTaskPlan(task, taskType string, provenance PlanProvenance, steps []Step) TaskPlan {
	own := make([]Step, len(steps))
	copy(own, steps)
	return TaskPlan{
		OriginalTask: task,
		TaskType:     taskType,
		Steps:        own,
		TotalSteps:   len(own),
		Provenance:   provenance,
	}
}

// ExecutionLogEntry records the outcome of one executed step
type ExecutionLogEntry struct {
	StepIndex     int           `json:"stepIndex"`
	Action        StepAction    `json:"action"`
	Success       bool          `json:"success"`
	Skipped       bool          `json:"skipped,omitempty"`
	Message       string        `json:"message,omitempty"`
	Error         string        `json:"error,omitempty"`
	ScreenshotRef string        `json:"screenshotRef,omitempty"`
	Duration      time.Duration `json:"duration"`
	OverBudget    bool          `json:"overBudget,omitempty"`
}

// Screenshot is an image captured by a plan step
type Screenshot struct {
	Ref       string    `json:"ref"`
	StepIndex int       `json:"stepIndex"`
	Image     []byte    `json:"image"`
	TakenAt   time.Time `json:"takenAt"`
}

// TaskResult is the outcome of running a plan
type TaskResult struct {
	Success       bool                `json:"success"`
	TaskType      string              `json:"taskType,omitempty"`
	Provenance    PlanProvenance      `json:"provenance,omitempty"`
	StepsExecuted int                 `json:"stepsExecuted"`
	TotalSteps    int                 `json:"totalSteps"`
	ExecutionLog  []ExecutionLogEntry `json:"executionLog"`
	Screenshots   []Screenshot        `json:"screenshots,omitempty"`
	TimeoutEntry  *ExecutionLogEntry  `json:"timeoutEntry,omitempty"`
	Warnings      []string            `json:"warnings,omitempty"`
	Error         string              `json:"error,omitempty"`
	Duration      time.Duration       `json:"duration"`
}

// ChainStatus is the lifecycle state of a staged task chain
type ChainStatus string

const (
	ChainPending   ChainStatus = "pending"
	ChainRunning   ChainStatus = "running"
	ChainCompleted ChainStatus = "completed"
	ChainFailed    ChainStatus = "failed"
)

// ChainProgress reports how far a task chain has run
type ChainProgress struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Status      ChainStatus `json:"status"`
	CurrentStep int         `json:"currentStep"`
	TotalSteps  int         `json:"totalSteps"`
	Percent     float64     `json:"percent"`
	CreatedAt   time.Time   `json:"createdAt"`
	Result      *TaskResult `json:"result,omitempty"`
}

// TaskRequest is the payload for executing a task. Kind "search" and "fill_form"
// read Data; any other kind reads the free text in Task.
type TaskRequest struct {
	Kind string         `json:"kind,omitempty"`
	Data map[string]any `json:"data,omitempty"`
	Task string         `json:"task,omitempty"`
}

// CreateChainRequest is the payload for creating a task chain
type CreateChainRequest struct {
	Name string `json:"name"`
}
