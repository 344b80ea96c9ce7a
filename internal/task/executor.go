package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/browser-pilot/internal/browser"
	"github.com/shehryarbajwa/browser-pilot/internal/metrics"
	"github.com/shehryarbajwa/browser-pilot/internal/navigation"
	"github.com/shehryarbajwa/browser-pilot/pkg/models"
)

// Executor defaults
const (
	DefaultPlanTimeout   = 45 * time.Second
	DefaultStepBudget    = 10 * time.Second
	DefaultMaxSteps      = 25
	DefaultFailFastAfter = 2
	DefaultWait          = time.Second
	DefaultSelectorWait  = 10 * time.Second
)

var (
	// ErrPlanTruncated is reported as a warning when a plan exceeds MaxSteps
	ErrPlanTruncated = errors.New("plan truncated")
	// ErrAborted is reported when consecutive failures stop a plan early
	ErrAborted = errors.New("plan aborted after consecutive failures")
)

// ExecutorConfig tunes plan execution
type ExecutorConfig struct {
	PlanTimeout   time.Duration
	StepBudget    time.Duration
	MaxSteps      int
	FailFastAfter int
	// Screenshots enables capture for a final screenshot step
	Screenshots bool
}

// Emitter publishes progress events. *events.Bus satisfies it.
type Emitter interface {
	Emit(t models.EventType, data map[string]any) int
}

// Executor runs task plans against one driver
type Executor struct {
	cfg     ExecutorConfig
	nav     *navigation.Navigator
	events  Emitter
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewExecutor creates an executor. events may be nil.
func NewExecutor(cfg ExecutorConfig, nav *navigation.Navigator, events Emitter, logger *zap.Logger, m *metrics.Metrics) *Executor {
	if cfg.PlanTimeout <= 0 {
		cfg.PlanTimeout = DefaultPlanTimeout
	}
	if cfg.StepBudget <= 0 {
		cfg.StepBudget = DefaultStepBudget
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.FailFastAfter <= 0 {
		cfg.FailFastAfter = DefaultFailFastAfter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if nav == nil {
		nav = navigation.New(navigation.Options{}, logger, m)
	}
	return &Executor{
		cfg:     cfg,
		nav:     nav,
		events:  events,
		logger:  logger.With(zap.String("component", "task_executor")),
		metrics: m,
	}
}

// runLog collects entries from the execution goroutine. After seal no more entries
// are accepted, so a result handed out at the ceiling never changes.
type runLog struct {
	observe     func(models.ExecutionLogEntry)
	mu          sync.Mutex
	entries     []models.ExecutionLogEntry
	screenshots []models.Screenshot
	sealed      bool
}

func (l *runLog) add(e models.ExecutionLogEntry, shot *models.Screenshot) bool {
	l.mu.Lock()
	if l.sealed {
		l.mu.Unlock()
		return false
	}
	l.entries = append(l.entries, e)
	if shot != nil {
		l.screenshots = append(l.screenshots, *shot)
	}
	l.mu.Unlock()

	if l.observe != nil {
		l.observe(e)
	}
	return true
}

func (l *runLog) seal() ([]models.ExecutionLogEntry, []models.Screenshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sealed = true
	entries := make([]models.ExecutionLogEntry, len(l.entries))
	copy(entries, l.entries)
	shots := make([]models.Screenshot, len(l.screenshots))
	copy(shots, l.screenshots)
	return entries, shots
}

// Run executes plan and blocks until it finishes or hits the plan ceiling
func (e *Executor) Run(ctx context.Context, plan models.TaskPlan, d browser.Driver, urls navigation.URLSetter) models.TaskResult {
	res, _ := e.Execute(ctx, plan, d, urls, nil)
	return res
}

// Execute is Run that also returns a channel closed once the execution goroutine exits.
// After a timeout the goroutine may still be inside a driver call; callers that must not
// overlap driver use wait on the channel before issuing more commands.
// observe, when set, sees each log entry as it is recorded.
func (e *Executor) Execute(ctx context.Context, plan models.TaskPlan, d browser.Driver, urls navigation.URLSetter, observe func(models.ExecutionLogEntry)) (models.TaskResult, <-chan struct{}) {
	start := time.Now()
	steps := plan.Steps
	res := models.TaskResult{
		TaskType:   plan.TaskType,
		Provenance: plan.Provenance,
	}
	if len(steps) > e.cfg.MaxSteps {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%v: %d steps reduced to %d", ErrPlanTruncated, len(steps), e.cfg.MaxSteps))
		e.logger.Warn("plan truncated", zap.Int("steps", len(steps)), zap.Int("max", e.cfg.MaxSteps))
		steps = steps[:e.cfg.MaxSteps]
	}
	res.TotalSteps = len(steps)

	runCtx, cancel := context.WithCancel(ctx)
	log := &runLog{observe: observe}
	finished := make(chan struct{})
	var aborted error

	e.emit("started", plan, res.TotalSteps, nil)
	go func() {
		defer close(finished)
		aborted = e.loop(runCtx, steps, d, urls, log)
	}()

	timer := time.NewTimer(e.cfg.PlanTimeout)
	defer timer.Stop()

	var timedOut bool
	var stopped error
	select {
	case <-finished:
	case <-timer.C:
		timedOut = true
	case <-ctx.Done():
		stopped = ctx.Err()
	}
	cancel()

	res.ExecutionLog, res.Screenshots = log.seal()
	res.StepsExecuted = len(res.ExecutionLog)
	res.Duration = time.Since(start)

	failed := 0
	for _, entry := range res.ExecutionLog {
		if !entry.Success {
			failed++
		}
	}

	switch {
	case timedOut:
		res.TimeoutEntry = &models.ExecutionLogEntry{
			StepIndex: res.StepsExecuted,
			Action:    "timeout",
			Error:     fmt.Sprintf("%v after %s", ErrPlanTimeout, e.cfg.PlanTimeout),
			Duration:  res.Duration,
		}
		res.Error = res.TimeoutEntry.Error
		e.logger.Warn("plan ceiling reached",
			zap.Duration("ceiling", e.cfg.PlanTimeout), zap.Int("executed", res.StepsExecuted), zap.Int("total", res.TotalSteps))
	case stopped != nil:
		res.Error = fmt.Sprintf("plan cancelled: %v", stopped)
	case aborted != nil:
		res.Error = aborted.Error()
	case failed > 0:
		res.Error = fmt.Sprintf("%d of %d steps failed", failed, res.TotalSteps)
	default:
		res.Success = true
	}

	e.metrics.RecordTask(res.Success, timedOut, res.StepsExecuted)
	e.emit("finished", plan, res.TotalSteps, &res)
	return res, finished
}

// loop runs steps in order. It returns ErrAborted when the fail-fast streak is reached.
// Skipped and successful entries reset the streak.
func (e *Executor) loop(ctx context.Context, steps []models.Step, d browser.Driver, urls navigation.URLSetter, log *runLog) error {
	streak := 0
	for i, step := range steps {
		if ctx.Err() != nil {
			return nil
		}
		entry, shot := e.runStep(ctx, i, step, i == len(steps)-1, d, urls)
		if !log.add(entry, shot) {
			return nil
		}
		if entry.Success {
			streak = 0
			continue
		}
		streak++
		if streak >= e.cfg.FailFastAfter {
			e.logger.Warn("aborting plan", zap.Int("step", i), zap.Int("consecutive_failures", streak))
			return fmt.Errorf("%w: %d in a row, last at step %d", ErrAborted, streak, i)
		}
	}
	return nil
}

func (e *Executor) runStep(ctx context.Context, i int, step models.Step, last bool, d browser.Driver, urls navigation.URLSetter) (models.ExecutionLogEntry, *models.Screenshot) {
	entry := models.ExecutionLogEntry{StepIndex: i, Action: step.Action}
	start := time.Now()

	var shot *models.Screenshot
	msg, err := func() (string, error) {
		switch step.Action {
		case models.StepNavigate:
			out, err := e.nav.Navigate(ctx, d, urls, step.URL)
			if err != nil {
				return "", err
			}
			if out.SoftError != nil {
				return "", out.SoftError
			}
			return fmt.Sprintf("navigated to %s via %s", out.CurrentURL, out.Strategy), nil

		case models.StepType:
			return fmt.Sprintf("typed %d characters", len(step.Text)), d.Type(ctx, step.Text, step.Selector)

		case models.StepPressKey:
			return "pressed " + step.Key, d.PressKey(ctx, step.Key, step.Selector)

		case models.StepClick:
			target := models.ClickTarget{Selector: step.Selector}
			if target.Selector == "" {
				target.Text = step.Text
			}
			if target.Empty() {
				return "", browser.ErrInvalidTarget
			}
			return "clicked " + step.Selector + step.Text, d.Click(ctx, target)

		case models.StepWait:
			wait := time.Duration(step.WaitMS) * time.Millisecond
			if wait <= 0 {
				wait = DefaultWait
			}
			t := time.NewTimer(wait)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-t.C:
			}
			return fmt.Sprintf("waited %s", wait), nil

		case models.StepWaitForSelector:
			timeout := time.Duration(step.WaitMS) * time.Millisecond
			if timeout <= 0 {
				timeout = DefaultSelectorWait
			}
			return "found " + step.Selector, d.WaitForSelector(ctx, step.Selector, timeout)

		case models.StepScroll:
			return fmt.Sprintf("scrolled %s", step.Direction), d.Scroll(ctx, step.Direction, step.Amount)

		case models.StepScreenshot:
			if !last || !e.cfg.Screenshots {
				entry.Skipped = true
				return "screenshot skipped", nil
			}
			img, err := d.Screenshot(ctx)
			if err != nil {
				return "", err
			}
			ref := fmt.Sprintf("step-%d", i)
			shot = &models.Screenshot{Ref: ref, StepIndex: i, Image: img, TakenAt: time.Now()}
			entry.ScreenshotRef = ref
			return "screenshot captured", nil

		case models.StepMessage:
			return step.Message, nil
		}
		return "", fmt.Errorf("unsupported action %q", step.Action)
	}()

	entry.Duration = time.Since(start)
	entry.Success = err == nil
	if err == nil {
		entry.Message = msg
	} else {
		entry.Error = err.Error()
		e.logger.Info("step failed", zap.Int("step", i), zap.String("action", string(step.Action)), zap.Error(err))
	}
	if entry.Duration > e.cfg.StepBudget {
		entry.OverBudget = true
		e.logger.Warn("step exceeded budget",
			zap.Int("step", i), zap.String("action", string(step.Action)),
			zap.Duration("elapsed", entry.Duration), zap.Duration("budget", e.cfg.StepBudget))
	}
	return entry, shot
}

// emit publishes a task event. total is the number of steps that will run, which
// is lower than the plan's count when the plan was truncated.
func (e *Executor) emit(phase string, plan models.TaskPlan, total int, res *models.TaskResult) {
	if e.events == nil {
		return
	}
	data := map[string]any{
		"phase":      phase,
		"task":       plan.OriginalTask,
		"taskType":   plan.TaskType,
		"totalSteps": total,
	}
	if res != nil {
		data["success"] = res.Success
		data["stepsExecuted"] = res.StepsExecuted
		if res.Error != "" {
			data["error"] = res.Error
		}
	}
	e.events.Emit(models.EventTask, data)
}
