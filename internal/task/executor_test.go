package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browser-pilot/internal/browser/browsertest"
	"github.com/shehryarbajwa/browser-pilot/internal/navigation"
	"github.com/shehryarbajwa/browser-pilot/pkg/models"
)

type urlBox struct {
	mu  sync.Mutex
	url string
}

func (b *urlBox) SetCurrentURL(u string) {
	b.mu.Lock()
	b.url = u
	b.mu.Unlock()
}

func (b *urlBox) get() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.url
}

func newExecutor(cfg ExecutorConfig) *Executor {
	nav := navigation.New(navigation.Options{}, nil, nil)
	return NewExecutor(cfg, nav, nil, nil, nil)
}

func plan(steps ...models.Step) models.TaskPlan {
	return models.NewTaskPlan("test", TypeMultiStep, models.ProvenanceRule, steps)
}

func assertLogInvariant(t *testing.T, res models.TaskResult) {
	t.Helper()
	assert.LessOrEqual(t, res.StepsExecuted, res.TotalSteps)
	assert.Len(t, res.ExecutionLog, res.StepsExecuted)
}

func TestExecutorRunsPlanInOrder(t *testing.T) {
	d := browsertest.New()
	urls := &urlBox{}
	e := newExecutor(ExecutorConfig{})

	res := e.Run(context.Background(), plan(
		models.Step{Action: models.StepNavigate, URL: "example.com"},
		models.Step{Action: models.StepType, Selector: "#q", Text: "rome"},
		models.Step{Action: models.StepPressKey, Key: "Enter"},
		models.Step{Action: models.StepClick, Text: "First result"},
		models.Step{Action: models.StepScroll, Direction: "down", Amount: 300},
		models.Step{Action: models.StepWaitForSelector, Selector: "#results"},
		models.Step{Action: models.StepMessage, Message: "done"},
	), d, urls)

	require.True(t, res.Success, res.Error)
	assertLogInvariant(t, res)
	assert.Equal(t, 7, res.StepsExecuted)
	for i, entry := range res.ExecutionLog {
		assert.Equal(t, i, entry.StepIndex)
		assert.True(t, entry.Success)
	}
	assert.Equal(t, "https://example.com", urls.get())

	var ops []string
	for _, c := range d.Calls() {
		ops = append(ops, c.Op)
	}
	assert.Equal(t, []string{"navigate", "type", "press_key", "click", "scroll", "wait_for_selector"}, ops)
}

func TestExecutorPlanCeiling(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the plan ceiling")
	}
	d := browsertest.New()
	e := newExecutor(ExecutorConfig{PlanTimeout: 5 * time.Second})

	start := time.Now()
	res := e.Run(context.Background(), plan(
		models.Step{Action: models.StepWait, WaitMS: 3000},
		models.Step{Action: models.StepWait, WaitMS: 3000},
		models.Step{Action: models.StepWait, WaitMS: 3000},
	), d, &urlBox{})
	elapsed := time.Since(start)

	assert.False(t, res.Success)
	require.NotNil(t, res.TimeoutEntry)
	assert.Equal(t, models.StepAction("timeout"), res.TimeoutEntry.Action)
	assert.Contains(t, res.Error, ErrPlanTimeout.Error())
	assert.Less(t, res.StepsExecuted, res.TotalSteps)
	assert.Equal(t, 1, res.StepsExecuted)
	assertLogInvariant(t, res)
	assert.Less(t, elapsed, 6*time.Second)
}

func TestExecutorFailFast(t *testing.T) {
	d := browsertest.New()
	d.FailOn("click", errors.New("no such element"))
	d.FailOn("type", errors.New("element detached"))
	e := newExecutor(ExecutorConfig{})

	res := e.Run(context.Background(), plan(
		models.Step{Action: models.StepNavigate, URL: "https://example.com"},
		models.Step{Action: models.StepClick, Selector: "#missing"},
		models.Step{Action: models.StepType, Selector: "#gone", Text: "x"},
		models.Step{Action: models.StepPressKey, Key: "Enter"},
	), d, &urlBox{})

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, ErrAborted.Error())
	assert.Equal(t, 3, res.StepsExecuted)
	assert.Equal(t, 4, res.TotalSteps)
	assertLogInvariant(t, res)
	assert.Empty(t, d.CallsFor("press_key"))
	assert.False(t, res.ExecutionLog[1].Success)
	assert.False(t, res.ExecutionLog[2].Success)
}

func TestExecutorIsolatedFailureContinues(t *testing.T) {
	d := browsertest.New()
	d.FailOn("click", errors.New("no such element"))
	e := newExecutor(ExecutorConfig{})

	res := e.Run(context.Background(), plan(
		models.Step{Action: models.StepClick, Selector: "#missing"},
		models.Step{Action: models.StepType, Text: "x"},
		models.Step{Action: models.StepClick, Selector: "#missing"},
		models.Step{Action: models.StepPressKey, Key: "Enter"},
	), d, &urlBox{})

	assert.False(t, res.Success)
	assert.Equal(t, 4, res.StepsExecuted)
	assert.Len(t, d.CallsFor("press_key"), 1)
	assertLogInvariant(t, res)
}

func TestExecutorSkipsIntermediateScreenshots(t *testing.T) {
	d := browsertest.New()
	e := newExecutor(ExecutorConfig{Screenshots: true})

	res := e.Run(context.Background(), plan(
		models.Step{Action: models.StepScreenshot},
		models.Step{Action: models.StepMessage, Message: "hi"},
		models.Step{Action: models.StepScreenshot},
	), d, &urlBox{})

	require.True(t, res.Success)
	assert.True(t, res.ExecutionLog[0].Skipped)
	assert.True(t, res.ExecutionLog[0].Success)
	assert.False(t, res.ExecutionLog[2].Skipped)
	require.Len(t, res.Screenshots, 1)
	assert.Equal(t, "step-2", res.ExecutionLog[2].ScreenshotRef)
	assert.Equal(t, browsertest.PNG, res.Screenshots[0].Image)
	assert.Len(t, d.CallsFor("screenshot"), 1)
}

func TestExecutorScreenshotsDisabled(t *testing.T) {
	d := browsertest.New()
	e := newExecutor(ExecutorConfig{Screenshots: false})

	res := e.Run(context.Background(), plan(models.Step{Action: models.StepScreenshot}), d, &urlBox{})
	assert.True(t, res.Success)
	assert.True(t, res.ExecutionLog[0].Skipped)
	assert.Empty(t, d.CallsFor("screenshot"))
}

func TestExecutorTruncatesLongPlans(t *testing.T) {
	steps := make([]models.Step, 30)
	for i := range steps {
		steps[i] = models.Step{Action: models.StepMessage, Message: "tick"}
	}
	e := newExecutor(ExecutorConfig{MaxSteps: 25})

	res := e.Run(context.Background(), plan(steps...), browsertest.New(), &urlBox{})
	assert.True(t, res.Success)
	assert.Equal(t, 25, res.TotalSteps)
	assert.Equal(t, 25, res.StepsExecuted)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], ErrPlanTruncated.Error())
}

type taskEvents struct {
	mu     sync.Mutex
	events []map[string]any
}

func (c *taskEvents) Emit(t models.EventType, data map[string]any) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t == models.EventTask {
		c.events = append(c.events, data)
	}
	return 1
}

func TestExecutorEventsReportTruncatedTotal(t *testing.T) {
	steps := make([]models.Step, 30)
	for i := range steps {
		steps[i] = models.Step{Action: models.StepMessage, Message: "tick"}
	}
	events := &taskEvents{}
	nav := navigation.New(navigation.Options{}, nil, nil)
	e := NewExecutor(ExecutorConfig{MaxSteps: 25}, nav, events, nil, nil)

	res := e.Run(context.Background(), plan(steps...), browsertest.New(), &urlBox{})
	require.Equal(t, 25, res.TotalSteps)

	events.mu.Lock()
	defer events.mu.Unlock()
	require.Len(t, events.events, 2)
	assert.Equal(t, "started", events.events[0]["phase"])
	assert.Equal(t, "finished", events.events[1]["phase"])
	for _, ev := range events.events {
		assert.Equal(t, res.TotalSteps, ev["totalSteps"])
	}
	assert.Equal(t, 25, events.events[1]["stepsExecuted"])
}

func TestExecutorStepBudgetIsSoft(t *testing.T) {
	e := newExecutor(ExecutorConfig{StepBudget: 10 * time.Millisecond})

	res := e.Run(context.Background(), plan(
		models.Step{Action: models.StepWait, WaitMS: 40},
		models.Step{Action: models.StepMessage, Message: "after"},
	), browsertest.New(), &urlBox{})

	assert.True(t, res.Success)
	assert.True(t, res.ExecutionLog[0].OverBudget)
	assert.False(t, res.ExecutionLog[1].OverBudget)
}

func TestExecutorNavigationFallbackCountsAsFailure(t *testing.T) {
	d := browsertest.New()
	d.FailOn("navigate", errors.New("refused"))
	d.FailOn("execute_script", errors.New("refused"))
	d.FailOn("new_tab", errors.New("refused"))
	urls := &urlBox{}
	e := newExecutor(ExecutorConfig{})

	res := e.Run(context.Background(), plan(models.Step{Action: models.StepNavigate, URL: "https://down.example"}), d, urls)
	assert.False(t, res.Success)
	assert.Contains(t, res.ExecutionLog[0].Error, navigation.ErrAllStrategiesFailed.Error())
	assert.Equal(t, "https://down.example", urls.get())
}

func TestExecuteSignalsGoroutineExit(t *testing.T) {
	d := browsertest.New()
	d.DelayOn("click", 200*time.Millisecond)
	e := newExecutor(ExecutorConfig{PlanTimeout: 50 * time.Millisecond})

	var observed []int
	var mu sync.Mutex
	res, finished := e.Execute(context.Background(), plan(
		models.Step{Action: models.StepMessage, Message: "first"},
		models.Step{Action: models.StepClick, Selector: "#slow"},
		models.Step{Action: models.StepMessage, Message: "never"},
	), d, &urlBox{}, func(entry models.ExecutionLogEntry) {
		mu.Lock()
		observed = append(observed, entry.StepIndex)
		mu.Unlock()
	})

	require.NotNil(t, res.TimeoutEntry)
	assert.Equal(t, 1, res.StepsExecuted)
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("execution goroutine did not exit")
	}
	// entries after the ceiling are not added to the returned result
	assert.Len(t, res.ExecutionLog, 1)
	mu.Lock()
	assert.Equal(t, []int{0}, observed)
	mu.Unlock()
}
