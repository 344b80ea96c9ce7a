package task

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browser-pilot/internal/browser/browsertest"
	"github.com/shehryarbajwa/browser-pilot/pkg/models"
)

func TestChainLifecycle(t *testing.T) {
	chains := NewChains(nil)
	created := chains.Create("checkout")
	assert.Equal(t, models.ChainPending, created.Status)

	_, err := chains.AddStep(created.ID, models.Step{Action: models.StepNavigate, URL: "https://shop.example"})
	require.NoError(t, err)
	p, err := chains.AddStep(created.ID, models.Step{Action: models.StepClick, Text: "Buy"})
	require.NoError(t, err)
	assert.Equal(t, 2, p.TotalSteps)

	_, err = chains.AddStep(created.ID, models.Step{Action: "fly"})
	assert.Error(t, err)

	e := newExecutor(ExecutorConfig{})
	d := browsertest.New()
	res, err := chains.Execute(context.Background(), created.ID, func(ctx context.Context, plan models.TaskPlan, observe func(models.ExecutionLogEntry)) models.TaskResult {
		assert.Equal(t, TaskTypeChain, plan.TaskType)
		r, finished := e.Execute(ctx, plan, d, &urlBox{}, observe)
		<-finished
		return r
	})
	require.NoError(t, err)
	assert.True(t, res.Success)

	p, err = chains.Progress(created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChainCompleted, p.Status)
	assert.Equal(t, 2, p.CurrentStep)
	assert.InDelta(t, 100.0, p.Percent, 0.001)
	require.NotNil(t, p.Result)

	_, err = chains.Execute(context.Background(), created.ID, nil)
	assert.ErrorIs(t, err, ErrChainState)
	_, err = chains.AddStep(created.ID, models.Step{Action: models.StepWait})
	assert.ErrorIs(t, err, ErrChainState)
}

func TestChainErrors(t *testing.T) {
	chains := NewChains(nil)
	_, err := chains.Progress("missing")
	assert.ErrorIs(t, err, ErrChainNotFound)
	_, err = chains.AddStep("missing", models.Step{Action: models.StepWait})
	assert.ErrorIs(t, err, ErrChainNotFound)

	empty := chains.Create("empty")
	_, err = chains.Execute(context.Background(), empty.ID, nil)
	assert.ErrorIs(t, err, ErrChainState)

	require.NoError(t, chains.Delete(empty.ID))
	assert.Empty(t, chains.List())
}

func TestChainFailureStatus(t *testing.T) {
	chains := NewChains(nil)
	c := chains.Create("fails")
	_, err := chains.AddStep(c.ID, models.Step{Action: models.StepMessage, Message: "x"})
	require.NoError(t, err)

	_, err = chains.Execute(context.Background(), c.ID, func(context.Context, models.TaskPlan, func(models.ExecutionLogEntry)) models.TaskResult {
		return models.TaskResult{Success: false, StepsExecuted: 0, TotalSteps: 1}
	})
	require.NoError(t, err)
	p, _ := chains.Progress(c.ID)
	assert.Equal(t, models.ChainFailed, p.Status)
}
