package pilot

import (
	"context"
	"fmt"
	"strings"

	"github.com/shehryarbajwa/browser-pilot/internal/task"
	"github.com/shehryarbajwa/browser-pilot/pkg/models"
)

// Submit queues cmd and returns immediately with the command id
func (p *Pilot) Submit(cmd models.Command) models.CommandResult {
	if !cmd.Kind.Valid() || cmd.Kind == models.CommandComplexTask {
		return models.CommandResult{Success: false, Error: fmt.Sprintf("unsupported command %q", cmd.Kind)}
	}
	j := newJob(cmd)
	if err := p.enqueue(j); err != nil {
		return models.CommandResult{Success: false, CommandID: j.cmd.ID, Error: err.Error()}
	}
	return models.CommandResult{Success: true, CommandID: j.cmd.ID, Message: "queued"}
}

// Do queues cmd and waits for the worker's result or ctx
func (p *Pilot) Do(ctx context.Context, cmd models.Command) models.CommandResult {
	if !cmd.Kind.Valid() || cmd.Kind == models.CommandComplexTask {
		return models.CommandResult{Success: false, Error: fmt.Sprintf("unsupported command %q", cmd.Kind)}
	}
	j := newJob(cmd)
	if err := p.enqueue(j); err != nil {
		return models.CommandResult{Success: false, CommandID: j.cmd.ID, Error: err.Error()}
	}
	select {
	case res := <-j.reply:
		return res
	case <-ctx.Done():
		return models.CommandResult{Success: false, CommandID: j.cmd.ID, Error: ctx.Err().Error()}
	}
}

// Navigate queues a navigation
func (p *Pilot) Navigate(url string) models.CommandResult {
	return p.Submit(models.Command{Kind: models.CommandNavigate, Params: models.CommandParams{URL: url}})
}

// Click queues a click on a selector, visible text or coordinates
func (p *Pilot) Click(target models.ClickTarget) models.CommandResult {
	return p.Submit(models.Command{Kind: models.CommandClick, Params: models.CommandParams{Target: target}})
}

// Type queues typing text, into selector when given
func (p *Pilot) Type(text, selector string) models.CommandResult {
	return p.Submit(models.Command{Kind: models.CommandType, Params: models.CommandParams{Text: text, Selector: selector}})
}

// Scroll queues a scroll
func (p *Pilot) Scroll(direction string, distance int) models.CommandResult {
	return p.Submit(models.Command{Kind: models.CommandScroll, Params: models.CommandParams{Direction: direction, Distance: distance}})
}

// PressKey queues a key press, on selector when given
func (p *Pilot) PressKey(key, selector string) models.CommandResult {
	return p.Submit(models.Command{Kind: models.CommandPressKey, Params: models.CommandParams{Key: key, Selector: selector}})
}

// ExecuteScript queues a script evaluation
func (p *Pilot) ExecuteScript(script string) models.CommandResult {
	return p.Submit(models.Command{Kind: models.CommandExecuteScript, Params: models.CommandParams{Script: script}})
}

// PlanTask turns a task request into a plan. kind "search" and "fill_form" use
// structured data; anything else reads free text from data["task"].
func (p *Pilot) PlanTask(ctx context.Context, kind string, data map[string]any) (models.TaskPlan, error) {
	kind = strings.TrimSpace(kind)
	if plan, ok := task.PlanFromData(kind, data); ok {
		return plan, nil
	}
	switch kind {
	case task.TypeSearch:
		return models.TaskPlan{}, fmt.Errorf("search task requires a query")
	case task.TypeFillForm:
		return models.TaskPlan{}, fmt.Errorf("fill_form task requires fields")
	}
	text, _ := data["task"].(string)
	if strings.TrimSpace(text) == "" {
		return models.TaskPlan{}, fmt.Errorf("task text is required")
	}
	return p.Parser.Parse(ctx, text), nil
}

// ExecuteTask plans a task and runs it on the worker, so it is serialized with
// every other command on the session
func (p *Pilot) ExecuteTask(ctx context.Context, kind string, data map[string]any) models.TaskResult {
	plan, err := p.PlanTask(ctx, kind, data)
	if err != nil {
		return models.TaskResult{Success: false, Error: err.Error()}
	}
	return p.RunPlan(ctx, plan, nil)
}

// RunPlan queues plan as a complex task and waits for its result
func (p *Pilot) RunPlan(ctx context.Context, plan models.TaskPlan, observe func(models.ExecutionLogEntry)) models.TaskResult {
	j := newJob(models.Command{
		Kind:   models.CommandComplexTask,
		Params: models.CommandParams{TaskKind: plan.TaskType},
	})
	j.plan = plan
	j.observe = observe

	if err := p.enqueue(j); err != nil {
		return models.TaskResult{Success: false, TaskType: plan.TaskType, TotalSteps: plan.TotalSteps, Error: err.Error()}
	}
	select {
	case res := <-j.taskReply:
		return res
	case <-ctx.Done():
		return models.TaskResult{Success: false, TaskType: plan.TaskType, TotalSteps: plan.TotalSteps, Error: ctx.Err().Error()}
	}
}

// CreateChain starts a staged task chain
func (p *Pilot) CreateChain(name string) models.ChainProgress {
	return p.Chains.Create(name)
}

// AddChainStep appends a step to a pending chain
func (p *Pilot) AddChainStep(id string, step models.Step) (models.ChainProgress, error) {
	return p.Chains.AddStep(id, step)
}

// ExecuteChain runs a chain on the worker
func (p *Pilot) ExecuteChain(ctx context.Context, id string) (models.TaskResult, error) {
	return p.Chains.Execute(ctx, id, p.RunPlan)
}

// ChainProgress reports a chain's progress
func (p *Pilot) ChainProgress(id string) (models.ChainProgress, error) {
	return p.Chains.Progress(id)
}

// ListChains returns every known chain, oldest first
func (p *Pilot) ListChains() []models.ChainProgress {
	return p.Chains.List()
}

// DeleteChain forgets a chain that is not running
func (p *Pilot) DeleteChain(id string) error {
	return p.Chains.Delete(id)
}
