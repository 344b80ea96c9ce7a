package pilot

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browser-pilot/internal/browser"
	"github.com/shehryarbajwa/browser-pilot/internal/navigation"
	"github.com/shehryarbajwa/browser-pilot/internal/session"
	"github.com/shehryarbajwa/browser-pilot/pkg/models"
)

// job is one queued command. reply and taskReply are buffered so the worker never
// blocks on a caller that stopped waiting.
type job struct {
	cmd       models.Command
	plan      models.TaskPlan
	observe   func(models.ExecutionLogEntry)
	reply     chan models.CommandResult
	taskReply chan models.TaskResult
}

func newJob(cmd models.Command) *job {
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}
	return &job{
		cmd:       cmd,
		reply:     make(chan models.CommandResult, 1),
		taskReply: make(chan models.TaskResult, 1),
	}
}

func (j *job) respond(res models.CommandResult) {
	res.CommandID = j.cmd.ID
	select {
	case j.reply <- res:
	default:
	}
}

func (j *job) respondTask(res models.TaskResult) {
	select {
	case j.taskReply <- res:
	default:
	}
	out := models.CommandResult{Success: res.Success, Message: fmt.Sprintf("%d/%d steps executed", res.StepsExecuted, res.TotalSteps), Output: res}
	if !res.Success {
		out.Error = res.Error
	}
	j.respond(out)
}

func (j *job) fail(err error) {
	if j.cmd.Kind == models.CommandComplexTask {
		j.respondTask(models.TaskResult{Success: false, TotalSteps: j.plan.TotalSteps, Error: err.Error()})
		return
	}
	j.respond(models.CommandResult{Success: false, Error: err.Error()})
}

// enqueue adds j without blocking. The send happens under mu so Stop cannot
// strand a job in a queue nobody drains.
func (p *Pilot) enqueue(j *job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queue == nil {
		return ErrNotStarted
	}
	select {
	case p.queue <- j:
		p.metrics.SetQueueDepth(len(p.queue))
		return nil
	default:
		return fmt.Errorf("%w (%d)", ErrQueueFull, p.cfg.QueueSize)
	}
}

// work drains the queue strictly in order. It is the only writer of page state.
func (p *Pilot) work(ctx context.Context, queue chan *job, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-queue:
			p.metrics.SetQueueDepth(len(queue))
			if ctx.Err() != nil {
				j.fail(ErrStopped)
				return
			}
			p.process(ctx, j)
		}
	}
}

func (p *Pilot) process(ctx context.Context, j *job) {
	start := time.Now()
	h, err := p.Registry.GetOrCreate(ctx, p.cfg.SessionID)
	if err != nil {
		p.logger.Error("no session for command", zap.String("kind", string(j.cmd.Kind)), zap.Error(err))
		p.Bus.Emit(models.EventError, map[string]any{"command": j.cmd.Kind, "error": err.Error()})
		p.metrics.RecordCommand(string(j.cmd.Kind), false, time.Since(start))
		j.fail(err)
		return
	}
	p.ensureCapture(h)

	ok := false
	err = h.Exec(ctx, func(ctx context.Context, d browser.Driver) error {
		if j.cmd.Kind == models.CommandComplexTask {
			res, finished := p.Executor.Execute(ctx, j.plan, d, h, j.observe)
			j.respondTask(res)
			ok = res.Success
			// hold the session until the execution goroutine lets go of the driver
			<-finished
			return nil
		}
		res := p.apply(ctx, h, d, j.cmd)
		ok = res.Success
		j.respond(res)
		return nil
	})
	if err != nil {
		j.fail(err)
	}
	p.metrics.RecordCommand(string(j.cmd.Kind), ok && err == nil, time.Since(start))
}

// apply runs one primitive command against the driver
func (p *Pilot) apply(ctx context.Context, h *session.Handle, d browser.Driver, cmd models.Command) models.CommandResult {
	params := cmd.Params
	var (
		msg    string
		output any
		err    error
	)

	switch cmd.Kind {
	case models.CommandNavigate:
		var out navigation.Outcome
		out, err = p.Navigator.Navigate(ctx, d, h, params.URL)
		if err == nil {
			p.Bus.Emit(models.EventNavigation, map[string]any{
				"url":      out.CurrentURL,
				"strategy": out.Strategy,
				"success":  out.OK(),
			})
			if out.SoftError != nil {
				p.Bus.Emit(models.EventError, map[string]any{"command": cmd.Kind, "url": out.RequestedURL, "error": out.SoftError.Error()})
				return models.CommandResult{Success: false, URL: out.CurrentURL, Error: out.SoftError.Error()}
			}
			return models.CommandResult{Success: true, URL: out.CurrentURL, Message: "navigated via " + out.Strategy}
		}

	case models.CommandClick:
		if params.Target.Empty() && params.Selector != "" {
			params.Target.Selector = params.Selector
		}
		if params.Target.Empty() {
			err = browser.ErrInvalidTarget
			break
		}
		err = d.Click(ctx, params.Target)
		msg = "clicked"

	case models.CommandType:
		err = d.Type(ctx, params.Text, params.Selector)
		msg = fmt.Sprintf("typed %d characters", len(params.Text))

	case models.CommandScroll:
		err = d.Scroll(ctx, params.Direction, params.Distance)
		msg = "scrolled " + params.Direction

	case models.CommandPressKey:
		err = d.PressKey(ctx, params.Key, params.Selector)
		msg = "pressed " + params.Key

	case models.CommandExecuteScript:
		output, err = d.ExecuteScript(ctx, params.Script)
		msg = "script executed"

	default:
		err = fmt.Errorf("unsupported command %q", cmd.Kind)
	}

	if u := d.CurrentURL(); u != "" && u != navigation.SafePage {
		h.SetCurrentURL(u)
	}
	if err != nil {
		p.logger.Info("command failed", zap.String("kind", string(cmd.Kind)), zap.Error(err))
		p.Bus.Emit(models.EventError, map[string]any{"command": cmd.Kind, "error": err.Error()})
		return models.CommandResult{Success: false, URL: h.CurrentURL(), Error: err.Error()}
	}
	return models.CommandResult{Success: true, URL: h.CurrentURL(), Message: msg, Output: output}
}
