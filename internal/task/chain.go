package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browser-pilot/pkg/models"
)

var (
	// ErrChainNotFound is returned for unknown chain ids
	ErrChainNotFound = errors.New("task chain not found")
	// ErrChainState is returned when a chain is not in a state that allows the call
	ErrChainState = errors.New("task chain state does not allow this operation")
)

// TaskTypeChain is the task type of plans built from a chain
const TaskTypeChain = "chain"

type chain struct {
	id        string
	name      string
	steps     []models.Step
	status    models.ChainStatus
	current   int
	createdAt time.Time
	result    *models.TaskResult
}

func (c *chain) progress() models.ChainProgress {
	p := models.ChainProgress{
		ID:          c.id,
		Name:        c.name,
		Status:      c.status,
		CurrentStep: c.current,
		TotalSteps:  len(c.steps),
		CreatedAt:   c.createdAt,
	}
	if p.TotalSteps > 0 {
		p.Percent = float64(p.CurrentStep) / float64(p.TotalSteps) * 100
	}
	if c.result != nil {
		r := *c.result
		p.Result = &r
	}
	return p
}

// ChainRunner executes a plan and reports each log entry through observe
type ChainRunner func(ctx context.Context, plan models.TaskPlan, observe func(models.ExecutionLogEntry)) models.TaskResult

// Chains stores explicitly staged plans. Steps are added one at a time and the chain
// runs once.
type Chains struct {
	mu     sync.Mutex
	chains map[string]*chain
	logger *zap.Logger
}

// NewChains creates an empty chain store
func NewChains(logger *zap.Logger) *Chains {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chains{
		chains: make(map[string]*chain),
		logger: logger.With(zap.String("component", "task_chains")),
	}
}

// Create starts a new pending chain
func (s *Chains) Create(name string) models.ChainProgress {
	c := &chain{
		id:        uuid.New().String(),
		name:      name,
		status:    models.ChainPending,
		createdAt: time.Now(),
	}
	s.mu.Lock()
	s.chains[c.id] = c
	s.mu.Unlock()
	s.logger.Info("chain created", zap.String("chain", c.id), zap.String("name", name))
	return c.progress()
}

// AddStep appends a validated step to a pending chain
func (s *Chains) AddStep(id string, step models.Step) (models.ChainProgress, error) {
	if err := validateStep(step); err != nil {
		return models.ChainProgress{}, fmt.Errorf("invalid step: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chains[id]
	if !ok {
		return models.ChainProgress{}, ErrChainNotFound
	}
	if c.status != models.ChainPending {
		return models.ChainProgress{}, ErrChainState
	}
	c.steps = append(c.steps, step)
	return c.progress(), nil
}

// Progress returns a snapshot of a chain
func (s *Chains) Progress(id string) (models.ChainProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chains[id]
	if !ok {
		return models.ChainProgress{}, ErrChainNotFound
	}
	return c.progress(), nil
}

// List returns snapshots of every chain, oldest first
func (s *Chains) List() []models.ChainProgress {
	s.mu.Lock()
	out := make([]models.ChainProgress, 0, len(s.chains))
	for _, c := range s.chains {
		out = append(out, c.progress())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Execute runs a pending chain through run and records its result.
// A chain can only be executed once.
func (s *Chains) Execute(ctx context.Context, id string, run ChainRunner) (models.TaskResult, error) {
	s.mu.Lock()
	c, ok := s.chains[id]
	if !ok {
		s.mu.Unlock()
		return models.TaskResult{}, ErrChainNotFound
	}
	if c.status != models.ChainPending {
		s.mu.Unlock()
		return models.TaskResult{}, ErrChainState
	}
	if len(c.steps) == 0 {
		s.mu.Unlock()
		return models.TaskResult{}, fmt.Errorf("%w: chain has no steps", ErrChainState)
	}
	c.status = models.ChainRunning
	plan := models.NewTaskPlan(c.name, TaskTypeChain, models.ProvenanceRule, c.steps)
	s.mu.Unlock()

	res := run(ctx, plan, func(e models.ExecutionLogEntry) {
		s.mu.Lock()
		c.current = e.StepIndex + 1
		s.mu.Unlock()
	})

	s.mu.Lock()
	c.result = &res
	c.current = res.StepsExecuted
	if res.Success {
		c.status = models.ChainCompleted
	} else {
		c.status = models.ChainFailed
	}
	s.mu.Unlock()

	s.logger.Info("chain finished", zap.String("chain", id), zap.Bool("success", res.Success), zap.Int("steps", res.StepsExecuted))
	return res, nil
}

// Delete forgets a chain that is not running
func (s *Chains) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chains[id]
	if !ok {
		return ErrChainNotFound
	}
	if c.status == models.ChainRunning {
		return ErrChainState
	}
	delete(s.chains, id)
	return nil
}
