// Package task turns task descriptions into step plans and runs them against a session.
package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/browser-pilot/internal/llm"
	"github.com/shehryarbajwa/browser-pilot/internal/metrics"
	"github.com/shehryarbajwa/browser-pilot/pkg/models"
)

// Parser defaults
const (
	DefaultModelMinLength = 40
	DefaultMaxSubtasks    = 5
	DefaultMaxModelSteps  = 15
	DefaultModelTimeout   = 15 * time.Second
)

// ErrPlanTimeout is reported when the model does not answer in time, and by the executor
// when a plan exceeds its ceiling
var ErrPlanTimeout = errors.New("plan timed out")

// ParserConfig tunes the parser
type ParserConfig struct {
	ModelMinLength int
	MaxSubtasks    int
	MaxModelSteps  int
	ModelTimeout   time.Duration
	SearchEngine   string
}

// Parser tries the model planner for complex text and always ends at the rule planner
type Parser struct {
	cfg     ParserConfig
	model   *ModelPlanner
	rules   RulePlanner
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewParser creates a parser. A nil completer disables the model path.
func NewParser(cfg ParserConfig, completer llm.Completer, logger *zap.Logger, m *metrics.Metrics) *Parser {
	if cfg.ModelMinLength <= 0 {
		cfg.ModelMinLength = DefaultModelMinLength
	}
	if cfg.MaxSubtasks <= 0 {
		cfg.MaxSubtasks = DefaultMaxSubtasks
	}
	if cfg.MaxModelSteps <= 0 {
		cfg.MaxModelSteps = DefaultMaxModelSteps
	}
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = DefaultModelTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Parser{
		cfg:     cfg,
		rules:   RulePlanner{MaxSubtasks: cfg.MaxSubtasks, Engine: cfg.SearchEngine},
		logger:  logger.With(zap.String("component", "task_parser")),
		metrics: m,
	}
	if completer != nil {
		p.model = &ModelPlanner{Completer: completer, MaxSteps: cfg.MaxModelSteps}
	}
	return p
}

// Complex reports whether text is long enough or multi-part enough to try the model
func (p *Parser) Complex(text string) bool {
	if len(text) >= p.cfg.ModelMinLength {
		return true
	}
	return hardSeparator.MatchString(text) || andSeparator.MatchString(text)
}

// Parse never fails. Model errors are logged and the rule planner answers instead.
func (p *Parser) Parse(ctx context.Context, text string) models.TaskPlan {
	text = strings.TrimSpace(text)
	if p.model != nil && text != "" && p.Complex(text) {
		plan, err := p.planWithModel(ctx, text)
		if err == nil {
			p.metrics.RecordPlan(string(models.ProvenanceModel))
			p.logger.Debug("model plan accepted", zap.Int("steps", plan.TotalSteps))
			return plan
		}
		p.logger.Debug("model plan rejected, using rules", zap.Error(err))
	}

	plan := p.rules.Plan(text)
	p.metrics.RecordPlan(string(models.ProvenanceRule))
	return plan
}

// planWithModel enforces the timeout even against a completer that ignores ctx
func (p *Parser) planWithModel(ctx context.Context, text string) (models.TaskPlan, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ModelTimeout)
	defer cancel()

	type answer struct {
		plan models.TaskPlan
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		plan, err := p.model.Plan(ctx, text)
		ch <- answer{plan, err}
	}()

	select {
	case a := <-ch:
		if a.err != nil && !errors.Is(a.err, ErrModelOutput) {
			return a.plan, fmt.Errorf("%w: %v", ErrModelOutput, a.err)
		}
		return a.plan, a.err
	case <-ctx.Done():
		return models.TaskPlan{}, fmt.Errorf("%w: %w", ErrModelOutput, ErrPlanTimeout)
	}
}
