package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shehryarbajwa/browser-pilot/internal/llm"
	"github.com/shehryarbajwa/browser-pilot/pkg/models"
)

// ErrModelOutput marks a model response that could not be turned into a plan
var ErrModelOutput = errors.New("invalid model output")

const plannerSystemPrompt = `You convert a browser task into a JSON array of steps.
Respond with the JSON array only. No prose.`

const plannerSchema = `Each step is an object with an "action" field and the parameters it needs:
  {"action":"navigate","url":"https://..."}
  {"action":"type","text":"...","selector":"optional css selector"}
  {"action":"press_key","key":"Enter","selector":"optional css selector"}
  {"action":"click","selector":"css selector"} or {"action":"click","text":"visible text"}
  {"action":"wait","waitMs":1000}
  {"action":"wait_for_selector","selector":"css selector"}
  {"action":"scroll","direction":"down|up|left|right","amount":500}
  {"action":"screenshot"}
  {"action":"message","message":"note for the user"}`

// ModelPlanner asks a language model for steps
type ModelPlanner struct {
	Completer llm.Completer
	MaxSteps  int
}

func (m ModelPlanner) Name() string { return string(models.ProvenanceModel) }

func (m ModelPlanner) prompt(text string) string {
	return fmt.Sprintf("%s\n\nUse at most %d steps.\n\nTask: %s", plannerSchema, m.maxSteps(), text)
}

func (m ModelPlanner) maxSteps() int {
	if m.MaxSteps <= 0 {
		return DefaultMaxModelSteps
	}
	return m.MaxSteps
}

// Plan calls the model once and validates the answer. Every failure wraps ErrModelOutput
// or is the completer's own error.
func (m ModelPlanner) Plan(ctx context.Context, text string) (models.TaskPlan, error) {
	raw, err := m.Completer.Complete(ctx, plannerSystemPrompt, m.prompt(text))
	if err != nil {
		return models.TaskPlan{}, err
	}
	steps, err := ParseModelSteps(raw, m.maxSteps())
	if err != nil {
		return models.TaskPlan{}, err
	}
	return models.NewTaskPlan(text, inferType(steps), models.ProvenanceModel, steps), nil
}

// ParseModelSteps decodes and validates a model answer: a JSON array, optionally
// wrapped in a code fence or surrounded by prose, of at most limit steps.
func ParseModelSteps(raw string, limit int) ([]models.Step, error) {
	body, err := extractJSONArray(raw)
	if err != nil {
		return nil, err
	}

	var decoded []models.Step
	if err := json.Unmarshal([]byte(body), &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelOutput, err)
	}
	if len(decoded) == 0 {
		return nil, fmt.Errorf("%w: no steps", ErrModelOutput)
	}
	if limit > 0 && len(decoded) > limit {
		return nil, fmt.Errorf("%w: %d steps exceeds limit of %d", ErrModelOutput, len(decoded), limit)
	}
	for i, s := range decoded {
		if err := validateStep(s); err != nil {
			return nil, fmt.Errorf("%w: step %d: %v", ErrModelOutput, i, err)
		}
	}
	return decoded, nil
}

func extractJSONArray(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```JSON")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start < 0 || end <= start {
		return "", fmt.Errorf("%w: no JSON array found", ErrModelOutput)
	}
	return s[start : end+1], nil
}

func validateStep(s models.Step) error {
	if !s.Action.Valid() {
		return fmt.Errorf("unknown action %q", s.Action)
	}
	switch s.Action {
	case models.StepNavigate:
		if strings.TrimSpace(s.URL) == "" {
			return errors.New("navigate requires url")
		}
	case models.StepType:
		if s.Text == "" {
			return errors.New("type requires text")
		}
	case models.StepPressKey:
		if s.Key == "" {
			return errors.New("press_key requires key")
		}
	case models.StepClick:
		if s.Selector == "" && s.Text == "" {
			return errors.New("click requires selector or text")
		}
	case models.StepWaitForSelector:
		if s.Selector == "" {
			return errors.New("wait_for_selector requires selector")
		}
	case models.StepScroll:
		switch s.Direction {
		case "", "down", "up", "left", "right":
		default:
			return fmt.Errorf("bad scroll direction %q", s.Direction)
		}
	case models.StepWait:
		if s.WaitMS < 0 {
			return errors.New("wait must not be negative")
		}
	case models.StepMessage:
		if s.Message == "" {
			return errors.New("message requires message")
		}
	}
	return nil
}

// inferType names a model plan after its dominant action
func inferType(steps []models.Step) string {
	var hasType, hasNav, hasKey bool
	for _, s := range steps {
		switch s.Action {
		case models.StepType:
			hasType = true
		case models.StepNavigate:
			hasNav = true
		case models.StepPressKey:
			hasKey = true
		}
	}
	switch {
	case hasType && hasKey:
		return TypeSearch
	case hasType:
		return TypeFillForm
	case hasNav && len(steps) <= 2:
		return TypeNavigate
	}
	return TypeMultiStep
}
