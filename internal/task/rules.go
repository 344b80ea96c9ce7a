package task

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shehryarbajwa/browser-pilot/pkg/models"
)

// Task types produced by the rule planner
const (
	TypeSearch    = "search"
	TypeLogin     = "login"
	TypeFillForm  = "fill_form"
	TypeNavigate  = "navigate"
	TypeClick     = "click"
	TypeScroll    = "scroll"
	TypeType      = "type"
	TypePressKey  = "press_key"
	TypeWait      = "wait"
	TypeCapture   = "screenshot"
	TypeMultiStep = "multi_step"
	TypeEmpty     = "empty"
)

var (
	urlPattern = regexp.MustCompile(`(?i)\b(?:https?://[^\s,;]+|(?:www\.)?[a-z0-9][a-z0-9-]*(?:\.[a-z0-9-]+)*\.(?:com|org|net|io|dev|ai|app|edu|gov|co|uk|de|fr|info|me)(?:/[^\s,;]*)?)`)

	// hard separators always split; "and" only splits when an action verb follows
	hardSeparator = regexp.MustCompile(`(?i)\s*(?:,\s*(?:and\s+)?then\b|\band\s+then\b|\bthen\b|[,;])\s*`)
	andSeparator  = regexp.MustCompile(`(?i)\s+and\s+`)

	searchPrefix = regexp.MustCompile(`(?i)^(?:please\s+)?(?:search(?:\s+(?:for|about))?|find(?:\s+out)?|look\s*up|lookup|google|query)\s+`)
	clickPrefix  = regexp.MustCompile(`(?i)^(?:please\s+)?click(?:\s+on)?(?:\s+the)?\s+`)
	navPrefix    = regexp.MustCompile(`(?i)^(?:please\s+)?(?:go\s+to|navigate\s+to|open|visit|browse\s+to|load)(?:\s+the)?\s+`)
	typePattern  = regexp.MustCompile(`(?i)^(?:please\s+)?(?:type|enter|write)\s+"?(.+?)"?(?:\s+(?:in|into)\s+(?:the\s+)?(.+?))?$`)
	fillPattern  = regexp.MustCompile(`(?i)\b(?:fill(?:\s+in)?|set)\s+(?:the\s+)?([\w-]+)(?:\s+field)?\s+(?:with|to|as)\s+"?([^",;]+)"?`)
	pressPattern = regexp.MustCompile(`(?i)\bpress\s+(?:the\s+)?([\w+]+)(?:\s+key)?`)
	trailingNoun = regexp.MustCompile(`(?i)\s+(?:button|link|tab|icon)$`)

	// scroll direction words; down wins when a phrase names both
	scrollDown  = regexp.MustCompile(`(?i)\b(?:down|downwards?|bottom)\b`)
	scrollUp    = regexp.MustCompile(`(?i)\b(?:up|upwards?|top)\b`)
	scrollLeft  = regexp.MustCompile(`(?i)\bleft\b`)
	scrollRight = regexp.MustCompile(`(?i)\bright\b`)
	scrollFar   = regexp.MustCompile(`(?i)\b(?:top|bottom|all\s+the\s+way)\b`)

	actionVerb = regexp.MustCompile(`(?i)^(?:search|find|look|google|click|tap|go|navigate|open|visit|type|enter|fill|press|scroll|log|login|sign|submit|wait|take)\b`)
)

var keyAliases = map[string]string{
	"enter": "Enter", "return": "Enter", "tab": "Tab", "escape": "Escape", "esc": "Escape",
	"space": "Space", "backspace": "Backspace", "up": "ArrowUp", "down": "ArrowDown",
	"left": "ArrowLeft", "right": "ArrowRight", "pagedown": "PageDown", "pageup": "PageUp",
}

// RulePlanner maps text to steps with keyword heuristics. It never fails.
type RulePlanner struct {
	MaxSubtasks int
	Engine      string
}

func (r RulePlanner) Name() string { return string(models.ProvenanceRule) }

// Plan always returns a plan with at least one step
func (r RulePlanner) Plan(text string) models.TaskPlan {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.NewTaskPlan(text, TypeEmpty, models.ProvenanceRule, []models.Step{
			{Action: models.StepMessage, Message: "empty task, nothing to do"},
		})
	}

	parts := r.split(text)
	if len(parts) == 1 {
		taskType, steps := r.classify(parts[0])
		return models.NewTaskPlan(text, taskType, models.ProvenanceRule, steps)
	}

	var steps []models.Step
	for _, part := range parts {
		_, sub := r.classify(part)
		steps = append(steps, sub...)
	}
	return models.NewTaskPlan(text, TypeMultiStep, models.ProvenanceRule, steps)
}

// split breaks text into at most MaxSubtasks sub-tasks. Anything past the cap is dropped.
func (r RulePlanner) split(text string) []string {
	limit := r.MaxSubtasks
	if limit <= 0 {
		limit = DefaultMaxSubtasks
	}

	var parts []string
	for _, chunk := range hardSeparator.Split(text, -1) {
		parts = append(parts, splitOnAnd(chunk)...)
	}

	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
		if len(out) == limit {
			break
		}
	}
	if len(out) == 0 {
		return []string{text}
	}
	return out
}

// splitOnAnd splits on "and" only where the next clause starts with an action verb,
// so queries like "salt and pepper" stay whole.
func splitOnAnd(chunk string) []string {
	locs := andSeparator.FindAllStringIndex(chunk, -1)
	if len(locs) == 0 {
		return []string{chunk}
	}
	var out []string
	start := 0
	for _, loc := range locs {
		if actionVerb.MatchString(chunk[loc[1]:]) {
			out = append(out, chunk[start:loc[0]])
			start = loc[1]
		}
	}
	return append(out, chunk[start:])
}

// classify maps one sub-task to its type and steps
func (r RulePlanner) classify(part string) (string, []models.Step) {
	lower := strings.ToLower(part)

	// explicit URLs win unless the sub-task is a search or a form fill
	if u := findURL(part); u != "" && !searchPrefix.MatchString(part) && !fillPattern.MatchString(part) {
		return TypeNavigate, []models.Step{
			{Action: models.StepNavigate, URL: u},
			{Action: models.StepWait, WaitMS: 1000},
		}
	}

	switch {
	case clickPrefix.MatchString(part) || strings.HasPrefix(lower, "tap "):
		target := strings.TrimSpace(clickPrefix.ReplaceAllString(part, ""))
		target = strings.TrimPrefix(target, "tap ")
		target = trailingNoun.ReplaceAllString(strings.Trim(target, `"'`), "")
		return TypeClick, []models.Step{{Action: models.StepClick, Text: target}}

	case containsAny(lower, "log in", "login", "sign in", "signin"):
		return TypeLogin, loginSteps()

	case fillPattern.MatchString(part):
		var steps []models.Step
		for _, m := range fillPattern.FindAllStringSubmatch(part, -1) {
			steps = append(steps, models.Step{Action: models.StepType, Selector: fieldSelector(m[1]), Text: strings.TrimSpace(m[2])})
		}
		return TypeFillForm, steps

	case strings.Contains(lower, "form") && containsAny(lower, "fill", "submit", "complete"):
		return TypeFillForm, []models.Step{
			{Action: models.StepWaitForSelector, Selector: "form"},
			{Action: models.StepClick, Selector: DefaultSubmitSelector},
			{Action: models.StepWait, WaitMS: 1000},
		}

	case navPrefix.MatchString(part):
		target := strings.TrimSpace(navPrefix.ReplaceAllString(part, ""))
		return TypeNavigate, []models.Step{
			{Action: models.StepNavigate, URL: guessURL(target)},
			{Action: models.StepWait, WaitMS: 1000},
		}

	case strings.HasPrefix(lower, "scroll"):
		return TypeScroll, []models.Step{scrollStep(lower)}

	case pressPattern.MatchString(part) && !searchPrefix.MatchString(part):
		key := pressPattern.FindStringSubmatch(part)[1]
		if alias, ok := keyAliases[strings.ToLower(key)]; ok {
			key = alias
		}
		return TypePressKey, []models.Step{{Action: models.StepPressKey, Key: key}}

	case typePattern.MatchString(part):
		m := typePattern.FindStringSubmatch(part)
		step := models.Step{Action: models.StepType, Text: m[1]}
		if m[2] != "" {
			step.Selector = fieldSelector(strings.TrimSuffix(strings.TrimSpace(m[2]), " field"))
		}
		return TypeType, []models.Step{step}

	case strings.HasPrefix(lower, "wait"):
		return TypeWait, []models.Step{{Action: models.StepWait, WaitMS: 2000}}

	case containsAny(lower, "screenshot", "capture the page"):
		return TypeCapture, []models.Step{{Action: models.StepScreenshot}}
	}

	query := strings.TrimSpace(searchPrefix.ReplaceAllString(part, ""))
	if query == "" {
		query = part
	}
	return TypeSearch, searchSteps(query, LookupEngine(r.Engine))
}

func loginSteps() []models.Step {
	return []models.Step{
		{Action: models.StepClick, Text: "Sign in"},
		{Action: models.StepWaitForSelector, Selector: `input[type="password"]`},
		{Action: models.StepMessage, Message: "login form is open; credentials must be supplied by the caller"},
	}
}

func scrollStep(lower string) models.Step {
	step := models.Step{Action: models.StepScroll, Direction: "down", Amount: 500}
	switch {
	case scrollDown.MatchString(lower):
	case scrollUp.MatchString(lower):
		step.Direction = "up"
	case scrollLeft.MatchString(lower):
		step.Direction = "left"
	case scrollRight.MatchString(lower):
		step.Direction = "right"
	}
	if scrollFar.MatchString(lower) {
		step.Amount = 10000
	}
	return step
}

// guessURL turns a bare site name into a URL: "github" becomes https://www.github.com
func guessURL(target string) string {
	target = strings.Trim(strings.TrimSpace(target), `"'.`)
	if u := findURL(target); u != "" {
		return u
	}
	fields := strings.Fields(strings.ToLower(target))
	if len(fields) == 0 {
		return "about:blank"
	}
	name := strings.TrimSuffix(fields[0], "'s")
	return fmt.Sprintf("https://www.%s.com", name)
}

// findURL returns the first URL-like substring that is not part of an email address
func findURL(s string) string {
	for _, loc := range urlPattern.FindAllStringIndex(s, -1) {
		if loc[0] > 0 && s[loc[0]-1] == '@' {
			continue
		}
		if loc[1] < len(s) && s[loc[1]] == '@' {
			continue
		}
		return s[loc[0]:loc[1]]
	}
	return ""
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
