package task

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shehryarbajwa/browser-pilot/pkg/models"
)

// SearchEngine describes how to drive one search site
type SearchEngine struct {
	Name          string
	HomeURL       string
	InputSelector string
	ResultsSel    string
}

// Search engines supported by BuildSearchPlan
var searchEngines = map[string]SearchEngine{
	"google": {
		Name:          "google",
		HomeURL:       "https://www.google.com",
		InputSelector: `textarea[name="q"], input[name="q"]`,
		ResultsSel:    "#search",
	},
	"bing": {
		Name:          "bing",
		HomeURL:       "https://www.bing.com",
		InputSelector: `input[name="q"], textarea[name="q"]`,
		ResultsSel:    "#b_results",
	},
	"duckduckgo": {
		Name:          "duckduckgo",
		HomeURL:       "https://duckduckgo.com",
		InputSelector: `input[name="q"]`,
		ResultsSel:    `[data-testid="result"], #links`,
	},
}

// DefaultSearchEngine is used when none or an unknown one is requested
const DefaultSearchEngine = "google"

// LookupEngine returns the named engine, falling back to DefaultSearchEngine
func LookupEngine(name string) SearchEngine {
	if e, ok := searchEngines[strings.ToLower(strings.TrimSpace(name))]; ok {
		return e
	}
	return searchEngines[DefaultSearchEngine]
}

func searchSteps(query string, engine SearchEngine) []models.Step {
	return []models.Step{
		{Action: models.StepNavigate, URL: engine.HomeURL},
		{Action: models.StepWaitForSelector, Selector: engine.InputSelector},
		{Action: models.StepType, Selector: engine.InputSelector, Text: query},
		{Action: models.StepPressKey, Key: "Enter"},
		{Action: models.StepWaitForSelector, Selector: engine.ResultsSel},
		{Action: models.StepScreenshot},
	}
}

// BuildSearchPlan builds a plan that searches query on engine
func BuildSearchPlan(query, engine string) models.TaskPlan {
	e := LookupEngine(engine)
	query = strings.TrimSpace(query)
	return models.NewTaskPlan(fmt.Sprintf("search %s for %q", e.Name, query), TypeSearch, models.ProvenanceRule, searchSteps(query, e))
}

// DefaultSubmitSelector is clicked by BuildFormPlan when no submit selector is given
const DefaultSubmitSelector = `button[type="submit"], input[type="submit"]`

// fieldSelector turns a form field name into a selector. Values that already
// look like CSS selectors are kept.
func fieldSelector(field string) string {
	field = strings.TrimSpace(field)
	if strings.ContainsAny(field, "#.[ >:") {
		return field
	}
	return fmt.Sprintf(`[name=%q], #%s`, field, field)
}

// BuildFormPlan builds a plan that opens url, fills fields and submits.
// Fields are filled in name order so the plan is deterministic.
func BuildFormPlan(url string, fields map[string]string, submit string) models.TaskPlan {
	var steps []models.Step
	if strings.TrimSpace(url) != "" {
		steps = append(steps,
			models.Step{Action: models.StepNavigate, URL: url},
			models.Step{Action: models.StepWaitForSelector, Selector: "form"},
		)
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		steps = append(steps, models.Step{Action: models.StepType, Selector: fieldSelector(name), Text: fields[name]})
	}

	if submit == "" {
		submit = DefaultSubmitSelector
	}
	steps = append(steps,
		models.Step{Action: models.StepClick, Selector: submit},
		models.Step{Action: models.StepWait, WaitMS: 1000},
		models.Step{Action: models.StepScreenshot},
	)
	return models.NewTaskPlan(fmt.Sprintf("fill form at %s", url), TypeFillForm, models.ProvenanceRule, steps)
}

// PlanFromData builds a plan for a structured search or fill_form task.
// It reports false when kind is not structured or required data is missing.
func PlanFromData(kind string, data map[string]any) (models.TaskPlan, bool) {
	switch kind {
	case TypeSearch:
		q := stringField(data, "query")
		if q == "" {
			return models.TaskPlan{}, false
		}
		return BuildSearchPlan(q, stringField(data, "engine")), true
	case TypeFillForm:
		fields := map[string]string{}
		if raw, ok := data["fields"].(map[string]any); ok {
			for k, v := range raw {
				fields[k] = fmt.Sprint(v)
			}
		}
		if raw, ok := data["fields"].(map[string]string); ok {
			for k, v := range raw {
				fields[k] = v
			}
		}
		if len(fields) == 0 {
			return models.TaskPlan{}, false
		}
		return BuildFormPlan(stringField(data, "url"), fields, stringField(data, "submit")), true
	}
	return models.TaskPlan{}, false
}

func stringField(data map[string]any, key string) string {
	if v, ok := data[key]; ok && v != nil {
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s)
		}
		return strings.TrimSpace(fmt.Sprint(v))
	}
	return ""
}
