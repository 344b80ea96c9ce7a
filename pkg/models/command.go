package models

// CommandKind names a primitive accepted by the session facade
type CommandKind string

const (
	CommandNavigate      CommandKind = "navigate"
	CommandClick         CommandKind = "click"
	CommandType          CommandKind = "type"
	CommandScroll        CommandKind = "scroll"
	CommandPressKey      CommandKind = "press_key"
	CommandExecuteScript CommandKind = "execute_script"
	CommandComplexTask   CommandKind = "complex_task"
)

// Valid reports whether k is a known command kind
func (k CommandKind) Valid() bool {
	switch k {
	case CommandNavigate, CommandClick, CommandType, CommandScroll,
		CommandPressKey, CommandExecuteScript, CommandComplexTask:
		return true
	}
	return false
}

// ClickTarget selects what to click: a CSS selector, viewport coordinates or visible text.
// Exactly one form is expected; Selector wins over Text, Text over coordinates.
type ClickTarget struct {
	Selector string   `json:"selector,omitempty"`
	Text     string   `json:"text,omitempty"`
	X        *float64 `json:"x,omitempty"`
	Y        *float64 `json:"y,omitempty"`
}

// HasCoords reports whether the target is a coordinate click
func (t ClickTarget) HasCoords() bool {
	return t.X != nil && t.Y != nil
}

// Empty reports whether no target form is set
func (t ClickTarget) Empty() bool {
	return t.Selector == "" && t.Text == "" && !t.HasCoords()
}

// CommandParams carries the parameters of every command kind.
// Only the fields relevant to the kind are read.
type CommandParams struct {
	URL       string         `json:"url,omitempty"`
	Target    ClickTarget    `json:"target,omitempty"`
	Text      string         `json:"text,omitempty"`
	Selector  string         `json:"selector,omitempty"`
	Direction string         `json:"direction,omitempty"`
	Distance  int            `json:"distance,omitempty"`
	Key       string         `json:"key,omitempty"`
	Script    string         `json:"script,omitempty"`
	TaskKind  string         `json:"taskKind,omitempty"`
	TaskData  map[string]any `json:"taskData,omitempty"`
}

// Command is a single unit of work queued for the session worker
type Command struct {
	ID     string        `json:"id"`
	Kind   CommandKind   `json:"kind"`
	Params CommandParams `json:"params"`
}

// CommandResult is returned to callers of the public command API
type CommandResult struct {
	Success    bool   `json:"success"`
	CommandID  string `json:"commandId,omitempty"`
	Message    string `json:"message,omitempty"`
	URL        string `json:"url,omitempty"`
	Screenshot string `json:"screenshot,omitempty"`
	Output     any    `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
}
