package domain

// ArgSchema is the JSON Schema subset used to describe handler arguments.
type ArgSchema struct {
	Type        string                `json:"type,omitempty" yaml:"type,omitempty"`
	Description string                `json:"description,omitempty" yaml:"description,omitempty"`
	Properties  map[string]*ArgSchema `json:"properties,omitempty" yaml:"properties,omitempty"`
	Required    []string              `json:"required,omitempty" yaml:"required,omitempty"`
	Items       *ArgSchema            `json:"items,omitempty" yaml:"items,omitempty"`
	Enum        []any                 `json:"enum,omitempty" yaml:"enum,omitempty"`
	Default     any                   `json:"default,omitempty" yaml:"default,omitempty"`
}

// CapabilityDescriptor is what the classifier sees of a handler.
type CapabilityDescriptor struct {
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description" yaml:"description"`
	Schema      *ArgSchema `json:"schema,omitempty" yaml:"schema,omitempty"`
	Keywords    []string   `json:"keywords,omitempty" yaml:"keywords,omitempty"`
}

// RoutingDecision is the classifier's verdict for one turn.
// An empty Capability means no handler was selected.
type RoutingDecision struct {
	Capability string         `json:"capability,omitempty"`
	Arguments  map[string]any `json:"arguments"`
	Confidence float64        `json:"confidence"`
	IsFallback bool           `json:"is_fallback"`
	Answer     string         `json:"answer,omitempty"`
	Source     RoutingSource  `json:"source"`
}

// HasDirectAnswer reports whether dispatch can be skipped.
func (d RoutingDecision) HasDirectAnswer() bool {
	return d.IsFallback && d.Capability == "" && d.Answer != ""
}

// HandlerResult is what a capability handler returns.
type HandlerResult struct {
	Text     string         `json:"text"`
	Evidence []Evidence     `json:"evidence,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Failed   bool           `json:"failed"`
	Error    string         `json:"error,omitempty"`
}

// FailedResult builds a normalized failure.
func FailedResult(err error) HandlerResult {
	msg := "handler failed"
	if err != nil {
		msg = err.Error()
	}
	return HandlerResult{Failed: true, Error: msg}
}
