// Package model defines the data structures shared by the choreographer:
// steps, runs, status machines, ids, and configuration.
package model

import "time"

type StepKind string

const (
	StepKindAgentAction StepKind = "agent_action"
	StepKindToolCall    StepKind = "tool_call"
	StepKindPlaceholder StepKind = "placeholder"
)

// InputRef references a context store key consumed by a step. A nil Version
// means "latest".
type InputRef struct {
	Key     string `yaml:"key" json:"key"`
	Version *int   `yaml:"version,omitempty" json:"version,omitempty"`
}

// Step is the atomic unit of work in a plan graph.
type Step struct {
	ID   string   `yaml:"id" json:"id"`
	Kind StepKind `yaml:"kind" json:"kind"`

	// Routing for execution. AgentID and TemplateID apply to agent_action
	// steps, ToolName to tool_call steps.
	AgentID    string `yaml:"agent_id,omitempty" json:"agent_id,omitempty"`
	TemplateID string `yaml:"template_id,omitempty" json:"template_id,omitempty"`
	ToolName   string `yaml:"tool_name,omitempty" json:"tool_name,omitempty"`

	// Params feed the prompt template (agent_action) or the tool invocation
	// (tool_call).
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`

	Inputs    []InputRef `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	OutputKey string     `yaml:"output_key,omitempty" json:"output_key,omitempty"`

	Dependencies []string   `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	Status       StepStatus `yaml:"status" json:"status"`

	RetryCount int `yaml:"retry_count" json:"retry_count"`
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// Confidence is attached by the executing agent; nil until the step has
	// produced an output.
	Confidence *float64 `yaml:"confidence,omitempty" json:"confidence,omitempty"`

	FailureCause string `yaml:"failure_cause,omitempty" json:"failure_cause,omitempty"`

	CreatedAt  time.Time `yaml:"created_at" json:"created_at"`
	ReadyAt    time.Time `yaml:"ready_at,omitempty" json:"ready_at,omitempty"`
	StartedAt  time.Time `yaml:"started_at,omitempty" json:"started_at,omitempty"`
	FinishedAt time.Time `yaml:"finished_at,omitempty" json:"finished_at,omitempty"`
}

// Clone returns a deep copy. Callers outside the plan graph only ever see
// clones.
func (s Step) Clone() Step {
	c := s
	if s.Params != nil {
		c.Params = make(map[string]any, len(s.Params))
		for k, v := range s.Params {
			c.Params[k] = v
		}
	}
	c.Inputs = append([]InputRef(nil), s.Inputs...)
	c.Dependencies = append([]string(nil), s.Dependencies...)
	if s.Confidence != nil {
		conf := *s.Confidence
		c.Confidence = &conf
	}
	return c
}
