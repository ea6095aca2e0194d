package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"

	"github.com/llmforge/choreo/internal/align"
	"github.com/llmforge/choreo/internal/graph"
	"github.com/llmforge/choreo/internal/log"
	"github.com/llmforge/choreo/internal/model"
	"github.com/llmforge/choreo/internal/prompt"
)

// planFragment is the wire shape a planner model returns.
type planFragment struct {
	Steps []fragmentStep `json:"steps"`
	Exit  string         `json:"exit"`
}

type fragmentStep struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Template  string         `json:"template"`
	Tool      string         `json:"tool"`
	Params    map[string]any `json:"params"`
	DependsOn []string       `json:"depends_on"`
	OutputKey string         `json:"output_key"`
}

// LLMPlanner asks a language model for plan fragments. The model's reply is
// aligned into a planFragment and converted to a subgraph ready for splicing.
type LLMPlanner struct {
	AgentID     string
	Model       llms.Model
	Fabric      prompt.Fabric
	Aligner     align.Aligner
	TemplateID  string
	Temperature float64
}

func (p *LLMPlanner) Plan(ctx context.Context, req PlanRequest) (*graph.Subgraph, error) {
	templateID := p.TemplateID
	if templateID == "" {
		templateID = prompt.TemplatePlanner
	}

	text, err := p.Fabric.Render(templateID, map[string]any{
		"task":    req.Task,
		"reason":  req.Reason,
		"anchor":  req.Anchor.ID,
		"context": contextJSON(req.View),
	})
	if err != nil {
		return nil, &ExecutionError{AgentID: p.AgentID, StepID: req.Anchor.ID, Cause: err}
	}

	raw, err := generate(ctx, p.Model, text, p.Temperature)
	if err != nil {
		return nil, &ExecutionError{AgentID: p.AgentID, StepID: req.Anchor.ID, Cause: err}
	}

	var frag planFragment
	confidence, err := p.Aligner.Parse(raw, &frag)
	if err != nil {
		return nil, &ExecutionError{AgentID: p.AgentID, StepID: req.Anchor.ID, Cause: err}
	}
	log.Debugf("plan_fragment_parsed agent=%s anchor=%s steps=%d confidence=%.2f",
		p.AgentID, req.Anchor.ID, len(frag.Steps), confidence)

	if len(frag.Steps) == 0 {
		return nil, nil
	}
	return fragmentToSubgraph(frag, p.AgentID)
}

func fragmentToSubgraph(frag planFragment, agentID string) (*graph.Subgraph, error) {
	sub := &graph.Subgraph{
		Steps: make([]model.Step, 0, len(frag.Steps)),
		Deps:  make(map[string][]string, len(frag.Steps)),
	}
	for _, fs := range frag.Steps {
		if fs.ID == "" {
			return nil, fmt.Errorf("plan fragment step without id")
		}
		kind := model.StepKind(fs.Kind)
		if kind == "" {
			kind = model.StepKindAgentAction
		}
		switch kind {
		case model.StepKindAgentAction, model.StepKindToolCall, model.StepKindPlaceholder:
		default:
			return nil, fmt.Errorf("plan fragment step %q: unknown kind %q", fs.ID, fs.Kind)
		}
		step := model.Step{
			ID:         fs.ID,
			Kind:       kind,
			AgentID:    agentID,
			TemplateID: fs.Template,
			ToolName:   fs.Tool,
			Params:     fs.Params,
			OutputKey:  fs.OutputKey,
		}
		for _, dep := range fs.DependsOn {
			step.Inputs = appendInputRef(step.Inputs, frag, dep)
		}
		sub.Steps = append(sub.Steps, step)
		sub.Deps[fs.ID] = fs.DependsOn
	}

	exit := frag.Exit
	if exit == "" {
		if len(frag.Steps) == 1 {
			exit = frag.Steps[0].ID
		} else {
			return nil, fmt.Errorf("plan fragment with %d steps has no exit", len(frag.Steps))
		}
	}
	sub.Exit = exit
	return sub, nil
}

// appendInputRef wires a step to read its dependency's output key, when the
// dependency is part of the same fragment and publishes one.
func appendInputRef(inputs []model.InputRef, frag planFragment, depID string) []model.InputRef {
	for _, fs := range frag.Steps {
		if fs.ID == depID && fs.OutputKey != "" {
			return append(inputs, model.InputRef{Key: fs.OutputKey})
		}
	}
	return inputs
}

// LLMExecutor runs agent-action steps through a language model. Steps with a
// "format": "json" param get their reply aligned into a structured value;
// otherwise the raw text is the output.
type LLMExecutor struct {
	AgentID     string
	Model       llms.Model
	Fabric      prompt.Fabric
	Aligner     align.Aligner
	Temperature float64
}

func (x *LLMExecutor) Execute(ctx context.Context, step model.Step, view ContextView) (Output, error) {
	inputs, err := ResolveInputs(step, view)
	if err != nil {
		return Output{}, err
	}
	inputsJSON, err := json.Marshal(inputs)
	if err != nil {
		return Output{}, &ExecutionError{AgentID: x.AgentID, StepID: step.ID, Cause: err}
	}

	vars := make(map[string]any, len(step.Params)+1)
	for k, v := range step.Params {
		vars[k] = v
	}
	vars["inputs"] = string(inputsJSON)

	templateID := step.TemplateID
	if templateID == "" {
		templateID = prompt.TemplateExecutor
	}
	text, err := x.Fabric.Render(templateID, vars)
	if err != nil {
		return Output{}, &ExecutionError{AgentID: x.AgentID, StepID: step.ID, Cause: err}
	}

	raw, err := generate(ctx, x.Model, text, x.Temperature)
	if err != nil {
		return Output{}, &ExecutionError{AgentID: x.AgentID, StepID: step.ID, Cause: err}
	}

	if format, _ := step.Params["format"].(string); format == "json" {
		var value any
		confidence, err := x.Aligner.Parse(raw, &value)
		if err != nil {
			return Output{}, &ExecutionError{AgentID: x.AgentID, StepID: step.ID, Cause: err}
		}
		return Output{Value: value, Confidence: confidence}, nil
	}

	confidence := 0.8
	if raw == "" {
		confidence = 0.1
	}
	return Output{Value: raw, Confidence: confidence}, nil
}

// ToolExecutor runs tool-call steps against a tool registry. Resolved inputs
// are merged over the step params as invocation arguments.
type ToolExecutor struct {
	Registry interface {
		Invoke(ctx context.Context, name string, args map[string]any) (any, error)
	}
}

func (x *ToolExecutor) Execute(ctx context.Context, step model.Step, view ContextView) (Output, error) {
	inputs, err := ResolveInputs(step, view)
	if err != nil {
		return Output{}, err
	}
	args := make(map[string]any, len(step.Params)+len(inputs))
	for k, v := range step.Params {
		args[k] = v
	}
	for k, v := range inputs {
		args[k] = v
	}
	result, err := x.Registry.Invoke(ctx, step.ToolName, args)
	if err != nil {
		return Output{}, &ExecutionError{StepID: step.ID, Cause: err}
	}
	return Output{Value: result, Confidence: 1.0}, nil
}

func generate(ctx context.Context, m llms.Model, text string, temperature float64) (string, error) {
	messages := []llms.MessageContent{
		{
			Role:  schema.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(text)},
		},
	}
	resp, err := m.GenerateContent(ctx, messages, llms.WithTemperature(temperature))
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("model returned no choices")
	}
	return resp.Choices[0].Content, nil
}

func contextJSON(view ContextView) string {
	if view == nil {
		return "{}"
	}
	snap := view.Snapshot()
	values := make(map[string]any, len(snap))
	for key, entry := range snap {
		values[key] = entry.Value
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "{}"
	}
	return string(data)
}
