// Package run implements the per-run controller state machine and the engine
// that hosts many concurrent runs in one process.
package run

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/llmforge/choreo/internal/agent"
	"github.com/llmforge/choreo/internal/events"
	"github.com/llmforge/choreo/internal/graph"
	"github.com/llmforge/choreo/internal/log"
	"github.com/llmforge/choreo/internal/model"
	"github.com/llmforge/choreo/internal/replan"
	"github.com/llmforge/choreo/internal/scheduler"
	"github.com/llmforge/choreo/internal/store"
)

// ExecutorSet routes steps to the executor for their kind.
type ExecutorSet struct {
	Action agent.Executor
	Tool   agent.Executor
}

func (s ExecutorSet) For(kind model.StepKind) (agent.Executor, error) {
	switch kind {
	case model.StepKindAgentAction:
		if s.Action != nil {
			return s.Action, nil
		}
	case model.StepKindToolCall:
		if s.Tool != nil {
			return s.Tool, nil
		}
	}
	return nil, fmt.Errorf("no executor for step kind %q", kind)
}

// Snapshot is the externally visible state of one run. It is always
// well-formed, including after failure: Cause carries the terminating error
// and Abandoned the ordered log of given-up branches.
type Snapshot struct {
	RunID          string               `yaml:"run_id" json:"run_id"`
	Task           string               `yaml:"task" json:"task"`
	Status         model.RunStatus      `yaml:"status" json:"status"`
	Cause          string               `yaml:"cause,omitempty" json:"cause,omitempty"`
	FinalOutputKey string               `yaml:"final_output_key" json:"final_output_key"`
	Steps          []model.Step         `yaml:"steps" json:"steps"`
	Abandoned      []replan.Abandonment `yaml:"abandoned,omitempty" json:"abandoned,omitempty"`
	CreatedAt      time.Time            `yaml:"created_at" json:"created_at"`
	FinishedAt     time.Time            `yaml:"finished_at,omitempty" json:"finished_at,omitempty"`
}

// Params carries everything a controller needs besides its run id.
type Params struct {
	Task      string
	Config    model.EngineConfig
	Planner   agent.Planner
	Executors ExecutorSet
	Evaluator agent.Evaluator
	Bus       *events.Bus
}

// Controller drives one run from initializing to a terminal state. It owns
// the run's plan graph, context store, and scheduler; all graph mutation
// happens on the controller goroutine.
type Controller struct {
	runID string
	task  string
	cfg   model.EngineConfig

	graph     *graph.PlanGraph
	store     *store.ContextStore
	sched     *scheduler.Scheduler
	replanner *replan.Replanner
	executors ExecutorSet
	evaluator agent.Evaluator
	bus       *events.Bus

	ctx      context.Context
	cancel   context.CancelFunc
	outcomes chan scheduler.Outcome
	done     chan struct{}

	mu         sync.Mutex
	status     model.RunStatus
	lastErr    error
	createdAt  time.Time
	finishedAt time.Time
	inflight   int
	canceled   bool
}

func newController(runID string, p Params) (*Controller, error) {
	cfg := p.Config.Normalize()
	sched, err := scheduler.New(cfg.MaxConcurrency, cfg.StepTimeout())
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		runID:     runID,
		task:      p.Task,
		cfg:       cfg,
		graph:     graph.New(),
		store:     store.New(),
		sched:     sched,
		replanner: replan.New(p.Planner, p.Task),
		executors: p.Executors,
		evaluator: p.Evaluator,
		bus:       p.Bus,
		ctx:       ctx,
		cancel:    cancel,
		outcomes:  make(chan scheduler.Outcome, cfg.MaxConcurrency),
		done:      make(chan struct{}),
		status:    model.RunStatusInitializing,
		createdAt: time.Now().UTC(),
	}, nil
}

// Start launches the controller goroutine.
func (c *Controller) Start() { go c.run() }

// Cancel requests cooperative cancellation. Safe to call repeatedly and
// after the run has finished.
func (c *Controller) Cancel() { c.cancel() }

// Done is closed once the run has reached a terminal state and all in-flight
// attempts have settled.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Output returns the latest value for key from the run's context store. The
// store write lands just before the producing step is marked succeeded, on
// the controller goroutine; a value whose producer has not yet reached
// succeeded is withheld from readers.
func (c *Controller) Output(key string) (store.Entry, bool) {
	if key == "" {
		key = c.cfg.FinalOutputKey
	}
	entry, ok := c.store.Latest(key)
	if !ok {
		return store.Entry{}, false
	}
	if step, found := c.graph.Step(entry.StepID); found && step.Status != model.StepStatusSucceeded {
		return store.Entry{}, false
	}
	return entry, true
}

// Snapshot captures the run's externally visible state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	status := c.status
	cause := ""
	if c.lastErr != nil && (status == model.RunStatusFailed || status == model.RunStatusCancelled) {
		cause = c.lastErr.Error()
	}
	createdAt, finishedAt := c.createdAt, c.finishedAt
	c.mu.Unlock()

	return Snapshot{
		RunID:          c.runID,
		Task:           c.task,
		Status:         status,
		Cause:          cause,
		FinalOutputKey: c.cfg.FinalOutputKey,
		Steps:          c.graph.Steps(),
		Abandoned:      c.replanner.Abandonments(),
		CreatedAt:      createdAt,
		FinishedAt:     finishedAt,
	}
}

func (c *Controller) run() {
	defer close(c.done)
	defer c.sched.Release()

	c.transition(model.RunStatusPlanning)
	c.publish(events.EventRunStarted, "", map[string]any{"task": c.task})

	root := model.Step{
		ID:         model.MustGenerateID(model.IDTypeStep),
		Kind:       model.StepKindPlaceholder,
		OutputKey:  c.cfg.FinalOutputKey,
		MaxRetries: c.cfg.MaxRetriesPerStep,
	}
	if err := c.graph.Insert(root, nil); err != nil {
		c.setErr(err)
		c.finish(model.RunStatusFailed)
		return
	}

	ctxDone := c.ctx.Done()
	for {
		if c.isCanceled() {
			c.drainAndCancel()
			return
		}
		if c.settleIfTerminal() {
			return
		}

		c.expandPlaceholders()
		if c.settleIfTerminal() {
			return
		}
		c.dispatchReady()

		// A dispatch that fails before reaching the scheduler can hand
		// its step straight back to ready; with nothing in flight there
		// is no outcome to wait for, so re-evaluate immediately.
		if c.inflightCount() == 0 {
			select {
			case <-ctxDone:
				c.noteCanceled()
				ctxDone = nil
			default:
			}
			continue
		}

		select {
		case oc := <-c.outcomes:
			c.handleOutcome(oc)
		case <-ctxDone:
			c.noteCanceled()
			ctxDone = nil
		}
	}
}

// expandPlaceholders materialises every ready placeholder before anything is
// dispatched; placeholders never reach the scheduler.
func (c *Controller) expandPlaceholders() {
	for {
		phs := c.graph.ReadyPlaceholders()
		if len(phs) == 0 {
			return
		}
		for _, ph := range phs {
			c.transition(model.RunStatusReplanning)
			if err := c.replanner.Expand(c.ctx, c.graph, c.store, ph); err != nil {
				c.setErr(err)
				if merr := c.graph.MarkFailed(ph.ID, err.Error()); merr != nil {
					log.Errorf("mark_placeholder_failed run=%s id=%s error=%v", c.runID, ph.ID, merr)
				}
				c.publish(events.EventStepFailed, ph.ID, map[string]any{"cause": err.Error()})
				c.repair(ph.ID, false)
			} else {
				c.publish(events.EventPlanExpanded, ph.ID, nil)
			}
			c.resumeExecuting()
		}
	}
}

func (c *Controller) dispatchReady() {
	for _, step := range c.graph.ReadySteps() {
		if step.Kind == model.StepKindPlaceholder {
			continue
		}
		if c.sched.Available() <= 0 {
			return
		}
		exec, err := c.executors.For(step.Kind)
		if err != nil {
			c.setErr(err)
			if merr := c.graph.MarkFailed(step.ID, err.Error()); merr == nil {
				c.repair(step.ID, false)
				c.resumeExecuting()
			}
			continue
		}
		if err := c.graph.MarkRunning(step.ID); err != nil {
			continue
		}
		c.mu.Lock()
		c.inflight++
		c.mu.Unlock()
		if err := c.sched.Dispatch(c.ctx, step, exec, c.store, c.deliver); err != nil {
			c.mu.Lock()
			c.inflight--
			c.mu.Unlock()
			c.setErr(err)
			if merr := c.graph.MarkFailed(step.ID, err.Error()); merr == nil {
				c.repair(step.ID, false)
				c.resumeExecuting()
			}
			continue
		}
		c.publish(events.EventStepDispatched, step.ID, map[string]any{"attempt": step.RetryCount + 1})
	}
}

// deliver runs on a scheduler worker; outcomes buffer capacity matches the
// pool size, so the send cannot block.
func (c *Controller) deliver(oc scheduler.Outcome) { c.outcomes <- oc }

func (c *Controller) handleOutcome(oc scheduler.Outcome) {
	c.mu.Lock()
	c.inflight--
	c.mu.Unlock()

	step, ok := c.graph.Step(oc.StepID)
	if !ok {
		log.Errorf("outcome_for_unknown_step run=%s id=%s", c.runID, oc.StepID)
		return
	}

	if oc.Canceled {
		// The outcome can arrive before the loop has observed the
		// context; record the cancellation here so the run settles as
		// cancelled rather than failed.
		c.noteCanceled()
		if err := c.graph.MarkFailed(oc.StepID, "run cancelled"); err != nil {
			log.Debugf("settle_cancelled run=%s id=%s error=%v", c.runID, oc.StepID, err)
		}
		return
	}

	if oc.Err != nil {
		c.setErr(oc.Err)
		if err := c.graph.MarkFailed(oc.StepID, oc.Err.Error()); err != nil {
			log.Errorf("mark_failed run=%s id=%s error=%v", c.runID, oc.StepID, err)
			return
		}
		c.publish(events.EventStepFailed, oc.StepID, map[string]any{
			"attempt": oc.Attempt,
			"cause":   oc.Err.Error(),
		})
		c.repair(oc.StepID, false)
		c.resumeExecuting()
		return
	}

	verdict := agent.VerdictAccept
	if c.evaluator != nil {
		verdict = c.evaluator.Evaluate(step, oc.Output)
	}
	if verdict == agent.VerdictRequestReplan {
		// The output is withheld from the context store; the branch is
		// replanned as if the attempt had failed.
		cause := fmt.Sprintf("replan requested: confidence %.2f below threshold", oc.Output.Confidence)
		if err := c.graph.MarkFailed(oc.StepID, cause); err != nil {
			log.Errorf("mark_failed run=%s id=%s error=%v", c.runID, oc.StepID, err)
			return
		}
		c.publish(events.EventStepFailed, oc.StepID, map[string]any{"cause": cause})
		c.repair(oc.StepID, true)
		c.resumeExecuting()
		return
	}
	if verdict == agent.VerdictReject {
		log.Warnf("output_rejected run=%s id=%s confidence=%.2f", c.runID, oc.StepID, oc.Output.Confidence)
	}

	if step.OutputKey != "" {
		if _, err := c.store.Put(step.OutputKey, oc.Output.Value, step.ID); err != nil {
			c.setErr(err)
			if merr := c.graph.MarkFailed(oc.StepID, err.Error()); merr == nil {
				c.repair(oc.StepID, false)
				c.resumeExecuting()
			}
			return
		}
	}
	if err := c.graph.MarkSucceeded(oc.StepID, &oc.Output.Confidence); err != nil {
		log.Errorf("mark_succeeded run=%s id=%s error=%v", c.runID, oc.StepID, err)
		return
	}
	c.publish(events.EventStepSucceeded, oc.StepID, map[string]any{
		"confidence": oc.Output.Confidence,
		"output_key": step.OutputKey,
	})
}

// repair hands a failed step to the replanner. forceReplace skips the retry
// budget, used when an evaluate verdict asked for a replan outright.
func (c *Controller) repair(stepID string, forceReplace bool) {
	c.transition(model.RunStatusReplanning)
	failed, ok := c.graph.Step(stepID)
	if !ok {
		return
	}

	var (
		dec replan.Decision
		err error
	)
	if forceReplace {
		dec, err = c.replanner.Replace(c.ctx, c.graph, c.store, failed)
	} else {
		dec, err = c.replanner.Repair(c.ctx, c.graph, c.store, failed)
	}
	if err != nil {
		c.setErr(err)
		return
	}
	switch dec.Kind {
	case replan.DecisionSubstitute:
		c.publish(events.EventPlanSubstituted, stepID, nil)
	case replan.DecisionAbandon:
		c.publish(events.EventBranchAbandoned, stepID, map[string]any{"skipped": len(dec.Skipped)})
	}
}

// resumeExecuting leaves planning or replanning once the graph can move
// again; with no viable work left the status stays put so the terminal check
// can take the planning/replanning to failed edge.
func (c *Controller) resumeExecuting() {
	if c.graph.Progressable() || c.graph.Counts().Unsettled() == 0 {
		c.transition(model.RunStatusExecuting)
	}
}

func (c *Controller) settleIfTerminal() bool {
	counts := c.graph.Counts()
	if counts.Unsettled() == 0 {
		if _, ok := c.store.Latest(c.cfg.FinalOutputKey); ok {
			c.finish(model.RunStatusSucceeded)
		} else {
			if c.lastErrValue() == nil {
				c.setErr(fmt.Errorf("no value for final output key %q", c.cfg.FinalOutputKey))
			}
			c.finish(model.RunStatusFailed)
		}
		return true
	}
	if counts.Running == 0 && !c.graph.Progressable() {
		if c.lastErrValue() == nil {
			c.setErr(fmt.Errorf("no forward progress possible"))
		}
		c.finish(model.RunStatusFailed)
		return true
	}
	return false
}

func (c *Controller) noteCanceled() {
	c.mu.Lock()
	if c.canceled {
		c.mu.Unlock()
		return
	}
	c.canceled = true
	c.mu.Unlock()
	// Freeze at the cancellation timestamp: in-flight attempts may still
	// finish, but their writes are rejected.
	c.store.Freeze()
	log.Infof("run_cancel_requested run=%s", c.runID)
}

func (c *Controller) inflightCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight
}

func (c *Controller) isCanceled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canceled
}

// drainAndCancel waits out in-flight attempts, discards their results, and
// finishes the run as cancelled.
func (c *Controller) drainAndCancel() {
	for {
		c.mu.Lock()
		inflight := c.inflight
		c.mu.Unlock()
		if inflight == 0 {
			break
		}
		oc := <-c.outcomes
		c.mu.Lock()
		c.inflight--
		c.mu.Unlock()
		if err := c.graph.MarkFailed(oc.StepID, "run cancelled"); err != nil {
			log.Debugf("settle_cancelled run=%s id=%s error=%v", c.runID, oc.StepID, err)
		}
	}
	c.finish(model.RunStatusCancelled)
}

func (c *Controller) finish(status model.RunStatus) {
	c.transition(status)
	c.store.Freeze()
	c.mu.Lock()
	c.finishedAt = time.Now().UTC()
	final := c.status
	c.mu.Unlock()

	c.publish(events.EventRunFinished, "", map[string]any{"status": string(final)})
	log.Infof("run_finished run=%s status=%s", c.runID, final)

	if c.cfg.ExportDir != "" {
		if err := exportRecord(c.cfg.ExportDir, c.Snapshot(), c.store); err != nil {
			log.Errorf("run_record_export_failed run=%s error=%v", c.runID, err)
		}
	}
}

// transition moves the run status when the edge is legal and is a no-op
// otherwise. Terminal states are only entered through finish.
func (c *Controller) transition(to model.RunStatus) {
	c.mu.Lock()
	from := c.status
	if from == to || model.ValidateRunTransition(from, to) != nil {
		c.mu.Unlock()
		return
	}
	c.status = to
	c.mu.Unlock()

	log.Debugf("run_transition run=%s from=%s to=%s", c.runID, from, to)
	c.publish(events.EventRunTransition, "", map[string]any{
		"from": string(from),
		"to":   string(to),
	})
}

func (c *Controller) setErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

func (c *Controller) lastErrValue() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Controller) publish(typ events.EventType, stepID string, data map[string]any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.Event{
		Type:   typ,
		RunID:  c.runID,
		StepID: stepID,
		Data:   data,
	})
}
