package run

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/llmforge/choreo/internal/agent"
	"github.com/llmforge/choreo/internal/events"
	"github.com/llmforge/choreo/internal/log"
	"github.com/llmforge/choreo/internal/model"
	"github.com/llmforge/choreo/internal/store"
)

var (
	ErrRunNotFound    = errors.New("run not found")
	ErrOutputNotFound = errors.New("output not found")
	ErrEngineClosed   = errors.New("engine is closed")
)

// Options configures an Engine.
type Options struct {
	Config    model.Config
	Planner   agent.Planner
	Executors ExecutorSet
	Evaluator agent.Evaluator

	// AuditPath, when set, mirrors every bus event into a JSONL audit
	// trail at that path.
	AuditPath string
}

// Engine hosts concurrent runs. Each run gets its own plan graph, context
// store, and scheduler; the engine only routes requests by run id.
type Engine struct {
	cfg       model.Config
	planner   agent.Planner
	executors ExecutorSet
	evaluator agent.Evaluator
	bus       *events.Bus
	audit     *events.AuditLogger
	unsub     func()

	mu     sync.RWMutex
	runs   map[string]*Controller
	closed bool
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Planner == nil {
		return nil, fmt.Errorf("engine requires a planner")
	}
	e := &Engine{
		cfg:       opts.Config,
		planner:   opts.Planner,
		executors: opts.Executors,
		evaluator: opts.Evaluator,
		bus:       events.NewBus(256),
		runs:      make(map[string]*Controller),
	}
	if opts.AuditPath != "" {
		audit, err := events.NewAuditLogger(opts.AuditPath, 0)
		if err != nil {
			return nil, err
		}
		e.audit = audit
		e.unsub = e.bus.SubscribeAll(func(ev events.Event) {
			if err := audit.Record(ev); err != nil {
				log.Warnf("audit_write_failed type=%s error=%v", ev.Type, err)
			}
		})
	}
	return e, nil
}

// Bus exposes the engine's event bus for additional subscribers.
func (e *Engine) Bus() *events.Bus { return e.bus }

// StartRun launches a new run for the task. Zero fields in overrides fall
// back to the engine's configuration.
func (e *Engine) StartRun(task string, overrides model.EngineConfig) (string, error) {
	if task == "" {
		return "", fmt.Errorf("empty task description")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", ErrEngineClosed
	}

	runID := model.MustGenerateID(model.IDTypeRun)
	c, err := newController(runID, Params{
		Task:      task,
		Config:    mergeEngineConfig(e.cfg.Engine, overrides),
		Planner:   e.planner,
		Executors: e.executors,
		Evaluator: e.evaluator,
		Bus:       e.bus,
	})
	if err != nil {
		return "", err
	}
	e.runs[runID] = c
	c.Start()
	log.Infof("run_started run=%s task=%q", runID, task)
	return runID, nil
}

// RunStatus returns the state snapshot for a run.
func (e *Engine) RunStatus(runID string) (Snapshot, error) {
	c, err := e.controller(runID)
	if err != nil {
		return Snapshot{}, err
	}
	return c.Snapshot(), nil
}

// Runs returns snapshots of every run the engine knows, newest first by
// creation time.
func (e *Engine) Runs() []Snapshot {
	e.mu.RLock()
	controllers := make([]*Controller, 0, len(e.runs))
	for _, c := range e.runs {
		controllers = append(controllers, c)
	}
	e.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(controllers))
	for _, c := range controllers {
		snaps = append(snaps, c.Snapshot())
	}
	for i := 0; i < len(snaps); i++ {
		for j := i + 1; j < len(snaps); j++ {
			if snaps[j].CreatedAt.After(snaps[i].CreatedAt) {
				snaps[i], snaps[j] = snaps[j], snaps[i]
			}
		}
	}
	return snaps
}

// CancelRun requests cancellation. Cancelling a finished run is a no-op.
func (e *Engine) CancelRun(runID string) error {
	c, err := e.controller(runID)
	if err != nil {
		return err
	}
	c.Cancel()
	return nil
}

// Output returns the latest value for key from a run's context store. An
// empty key reads the run's final output key.
func (e *Engine) Output(runID, key string) (store.Entry, error) {
	c, err := e.controller(runID)
	if err != nil {
		return store.Entry{}, err
	}
	entry, ok := c.Output(key)
	if !ok {
		return store.Entry{}, fmt.Errorf("run %s key %q: %w", runID, key, ErrOutputNotFound)
	}
	return entry, nil
}

// WaitRun blocks until the run finishes or ctx expires.
func (e *Engine) WaitRun(ctx context.Context, runID string) (Snapshot, error) {
	c, err := e.controller(runID)
	if err != nil {
		return Snapshot{}, err
	}
	select {
	case <-c.Done():
		return c.Snapshot(), nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Close cancels every live run, waits for them to settle within ctx, and
// tears down the bus and audit trail.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	controllers := make([]*Controller, 0, len(e.runs))
	for _, c := range e.runs {
		controllers = append(controllers, c)
	}
	e.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range controllers {
		c := c
		g.Go(func() error {
			c.Cancel()
			select {
			case <-c.Done():
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	err := g.Wait()

	if e.unsub != nil {
		e.unsub()
	}
	e.bus.Close()
	if e.audit != nil {
		if cerr := e.audit.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (e *Engine) controller(runID string) (*Controller, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}
	return c, nil
}

// mergeEngineConfig overlays per-run overrides on the engine defaults.
func mergeEngineConfig(base, overrides model.EngineConfig) model.EngineConfig {
	out := base
	if overrides.MaxConcurrency > 0 {
		out.MaxConcurrency = overrides.MaxConcurrency
	}
	if overrides.StepTimeoutSec > 0 {
		out.StepTimeoutSec = overrides.StepTimeoutSec
	}
	if overrides.MaxRetriesPerStep != 0 {
		out.MaxRetriesPerStep = overrides.MaxRetriesPerStep
	}
	if overrides.FinalOutputKey != "" {
		out.FinalOutputKey = overrides.FinalOutputKey
	}
	if overrides.ExportDir != "" {
		out.ExportDir = overrides.ExportDir
	}
	return out.Normalize()
}
