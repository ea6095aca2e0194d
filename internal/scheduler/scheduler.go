// Package scheduler dispatches ready steps onto a bounded worker pool and
// reports each attempt's outcome exactly once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/llmforge/choreo/internal/agent"
	"github.com/llmforge/choreo/internal/log"
	"github.com/llmforge/choreo/internal/model"
)

// Outcome reports one finished step attempt. Exactly one Outcome reaches the
// callback per Dispatch, whether the attempt returned, timed out, or was
// cancelled.
type Outcome struct {
	StepID     string
	Attempt    int
	Output     agent.Output
	Err        error
	Canceled   bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// Scheduler owns the worker pool. Steps run concurrently up to the pool
// size; each attempt gets its own deadline derived from the run context.
type Scheduler struct {
	pool    *ants.Pool
	timeout time.Duration
	wg      sync.WaitGroup
}

func New(maxConcurrency int, stepTimeout time.Duration) (*Scheduler, error) {
	pool, err := ants.NewPool(maxConcurrency)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return &Scheduler{pool: pool, timeout: stepTimeout}, nil
}

// Available returns the number of idle workers.
func (s *Scheduler) Available() int { return s.pool.Free() }

// Running returns the number of in-flight attempts.
func (s *Scheduler) Running() int { return s.pool.Running() }

// Dispatch submits one attempt of step to the pool. done is invoked exactly
// once from the worker goroutine. The step must be a detached clone; the
// scheduler never touches the plan graph.
func (s *Scheduler) Dispatch(ctx context.Context, step model.Step, exec agent.Executor, view agent.ContextView, done func(Outcome)) error {
	s.wg.Add(1)
	err := s.pool.Submit(func() {
		defer s.wg.Done()
		done(s.runStep(ctx, step, exec, view))
	})
	if err != nil {
		s.wg.Done()
		return fmt.Errorf("submit step %s: %w", step.ID, err)
	}
	log.Debugf("step_dispatched id=%s attempt=%d running=%d", step.ID, step.RetryCount+1, s.pool.Running())
	return nil
}

func (s *Scheduler) runStep(ctx context.Context, step model.Step, exec agent.Executor, view agent.ContextView) Outcome {
	oc := Outcome{
		StepID:    step.ID,
		Attempt:   step.RetryCount + 1,
		StartedAt: time.Now().UTC(),
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type result struct {
		out agent.Output
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		out, err := exec.Execute(cctx, step, view)
		resCh <- result{out: out, err: err}
	}()

	select {
	case r := <-resCh:
		oc.Output = r.out
		oc.Err = r.err
		if r.err != nil && ctx.Err() != nil && errors.Is(r.err, context.Canceled) {
			oc.Canceled = true
		}
	case <-cctx.Done():
		// The executor goroutine keeps running until it honours the
		// context; its eventual result lands in the buffered channel
		// and is discarded.
		if ctx.Err() != nil {
			oc.Canceled = true
			oc.Err = ctx.Err()
		} else {
			oc.Err = &agent.TimeoutError{StepID: step.ID, Timeout: s.timeout}
		}
	}
	oc.FinishedAt = time.Now().UTC()
	return oc
}

// Wait blocks until every dispatched attempt has delivered its outcome.
func (s *Scheduler) Wait() { s.wg.Wait() }

// Release waits for in-flight attempts and tears the pool down.
func (s *Scheduler) Release() {
	s.wg.Wait()
	s.pool.Release()
}
