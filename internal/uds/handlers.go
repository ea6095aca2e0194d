package uds

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/llmforge/choreo/internal/model"
	"github.com/llmforge/choreo/internal/run"
	"github.com/llmforge/choreo/internal/store"
)

// StartRunParams is the payload of a start_run request.
type StartRunParams struct {
	Task      string             `json:"task"`
	Overrides model.EngineConfig `json:"overrides,omitempty"`
}

type StartRunResult struct {
	RunID string `json:"run_id"`
}

// RunIDParams addresses a single run.
type RunIDParams struct {
	RunID string `json:"run_id"`
}

// RunOutputParams reads one context store key; an empty key means the run's
// final output key.
type RunOutputParams struct {
	RunID string `json:"run_id"`
	Key   string `json:"key,omitempty"`
}

type RunOutputResult struct {
	Entry store.Entry `json:"entry"`
}

type RunListResult struct {
	Runs []run.Snapshot `json:"runs"`
}

// RegisterHandlers wires the run API onto a server.
func RegisterHandlers(s *Server, engine *run.Engine) {
	s.Handle(CommandPing, func(*Request) *Response {
		return SuccessResponse(map[string]string{"status": "ok"})
	})

	s.Handle(CommandStartRun, func(req *Request) *Response {
		var params StartRunParams
		if err := decodeParams(req, &params); err != nil {
			return ErrorResponse(ErrCodeValidation, err.Error())
		}
		if params.Task == "" {
			return ErrorResponse(ErrCodeValidation, "task is required")
		}
		runID, err := engine.StartRun(params.Task, params.Overrides)
		if err != nil {
			return engineError(err)
		}
		return SuccessResponse(StartRunResult{RunID: runID})
	})

	s.Handle(CommandRunStatus, func(req *Request) *Response {
		var params RunIDParams
		if err := decodeParams(req, &params); err != nil {
			return ErrorResponse(ErrCodeValidation, err.Error())
		}
		snap, err := engine.RunStatus(params.RunID)
		if err != nil {
			return engineError(err)
		}
		return SuccessResponse(snap)
	})

	s.Handle(CommandRunList, func(*Request) *Response {
		return SuccessResponse(RunListResult{Runs: engine.Runs()})
	})

	s.Handle(CommandCancelRun, func(req *Request) *Response {
		var params RunIDParams
		if err := decodeParams(req, &params); err != nil {
			return ErrorResponse(ErrCodeValidation, err.Error())
		}
		if err := engine.CancelRun(params.RunID); err != nil {
			return engineError(err)
		}
		return SuccessResponse(nil)
	})

	s.Handle(CommandRunOutput, func(req *Request) *Response {
		var params RunOutputParams
		if err := decodeParams(req, &params); err != nil {
			return ErrorResponse(ErrCodeValidation, err.Error())
		}
		entry, err := engine.Output(params.RunID, params.Key)
		if err != nil {
			return engineError(err)
		}
		return SuccessResponse(RunOutputResult{Entry: entry})
	})
}

func decodeParams(req *Request, into any) error {
	if len(req.Params) == 0 {
		return fmt.Errorf("missing params")
	}
	if err := json.Unmarshal(req.Params, into); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

func engineError(err error) *Response {
	switch {
	case errors.Is(err, run.ErrRunNotFound), errors.Is(err, run.ErrOutputNotFound):
		return ErrorResponse(ErrCodeNotFound, err.Error())
	case errors.Is(err, run.ErrEngineClosed):
		return ErrorResponse(ErrCodeUnavailable, err.Error())
	default:
		return ErrorResponse(ErrCodeInternal, err.Error())
	}
}
