package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/liamcoop/shadow/experiment"
	"github.com/liamcoop/shadow/internal/logger"
	"github.com/liamcoop/shadow/publish"
	"github.com/liamcoop/shadow/registry"
	"github.com/liamcoop/shadow/rules"
)

// handleShadow runs the control expression and every candidate expression
// over the posted facts as one experiment run. The experiment's rules decide
// which differences are ignored and what counts as equal.
//
// Responses: 200 with the control value, 409 when raiseOnMismatch is set and
// a candidate disagreed, 422 when the control itself failed.
func (s *Server) handleShadow(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var req ShadowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if err := registry.ValidateFacts(req.Facts); err != nil {
		respondError(w, http.StatusBadRequest, "invalid facts", err)
		return
	}
	if req.Control == "" {
		respondError(w, http.StatusBadRequest, "control expression is required", nil)
		return
	}

	cfg, err := s.shadowConfig(r, e, &req)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid expression", err)
		return
	}

	var captured *experiment.ResultSet[any]
	cfg.Publisher = experiment.MultiPublisher[any]{
		s.sink,
		publish.NewLogPublisher[any](nil),
		experiment.PublisherFunc[any](func(_ context.Context, rs *experiment.ResultSet[any]) error {
			captured = rs
			return nil
		}),
	}

	ex, err := experiment.New(cfg)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid experiment", err)
		return
	}

	value, runErr := ex.Run(r.Context())

	resp := ShadowResponse{Value: value}
	if captured != nil {
		rec := publish.FromResultSet(captured)
		resp.Run = &rec
	}

	var mismatch *experiment.MismatchError[any]
	switch {
	case errors.As(runErr, &mismatch):
		logger.WarnHttp4xx(http.StatusConflict)
		resp.Value = mismatch.Result.Control.Value
		resp.Error = mismatch.Error()
		respondJSON(w, http.StatusConflict, resp)
	case runErr != nil:
		logger.WarnHttp4xx(http.StatusUnprocessableEntity)
		resp.Error = runErr.Error()
		respondJSON(w, http.StatusUnprocessableEntity, resp)
	default:
		respondJSON(w, http.StatusOK, resp)
	}
}

// shadowConfig compiles the request's expressions and assembles the
// experiment configuration around the experiment's rule engine
func (s *Server) shadowConfig(r *http.Request, e *registry.Experiment, req *ShadowRequest) (experiment.Config[any], error) {
	env, err := rules.NewFactsEnv(req.Facts)
	if err != nil {
		return experiment.Config[any]{}, err
	}

	control, err := rules.CompileExpression(env, req.Control)
	if err != nil {
		return experiment.Config[any]{}, fmt.Errorf("control: %w", err)
	}

	facts := req.Facts
	trials := make([]*experiment.Trial[any], 0, len(req.Candidates))
	for _, c := range req.Candidates {
		x, err := rules.CompileExpression(env, c.Expression)
		if err != nil {
			return experiment.Config[any]{}, fmt.Errorf("candidate %q: %w", c.Name, err)
		}
		trials = append(trials, experiment.NewTrial(c.Name, func() (any, error) {
			return x.Eval(facts)
		}))
	}

	raise := s.cfg.RaiseOnMismatch
	if req.RaiseOnMismatch != nil {
		raise = *req.RaiseOnMismatch
	}

	requestID := middleware.GetReqID(r.Context())
	return experiment.Config[any]{
		Name:    e.Name,
		Control: func() (any, error) { return control.Eval(facts) },
		Trials:  trials,
		Enabled: func() bool {
			if req.Enabled != nil && !*req.Enabled {
				logger.RecordDisabledRun()
				return false
			}
			return true
		},
		Compare: rules.CompareFunc[any](e.Engine, nil),
		Ignore:  []func(control, candidate any) bool{rules.IgnoreFunc[any](e.Engine)},
		Context: func() map[string]any {
			ctx := make(map[string]any, len(req.Context)+1)
			for k, v := range req.Context {
				ctx[k] = v
			}
			if requestID != "" {
				ctx["request_id"] = requestID
			}
			return ctx
		},
		RaiseOnMismatch: raise,
		Concurrent:      s.cfg.Concurrent,
		MaxConcurrency:  s.cfg.MaxConcurrency,
		OnPublishError:  func(err error) { logger.WarnPublish(e.Name, err) },
		Logger:          logger.Logger,
	}, nil
}
