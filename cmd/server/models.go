package main

import (
	"github.com/liamcoop/shadow/publish"
	"github.com/liamcoop/shadow/rules"
)

// CreateExperimentRequest is the body for registering an experiment
type CreateExperimentRequest struct {
	Name        string `json:"name" example:"checkout-pricing"`
	Description string `json:"description,omitempty" example:"New pricing service"`
}

// RuleRequest is the body for creating or updating a rule
type RuleRequest struct {
	Name       string     `json:"name" example:"ignore-currency"`
	Kind       rules.Kind `json:"kind" example:"ignore"`
	Expression string     `json:"expression" example:"control.currency != candidate.currency"`
	Active     *bool      `json:"active,omitempty" example:"true"`
}

// RuleResponse represents a rule in API responses
type RuleResponse struct {
	ID         string     `json:"id"`
	Experiment string     `json:"experiment"`
	Name       string     `json:"name"`
	Kind       rules.Kind `json:"kind"`
	Expression string     `json:"expression"`
	Active     bool       `json:"active"`
	CreatedAt  string     `json:"createdAt"`
	UpdatedAt  string     `json:"updatedAt"`
}

// EvaluateRulesRequest evaluates an experiment's rules against one pair
type EvaluateRulesRequest struct {
	Control   any `json:"control"`
	Candidate any `json:"candidate"`
}

// EvaluationResultResponse represents a single rule evaluation result
type EvaluationResultResponse struct {
	RuleID   string     `json:"ruleId"`
	RuleName string     `json:"ruleName"`
	Kind     rules.Kind `json:"kind"`
	Matched  bool       `json:"matched"`
	Error    string     `json:"error,omitempty"`
}

// CandidateRequest is one candidate implementation of a shadow request
type CandidateRequest struct {
	Name       string `json:"name" example:"v2"`
	Expression string `json:"expression" example:"order.amount * 1.2"`
}

// ShadowRequest runs the control expression and every candidate over facts
type ShadowRequest struct {
	Facts           map[string]any     `json:"facts"`
	Control         string             `json:"control" example:"order.amount * 1.2"`
	Candidates      []CandidateRequest `json:"candidates"`
	Context         map[string]any     `json:"context,omitempty"`
	Enabled         *bool              `json:"enabled,omitempty"`
	RaiseOnMismatch *bool              `json:"raiseOnMismatch,omitempty"`
}

// ShadowResponse carries the control's value and the published run
type ShadowResponse struct {
	Value any             `json:"value"`
	Run   *publish.Record `json:"run,omitempty"`
	Error string          `json:"error,omitempty"`
}

func toRuleResponse(r *rules.Rule) RuleResponse {
	return RuleResponse{
		ID:         r.ID,
		Experiment: r.Experiment,
		Name:       r.Name,
		Kind:       r.Kind,
		Expression: r.Expression,
		Active:     r.Active,
		CreatedAt:  r.CreatedAt.UTC().Format(timeFormat),
		UpdatedAt:  r.UpdatedAt.UTC().Format(timeFormat),
	}
}

func toEvaluationResponse(r *rules.EvaluationResult) EvaluationResultResponse {
	out := EvaluationResultResponse{
		RuleID:   r.RuleID,
		RuleName: r.RuleName,
		Kind:     r.Kind,
		Matched:  r.Matched,
	}
	if r.Error != nil {
		out.Error = r.Error.Error()
	}
	return out
}
