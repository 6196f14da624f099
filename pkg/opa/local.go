package opa

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/open-policy-agent/opa/rego"
)

//go:embed policy/admission.rego
var admissionModule string

// LocalPolicy evaluates the embedded admission policy in process
type LocalPolicy struct {
	query rego.PreparedEvalQuery
}

// NewLocalPolicy compiles the embedded radar.admission module
func NewLocalPolicy(ctx context.Context) (*LocalPolicy, error) {
	return NewLocalPolicyFromSource(ctx, admissionModule)
}

// NewLocalPolicyFromSource compiles a custom module. It must declare
// package radar.admission.
func NewLocalPolicyFromSource(ctx context.Context, module string) (*LocalPolicy, error) {
	query, err := rego.New(
		rego.Query("data.radar.admission"),
		rego.Module("admission.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile admission policy: %w", err)
	}
	return &LocalPolicy{query: query}, nil
}

// Admit implements Admitter
func (p *LocalPolicy) Admit(ctx context.Context, req RunRequest) (*Decision, error) {
	input, err := toInput(req)
	if err != nil {
		return nil, err
	}

	rs, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate admission policy: %w", err)
	}

	var doc map[string]interface{}
	if len(rs) > 0 && len(rs[0].Expressions) > 0 {
		doc, _ = rs[0].Expressions[0].Value.(map[string]interface{})
	}

	decision := decisionFromResult(doc)
	// sets have no order
	sort.Strings(decision.Reasons)
	sort.Strings(decision.Warnings)
	return decision, nil
}

// toInput converts the request to plain JSON values. Numbers stay
// json.Number so integers keep their exact text in policy messages.
func toInput(req RunRequest) (interface{}, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal policy input: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var input interface{}
	if err := dec.Decode(&input); err != nil {
		return nil, fmt.Errorf("failed to decode policy input: %w", err)
	}
	return input, nil
}
