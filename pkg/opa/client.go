// Package opa evaluates run admission policies, either embedded or on a
// remote Open Policy Agent
package opa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agile-defense/radarsot/pkg/radar"
)

// AdmissionPath is the policy package queried for run admission
const AdmissionPath = "radar/admission"

// RunRequest is the policy input describing a requested run
type RunRequest struct {
	RunID     string         `json:"run_id"`
	Requester string         `json:"requester,omitempty"`
	TimeSteps int            `json:"time_steps"`
	Parallel  bool           `json:"parallel"`
	Radar     radar.Config   `json:"radar"`
	Targets   []radar.Target `json:"targets"`
}

// Admitter decides whether a run may execute
type Admitter interface {
	Admit(ctx context.Context, req RunRequest) (*Decision, error)
}

// Decision represents an OPA policy decision
type Decision struct {
	Allowed       bool                   `json:"allowed"`
	Reasons       []string               `json:"reasons,omitempty"`
	Warnings      []string               `json:"warnings,omitempty"`
	PolicyVersion string                 `json:"policy_version,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Client is an OPA API client
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new OPA client
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// QueryInput is the input for an OPA query
type QueryInput struct {
	Input interface{} `json:"input"`
}

// QueryResult is the result of an OPA query
type QueryResult struct {
	Result map[string]interface{} `json:"result"`
}

// Query evaluates a policy and returns the result
func (c *Client) Query(ctx context.Context, path string, input interface{}) (*QueryResult, error) {
	url := fmt.Sprintf("%s/v1/data/%s", c.baseURL, path)

	body, err := json.Marshal(QueryInput{Input: input})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal input: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("OPA returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result QueryResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &result, nil
}

// Decide evaluates a policy and returns a structured decision
func (c *Client) Decide(ctx context.Context, policyPath string, input interface{}) (*Decision, error) {
	result, err := c.Query(ctx, policyPath, input)
	if err != nil {
		return nil, err
	}
	return decisionFromResult(result.Result), nil
}

// Admit implements Admitter against the remote radar/admission package
func (c *Client) Admit(ctx context.Context, req RunRequest) (*Decision, error) {
	return c.Decide(ctx, AdmissionPath, req)
}

// decisionFromResult reads allow, deny, warnings and version from a policy
// package document. An undefined document denies.
func decisionFromResult(result map[string]interface{}) *Decision {
	decision := &Decision{
		Allowed:  false,
		Metadata: make(map[string]interface{}),
	}
	if result == nil {
		decision.Reasons = []string{"policy undefined"}
		return decision
	}

	if allowed, ok := result["allow"].(bool); ok {
		decision.Allowed = allowed
	} else if allowed, ok := result["allowed"].(bool); ok {
		decision.Allowed = allowed
	}

	decision.Reasons = stringSet(result["deny"])
	decision.Warnings = stringSet(result["warnings"])

	if v, ok := result["version"].(string); ok {
		decision.PolicyVersion = v
	}

	// Store full result as metadata
	decision.Metadata["raw_result"] = result
	return decision
}

// stringSet collects the strings of a Rego set, array or object
func stringSet(v interface{}) []string {
	var out []string
	switch vs := v.(type) {
	case []interface{}:
		for _, r := range vs {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
	case []string:
		out = append(out, vs...)
	case map[string]interface{}:
		for _, r := range vs {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// Health checks if OPA is healthy
func (c *Client) Health(ctx context.Context) error {
	url := fmt.Sprintf("%s/health", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("OPA unhealthy: status %d", resp.StatusCode)
	}

	return nil
}
