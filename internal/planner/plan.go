package planner

import (
	"context"
	"encoding/json"
	"fmt"
)

// planTool is the planning tool invoked for every investigation.
const planTool = "create_investigation_plan"

// Step is one delegated unit of work in an investigation plan.
type Step struct {
	Assignee    string `json:"assignee"`
	Description string `json:"description"`
}

// Plan is the planning tool's structured output.
type Plan struct {
	Objective string `json:"objective,omitempty"`
	Steps     []Step `json:"steps"`
}

// CreatePlan asks the planning tool for an investigation plan. A tool
// response that is not a JSON plan is an error; the caller's gate treats
// a missing plan as a hard stop.
func (c *Client) CreatePlan(ctx context.Context, problem string) (*Plan, error) {
	res, err := c.Call(ctx, planTool, map[string]any{"problem": problem})
	if err != nil {
		return nil, err
	}

	var plan Plan
	if err := json.Unmarshal([]byte(res.Text), &plan); err != nil {
		return nil, fmt.Errorf("plan is not valid JSON: %w", err)
	}
	return &plan, nil
}
