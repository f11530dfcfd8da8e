package core

import (
	"context"
	"errors"
	"fmt"
)

// ErrDangerousNotAllowed rejects a request whose execution plan would persist
// real side effects while the task's policy does not allow that.
var ErrDangerousNotAllowed = errors.New("dangerous operation not allowed by task policy")

// PolicyGate is the pre-check in front of interactive enqueues and schedule
// mutations. The queue and the scheduler trust that anything reaching them
// has already cleared it.
type PolicyGate struct {
	store    Store
	registry ExecutionBuilder
}

func NewPolicyGate(store Store, registry ExecutionBuilder) *PolicyGate {
	return &PolicyGate{store: store, registry: registry}
}

// Authorize builds the execution plan for the request and rejects it when the
// plan is dangerous and the task's policy does not explicitly allow that.
// The plan is returned so callers can surface a command preview.
func (g *PolicyGate) Authorize(ctx context.Context, taskID string, options Options) (*ExecutionPlan, error) {
	plan, err := g.registry.BuildExecution(taskID, options)
	if err != nil {
		return nil, err
	}
	if !plan.DangerousRequested {
		return plan, nil
	}
	policy, err := g.store.GetTaskPolicy(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task policy: %w", err)
	}
	if policy == nil || !policy.AllowDangerous {
		return nil, ErrDangerousNotAllowed
	}
	return plan, nil
}
