package trigger

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"

	"github.com/riftlabs/flowengine/internal/domain"
)

// EnqueueFunc hands a fire off to the run manager; it is supplied by
// whatever owns the Dispatcher (normally internal/manager.Manager.Schedule).
type EnqueueFunc func(ctx context.Context, workflowID string, payload map[string]any) (runID string, err error)

// CommonSpec holds the fields every trigger type shares: an enabled flag
// and an optional expr-lang condition evaluated against the fire payload
// immediately before enqueuing, so a trigger can be registered once but
// skip firing without being unregistered.
type CommonSpec struct {
	ID         string
	WorkflowID string
	Type       domain.TriggerType
	Enabled    bool
	Condition  string // expr-lang boolean expression over the payload, optional
}

// Dispatcher gates a firing on an enabled check and a condition recheck,
// then enqueues. Triggers go through it only when their onFire callback is
// built with AsFireFunc.
type Dispatcher struct {
	enqueue EnqueueFunc
}

// NewDispatcher builds a Dispatcher bound to enqueue.
func NewDispatcher(enqueue EnqueueFunc) *Dispatcher {
	return &Dispatcher{enqueue: enqueue}
}

// Fire enforces spec.Enabled/spec.Condition and, if they pass, enqueues a
// run. A disabled trigger or a falsy condition returns ("", nil): not
// firing is not an error.
func (d *Dispatcher) Fire(ctx context.Context, spec CommonSpec, payload map[string]any) (string, error) {
	if !spec.Enabled {
		return "", nil
	}
	if spec.Condition != "" {
		ok, err := evalCondition(spec.Condition, payload)
		if err != nil {
			return "", domain.NewDomainError(domain.ErrCodeInvalidInput, fmt.Sprintf("trigger %s condition error", spec.ID), err)
		}
		if !ok {
			return "", nil
		}
	}
	return d.enqueue(ctx, spec.WorkflowID, payload)
}

func evalCondition(condition string, payload map[string]any) (bool, error) {
	env := map[string]any{"payload": payload}
	out, err := expr.Eval(condition, env)
	if err != nil {
		return false, err
	}
	b, _ := out.(bool)
	return b, nil
}

// AsFireFunc adapts a Dispatcher+CommonSpec pair into the FireFunc shape
// that NewCronScheduler's and NewWebhookDispatcher's onFire parameters expect.
func (d *Dispatcher) AsFireFunc(spec CommonSpec) FireFunc {
	return func(ctx context.Context, payload map[string]any) (string, error) {
		return d.Fire(ctx, spec, payload)
	}
}
