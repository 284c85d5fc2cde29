package engine

import (
	"context"
	"time"

	"github.com/aquenix/flowstate/internal/store"
	"github.com/aquenix/flowstate/internal/tasks"
	"github.com/aquenix/flowstate/pkg/schema"
)

// runOnEnter executes the destination state's on-enter actions in
// declaration order. The transition has already committed: an action
// failure is logged and the remaining actions still run, nothing is
// rolled back.
func (e *Engine) runOnEnter(ctx context.Context, def *schema.Definition, state *schema.State, inst *store.Instance, actor schema.ActorContext) {
	for i := range state.OnEnter {
		action := &state.OnEnter[i]
		if err := e.runAction(ctx, def, state, action, inst, actor); err != nil {
			e.logger.ErrorContext(ctx, "on-enter action failed",
				"state", state.Name,
				"action", string(action.Kind),
				"index", i,
				"error", err,
			)
		}
	}
}

func (e *Engine) runAction(ctx context.Context, def *schema.Definition, state *schema.State, action *schema.Action, inst *store.Instance, actor schema.ActorContext) error {
	switch action.Kind {
	case schema.ActionCreateTask:
		return e.actionCreateTask(ctx, def, state, action, inst)
	case schema.ActionSetContext:
		return e.actionSetContext(ctx, action, inst)
	case schema.ActionNotifyWebhook:
		return e.actionNotifyWebhook(ctx, def, state, action, inst, actor)
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown action kind %q", action.Kind)
	}
}

func (e *Engine) actionCreateTask(ctx context.Context, def *schema.Definition, state *schema.State, action *schema.Action, inst *store.Instance) error {
	req := tasks.CreateRequest{
		State:      state.Name,
		Role:       stringParam(action.Params, "role"),
		AssigneeID: stringParam(action.Params, "assignee"),
	}
	if due := stringParam(action.Params, "due"); due != "" {
		d, err := time.ParseDuration(due)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"create.task has invalid due %q", due).WithCause(err)
		}
		req.Due = d
	}

	_, err := e.tasks.Create(ctx, inst, def.Key, req)
	return err
}

// actionSetContext merges the action params into the instance context
// with a version-conditional write. A conflict means someone moved the
// instance between our commit and this write; the fresher context wins
// and the merge is retried against it once.
func (e *Engine) actionSetContext(ctx context.Context, action *schema.Action, inst *store.Instance) error {
	merged := mergeContext(inst.Context, action.Params)

	err := e.store.UpdateInstanceContext(ctx, inst.ID, inst.Version, merged)
	if schema.IsCode(err, schema.ErrCodeConflict) {
		fresh, getErr := e.store.GetInstance(ctx, inst.ID)
		if getErr != nil {
			return getErr
		}
		merged = mergeContext(fresh.Context, action.Params)
		err = e.store.UpdateInstanceContext(ctx, fresh.ID, fresh.Version, merged)
		if err == nil {
			inst.Context = merged
			inst.Version = fresh.Version + 1
			return nil
		}
	}
	if err != nil {
		return err
	}
	inst.Context = merged
	inst.Version++
	return nil
}

func (e *Engine) actionNotifyWebhook(ctx context.Context, def *schema.Definition, state *schema.State, action *schema.Action, inst *store.Instance, actor schema.ActorContext) error {
	name := stringParam(action.Params, "event")
	if name == "" {
		name = "state_entered"
	}

	payload := map[string]any{
		"state":    state.Name,
		"actor_id": actor.ID,
	}
	if extra, ok := action.Params["payload"].(map[string]any); ok {
		for k, v := range extra {
			payload[k] = v
		}
	}

	e.publish(ctx, def, schema.Event{
		Name:       name,
		InstanceID: inst.ID,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	})
	return nil
}

func mergeContext(base, overlay map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}
