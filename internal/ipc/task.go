package ipc

import (
	"context"

	"github.com/deskthing/deskthingd/internal/registry"
	"github.com/deskthing/deskthingd/internal/task"
)

type listTasksPayload struct {
	Last int `json:"last" validate:"gte=0"`
}

func taskHandlers(d Deps) Handlers {
	manager := func(ctx context.Context) (*task.Manager, error) {
		return registry.Lookup[*task.Manager](ctx, d.Registry, task.Name)
	}

	return Handlers{
		{"list", ""}: func(ctx context.Context, env Envelope) (interface{}, error) {
			var p listTasksPayload
			if err := decodeOptional(env, &p); err != nil {
				return nil, err
			}
			tm, err := manager(ctx)
			if err != nil {
				return nil, err
			}
			if p.Last > 0 {
				return tm.GetLast(p.Last), nil
			}
			return tm.GetAll(), nil
		},
		{"get", ""}: func(ctx context.Context, env Envelope) (interface{}, error) {
			id, err := decodeString(env)
			if err != nil {
				return nil, err
			}
			tm, err := manager(ctx)
			if err != nil {
				return nil, err
			}
			tsk, err := tm.Get(id)
			if err != nil {
				return nil, err
			}
			return tsk.Copy(), nil
		},
		{"kill", ""}: func(ctx context.Context, env Envelope) (interface{}, error) {
			id, err := decodeString(env)
			if err != nil {
				return nil, err
			}
			tm, err := manager(ctx)
			if err != nil {
				return nil, err
			}
			return nil, tm.Kill(id)
		},
	}
}
