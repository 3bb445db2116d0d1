package ipc

import (
	"context"

	"github.com/deskthing/deskthingd/internal/notification"
	"github.com/deskthing/deskthingd/internal/registry"
)

type acknowledgePayload struct {
	ID string `json:"id" validate:"required"`
}

func notificationHandlers(d Deps) Handlers {
	store := func(ctx context.Context) (*notification.Store, error) {
		return registry.Lookup[*notification.Store](ctx, d.Registry, notification.Name)
	}

	return Handlers{
		{"list", ""}: func(ctx context.Context, env Envelope) (interface{}, error) {
			s, err := store(ctx)
			if err != nil {
				return nil, err
			}
			return s.List(), nil
		},
		{"get", ""}: func(ctx context.Context, env Envelope) (interface{}, error) {
			id, err := decodeString(env)
			if err != nil {
				return nil, err
			}
			s, err := store(ctx)
			if err != nil {
				return nil, err
			}
			return s.Get(id)
		},
		// the whole payload is merged into the notification, so a response can be sent along
		{"acknowledge", ""}: func(ctx context.Context, env Envelope) (interface{}, error) {
			var p acknowledgePayload
			if err := decode(env, &p); err != nil {
				return nil, err
			}
			s, err := store(ctx)
			if err != nil {
				return nil, err
			}
			return s.Acknowledge(p.ID, env.Payload)
		},
		{"delete", ""}: func(ctx context.Context, env Envelope) (interface{}, error) {
			id, err := decodeString(env)
			if err != nil {
				return nil, err
			}
			s, err := store(ctx)
			if err != nil {
				return nil, err
			}
			return nil, s.Delete(id)
		},
	}
}
