package ipc

import (
	"context"

	"github.com/deskthing/deskthingd/internal/flash"
	"github.com/deskthing/deskthingd/internal/registry"
)

type flashPayload struct {
	Path string `json:"path" validate:"required"`
}

func flashHandlers(d Deps) Handlers {
	store := func(ctx context.Context) (*flash.Store, error) {
		return registry.Lookup[*flash.Store](ctx, d.Registry, flash.Name)
	}

	return Handlers{
		{"state", ""}: func(ctx context.Context, env Envelope) (interface{}, error) {
			s, err := store(ctx)
			if err != nil {
				return nil, err
			}
			return s.State(), nil
		},
		{"steps", ""}: func(ctx context.Context, env Envelope) (interface{}, error) {
			var p flashPayload
			if err := decode(env, &p); err != nil {
				return nil, err
			}
			s, err := store(ctx)
			if err != nil {
				return nil, err
			}
			return s.Steps(ctx, p.Path)
		},
		{"start", ""}: func(ctx context.Context, env Envelope) (interface{}, error) {
			var p flashPayload
			if err := decode(env, &p); err != nil {
				return nil, err
			}
			s, err := store(ctx)
			if err != nil {
				return nil, err
			}
			tsk, err := s.StartFlash(ctx, p.Path)
			if err != nil {
				return nil, err
			}
			return tsk.Copy(), nil
		},
		{"cancel", ""}: func(ctx context.Context, env Envelope) (interface{}, error) {
			s, err := store(ctx)
			if err != nil {
				return nil, err
			}
			return nil, s.CancelFlash()
		},
		{"usb-mode", ""}: func(ctx context.Context, env Envelope) (interface{}, error) {
			var p flashPayload
			if err := decode(env, &p); err != nil {
				return nil, err
			}
			s, err := store(ctx)
			if err != nil {
				return nil, err
			}
			return nil, s.ConfigureUSBMode(ctx, p.Path)
		},
	}
}
