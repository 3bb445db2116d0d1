package ipc

import (
	"context"

	"github.com/deskthing/deskthingd/internal/registry"
	"github.com/deskthing/deskthingd/internal/update"
)

func updateHandlers(d Deps) Handlers {
	store := func(ctx context.Context) (*update.Store, error) {
		return registry.Lookup[*update.Store](ctx, d.Registry, update.Name)
	}

	return Handlers{
		{"check", ""}: func(ctx context.Context, env Envelope) (interface{}, error) {
			s, err := store(ctx)
			if err != nil {
				return nil, err
			}
			return s.CheckForUpdates(ctx)
		},
		{"download", ""}: func(ctx context.Context, env Envelope) (interface{}, error) {
			s, err := store(ctx)
			if err != nil {
				return nil, err
			}
			tsk, err := s.StartDownload(ctx)
			if err != nil {
				return nil, err
			}
			return tsk.Copy(), nil
		},
		{"install", ""}: func(ctx context.Context, env Envelope) (interface{}, error) {
			s, err := store(ctx)
			if err != nil {
				return nil, err
			}
			return nil, s.QuitAndInstall()
		},
		{"status", ""}: func(ctx context.Context, env Envelope) (interface{}, error) {
			s, err := store(ctx)
			if err != nil {
				return nil, err
			}
			return s.Status(), nil
		},
		{"progress", ""}: func(ctx context.Context, env Envelope) (interface{}, error) {
			s, err := store(ctx)
			if err != nil {
				return nil, err
			}
			return s.Progress(), nil
		},
	}
}
