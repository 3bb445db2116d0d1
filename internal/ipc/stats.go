package ipc

import (
	"context"

	"github.com/deskthing/deskthingd/internal/registry"
	"github.com/deskthing/deskthingd/internal/stats"
)

func statsHandlers(d Deps) Handlers {
	store := func(ctx context.Context) (*stats.Store, error) {
		return registry.Lookup[*stats.Store](ctx, d.Registry, stats.Name)
	}

	return Handlers{
		{"collect", ""}: func(ctx context.Context, env Envelope) (interface{}, error) {
			var stat stats.Stat
			if err := decode(env, &stat); err != nil {
				return nil, err
			}
			s, err := store(ctx)
			if err != nil {
				return nil, err
			}
			return nil, s.Collect(ctx, stat)
		},
		{"flush", ""}: func(ctx context.Context, env Envelope) (interface{}, error) {
			s, err := store(ctx)
			if err != nil {
				return nil, err
			}
			return nil, s.Flush(ctx)
		},
		{"system", ""}: func(ctx context.Context, env Envelope) (interface{}, error) {
			s, err := store(ctx)
			if err != nil {
				return nil, err
			}
			return s.System(ctx)
		},
		{"queued", ""}: func(ctx context.Context, env Envelope) (interface{}, error) {
			s, err := store(ctx)
			if err != nil {
				return nil, err
			}
			return s.Queued(), nil
		},
	}
}
