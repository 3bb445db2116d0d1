package ipc

import (
	"context"

	"github.com/deskthing/deskthingd/internal/plugin"
	"github.com/deskthing/deskthingd/internal/registry"
)

type scanPayload struct {
	Dir string `json:"dir"`
}

func pluginHandlers(d Deps) Handlers {
	store := func(ctx context.Context) (*plugin.Store, error) {
		return registry.Lookup[*plugin.Store](ctx, d.Registry, plugin.Name)
	}

	return Handlers{
		{"scan", ""}: func(ctx context.Context, env Envelope) (interface{}, error) {
			p := scanPayload{Dir: d.PluginDir}
			if err := decodeOptional(env, &p); err != nil {
				return nil, err
			}
			if p.Dir == "" {
				p.Dir = d.PluginDir
			}
			s, err := store(ctx)
			if err != nil {
				return nil, err
			}
			return s.Scan(ctx, p.Dir)
		},
		{"list", ""}: func(ctx context.Context, env Envelope) (interface{}, error) {
			s, err := store(ctx)
			if err != nil {
				return nil, err
			}
			return s.References(), nil
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
		{"application", ""}: func(ctx context.Context, env Envelope) (interface{}, error) {
			app, err := decodeString(env)
			if err != nil {
				return nil, err
			}
			s, err := store(ctx)
			if err != nil {
				return nil, err
			}
			return s.ByApplication(app), nil
		},
	}
}
