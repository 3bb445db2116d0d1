package ipc

import (
	"context"

	"github.com/deskthing/deskthingd/internal/registry"
	"github.com/deskthing/deskthingd/internal/release"
)

type refreshPayload struct {
	Force bool `json:"force"`
}

func releaseHandlers(d Deps) Handlers {
	store := func(ctx context.Context) (*release.Store, error) {
		return registry.Lookup[*release.Store](ctx, d.Registry, release.Name)
	}

	return Handlers{
		{"client", ""}: func(ctx context.Context, env Envelope) (interface{}, error) {
			s, err := store(ctx)
			if err != nil {
				return nil, err
			}
			return s.ClientReleases(ctx), nil
		},
		{"app", ""}: func(ctx context.Context, env Envelope) (interface{}, error) {
			s, err := store(ctx)
			if err != nil {
				return nil, err
			}
			return s.AppReleases(ctx), nil
		},
		{"community", ""}: func(ctx context.Context, env Envelope) (interface{}, error) {
			s, err := store(ctx)
			if err != nil {
				return nil, err
			}
			return s.Community(), nil
		},
		{"refresh", ""}: func(ctx context.Context, env Envelope) (interface{}, error) {
			var p refreshPayload
			if err := decodeOptional(env, &p); err != nil {
				return nil, err
			}
			s, err := store(ctx)
			if err != nil {
				return nil, err
			}
			return nil, s.Refresh(ctx, p.Force)
		},
		{"repo", "add"}: func(ctx context.Context, env Envelope) (interface{}, error) {
			repo, err := decodeString(env)
			if err != nil {
				return nil, err
			}
			s, err := store(ctx)
			if err != nil {
				return nil, err
			}
			return s.AddRepo(ctx, repo)
		},
		{"repo", "remove"}: func(ctx context.Context, env Envelope) (interface{}, error) {
			repo, err := decodeString(env)
			if err != nil {
				return nil, err
			}
			s, err := store(ctx)
			if err != nil {
				return nil, err
			}
			return nil, s.RemoveRepo(ctx, repo)
		},
	}
}
