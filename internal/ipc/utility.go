package ipc

import (
	"context"
	"encoding/json"

	"github.com/deskthing/deskthingd/internal/logstore"
	"github.com/deskthing/deskthingd/internal/registry"
	"github.com/deskthing/deskthingd/internal/settings"
	"github.com/deskthing/deskthingd/internal/util"
)

type settingPayload struct {
	Key   string          `json:"key" validate:"required"`
	Value json.RawMessage `json:"value" validate:"required"`
}

type flagPayload struct {
	FlagID    string `json:"flagId" validate:"required"`
	FlagState bool   `json:"flagState"`
}

func utilityHandlers(d Deps) Handlers {
	settingsStore := func(ctx context.Context) (*settings.Store, error) {
		return registry.Lookup[*settings.Store](ctx, d.Registry, settings.Name)
	}

	return Handlers{
		{"ping", ""}: func(ctx context.Context, env Envelope) (interface{}, error) {
			log.Info("Pinged! pong")
			return "pong", nil
		},
		{"shutdown", ""}: func(ctx context.Context, env Envelope) (interface{}, error) {
			if d.Shutdown == nil {
				return nil, util.NewTypedError(util.ErrInternal, "shutdown is not available")
			}
			log.Info("Shutdown requested")
			d.Shutdown()
			return nil, nil
		},
		{"local-ips", ""}: func(ctx context.Context, env Envelope) (interface{}, error) {
			ips, err := util.GetLocalIPs()
			if err != nil {
				return nil, util.WrapTyped(err, util.ErrExternal, "failed to list local IPs")
			}
			return ips, nil
		},
		{"logs", ""}: func(ctx context.Context, env Envelope) (interface{}, error) {
			logs, err := registry.Lookup[*logstore.Store](ctx, d.Registry, logstore.Name)
			if err != nil {
				return nil, err
			}
			return logs.Logs(), nil
		},
		{"stores", ""}: func(ctx context.Context, env Envelope) (interface{}, error) {
			return d.Registry.Names(), nil
		},
		{"settings", "get"}: func(ctx context.Context, env Envelope) (interface{}, error) {
			store, err := settingsStore(ctx)
			if err != nil {
				return nil, err
			}
			return store.Get(), nil
		},
		{"settings", "set"}: func(ctx context.Context, env Envelope) (interface{}, error) {
			var s settings.Settings
			if len(env.Payload) == 0 {
				return nil, util.NewTypedError(util.ErrValidation, "settings require a payload")
			}
			if err := json.Unmarshal(env.Payload, &s); err != nil {
				return nil, util.WrapTyped(err, util.ErrValidation, "invalid settings payload")
			}
			store, err := settingsStore(ctx)
			if err != nil {
				return nil, err
			}
			return store.Save(ctx, s)
		},
		{"setting", "set"}: func(ctx context.Context, env Envelope) (interface{}, error) {
			var p settingPayload
			if err := decode(env, &p); err != nil {
				return nil, err
			}
			store, err := settingsStore(ctx)
			if err != nil {
				return nil, err
			}
			return store.Update(ctx, p.Key, p.Value)
		},
		{"flag", "get"}: func(ctx context.Context, env Envelope) (interface{}, error) {
			flag, err := decodeString(env)
			if err != nil {
				return nil, err
			}
			store, err := settingsStore(ctx)
			if err != nil {
				return nil, err
			}
			return store.GetFlag(flag), nil
		},
		{"flag", "set"}: func(ctx context.Context, env Envelope) (interface{}, error) {
			var p flagPayload
			if err := decode(env, &p); err != nil {
				return nil, err
			}
			store, err := settingsStore(ctx)
			if err != nil {
				return nil, err
			}
			if err := store.SetFlag(ctx, p.FlagID, p.FlagState); err != nil {
				return nil, err
			}
			return p.FlagState, nil
		},
		{"flag", "toggle"}: func(ctx context.Context, env Envelope) (interface{}, error) {
			flag, err := decodeString(env)
			if err != nil {
				return nil, err
			}
			store, err := settingsStore(ctx)
			if err != nil {
				return nil, err
			}
			return store.ToggleFlag(ctx, flag)
		},
		{"clear-cache", ""}: func(ctx context.Context, env Envelope) (interface{}, error) {
			return nil, d.Registry.ClearAllCaches(ctx)
		},
		{"save", ""}: func(ctx context.Context, env Envelope) (interface{}, error) {
			return nil, d.Registry.SaveAllToFile(ctx)
		},
	}
}
