package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kadirpekel/conduit/pkg/config"
	"github.com/kadirpekel/conduit/pkg/config/provider"
	"github.com/kadirpekel/conduit/pkg/runtime"
)

// loadConfig loads the configuration from the selected provider.
func (c *CLI) loadConfig(ctx context.Context) (*config.Config, *config.Loader, error) {
	t, err := provider.ParseType(c.ConfigProvider)
	if err != nil {
		return nil, nil, err
	}

	var (
		cfg    *config.Config
		loader *config.Loader
	)
	if t == provider.TypeFile {
		cfg, loader, err = config.LoadConfigFile(ctx, c.Config)
	} else {
		cfg, loader, err = config.LoadConfig(ctx, provider.Config{
			Type:      t,
			Path:      c.Config,
			Endpoints: c.ConfigEndpoints,
			Token:     c.ConfigToken,
		})
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := c.applyConfigLogger(cfg.Logger); err != nil {
		_ = loader.Close()
		return nil, nil, err
	}
	slog.Debug("Loaded configuration", "provider", t, "path", c.Config, "sources", len(cfg.Sources))
	return cfg, loader, nil
}

// newRuntime loads the configuration and builds the runtime. The loader is
// returned open so callers can watch it.
func (c *CLI) newRuntime(ctx context.Context) (*runtime.Runtime, *config.Loader, error) {
	cfg, loader, err := c.loadConfig(ctx)
	if err != nil {
		return nil, nil, err
	}
	rt, err := runtime.New(ctx, cfg)
	if err != nil {
		_ = loader.Close()
		return nil, nil, fmt.Errorf("failed to create runtime: %w", err)
	}
	return rt, loader, nil
}

// watch applies configuration changes to rt until ctx is done.
func watch(ctx context.Context, loader *config.Loader, rt *runtime.Runtime) {
	loader.SetOnChange(rt.OnChange(ctx))
	go func() {
		if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Config watch error", "error", err)
		}
	}()
}
