package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/dhirmadi/imgpub/internal/cluster"
	"github.com/dhirmadi/imgpub/internal/config"
	"github.com/dhirmadi/imgpub/internal/crypto"
	"github.com/dhirmadi/imgpub/internal/server"
	"github.com/dhirmadi/imgpub/internal/storage"
	"github.com/dhirmadi/imgpub/internal/tenant"
)

var (
	name    = "imgpub"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

// ///////////////////////////////////////////////////////////////////

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := storage.NewDropboxAdapter(storage.DropboxCredentials{
		AppKey:       os.Getenv("DROPBOX_APP_KEY"),
		AppSecret:    os.Getenv("DROPBOX_APP_SECRET"),
		RefreshToken: os.Getenv("DROPBOX_REFRESH_TOKEN"),
	})
	if err != nil {
		return fmt.Errorf("failed to create dropbox adapter: %w", err)
	}

	var encKey []byte
	if secret := cfg.Server.WebSessionSecret; secret != "" {
		key, err := crypto.DeriveKey(secret)
		if err != nil {
			return fmt.Errorf("failed to derive credential cache key: %w", err)
		}
		encKey = key
	}

	resolver, err := tenant.New(cfg.Orchestrator, tenant.EnvCredentialResolver{}, encKey)
	if err != nil {
		return fmt.Errorf("failed to create tenant resolver: %w", err)
	}

	clu, err := cluster.New(cfg.Cluster)
	if err != nil {
		return fmt.Errorf("failed to create cluster: %w", err)
	}
	if clu != nil {
		go func() {
			if err := clu.Start(ctx, resolver.Invalidate); err != nil && ctx.Err() == nil {
				slog.Error("cluster stopped", "error", err.Error())
			}
		}()
		defer clu.Stop() //nolint:errcheck
	}

	srv, err := server.New(cfg.Server, resolver, store)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return srv.Start(ctx)
}
