package main

import (
	"context"
	"os"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"github.com/lk2023060901/hemoclast-realtime-go/application"
	"github.com/lk2023060901/hemoclast-realtime-go/internal/config"
	"github.com/lk2023060901/hemoclast-realtime-go/internal/server"
	"github.com/lk2023060901/hemoclast-realtime-go/pkg/log"
)

func main() {
	app := application.New()
	if err := app.Run(); err != nil {
		log.Error("application init failed", zap.Error(err))
		os.Exit(1)
	}

	ctx, span := log.NewIntentContext("hemoclast-realtime", "serve")
	defer span.End()

	cfg, err := config.Load(app.Config())
	if err != nil {
		log.Ctx(ctx).Error("load config failed", zap.Error(err))
		os.Exit(1)
	}

	version := application.BuildVersion().String()
	srv, err := server.New(cfg, server.WithVersion(version))
	if err != nil {
		log.Ctx(ctx).Error("create server failed", zap.Error(err))
		os.Exit(1)
	}
	srv.SetLogger(app.Logger("server"))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	app.OnSignal(func(kind application.SignalKind, sig os.Signal) {
		if kind == application.SignalReload {
			log.Ctx(ctx).Info("reload is not supported, ignoring", zap.String("signal", sig.String()))
		}
	})
	app.OnShutdown(func(context.Context) error {
		cancel()
		return nil
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(runCtx) }()

	go func() {
		app.Wait(runCtx)
		sctx, scancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer scancel()
		_ = app.Shutdown(sctx)
	}()

	if err := <-errCh; err != nil {
		log.Ctx(ctx).Error("realtime server exited with error", zap.Error(err))
		_ = app.Shutdown(context.Background())
		os.Exit(1)
	}
	_ = app.Shutdown(context.Background())
	log.Ctx(ctx).Info("realtime server exited", zap.String("version", version))
}
