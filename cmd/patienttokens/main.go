// Package main starts the patient token service HTTP server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fixedasset/patient-token-system/internal/chain"
	"github.com/fixedasset/patient-token-system/internal/config"
	"github.com/fixedasset/patient-token-system/internal/directory"
	"github.com/fixedasset/patient-token-system/internal/handler"
	"github.com/fixedasset/patient-token-system/internal/middleware"
	"github.com/fixedasset/patient-token-system/internal/repository"
	"github.com/fixedasset/patient-token-system/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	catalog, err := cfg.BenefitCatalog()
	if err != nil {
		sugar.Fatalw("benefit catalog error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	var settler service.Settler
	if cfg.TokenBridgeAddress != "" {
		settler = chain.NewClient(cfg.TokenBridgeAddress)
	} else {
		sugar.Info("no token bridge configured, using simulated settlement")
		settler = chain.NewSimulator()
	}

	var dir service.Directory
	if cfg.PatientDirectoryAddress != "" {
		dir = directory.NewClient(cfg.PatientDirectoryAddress)
	}

	svc := service.NewService(repo, settler, dir, catalog)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.StaffAuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, cfg.StaffAccessCode)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sugar.Infow("starting patient token server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
