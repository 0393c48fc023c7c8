package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"topshot-backend/internal/config"
	"topshot-backend/internal/database"
	"topshot-backend/internal/infrastructure/mpesa"
	"topshot-backend/internal/notify"
	"topshot-backend/internal/repo"
	"topshot-backend/internal/server"
	"topshot-backend/internal/service"
	"topshot-backend/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()

	db, err := database.Open(cfg)
	if err != nil {
		logger.Error("failed to open database", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(ctx, db); err != nil {
		logger.Error("migration failed", "err", err)
		os.Exit(1)
	}

	orderRepo := repo.NewOrderRepo(db)
	bookRepo := repo.NewBookRepo(db)
	gateway := mpesa.NewClient(mpesa.Config{
		BaseURL:        cfg.MpesaBaseURL,
		ConsumerKey:    cfg.MpesaConsumerKey,
		ConsumerSecret: cfg.MpesaConsumerSecret,
		Shortcode:      cfg.MpesaShortcode,
		Passkey:        cfg.MpesaPasskey,
		CallbackURL:    cfg.CallbackURL(),
		Timeout:        cfg.GatewayTimeout,
	})
	notifier := notify.NewLogNotifier(logger)

	orderService := service.NewOrderService(orderRepo, bookRepo, gateway, logger)
	callbackService := service.NewCallbackService(orderRepo, bookRepo, notifier, logger)

	reconciler := worker.NewReconciler(orderRepo, gateway, callbackService, cfg.ReconcileInterval, cfg.ReconcileAfter, logger)
	go reconciler.Run(ctx)

	srv := server.New(cfg.HTTPPort, orderService, callbackService, db, logger)

	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
}
