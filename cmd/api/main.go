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

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-checkout-saga/internal/app"
	"github.com/imrishuroy/go-checkout-saga/internal/aws"
	"github.com/imrishuroy/go-checkout-saga/internal/config"
	"github.com/imrishuroy/go-checkout-saga/internal/handlers"
	"github.com/imrishuroy/go-checkout-saga/internal/logging"
)

func setupRouter(a *app.App) *gin.Engine {
	r := gin.New()
	r.Use(logging.RequestID(), logging.AccessLog(a.Logger), a.Metrics.Middleware(), gin.Recovery())

	r.GET("/metrics", gin.WrapH(a.Metrics.Handler()))
	handlers.RegisterRoutes(r, a.HandlerConfig())

	return r
}

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx := context.Background()
	clients, err := aws.NewAWSClients(ctx, cfg.AWSRegion, cfg.AWSEndpoint)
	if err != nil {
		logger.Error("failed to init aws clients", "error", err)
		os.Exit(1)
	}
	a, err := app.New(ctx, cfg, logger, clients)
	if err != nil {
		logger.Error("failed to build app", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	r := setupRouter(a)

	if cfg.RunLocal {
		runLocal(a, r)
		return
	}

	// expired reservations are swept by cmd/sweeper on a schedule in lambda mode
	adapter := ginadapter.New(r)
	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}

// runLocal serves HTTP and sweeps expired reservations in-process until SIGINT/SIGTERM.
func runLocal(a *app.App, r *gin.Engine) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go a.Ledger.RunSweeper(ctx, a.Config.SweepInterval, a.Metrics.ReservationsSwept)

	srv := &http.Server{
		Addr:              a.Config.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.Logger.Info("running local server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("local server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error("shutdown failed", "error", err)
	}
}
