package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/imrishuroy/go-checkout-saga/internal/aws"
	"github.com/imrishuroy/go-checkout-saga/internal/config"
	"github.com/imrishuroy/go-checkout-saga/internal/inventory"
	"github.com/imrishuroy/go-checkout-saga/internal/logging"
)

// Sweeper is the scheduled entry point that returns expired reservations to stock.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

type sweepResult struct {
	Released int `json:"released"`
}

func handler(s Sweeper, logger *slog.Logger) func(context.Context, events.CloudWatchEvent) (sweepResult, error) {
	return func(ctx context.Context, ev events.CloudWatchEvent) (sweepResult, error) {
		n, err := s.Sweep(ctx)
		if err != nil {
			// rows released before the error stay released; the next run picks up the rest
			logger.Error("reservation sweep failed", "error", err, "released", n, "event_id", ev.ID)
			return sweepResult{Released: n}, err
		}
		logger.Info("reservation sweep done", "released", n, "event_id", ev.ID)
		return sweepResult{Released: n}, nil
	}
}

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	clients, err := aws.NewAWSClients(context.Background(), cfg.AWSRegion, cfg.AWSEndpoint)
	if err != nil {
		logger.Error("failed to init aws clients", "error", err)
		os.Exit(1)
	}
	ledger := inventory.NewLedger(clients.DynamoDB, cfg.ProductsTable, cfg.ReservationsTable, cfg.ReservationTTL, logger)
	h := handler(ledger, logger)

	if cfg.RunLocal {
		if _, err := h(context.Background(), events.CloudWatchEvent{ID: "local"}); err != nil {
			os.Exit(1)
		}
		return
	}
	lambda.Start(h)
}
