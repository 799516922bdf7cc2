package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/imrishuroy/go-checkout-saga/internal/app"
	"github.com/imrishuroy/go-checkout-saga/internal/aws"
	"github.com/imrishuroy/go-checkout-saga/internal/config"
	"github.com/imrishuroy/go-checkout-saga/internal/logging"
)

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

	p := NewProcessor(a.Orders, a.Coordinator, logger)

	// RUN_LOCAL feeds a single message body from LOCAL_SQS_BODY through the processor.
	if cfg.RunLocal {
		body := os.Getenv("LOCAL_SQS_BODY")
		if body == "" {
			logger.Error("LOCAL_SQS_BODY is empty")
			os.Exit(1)
		}
		resp, _ := p.Handle(ctx, events.SQSEvent{
			Records: []events.SQSMessage{{MessageId: "local-1", Body: body}},
		})
		if len(resp.BatchItemFailures) > 0 {
			logger.Error("local message failed")
			os.Exit(1)
		}
		return
	}

	lambda.Start(p.Handle)
}
