package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/imrishuroy/go-cart-recovery/internal/app"
	"github.com/imrishuroy/go-cart-recovery/internal/config"
	"github.com/imrishuroy/go-cart-recovery/internal/logging"
	"github.com/imrishuroy/go-cart-recovery/internal/scheduler"
)

func main() {
	cfg := config.MustLoad()
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		log.Fatalf("failed to wire app: %v", err)
	}
	defer a.Close()

	// RUN_LOCAL runs the loop in-process instead of waiting for EventBridge.
	if cfg.RunLocal {
		if err := a.Loop.Run(context.Background()); err != nil {
			log.Fatalf("scheduler loop: %v", err)
		}
		return
	}

	lambda.Start(func(ctx context.Context, _ events.CloudWatchEvent) (scheduler.Rollup, error) {
		return a.Loop.Tick(ctx)
	})
}
