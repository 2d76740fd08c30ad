package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"

	"github.com/imrishuroy/go-cart-recovery/internal/app"
	"github.com/imrishuroy/go-cart-recovery/internal/config"
	"github.com/imrishuroy/go-cart-recovery/internal/logging"
)

func main() {
	cfg := config.MustLoad()
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		log.Fatalf("failed to wire app: %v", err)
	}
	defer a.Close()

	r := a.Router()

	// if RUN_LOCAL is set, run a local HTTP server for development.
	if cfg.RunLocal {
		log.Printf("running local server on %s", cfg.HTTPAddr)
		if err := r.Run(cfg.HTTPAddr); err != nil {
			log.Fatalf("failed to run local server: %v", err)
		}
		return
	}

	// lambda adapter
	adapter := ginadapter.New(r)

	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		// ProxyWithContext propagates the Lambda context into the gin request
		return adapter.ProxyWithContext(ctx, req)
	})
}
