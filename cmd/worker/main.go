package main

import (
	"context"
	"log"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/imrishuroy/go-cart-recovery/internal/app"
	"github.com/imrishuroy/go-cart-recovery/internal/config"
	"github.com/imrishuroy/go-cart-recovery/internal/ingest"
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

	// the worker applies events itself even when the API enqueues them
	p := NewProcessor(a.Direct, a.Idempotency, logger)

	// If RUN_LOCAL=true, simulate a single SQS event for local testing.
	if cfg.RunLocal {
		body := os.Getenv("LOCAL_SQS_BODY")
		eventType := os.Getenv("LOCAL_EVENT_TYPE")
		if eventType == "" {
			eventType = ingest.EventActivity
		}
		if body == "" {
			body = `{"cart_key":{"platform":"shopify","store":"local","cart_id":"c1"},"contact":{"phone":"+966500000001"},"total":100,"currency":"SAR"}`
		}
		event := events.SQSEvent{
			Records: []events.SQSMessage{
				{
					MessageId: "local-1",
					Body:      body,
					MessageAttributes: map[string]events.SQSMessageAttribute{
						ingest.AttrEventType: {DataType: "String", StringValue: &eventType},
					},
				},
			},
		}
		resp, err := p.Handle(context.Background(), event)
		if err != nil || len(resp.BatchItemFailures) > 0 {
			log.Fatalf("local handler error: %v %+v", err, resp.BatchItemFailures)
		}
		return
	}

	lambda.Start(p.Handle)
}
