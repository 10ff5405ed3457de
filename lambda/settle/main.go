package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"fscreentime/internal/app"
	"fscreentime/internal/config"
	"fscreentime/internal/settlement"
)

var application *app.App

// handler runs one settlement pass per scheduled EventBridge invocation.
func handler(ctx context.Context, event events.CloudWatchEvent) (settlement.Report, error) {
	log := application.Logger.With("event_id", event.ID, "event_time", event.Time)

	report, err := application.Engine.Run(ctx)
	if err != nil {
		log.Errorw("Settlement run failed", "error", err)
		return report, err
	}

	if err := application.PushMetrics(ctx); err != nil {
		log.Warnw("Metrics push failed", "error", err)
	}
	return report, nil
}

func init() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	application, err = app.New(context.Background(), cfg, app.NewLogger(cfg))
	if err != nil {
		fmt.Printf("Error initializing application: %v\n", err)
		os.Exit(1)
	}
}

func main() {
	defer application.Close()
	lambda.Start(handler)
}
