package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"memorease/handler"
	"memorease/internal/app"
	"memorease/internal/config"
	"memorease/internal/logging"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load(os.Getenv("MEMOREASE_CONFIG"))
	logger := logging.New(os.Stdout, "info", false)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger = logging.New(os.Stdout, cfg.Log.Level, false)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// ---- Components ----
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build application")
	}

	// ---- Handler ----
	h, err := handler.NewHandler(a.Assistant, a.Backend, handler.WithLogger(logging.Component(logger, "handler")))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create handler")
	}

	lambda.Start(h.Handle)
}
