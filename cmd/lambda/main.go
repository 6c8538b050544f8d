package main

import (
	"context"
	"log"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"skyflow-batch-tokenizer/internal/config"
	"skyflow-batch-tokenizer/internal/lambdaapi"
	"skyflow-batch-tokenizer/internal/logging"
	"skyflow-batch-tokenizer/internal/ratelimit"
	"skyflow-batch-tokenizer/internal/skyflow"
)

var handler *lambdaapi.Handler

// init loads configuration once at cold start
func init() {
	ctx := context.Background()

	cfg, err := config.LoadFromEnvironment()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Skyflow.SecretName != "" {
		sm, err := config.NewSecretsClient(ctx, cfg.Skyflow.Region)
		if err != nil {
			log.Fatalf("Failed to create Secrets Manager client: %v", err)
		}
		if err := config.ResolveSecrets(ctx, cfg, sm); err != nil {
			log.Fatalf("Failed to read secret %s: %v", cfg.Skyflow.SecretName, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// CloudWatch captures stdout; the filesystem is read-only
	logger, _, err := logging.New(logging.Options{
		Level:  os.Getenv("LOG_LEVEL"),
		Output: os.Stdout,
		JSON:   true,
	})
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}

	tokens, err := cfg.Skyflow.TokenProvider()
	if err != nil {
		log.Fatalf("Failed to set up vault authentication: %v", err)
	}
	client := skyflow.NewClient(cfg.Client(), tokens)

	// One limiter per container so concurrent invocations share the budget
	gate, err := ratelimit.New(cfg.Performance.MaxCallsPerMinute, ratelimit.DefaultWindow)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	handler = lambdaapi.New(cfg.Engine(), client, gate, logger)

	logger.WithField("vault_url", cfg.Skyflow.VaultURL).Info("initialized")
	logger.Infof("Rows per chunk: %d, Max parallel tasks: %d", cfg.Performance.RowsPerChunk, cfg.Performance.MaxParallelTasks)
}

func main() {
	lambda.Start(handler.Handle)
}
