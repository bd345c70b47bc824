package main

import (
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/hotsock/twiliofn"
	"github.com/hotsock/twiliofn/functions"
	"github.com/hotsock/twiliofn/lambdahost"
)

func main() {
	logger := twiliofn.DefaultLogger()

	cfg, err := twiliofn.LoadConfig(os.Getenv("TWILIOFN_ENV_FILE"))
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// LAMBDA_HANDLER selects the function this deployment serves.
	switch os.Getenv("LAMBDA_HANDLER") {
	case "hello-world":
		lambda.Start(lambdahost.Wrap("hello-world", cfg, functions.VoiceGreeting, twiliofn.WithLogger(logger)))
	case "custom-response", "":
		lambda.Start(lambdahost.Wrap("custom-response", cfg, functions.OutboundMessage, twiliofn.WithLogger(logger)))
	default:
		logger.Error("unknown LAMBDA_HANDLER", "handler", os.Getenv("LAMBDA_HANDLER"))
		os.Exit(1)
	}
}
