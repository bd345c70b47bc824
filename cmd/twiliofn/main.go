package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/hotsock/twiliofn"
	"github.com/hotsock/twiliofn/functions"
)

var (
	listenAddr = kingpin.Flag("listen", "Address to serve functions on.").Default(":3000").Envar("TWILIOFN_LISTEN").String()
	envFile    = kingpin.Flag("env-file", "Dotenv file holding the function environment.").Default("").Envar("TWILIOFN_ENV_FILE").String()
	authToken  = kingpin.Flag("auth-token", "Twilio auth token; when set, requests must carry a valid X-Twilio-Signature.").Envar("TWILIOFN_AUTH_TOKEN").String()
	timeout    = kingpin.Flag("timeout", "Maximum duration of one invocation.").Default(twiliofn.DefaultTimeout.String()).Duration()
)

func main() {
	kingpin.CommandLine.HelpFlag.Short('h')
	kingpin.Parse()

	logger := twiliofn.DefaultLogger()

	cfg, err := twiliofn.LoadConfig(*envFile)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.Env[twiliofn.EnvOutboundPhoneNumber] == "" {
		logger.Warn("no outbound phone number configured, /custom-response will fail", "variable", twiliofn.EnvOutboundPhoneNumber)
	}

	opts := []twiliofn.Option{
		twiliofn.WithLogger(logger),
		twiliofn.WithTimeout(*timeout),
	}
	if *authToken != "" {
		opts = append(opts, twiliofn.WithSignatureValidation(*authToken))
	}

	srv := twiliofn.NewServer(cfg, opts...)
	twiliofn.Handle(srv, "/custom-response", functions.OutboundMessage)
	twiliofn.Handle(srv, "/hello-world", functions.VoiceGreeting)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.ListenAndServe(ctx, *listenAddr); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
