// Package main is the entry point for the email send API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"

	"github.com/shineum/smtp-send-api/internal/api"
	"github.com/shineum/smtp-send-api/internal/config"
	"github.com/shineum/smtp-send-api/internal/dispatch"
	"github.com/shineum/smtp-send-api/internal/logger"
	"github.com/shineum/smtp-send-api/internal/metrics"
	"github.com/shineum/smtp-send-api/internal/provider"
	"github.com/shineum/smtp-send-api/internal/provider/graph"
	"github.com/shineum/smtp-send-api/internal/provider/ses"
	smtpprovider "github.com/shineum/smtp-send-api/internal/provider/smtp"
	"github.com/shineum/smtp-send-api/internal/provider/stdout"
	"github.com/shineum/smtp-send-api/internal/request"
	smtptls "github.com/shineum/smtp-send-api/internal/tls"
)

const shutdownTimeout = 30 * time.Second

var (
	gitCommit = "unknown"
	gitTag    = "dev"
)

var (
	configFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "path to YAML configuration file (optional)",
	}
	envFileFlag = &cli.StringFlag{
		Name:  "env-file",
		Usage: "path to a .env file; ignored when missing",
		Value: ".env",
	}
	listenFlag = &cli.StringFlag{
		Name:  "listen",
		Usage: "HTTP listen address, overrides HTTP_LISTEN",
	}
)

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "smtp-send-api"
	app.Usage = "HTTP API that relays JSON send requests to an SMTP server"
	app.Flags = []cli.Flag{configFileFlag, envFileFlag, listenFlag}
	app.Commands = []*cli.Command{
		{
			Name:  "version",
			Usage: "print the version",
			Action: func(*cli.Context) error {
				fmt.Printf("smtp-send-api %s (%s)\n", gitTag, gitCommit)
				return nil
			},
		},
	}
	app.Action = run
	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cliCtx *cli.Context) error {
	if err := config.LoadEnvFile(cliCtx.String(envFileFlag.Name)); err != nil {
		return err
	}

	cfg, err := loadConfig(cliCtx.String(configFileFlag.Name))
	if err != nil {
		return err
	}
	if cliCtx.IsSet(listenFlag.Name) {
		cfg.HTTP.Listen = cliCtx.String(listenFlag.Name)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logger.New(logger.Config{
		Level:             cfg.Logging.Level,
		SentryDSN:         cfg.Logging.SentryDSN,
		SentryEnvironment: cfg.Logging.SentryEnvironment,
	}, logger.RequestID)
	slog.SetDefault(log)
	defer sentry.Flush(2 * time.Second)

	ctx, stop := signal.NotifyContext(cliCtx.Context, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	prov, err := selectProvider(ctx, cfg)
	if err != nil {
		return err
	}

	var (
		m        *metrics.Metrics
		gatherer prometheus.Gatherer
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m = metrics.New(reg)
		gatherer = reg
	}

	sender := cfg.DefaultSender()
	validator := request.NewValidator(cfg.RequestOptions())
	dispatcher := dispatch.New(sender, prov, m, log)
	handler := api.New(api.Config{
		MaxBodySize:  cfg.HTTP.MaxBodySize,
		AllowOrigins: cfg.HTTP.AllowOrigins,
		Gatherer:     gatherer,
	}, validator, dispatcher, m, log)

	server := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("starting smtp-send-api",
		"listen", cfg.HTTP.Listen,
		"provider", prov.Name(),
		"default_sender", sender.Email,
		"metrics", cfg.Metrics.Enabled,
		"version", gitTag,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		log.Info("received signal, initiating shutdown")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	log.Info("smtp-send-api stopped")
	return nil
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// selectProvider builds the delivery backend named by cfg.Provider.
func selectProvider(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	switch cfg.Provider {
	case config.ProviderSMTP:
		tlsConfig, err := smtptls.ClientConfig(cfg.SMTP.Host, cfg.SMTP.TLSCAFile, cfg.SMTP.TLSSkipVerify)
		if err != nil {
			return nil, &config.ConfigurationError{Field: "SMTP_TLS_CA_FILE", Reason: err.Error()}
		}
		slog.Info("using SMTP provider",
			"host", cfg.SMTP.Host,
			"port", cfg.SMTP.Port,
			"require_tls", cfg.SMTP.RequireTLS,
		)
		return smtpprovider.New(smtpprovider.Config{
			Host:       cfg.SMTP.Host,
			Port:       cfg.SMTP.Port,
			Username:   cfg.SMTP.User,
			Password:   cfg.SMTP.Pass,
			Timeout:    cfg.SMTP.Timeout,
			RequireTLS: cfg.SMTP.RequireTLS,
			TLSConfig:  tlsConfig,
		}), nil

	case config.ProviderSES:
		slog.Info("using AWS SES provider",
			"region", cfg.SES.Region,
			"sender", cfg.SES.Sender,
		)
		p, err := ses.New(ctx, ses.SESProviderConfig{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES provider: %w", err)
		}
		return p, nil

	case config.ProviderGraph:
		slog.Info("using Microsoft Graph provider",
			"sender", cfg.Graph.Sender,
		)
		return graph.New(graph.GraphProviderConfig{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			Sender:       cfg.Graph.Sender,
			Timeout:      cfg.Graph.Timeout,
		}), nil

	case config.ProviderStdout:
		slog.Info("using stdout provider", "raw", cfg.Stdout.Raw)
		return stdout.New(cfg.Stdout.Raw), nil

	default:
		return nil, &config.ConfigurationError{Field: "PROVIDER", Reason: fmt.Sprintf("unknown provider %q", cfg.Provider)}
	}
}
