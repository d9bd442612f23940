package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/smtp-send-api/internal/config"
)

func TestSelectProvider(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		cfg      config.Config
		wantName string
	}{
		{
			name:     "smtp",
			cfg:      config.Config{Provider: config.ProviderSMTP, SMTP: config.SMTPConfig{Host: "smtp.example.com", Port: 587, Timeout: time.Second}},
			wantName: "smtp",
		},
		{
			name:     "graph",
			cfg:      config.Config{Provider: config.ProviderGraph, Graph: config.GraphConfig{TenantID: "t", ClientID: "c", ClientSecret: "s", Sender: "a@example.com"}},
			wantName: "msgraph",
		},
		{
			name:     "stdout",
			cfg:      config.Config{Provider: config.ProviderStdout},
			wantName: "stdout",
		},
		{
			name:     "ses",
			cfg:      config.Config{Provider: config.ProviderSES, SES: config.SESConfig{Region: "us-east-1", AccessKeyID: "AKID", SecretAccessKey: "secret", Sender: "a@example.com"}},
			wantName: "ses",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := selectProvider(context.Background(), &tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, p.Name())
		})
	}
}

func TestSelectProvider_Errors(t *testing.T) {
	t.Parallel()

	_, err := selectProvider(context.Background(), &config.Config{Provider: "pigeon"})
	var cfgErr *config.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "PROVIDER", cfgErr.Field)

	_, err = selectProvider(context.Background(), &config.Config{
		Provider: config.ProviderSMTP,
		SMTP:     config.SMTPConfig{Host: "smtp.example.com", Port: 587, TLSCAFile: "/nonexistent/ca.pem"},
	})
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "SMTP_TLS_CA_FILE", cfgErr.Field)
}

func TestRun_InvalidConfigurationFailsBeforeListening(t *testing.T) {
	for _, env := range []string{"SMTP_HOST", "SMTP_PORT", "SMTP_USER", "SMTP_PASS", "PROVIDER"} {
		t.Setenv(env, "")
	}

	err := newApp().Run([]string{"smtp-send-api", "--env-file", ""})
	var cfgErr *config.ConfigurationError
	require.True(t, errors.As(err, &cfgErr), "got %v", err)
	assert.Equal(t, "SMTP_HOST", cfgErr.Field)
}
