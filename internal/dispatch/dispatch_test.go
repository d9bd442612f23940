package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/smtp-send-api/internal/email"
	"github.com/shineum/smtp-send-api/internal/logger"
	"github.com/shineum/smtp-send-api/internal/metrics"
	"github.com/shineum/smtp-send-api/internal/parser"
)

type mockProvider struct {
	mu   sync.Mutex
	sent []*email.Message
	err  error
}

func (m *mockProvider) Send(_ context.Context, msg *email.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return m.err
}

func (m *mockProvider) Name() string { return "mock" }

func newDispatcher(t *testing.T, defaults email.Sender, prov *mockProvider) (*Dispatcher, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	return New(defaults, prov, m, logger.NewNope()), m
}

func TestDispatch_Success(t *testing.T) {
	t.Parallel()

	prov := &mockProvider{}
	d, m := newDispatcher(t, email.Sender{Name: "Service", Email: "noreply@example.com"}, prov)

	receipt, err := d.Dispatch(context.Background(), &email.Request{
		To:      "alice@example.com",
		Subject: "Hi",
		Body:    "hello",
	})
	require.NoError(t, err)
	require.Len(t, prov.sent, 1)

	msg := prov.sent[0]
	assert.Equal(t, msg.ID, receipt.MessageID)
	assert.Equal(t, "alice@example.com", receipt.To)
	assert.Equal(t, "Hi", receipt.Subject)
	assert.Equal(t, "mock", receipt.Provider)
	assert.Equal(t, "mock", d.Provider())

	assert.Equal(t, "noreply@example.com", msg.EnvelopeFrom)
	assert.Equal(t, []string{"alice@example.com"}, msg.Recipients)

	parsed, err := parser.Parse(msg.Raw)
	require.NoError(t, err)
	assert.Equal(t, "Service <noreply@example.com>", parsed.From)
	assert.InDelta(t, 1, testutil.ToFloat64(m.EmailsSent.WithLabelValues("mock")), 0)
}

func name(s string) *string {
	return &s
}

func TestDispatch_SenderPrecedence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		defaults  email.Sender
		fromName  *string
		fromEmail string
		wantFrom  string
		wantEnv   string
	}{
		{
			name:     "defaults only",
			defaults: email.Sender{Name: "Default", Email: "default@example.com"},
			wantFrom: "Default <default@example.com>",
			wantEnv:  "default@example.com",
		},
		{
			name:      "request overrides both",
			defaults:  email.Sender{Name: "Default", Email: "default@example.com"},
			fromName:  name("Reports"),
			fromEmail: "reports@example.com",
			wantFrom:  "Reports <reports@example.com>",
			wantEnv:   "reports@example.com",
		},
		{
			name:      "request address with default name",
			defaults:  email.Sender{Name: "Default", Email: "default@example.com"},
			fromEmail: "reports@example.com",
			wantFrom:  "Default <reports@example.com>",
			wantEnv:   "reports@example.com",
		},
		{
			name:     "empty request name clears default",
			defaults: email.Sender{Name: "Default", Email: "default@example.com"},
			fromName: name(""),
			wantFrom: "default@example.com",
			wantEnv:  "default@example.com",
		},
		{
			name:     "bare address without any name",
			defaults: email.Sender{Email: "default@example.com"},
			wantFrom: "default@example.com",
			wantEnv:  "default@example.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			prov := &mockProvider{}
			d, _ := newDispatcher(t, tt.defaults, prov)
			_, err := d.Dispatch(context.Background(), &email.Request{
				To: "to@example.com", Subject: "s", Body: "b",
				FromName: tt.fromName, FromEmail: tt.fromEmail,
			})
			require.NoError(t, err)
			require.Len(t, prov.sent, 1)
			assert.Equal(t, tt.wantFrom, prov.sent[0].From)
			assert.Equal(t, tt.wantEnv, prov.sent[0].EnvelopeFrom)
		})
	}
}

func TestDispatch_NoSenderNeverReachesProvider(t *testing.T) {
	t.Parallel()

	prov := &mockProvider{}
	d, m := newDispatcher(t, email.Sender{}, prov)

	_, err := d.Dispatch(context.Background(), &email.Request{To: "to@example.com", Subject: "s", Body: "b"})

	var vErr *email.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "from_email", vErr.Field)
	assert.Empty(t, prov.sent)
	assert.Zero(t, testutil.CollectAndCount(m.EmailFailures))
}

func TestDispatch_ProviderFailure(t *testing.T) {
	t.Parallel()

	authErr := email.NewDispatchError(email.ReasonAuth, 535, "authentication failed", nil)
	prov := &mockProvider{err: authErr}
	d, m := newDispatcher(t, email.Sender{Email: "noreply@example.com"}, prov)

	receipt, err := d.Dispatch(context.Background(), &email.Request{To: "to@example.com", Subject: "s", Body: "b"})
	assert.Nil(t, receipt)

	var dErr *email.DispatchError
	require.ErrorAs(t, err, &dErr)
	assert.Same(t, authErr, dErr)
	assert.Len(t, prov.sent, 1, "must not retry")
	assert.InDelta(t, 1, testutil.ToFloat64(m.EmailFailures.WithLabelValues("mock", "AUTH_FAILED")), 0)
}

func TestDispatch_UnclassifiedErrorIsUnknown(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	prov := &mockProvider{err: cause}
	d, _ := newDispatcher(t, email.Sender{Email: "noreply@example.com"}, prov)

	_, err := d.Dispatch(context.Background(), &email.Request{To: "to@example.com", Body: "b"})

	var dErr *email.DispatchError
	require.ErrorAs(t, err, &dErr)
	assert.Equal(t, email.ReasonUnknown, dErr.Reason)
	assert.ErrorIs(t, err, cause)
}

func TestDispatch_NilMetrics(t *testing.T) {
	t.Parallel()

	prov := &mockProvider{}
	d := New(email.Sender{Email: "noreply@example.com"}, prov, nil, logger.NewNope())
	_, err := d.Dispatch(context.Background(), &email.Request{To: "to@example.com", Body: "b"})
	require.NoError(t, err)
}
