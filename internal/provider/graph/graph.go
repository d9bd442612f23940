// Package graph implements a Provider that sends emails via the Microsoft Graph API.
package graph

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/shineum/smtp-send-api/internal/email"
)

const (
	graphBaseURL   = "https://graph.microsoft.com/v1.0"
	loginBaseURL   = "https://login.microsoftonline.com"
	graphScope     = "https://graph.microsoft.com/.default"
	defaultTimeout = 30 * time.Second
)

// GraphProviderConfig holds the configuration for creating a GraphProvider.
type GraphProviderConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string

	// Sender is the mailbox the message is sent from.
	Sender string

	Timeout time.Duration
}

// GraphProvider sends raw MIME messages through the Graph sendMail
// endpoint, authenticating with OAuth2 client credentials.
type GraphProvider struct {
	sendURL    string
	httpClient *http.Client
}

// New creates a new GraphProvider with the given configuration.
func New(cfg GraphProviderConfig) *GraphProvider {
	tokenURL := fmt.Sprintf("%s/%s/oauth2/v2.0/token", loginBaseURL, url.PathEscape(cfg.TenantID))
	sendURL := fmt.Sprintf("%s/users/%s/sendMail", graphBaseURL, url.PathEscape(cfg.Sender))
	return newWithOverrides(cfg, sendURL, tokenURL)
}

// newWithOverrides creates a GraphProvider with custom endpoints, used for testing.
func newWithOverrides(cfg GraphProviderConfig, sendURL, tokenURL string) *GraphProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{graphScope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	// The token source keeps using this context, so it must outlive any request.
	base := &http.Client{Timeout: timeout}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)

	client := cc.Client(ctx)
	client.Timeout = timeout

	return &GraphProvider{
		sendURL:    sendURL,
		httpClient: client,
	}
}

// Name returns the provider name.
func (g *GraphProvider) Name() string {
	return "msgraph"
}

// Send posts msg as base64 MIME. Graph answers 202 Accepted on success.
func (g *GraphProvider) Send(ctx context.Context, msg *email.Message) error {
	body := base64.StdEncoding.EncodeToString(msg.Raw)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.sendURL, bytes.NewReader([]byte(body)))
	if err != nil {
		return email.NewDispatchError(email.ReasonUnknown, 0, "failed to create request", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return classifyResponse(resp.StatusCode, respBody)
}

// graphErrorResponse represents an error response from the Graph API.
type graphErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// classifyResponse maps a non-success Graph response to a DispatchError.
func classifyResponse(statusCode int, body []byte) *email.DispatchError {
	message := string(body)
	var graphErr graphErrorResponse
	if err := json.Unmarshal(body, &graphErr); err == nil && graphErr.Error.Message != "" {
		message = graphErr.Error.Message
		if graphErr.Error.Code != "" {
			message = graphErr.Error.Code + ": " + message
		}
	}

	var reason email.ErrorReason
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		reason = email.ReasonAuth
	case statusCode == http.StatusTooManyRequests:
		reason = email.ReasonRateLimited
	case statusCode == http.StatusBadRequest || statusCode == http.StatusRequestEntityTooLarge:
		reason = email.ReasonRejected
	case statusCode >= 500:
		reason = email.ReasonService
	default:
		reason = email.ReasonUnknown
	}

	return email.NewDispatchError(reason, statusCode, "Graph API error", errors.New(message))
}

// classifyTransportError maps a failed round trip, including a failed token
// exchange, to a DispatchError.
func classifyTransportError(err error) *email.DispatchError {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		code := 0
		if retrieveErr.Response != nil {
			code = retrieveErr.Response.StatusCode
		}
		if code >= 500 {
			return email.NewDispatchError(email.ReasonService, code, "token endpoint error", err)
		}
		return email.NewDispatchError(email.ReasonAuth, code, "failed to acquire access token", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return email.NewDispatchError(email.ReasonConnection, 0, "failed to reach Graph API", err)
	}

	return email.NewDispatchError(email.ReasonUnknown, 0, "HTTP request failed", err)
}
