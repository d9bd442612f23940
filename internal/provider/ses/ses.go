// Package ses implements a Provider that sends emails via AWS SES v2.
package ses

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/shineum/smtp-send-api/internal/email"
)

// SESProviderConfig holds the configuration for creating a SESProvider.
type SESProviderConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// SESProvider sends assembled messages through the SES v2 raw content API.
type SESProvider struct {
	client SendEmailAPI
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a new SESProvider with the given configuration. The SDK's
// own retryer is limited to a single attempt.
func New(ctx context.Context, cfg SESProviderConfig) (*SESProvider, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(1),
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(sesv2.NewFromConfig(awsCfg)), nil
}

// NewWithClient creates a SESProvider with a custom client, used for testing.
func NewWithClient(client SendEmailAPI) *SESProvider {
	return &SESProvider{client: client}
}

// Send delivers msg as raw MIME. The envelope is passed explicitly so SES
// does not have to derive it from the headers.
func (s *SESProvider) Send(ctx context.Context, msg *email.Message) error {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.EnvelopeFrom),
		Destination: &types.Destination{
			ToAddresses: msg.Recipients,
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{
				Data: msg.Raw,
			},
		},
	}

	if _, err := s.client.SendEmail(ctx, input); err != nil {
		return categorizeAWSError(err)
	}
	return nil
}

// Name returns the provider name.
func (s *SESProvider) Name() string {
	return "ses"
}

func categorizeAWSError(err error) *email.DispatchError {
	code := 0
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		code = respErr.HTTPStatusCode()
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException", "LimitExceededException", "Throttling":
			return email.NewDispatchError(email.ReasonRateLimited, code, "sending rate limit exceeded", err)
		case "MessageRejected", "MailFromDomainNotVerifiedException", "BadRequestException", "InvalidParameterValueException":
			return email.NewDispatchError(email.ReasonRejected, code, "message rejected by SES", err)
		case "UnrecognizedClientException", "InvalidClientTokenId", "SignatureDoesNotMatch",
			"AccessDeniedException", "ExpiredTokenException", "AccountSuspendedException", "SendingPausedException":
			return email.NewDispatchError(email.ReasonAuth, code, "SES refused the credentials or account", err)
		default:
			return email.NewDispatchError(email.ReasonService, code, "AWS SES service error", err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return email.NewDispatchError(email.ReasonConnection, 0, "failed to reach AWS SES", err)
	}

	return email.NewDispatchError(email.ReasonUnknown, code, "failed to send email", err)
}
