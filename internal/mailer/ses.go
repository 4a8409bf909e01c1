package mailer

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// SESMailer delivers through AWS SES using the SDK v2.
type SESMailer struct {
	client *sesv2.Client
	region string
}

// NewSESMailer creates an SES mailer. When credentials are empty the default
// AWS credential chain is used.
func NewSESMailer(accessKey, secretKey, region string) (*SESMailer, error) {
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("initialize AWS config: %w", err)
	}

	return &SESMailer{client: sesv2.NewFromConfig(cfg), region: region}, nil
}

// Send delivers one email through SES. SES errors are classified into the
// engine's transient/permanent taxonomy; anything ambiguous is treated as
// transient so the retry path decides.
func (m *SESMailer) Send(ctx context.Context, msg *Message) (*Result, error) {
	if m.client == nil {
		return nil, fmt.Errorf("SES client not initialized")
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", msg.FromName, msg.FromEmail)),
		Destination:      &types.Destination{ToAddresses: []string{msg.Email}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTMLContent), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("campaign_id"), Value: aws.String(msg.CampaignID)},
			{Name: aws.String("idempotency_key"), Value: aws.String(msg.IdempotencyKey)},
		},
	}
	if msg.TextContent != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(msg.TextContent), Charset: aws.String("UTF-8")}
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}
	if msg.VariantLabel != "" {
		input.EmailTags = append(input.EmailTags, types.MessageTag{
			Name: aws.String("variant"), Value: aws.String(msg.VariantLabel),
		})
	}

	out, err := m.client.SendEmail(ctx, input)
	if err != nil {
		if isPermanentSESError(err) {
			log.Printf("[SES] permanent rejection for %s: %v", logger.RedactEmail(msg.Email), err)
			return PermanentFailure(err.Error()), nil
		}
		return Transient(err.Error()), nil
	}

	messageID := ""
	if out.MessageId != nil {
		messageID = *out.MessageId
	}
	return Delivered(messageID), nil
}

// isPermanentSESError reports whether an SES error will never succeed on
// retry (rejected message, unverified identity, suspended account).
func isPermanentSESError(err error) bool {
	var rejected *types.MessageRejected
	var notVerified *types.MailFromDomainNotVerifiedException
	var suspended *types.AccountSuspendedException
	return errors.As(err, &rejected) || errors.As(err, &notVerified) || errors.As(err, &suspended)
}
