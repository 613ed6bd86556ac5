package transport

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// SESTransport delivers mail through AWS SES using the SDK v2. SES is an
// HTTP API, so Open does no handshake; the per-batch Conn simply shares the
// client.
type SESTransport struct {
	From   string
	client *sesv2.Client
}

// NewSESTransport creates an SES transport. Region defaults to us-east-1.
func NewSESTransport(ctx context.Context, accessKey, secretKey, region, from string) (*SESTransport, error) {
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &SESTransport{
		From:   from,
		client: sesv2.NewFromConfig(cfg),
	}, nil
}

// Open returns a Conn backed by the shared SES client.
func (t *SESTransport) Open(ctx context.Context) (Conn, error) {
	if t.client == nil {
		return nil, fmt.Errorf("SES client not initialized - check credentials")
	}
	return &sesConn{transport: t}, nil
}

type sesConn struct {
	transport *SESTransport
}

func (c *sesConn) Send(ctx context.Context, msg *Message) (*Result, error) {
	from := msg.From
	if from == "" {
		from = c.transport.From
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body:    &types.Body{},
			},
		},
	}
	if msg.Body != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(msg.Body), Charset: aws.String("UTF-8")}
	}
	if msg.HTMLBody != "" {
		input.Content.Simple.Body.Html = &types.Content{Data: aws.String(msg.HTMLBody), Charset: aws.String("UTF-8")}
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}

	out, err := c.transport.client.SendEmail(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("ses send to %s: %w", msg.To, err)
	}
	return &Result{MessageID: aws.ToString(out.MessageId)}, nil
}

func (c *sesConn) Close() error { return nil }
