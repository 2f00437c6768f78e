// internal/infra/aws/ses.go
package aws

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// SESService is the part of the SES client used here.
type SESService interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESEmailSender implements notify.EmailSender on top of Amazon SES.
type SESEmailSender struct {
	client SESService
	from   string
}

func NewSESEmailSender(client SESService, from string) *SESEmailSender {
	return &SESEmailSender{client: client, from: from}
}

func (s *SESEmailSender) SendEmail(ctx context.Context, to, subject, html string) (string, error) {
	if strings.TrimSpace(to) == "" {
		return "", fmt.Errorf("email recipient is empty")
	}

	out, err := s.client.SendEmail(ctx, &ses.SendEmailInput{
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
			Body: &types.Body{
				Html: &types.Content{Data: aws.String(html), Charset: aws.String("UTF-8")},
			},
		},
		Source: aws.String(s.from),
	})
	if err != nil {
		return "", fmt.Errorf("ses send to %s failed: %w", to, err)
	}
	return aws.ToString(out.MessageId), nil
}
