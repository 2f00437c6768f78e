// internal/infra/aws/sns.go
package aws

import (
	"context"
	"fmt"
	"strings"

	"deal_expiration_notifier/internal/domain/notify"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// SNSService is the part of the SNS client used here.
type SNSService interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SMSFormatter turns a message payload into the text that goes over the wire.
type SMSFormatter interface {
	SMSText(msg notify.SMSMessage) (string, error)
}

// SNSSMSSender implements notify.SMSSender by publishing directly to a phone number.
type SNSSMSSender struct {
	client    SNSService
	formatter SMSFormatter
	senderID  string
}

func NewSNSSMSSender(client SNSService, formatter SMSFormatter, senderID string) *SNSSMSSender {
	return &SNSSMSSender{client: client, formatter: formatter, senderID: senderID}
}

func (s *SNSSMSSender) SendSMS(ctx context.Context, to string, msg notify.SMSMessage) error {
	if strings.TrimSpace(to) == "" {
		return fmt.Errorf("sms recipient is empty")
	}

	text, err := s.formatter.SMSText(msg)
	if err != nil {
		return fmt.Errorf("failed to render %s sms: %w", msg.Kind, err)
	}

	attrs := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {DataType: aws.String("String"), StringValue: aws.String("Transactional")},
	}
	if s.senderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(s.senderID)}
	}

	_, err = s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(to),
		Message:           aws.String(text),
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("sns publish to %s failed: %w", to, err)
	}
	return nil
}
