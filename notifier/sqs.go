package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSAPI is the part of the SQS client the notifier uses
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSNotifier publishes notices to a queue for a downstream mailer
type SQSNotifier struct {
	client   SQSAPI
	queueURL string
}

// NewSQSNotifier creates an SQS sink
func NewSQSNotifier(client SQSAPI, queueURL string) (*SQSNotifier, error) {
	if queueURL == "" {
		return nil, fmt.Errorf("SQS queue URL is required")
	}
	return &SQSNotifier{client: client, queueURL: queueURL}, nil
}

func (s *SQSNotifier) Notify(ctx context.Context, notice Notice) error {
	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("failed to marshal notice: %w", err)
	}

	_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"recipient": {
				DataType:    aws.String("String"),
				StringValue: aws.String(notice.Recipient),
			},
			"resource_kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(notice.Kind)),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send notice for %s: %w", notice.ResourceID, err)
	}
	return nil
}

func (s *SQSNotifier) Close() error {
	return nil
}
