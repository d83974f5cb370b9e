package notify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/Nayeam009/vetmedix-sub000/internal/booking"
)

type sqsSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSSink sends notifications to an SQS queue.
type SQSSink struct {
	client   sqsSender
	queueURL string
}

// NewSQSSink loads the default AWS config. When queueURL is empty the URL
// is resolved from queueName.
func NewSQSSink(ctx context.Context, queueURL, queueName string) (*SQSSink, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := sqs.New(sqs.Options{
		Region:       cfg.Region,
		Credentials:  cfg.Credentials,
		HTTPClient:   cfg.HTTPClient,
		BaseEndpoint: cfg.BaseEndpoint,
	})

	if queueURL == "" {
		resp, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(queueName)})
		if err != nil {
			return nil, fmt.Errorf("get sqs queue url for %s: %w", queueName, err)
		}
		queueURL = aws.ToString(resp.QueueUrl)
	}

	return &SQSSink{client: client, queueURL: queueURL}, nil
}

func (s *SQSSink) NotifySlotAvailable(ctx context.Context, ev booking.SlotAvailable) error {
	body, err := encode(ev)
	if err != nil {
		return err
	}

	_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("sqs send: %w", err)
	}
	return nil
}
