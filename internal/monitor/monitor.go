// Package monitor publishes image and region lifecycle events to the
// external status topic. Downstream consumers treat the topic as the
// canonical failure channel: the last event published for an image id is
// always terminal.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/geofleet/tileflow/internal/model"
)

// SNSAPI is the slice of the SNS client the monitor uses.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// StatusMonitor publishes lifecycle events.
type StatusMonitor struct {
	client   SNSAPI
	topicARN string
}

// New creates a monitor for the topic. A nil client or empty topic produces
// a monitor that only logs, which keeps development setups simple.
func New(client SNSAPI, topicARN string) *StatusMonitor {
	return &StatusMonitor{client: client, topicARN: topicARN}
}

type statusMessage struct {
	ImageID            string              `json:"image_id"`
	JobID              string              `json:"job_id,omitempty"`
	Status             model.RequestStatus `json:"status"`
	Message            string              `json:"message,omitempty"`
	RegionID           string              `json:"region_id,omitempty"`
	ProcessingDuration int64               `json:"processing_duration,omitempty"`
}

func (m *StatusMonitor) publish(ctx context.Context, msg statusMessage) error {
	logger := slog.With("image_id", msg.ImageID, "status", msg.Status)
	if m.client == nil || m.topicARN == "" {
		logger.Info("status event", "message", msg.Message)
		return nil
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal status event: %w", err)
	}
	attrs := map[string]types.MessageAttributeValue{
		"image_id": {DataType: aws.String("String"), StringValue: aws.String(msg.ImageID)},
		"status":   {DataType: aws.String("String"), StringValue: aws.String(string(msg.Status))},
	}
	if msg.Status.Terminal() {
		attrs["processing_duration"] = types.MessageAttributeValue{
			DataType:    aws.String("Number"),
			StringValue: aws.String(fmt.Sprintf("%d", msg.ProcessingDuration)),
		}
	}
	_, err = m.client.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(m.topicARN),
		Message:           aws.String(string(body)),
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("publish status event: %w", err)
	}
	logger.Info("status event published", "message", msg.Message)
	return nil
}

// ImageEvent publishes an image-level lifecycle event.
func (m *StatusMonitor) ImageEvent(ctx context.Context, imageID, jobID string, status model.RequestStatus, message string, duration int64) error {
	return m.publish(ctx, statusMessage{
		ImageID:            imageID,
		JobID:              jobID,
		Status:             status,
		Message:            message,
		ProcessingDuration: duration,
	})
}

// RegionEvent publishes a region-level lifecycle event.
func (m *StatusMonitor) RegionEvent(ctx context.Context, imageID, regionID string, status model.RequestStatus, message string) error {
	return m.publish(ctx, statusMessage{
		ImageID:  imageID,
		RegionID: regionID,
		Status:   status,
		Message:  message,
	})
}
