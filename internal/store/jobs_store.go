package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/geofleet/tileflow/internal/model"
)

// JobsStore tracks outstanding image jobs in the requested-jobs table,
// keyed by (endpoint_id, job_id). The record for a job is the serialization
// point for admission: StartNextAttempt is a conditional update and at most
// one concurrent scheduler observes success per attempt.
type JobsStore struct {
	client API
	table  string
}

// NewJobsStore creates a store over the given table.
func NewJobsStore(client API, table string) *JobsStore {
	return &JobsStore{client: client, table: table}
}

func jobKey(endpointID, jobID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"endpoint_id": &types.AttributeValueMemberS{Value: endpointID},
		"job_id":      &types.AttributeValueMemberS{Value: jobID},
	}
}

// AddNewRequest records a freshly received image request. The put is
// conditional on absence, so redelivery of the same job is a no-op reported
// via IsConditionalCheckFailed.
func (s *JobsStore) AddNewRequest(ctx context.Context, req *model.ImageRequest, regionCount *int) (*model.RequestedJob, error) {
	job, err := model.NewRequestedJob(req, regionCount)
	if err != nil {
		return nil, fmt.Errorf("build requested job: %w", err)
	}
	item, err := attributevalue.MarshalMap(job)
	if err != nil {
		return nil, fmt.Errorf("marshal requested job: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(job_id)"),
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// UpdateRegionCount records the region count once the image header has been
// opened and tiled.
func (s *JobsStore) UpdateRegionCount(ctx context.Context, endpointID, jobID string, regionCount int) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              jobKey(endpointID, jobID),
		UpdateExpression: aws.String("SET region_count = :count"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":count": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", regionCount)},
		},
		ConditionExpression: aws.String("attribute_exists(job_id)"),
	})
	if err != nil {
		return fmt.Errorf("update region count for %s/%s: %w", endpointID, jobID, err)
	}
	return nil
}

// StartNextAttempt claims the next processing attempt for the job. The
// update is conditional on the attempt counters the caller observed, so
// concurrent schedulers racing on the same record see at most one success.
// Returns false without error when another scheduler won.
func (s *JobsStore) StartNextAttempt(ctx context.Context, job *model.RequestedJob) (bool, error) {
	now := time.Now().Unix()
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              jobKey(job.EndpointID, job.JobID),
		UpdateExpression: aws.String("SET last_attempt = :now, num_attempts = num_attempts + :one"),
		ConditionExpression: aws.String(
			"attribute_exists(job_id) AND num_attempts = :observed AND last_attempt = :observed_last"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now":           &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now)},
			":one":           &types.AttributeValueMemberN{Value: "1"},
			":observed":      &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", job.NumAttempts)},
			":observed_last": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", job.LastAttempt)},
		},
	})
	if err != nil {
		if IsConditionalCheckFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("start next attempt for %s/%s: %w", job.EndpointID, job.JobID, err)
	}
	job.LastAttempt = now
	job.NumAttempts++
	return true, nil
}

// CompleteRegion adds a region id to the job's regions-complete set. String
// set adds are idempotent, so retried regions do not inflate the count.
func (s *JobsStore) CompleteRegion(ctx context.Context, endpointID, jobID, regionID string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              jobKey(endpointID, jobID),
		UpdateExpression: aws.String("ADD regions_complete :region"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":region": &types.AttributeValueMemberSS{Value: []string{regionID}},
		},
		ConditionExpression: aws.String("attribute_exists(job_id)"),
	})
	if err != nil {
		if IsConditionalCheckFailed(err) {
			// Record already purged; the image terminated on another worker.
			slog.Debug("complete_region on purged job", "job_id", jobID, "region_id", regionID)
			return nil
		}
		return fmt.Errorf("complete region %s for %s/%s: %w", regionID, endpointID, jobID, err)
	}
	return nil
}

// GetOutstandingRequests returns every record in the table, deserializing
// each stored payload. Records with corrupt payloads are skipped with a log
// line rather than wedging the scheduler.
func (s *JobsStore) GetOutstandingRequests(ctx context.Context) ([]*model.RequestedJob, error) {
	var jobs []*model.RequestedJob
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.table),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("scan requested jobs: %w", err)
		}
		for _, item := range out.Items {
			var job model.RequestedJob
			if err := attributevalue.UnmarshalMap(item, &job); err != nil {
				slog.Error("skipping unreadable requested-job item", "error", err)
				continue
			}
			req, err := model.ParseImageRequest([]byte(job.Payload))
			if err != nil {
				slog.Error("skipping requested job with corrupt payload", "job_id", job.JobID, "error", err)
				continue
			}
			job.Request = req
			jobs = append(jobs, &job)
		}
		if out.LastEvaluatedKey == nil || len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return jobs, nil
}

// RemoveRequest deletes the outstanding record. Called when an image
// terminates or its retry budget is exhausted.
func (s *JobsStore) RemoveRequest(ctx context.Context, endpointID, jobID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       jobKey(endpointID, jobID),
	})
	if err != nil {
		return fmt.Errorf("remove requested job %s/%s: %w", endpointID, jobID, err)
	}
	return nil
}
