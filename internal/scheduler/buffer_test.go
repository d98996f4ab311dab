package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geofleet/tileflow/internal/model"
	"github.com/geofleet/tileflow/internal/queue"
)

const (
	testQueueURL = "https://sqs.test/image-queue"
	testDLQURL   = "https://sqs.test/image-dlq"
)

func sampleRequestBody(jobName string) string {
	body, _ := json.Marshal(map[string]any{
		"jobName":   jobName,
		"jobId":     jobName + "-id",
		"imageUrls": []string{"s3://test-bucket/test.nitf"},
		"outputs": []map[string]any{
			{"type": "S3", "bucket": "test-bucket", "prefix": "results"},
		},
		"imageProcessor":            map[string]string{"name": "test-model", "type": "SM_ENDPOINT"},
		"imageProcessorTileSize":    2048,
		"imageProcessorTileOverlap": 50,
	})
	return string(body)
}

type fixedRegionCalculator struct {
	count int
	err   error
	calls int
}

func (f *fixedRegionCalculator) CalculateRegionCount(context.Context, *model.ImageRequest) (int, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.count, nil
}

func newTestBuffer(sqsFake *fakeSQS, jobs JobsIndex, opts ...BufferOption) *BufferedImageRequestQueue {
	wq := queue.New(sqsFake, testQueueURL, queue.WithDeadLetter(testDLQURL), queue.WithWaitTime(0))
	return NewBufferedImageRequestQueue(wq, jobs, 10, time.Minute, 2, opts...)
}

func TestGetOutstandingRequestsEmptyQueue(t *testing.T) {
	buffer := newTestBuffer(newFakeSQS(), newFakeJobs())
	requests, err := buffer.GetOutstandingRequests(context.Background())
	require.NoError(t, err)
	assert.Empty(t, requests)
}

func TestGetOutstandingRequestsWithValidMessages(t *testing.T) {
	sqsFake := newFakeSQS()
	for i := 0; i < 3; i++ {
		sqsFake.push(testQueueURL, sampleRequestBody(fmt.Sprintf("job-%d", i)))
	}
	jobs := newFakeJobs()
	buffer := newTestBuffer(sqsFake, jobs)

	requests, err := buffer.GetOutstandingRequests(context.Background())
	require.NoError(t, err)
	assert.Len(t, requests, 3)
	assert.Equal(t, 3, jobs.size())
	// Recorded messages are finished on the upstream queue.
	assert.Equal(t, 3, sqsFake.deleted)
}

func TestInvalidMessageIsDeadLettered(t *testing.T) {
	sqsFake := newFakeSQS()
	sqsFake.push(testQueueURL, "invalid-json")
	buffer := newTestBuffer(sqsFake, newFakeJobs())

	requests, err := buffer.GetOutstandingRequests(context.Background())
	require.NoError(t, err)
	assert.Empty(t, requests)
	assert.Equal(t, 1, sqsFake.depth(testDLQURL))
}

func TestDuplicateDeliveryIsNoOp(t *testing.T) {
	sqsFake := newFakeSQS()
	sqsFake.push(testQueueURL, sampleRequestBody("dup-job"))
	sqsFake.push(testQueueURL, sampleRequestBody("dup-job"))
	jobs := newFakeJobs()
	buffer := newTestBuffer(sqsFake, jobs)

	requests, err := buffer.GetOutstandingRequests(context.Background())
	require.NoError(t, err)
	assert.Len(t, requests, 1)
	assert.Equal(t, 1, jobs.size())
}

func TestRespectsMaxJobsLookahead(t *testing.T) {
	sqsFake := newFakeSQS()
	for i := 0; i < 15; i++ {
		sqsFake.push(testQueueURL, sampleRequestBody(fmt.Sprintf("job-%d", i)))
	}
	buffer := newTestBuffer(sqsFake, newFakeJobs())

	requests, err := buffer.GetOutstandingRequests(context.Background())
	require.NoError(t, err)
	assert.Len(t, requests, 10)
}

func TestPurgeCompletedRequests(t *testing.T) {
	sqsFake := newFakeSQS()
	sqsFake.push(testQueueURL, sampleRequestBody("done-job"))
	jobs := newFakeJobs()
	buffer := newTestBuffer(sqsFake, jobs)

	requests, err := buffer.GetOutstandingRequests(context.Background())
	require.NoError(t, err)
	require.Len(t, requests, 1)

	one := 1
	requests[0].RegionCount = &one
	requests[0].RegionsComplete = []string{"region-1"}

	requests, err = buffer.GetOutstandingRequests(context.Background())
	require.NoError(t, err)
	assert.Empty(t, requests)
	assert.Equal(t, 0, jobs.size())
}

func TestExhaustedRequestIsDeadLettered(t *testing.T) {
	sqsFake := newFakeSQS()
	sqsFake.push(testQueueURL, sampleRequestBody("tired-job"))
	jobs := newFakeJobs()
	buffer := newTestBuffer(sqsFake, jobs)

	requests, err := buffer.GetOutstandingRequests(context.Background())
	require.NoError(t, err)
	require.Len(t, requests, 1)

	// Burn through the retry budget without completing any region.
	requests[0].NumAttempts = 2
	requests[0].LastAttempt = time.Now().Add(-time.Hour).Unix()

	requests, err = buffer.GetOutstandingRequests(context.Background())
	require.NoError(t, err)
	assert.Empty(t, requests)
	assert.Equal(t, 0, jobs.size())
	assert.Equal(t, 1, sqsFake.depth(testDLQURL))
}

func TestRegionCalculatorStoresCount(t *testing.T) {
	sqsFake := newFakeSQS()
	sqsFake.push(testQueueURL, sampleRequestBody("counted-job"))
	calc := &fixedRegionCalculator{count: 4}
	buffer := newTestBuffer(sqsFake, newFakeJobs(), WithRegionCalculator(calc))

	requests, err := buffer.GetOutstandingRequests(context.Background())
	require.NoError(t, err)
	require.Len(t, requests, 1)
	require.NotNil(t, requests[0].RegionCount)
	assert.Equal(t, 4, *requests[0].RegionCount)
	assert.Equal(t, 1, calc.calls)
}

func TestInaccessibleImageIsDeadLettered(t *testing.T) {
	sqsFake := newFakeSQS()
	sqsFake.push(testQueueURL, sampleRequestBody("unreadable-job"))
	calc := &fixedRegionCalculator{err: model.Errorf(model.KindLoadImage, "image not accessible")}
	jobs := newFakeJobs()
	buffer := newTestBuffer(sqsFake, jobs, WithRegionCalculator(calc))

	requests, err := buffer.GetOutstandingRequests(context.Background())
	require.NoError(t, err)
	assert.Empty(t, requests)
	assert.Equal(t, 0, jobs.size())
	assert.Equal(t, 1, sqsFake.depth(testDLQURL))
}

func TestTransientRegionCountFailureDefersMessage(t *testing.T) {
	sqsFake := newFakeSQS()
	sqsFake.push(testQueueURL, sampleRequestBody("flaky-job"))
	calc := &fixedRegionCalculator{err: errors.New("metadata service timeout")}
	jobs := newFakeJobs()
	buffer := newTestBuffer(sqsFake, jobs, WithRegionCalculator(calc))

	requests, err := buffer.GetOutstandingRequests(context.Background())
	require.NoError(t, err)
	assert.Empty(t, requests)
	assert.Equal(t, 0, jobs.size())
	// Not dead-lettered: the message reappears after visibility expiry.
	assert.Equal(t, 0, sqsFake.depth(testDLQURL))
}

func TestStoreOutageStopsIntake(t *testing.T) {
	sqsFake := newFakeSQS()
	sqsFake.push(testQueueURL, sampleRequestBody("stuck-job"))
	jobs := newFakeJobs()
	jobs.addErr = errors.New("table unavailable")
	buffer := newTestBuffer(sqsFake, jobs)

	requests, err := buffer.GetOutstandingRequests(context.Background())
	require.NoError(t, err)
	assert.Empty(t, requests)
	assert.Equal(t, 0, sqsFake.deleted)
}
