package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/geofleet/tileflow/internal/model"
)

func sqstypesMessage(body, receipt string) sqstypes.Message {
	return sqstypes.Message{Body: aws.String(body), ReceiptHandle: aws.String(receipt)}
}

// fakeSQS is an in-memory stand-in for the SQS API used by the work queue.
type fakeSQS struct {
	mu      sync.Mutex
	queues  map[string][]string
	deleted int
	counter int
}

func newFakeSQS() *fakeSQS {
	return &fakeSQS{queues: map[string][]string{}}
}

func (f *fakeSQS) push(url, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[url] = append(f.queues[url], body)
}

func (f *fakeSQS) depth(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queues[url])
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, params *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	url := aws.ToString(params.QueueUrl)
	n := int(params.MaxNumberOfMessages)
	pending := f.queues[url]
	if n > len(pending) {
		n = len(pending)
	}
	out := &sqs.ReceiveMessageOutput{}
	for i := 0; i < n; i++ {
		f.counter++
		body := pending[i]
		out.Messages = append(out.Messages, sqstypesMessage(body, fmt.Sprintf("receipt-%d", f.counter)))
	}
	f.queues[url] = pending[n:]
	return out, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, _ *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted++
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, _ *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeSQS) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.push(aws.ToString(params.QueueUrl), aws.ToString(params.MessageBody))
	return &sqs.SendMessageOutput{}, nil
}

// fakeJobs is an in-memory requested-jobs index.
type fakeJobs struct {
	mu         sync.Mutex
	jobs       map[string]*model.RequestedJob
	addErr     error
	startDenls int // StartNextAttempt denials remaining
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: map[string]*model.RequestedJob{}}
}

func jobsKey(endpointID, jobID string) string { return endpointID + "/" + jobID }

func (f *fakeJobs) AddNewRequest(_ context.Context, req *model.ImageRequest, regionCount *int) (*model.RequestedJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return nil, f.addErr
	}
	key := jobsKey(req.Endpoint.Name, req.JobID)
	if _, exists := f.jobs[key]; exists {
		return nil, &ddbtypes.ConditionalCheckFailedException{}
	}
	job, err := model.NewRequestedJob(req, regionCount)
	if err != nil {
		return nil, err
	}
	f.jobs[key] = job
	return job, nil
}

func (f *fakeJobs) GetOutstandingRequests(_ context.Context) ([]*model.RequestedJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.RequestedJob
	for _, job := range f.jobs {
		out = append(out, job)
	}
	return out, nil
}

func (f *fakeJobs) StartNextAttempt(_ context.Context, job *model.RequestedJob) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startDenls > 0 {
		f.startDenls--
		return false, nil
	}
	if _, exists := f.jobs[jobsKey(job.EndpointID, job.JobID)]; !exists {
		return false, errors.New("job not found")
	}
	job.NumAttempts++
	return true, nil
}

func (f *fakeJobs) RemoveRequest(_ context.Context, endpointID, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, jobsKey(endpointID, jobID))
	return nil
}

func (f *fakeJobs) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}
