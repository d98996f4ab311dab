package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/geofleet/tileflow/internal/metrics"
	"github.com/geofleet/tileflow/internal/model"
	"github.com/geofleet/tileflow/internal/queue"
	"github.com/geofleet/tileflow/internal/store"
)

// isConditionalFailure reports whether the store rejected a conditional
// write because the record already exists.
func isConditionalFailure(err error) bool {
	return store.IsConditionalCheckFailed(err)
}

// RegionCalculator computes the number of regions an image will produce by
// opening only its header. Failures opening the image surface as
// LoadImageError so the intake can fail fast.
type RegionCalculator interface {
	CalculateRegionCount(ctx context.Context, req *model.ImageRequest) (int, error)
}

// JobsIndex is the slice of the requested-jobs store the buffered queue and
// load scheduler use.
type JobsIndex interface {
	AddNewRequest(ctx context.Context, req *model.ImageRequest, regionCount *int) (*model.RequestedJob, error)
	GetOutstandingRequests(ctx context.Context) ([]*model.RequestedJob, error)
	StartNextAttempt(ctx context.Context, job *model.RequestedJob) (bool, error)
	RemoveRequest(ctx context.Context, endpointID, jobID string) error
}

// BufferedImageRequestQueue maintains a bounded lookahead window of
// candidate images. It pulls from the upstream queue, validates, records
// each candidate in the requested-jobs store, and purges finished or
// exhausted records. It is not the scheduler: it produces the pool the load
// scheduler selects from.
type BufferedImageRequestQueue struct {
	imageQueue       *queue.WorkQueue
	jobs             JobsIndex
	regionCalculator RegionCalculator
	variantSelector  *VariantSelector
	maxJobsLookahead int
	retryTime        time.Duration
	maxRetryAttempts int
	sink             metrics.Sink
}

// BufferOption configures the buffered queue.
type BufferOption func(*BufferedImageRequestQueue)

// WithRegionCalculator enables early region counting at intake.
func WithRegionCalculator(rc RegionCalculator) BufferOption {
	return func(q *BufferedImageRequestQueue) { q.regionCalculator = rc }
}

// WithVariantSelector enables early variant pinning at intake.
func WithVariantSelector(vs *VariantSelector) BufferOption {
	return func(q *BufferedImageRequestQueue) { q.variantSelector = vs }
}

// WithBufferMetrics attaches a metrics sink.
func WithBufferMetrics(sink metrics.Sink) BufferOption {
	return func(q *BufferedImageRequestQueue) { q.sink = sink }
}

// NewBufferedImageRequestQueue creates the lookahead buffer.
func NewBufferedImageRequestQueue(imageQueue *queue.WorkQueue, jobs JobsIndex, maxJobsLookahead int, retryTime time.Duration, maxRetryAttempts int, opts ...BufferOption) *BufferedImageRequestQueue {
	q := &BufferedImageRequestQueue{
		imageQueue:       imageQueue,
		jobs:             jobs,
		maxJobsLookahead: maxJobsLookahead,
		retryTime:        retryTime,
		maxRetryAttempts: maxRetryAttempts,
		sink:             metrics.Nop{},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// RetryTime exposes the retry window so the load scheduler shares the same
// definition of "currently running".
func (q *BufferedImageRequestQueue) RetryTime() time.Duration { return q.retryTime }

// GetOutstandingRequests returns up to maxJobsLookahead candidate records,
// pulling new upstream messages as needed. Finished and exhausted records
// are purged on every call.
func (q *BufferedImageRequestQueue) GetOutstandingRequests(ctx context.Context) ([]*model.RequestedJob, error) {
	outstanding, err := q.jobs.GetOutstandingRequests(ctx)
	if err != nil {
		return nil, err
	}
	outstanding = q.purgeFinished(ctx, outstanding)

	for len(outstanding) < q.maxJobsLookahead {
		batch := min(10, q.maxJobsLookahead-len(outstanding))
		added, more := q.fetchNewRequests(ctx, batch)
		outstanding = append(outstanding, added...)
		if !more {
			break
		}
	}

	if len(outstanding) > q.maxJobsLookahead {
		outstanding = outstanding[:q.maxJobsLookahead]
	}
	q.sink.Count(ctx, metrics.MetricQueueDepth, float64(len(outstanding)), metrics.Dims{
		metrics.DimOperation: metrics.OpScheduling,
	})
	return outstanding, nil
}

// purgeFinished drops completed and exhausted records from the store and
// returns the survivors. Exhausted records that never completed a region are
// dead-lettered with their original payload.
func (q *BufferedImageRequestQueue) purgeFinished(ctx context.Context, jobs []*model.RequestedJob) []*model.RequestedJob {
	kept := jobs[:0]
	for _, job := range jobs {
		switch {
		case job.Complete():
			if err := q.jobs.RemoveRequest(ctx, job.EndpointID, job.JobID); err != nil {
				slog.Error("failed to purge completed job", "job_id", job.JobID, "error", err)
				kept = append(kept, job)
			}
		case job.Exhausted(q.maxRetryAttempts):
			if len(job.RegionsComplete) == 0 {
				if err := q.imageQueue.DeadLetterBody(ctx, job.Payload, "retry attempts exhausted"); err != nil {
					slog.Error("failed to dead-letter exhausted job", "job_id", job.JobID, "error", err)
					kept = append(kept, job)
					continue
				}
			}
			if err := q.jobs.RemoveRequest(ctx, job.EndpointID, job.JobID); err != nil {
				slog.Error("failed to purge exhausted job", "job_id", job.JobID, "error", err)
			}
		default:
			kept = append(kept, job)
		}
	}
	return kept
}

// fetchNewRequests runs the intake pipeline over one received batch. The
// second return is false when the upstream had nothing more or the store
// went unavailable, signalling the caller to stop filling for this tick.
func (q *BufferedImageRequestQueue) fetchNewRequests(ctx context.Context, batch int) ([]*model.RequestedJob, bool) {
	msgs, err := q.imageQueue.Receive(ctx, batch)
	if err != nil {
		slog.Error("failed to receive image requests", "error", err)
		return nil, false
	}
	if len(msgs) == 0 {
		return nil, false
	}

	var added []*model.RequestedJob
	for _, msg := range msgs {
		req, err := model.ParseImageRequest([]byte(msg.Body))
		if err == nil {
			err = req.Validate()
		}
		if err != nil {
			slog.Error("invalid image request", "error", err)
			if dlErr := q.imageQueue.DeadLetter(ctx, msg, err.Error()); dlErr != nil {
				slog.Error("failed to dead-letter invalid request", "error", dlErr)
			}
			continue
		}

		logger := slog.With("job_id", req.JobID, "image_url", req.ImageURL)

		var regionCount *int
		if q.regionCalculator != nil {
			count, err := q.regionCalculator.CalculateRegionCount(ctx, req)
			switch {
			case err == nil:
				regionCount = &count
			case model.IsKind(err, model.KindLoadImage):
				// The image is inaccessible or corrupt; retrying will not
				// help, so fail fast.
				logger.Error("image inaccessible, dead-lettering request", "error", err)
				q.sink.Count(ctx, metrics.MetricImageAccessErrors, 1, metrics.Dims{
					metrics.DimOperation: metrics.OpScheduling,
					metrics.DimModelName: req.Endpoint.Name,
				})
				if dlErr := q.imageQueue.DeadLetter(ctx, msg, err.Error()); dlErr != nil {
					logger.Error("failed to dead-letter inaccessible image", "error", dlErr)
				}
				continue
			default:
				// Transient; leave the message invisible so it reappears.
				logger.Warn("region count unavailable, deferring request", "error", err)
				continue
			}
		} else {
			logger.Warn("region calculator not provided, region count deferred to processing")
		}

		if q.variantSelector != nil {
			q.variantSelector.SelectVariant(ctx, req)
		}

		job, err := q.jobs.AddNewRequest(ctx, req, regionCount)
		if err != nil {
			if isConditionalFailure(err) {
				logger.Info("duplicate image request delivery, already tracked")
				if finErr := q.imageQueue.Finish(ctx, msg); finErr != nil {
					logger.Error("failed to finish duplicate request", "error", finErr)
				}
				continue
			}
			// Store unavailable; stop the intake for this tick and let the
			// messages reappear after visibility expiry.
			logger.Error("requested-jobs store unavailable", "error", err)
			return added, false
		}
		if err := q.imageQueue.Finish(ctx, msg); err != nil {
			logger.Error("failed to finish recorded request", "error", err)
		}
		added = append(added, job)
	}
	return added, true
}
