package scheduler

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/geofleet/tileflow/internal/metrics"
	"github.com/geofleet/tileflow/internal/model"
)

// TileWorkersPerInstance is the assumed per-instance tile parallelism used
// to translate a region count into endpoint load.
const TileWorkersPerInstance = 4

// DefaultAssumedRegionCount is the conservative region count used for
// images whose header has not been opened yet.
const DefaultAssumedRegionCount = 20

// EstimateImageLoad converts a job's region count into an endpoint load
// estimate.
func EstimateImageLoad(job *model.RequestedJob) int {
	regions := DefaultAssumedRegionCount
	if job.RegionCount != nil && *job.RegionCount > 0 {
		regions = *job.RegionCount
	}
	return regions * TileWorkersPerInstance
}

// endpointGroup aggregates the outstanding jobs that share an
// (endpoint, variant) pair.
type endpointGroup struct {
	endpointID  string
	variant     string
	jobs        []*model.RequestedJob
	runningLoad int
	maxCapacity int
	loadFactor  float64
}

// LoadScheduler selects the next image to admit from the buffered
// outstanding set, throttling admission against live endpoint capacity.
type LoadScheduler struct {
	queue             *BufferedImageRequestQueue
	jobs              JobsIndex
	estimator         *CapacityEstimator
	throttlingEnabled bool
	capacityTarget    float64
	sink              metrics.Sink
	now               func() time.Time
}

// LoadSchedulerOption configures a LoadScheduler.
type LoadSchedulerOption func(*LoadScheduler)

// WithCapacityEstimator enables capacity-aware admission control.
func WithCapacityEstimator(estimator *CapacityEstimator) LoadSchedulerOption {
	return func(s *LoadScheduler) { s.estimator = estimator }
}

// WithThrottling toggles admission control.
func WithThrottling(enabled bool) LoadSchedulerOption {
	return func(s *LoadScheduler) { s.throttlingEnabled = enabled }
}

// WithCapacityTarget sets the admission ceiling as a fraction of endpoint
// capacity. Values above 1 permit overbooking; below 1 reserve headroom.
func WithCapacityTarget(fraction float64) LoadSchedulerOption {
	return func(s *LoadScheduler) { s.capacityTarget = fraction }
}

// WithLoadMetrics attaches a metrics sink.
func WithLoadMetrics(sink metrics.Sink) LoadSchedulerOption {
	return func(s *LoadScheduler) { s.sink = sink }
}

// WithClock overrides time for tests.
func WithClock(now func() time.Time) LoadSchedulerOption {
	return func(s *LoadScheduler) { s.now = now }
}

// NewLoadScheduler creates the endpoint-load image scheduler over the
// buffered queue.
func NewLoadScheduler(queue *BufferedImageRequestQueue, jobs JobsIndex, opts ...LoadSchedulerOption) *LoadScheduler {
	s := &LoadScheduler{
		queue:             queue,
		jobs:              jobs,
		throttlingEnabled: true,
		capacityTarget:    1.0,
		sink:              metrics.Nop{},
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetNextScheduledRequest returns the next admitted image request, or nil
// when the outstanding set is empty or every candidate is throttled.
func (s *LoadScheduler) GetNextScheduledRequest(ctx context.Context) (*model.RequestedJob, error) {
	start := s.now()
	defer func() {
		s.sink.Count(ctx, metrics.MetricInvocations, 1, metrics.Dims{metrics.DimOperation: metrics.OpScheduling})
		s.sink.Millis(ctx, metrics.MetricDuration, s.now().Sub(start), metrics.Dims{metrics.DimOperation: metrics.OpScheduling})
	}()

	outstanding, err := s.queue.GetOutstandingRequests(ctx)
	if err != nil {
		return nil, err
	}
	if len(outstanding) == 0 {
		return nil, nil
	}

	groups := s.groupByEndpoint(ctx, outstanding)
	for _, group := range groups {
		available := s.availableCapacity(group)
		for _, job := range group.jobs {
			if !job.Stale(s.now(), s.queue.RetryTime(), s.queue.maxRetryAttempts) {
				continue
			}
			if s.throttlingEnabled && s.estimator != nil && !s.checkCapacityAvailable(job, available, outstanding) {
				slog.Info("throttling image admission",
					"job_id", job.JobID, "endpoint", group.endpointID, "variant", group.variant,
					"needed", EstimateImageLoad(job), "available", available)
				s.sink.Count(ctx, metrics.MetricThrottles, 1, metrics.Dims{
					metrics.DimOperation: metrics.OpScheduling,
					metrics.DimModelName: group.endpointID,
				})
				continue
			}
			started, err := s.jobs.StartNextAttempt(ctx, job)
			if err != nil {
				return nil, err
			}
			if !started {
				// Another scheduler claimed this attempt; keep walking.
				continue
			}
			slog.Info("scheduled image request",
				"job_id", job.JobID, "endpoint", group.endpointID, "variant", group.variant,
				"attempt", job.NumAttempts)
			return job, nil
		}
	}
	return nil, nil
}

// groupByEndpoint buckets the outstanding set by (endpoint, variant),
// computes per-group load factors, and orders groups for fairness: least
// loaded endpoint first, oldest request first within a group.
func (s *LoadScheduler) groupByEndpoint(ctx context.Context, outstanding []*model.RequestedJob) []*endpointGroup {
	byKey := map[string]*endpointGroup{}
	for _, job := range outstanding {
		variant := job.TargetVariant()
		key := job.EndpointID + "\x00" + variant
		group, ok := byKey[key]
		if !ok {
			group = &endpointGroup{endpointID: job.EndpointID, variant: variant}
			byKey[key] = group
		}
		group.jobs = append(group.jobs, job)
		if job.Running(s.now(), s.queue.RetryTime()) {
			group.runningLoad += EstimateImageLoad(job)
		}
	}

	groups := make([]*endpointGroup, 0, len(byKey))
	for _, group := range byKey {
		if s.estimator != nil {
			group.maxCapacity = s.estimator.EstimateCapacity(ctx, group.endpointID, group.variant)
		}
		if group.maxCapacity > 0 {
			group.loadFactor = float64(group.runningLoad) / float64(group.maxCapacity)
			utilization := math.Min(math.Max(group.loadFactor*100, 0), 100)
			s.sink.Percent(ctx, metrics.MetricUtilization, utilization, metrics.Dims{
				metrics.DimOperation: metrics.OpScheduling,
				metrics.DimModelName: group.endpointID,
			})
		} else {
			group.loadFactor = float64(group.runningLoad)
		}
		sort.SliceStable(group.jobs, func(i, j int) bool {
			return group.jobs[i].RequestTime < group.jobs[j].RequestTime
		})
		groups = append(groups, group)
	}
	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].loadFactor != groups[j].loadFactor {
			return groups[i].loadFactor < groups[j].loadFactor
		}
		return groups[i].endpointID < groups[j].endpointID
	})
	return groups
}

// availableCapacity computes how much of the group's capacity target is not
// already claimed by running jobs.
func (s *LoadScheduler) availableCapacity(group *endpointGroup) int {
	if s.estimator == nil {
		return 0
	}
	target := int(math.Floor(float64(group.maxCapacity) * s.capacityTarget))
	return max(0, target-group.runningLoad)
}

// checkCapacityAvailable decides admission for one candidate. A single
// image whose load exceeds the whole group's capacity could never be
// admitted by the plain rule, so it is allowed exactly when nothing else is
// running on its (endpoint, variant) group.
func (s *LoadScheduler) checkCapacityAvailable(candidate *model.RequestedJob, available int, outstanding []*model.RequestedJob) bool {
	needed := EstimateImageLoad(candidate)
	if needed <= available {
		return true
	}
	variant := candidate.TargetVariant()
	for _, other := range outstanding {
		if other == candidate {
			continue
		}
		if other.EndpointID != candidate.EndpointID || other.TargetVariant() != variant {
			continue
		}
		if other.Running(s.now(), s.queue.RetryTime()) {
			return false
		}
	}
	return true
}
