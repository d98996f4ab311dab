package model

import "time"

// RequestedJob is the outstanding-jobs record for one image request. It is
// the scheduler's source of truth: attempt accounting happens here via
// conditional updates, and the record is removed when the image terminates.
type RequestedJob struct {
	EndpointID      string   `dynamodbav:"endpoint_id"`
	JobID           string   `dynamodbav:"job_id"`
	RequestTime     int64    `dynamodbav:"request_time"`
	LastAttempt     int64    `dynamodbav:"last_attempt"` // epoch seconds; 0 means never attempted
	NumAttempts     int      `dynamodbav:"num_attempts"`
	RegionsComplete []string `dynamodbav:"regions_complete,stringset,omitempty"`
	RegionCount     *int     `dynamodbav:"region_count,omitempty"`
	Payload         string   `dynamodbav:"request_payload"`

	// Request is the deserialized payload; populated on read, not persisted
	// separately.
	Request *ImageRequest `dynamodbav:"-"`
}

// NewRequestedJob builds the outstanding record for a freshly received image
// request. regionCount may be nil when no region calculator is configured.
func NewRequestedJob(req *ImageRequest, regionCount *int) (*RequestedJob, error) {
	payload, err := req.Marshal()
	if err != nil {
		return nil, err
	}
	return &RequestedJob{
		EndpointID:  req.Endpoint.Name,
		JobID:       req.JobID,
		RequestTime: time.Now().Unix(),
		RegionCount: regionCount,
		Payload:     string(payload),
		Request:     req,
	}, nil
}

// Running reports whether the job counts as currently running for capacity
// accounting: it has been attempted and the attempt is younger than the retry
// window.
func (j *RequestedJob) Running(now time.Time, retryTime time.Duration) bool {
	if j.LastAttempt <= 0 {
		return false
	}
	return now.Unix()-j.LastAttempt < int64(retryTime.Seconds())
}

// Stale reports whether the job is eligible for rescheduling: its last
// attempt has aged past the retry window and attempts remain.
func (j *RequestedJob) Stale(now time.Time, retryTime time.Duration, maxAttempts int) bool {
	return j.LastAttempt+int64(retryTime.Seconds()) <= now.Unix() && j.NumAttempts < maxAttempts
}

// Exhausted reports whether the job has used up its retry budget.
func (j *RequestedJob) Exhausted(maxAttempts int) bool {
	return j.NumAttempts >= maxAttempts
}

// Complete reports whether every known region of the job has been marked
// complete. Always false until the region count is recorded.
func (j *RequestedJob) Complete() bool {
	return j.RegionCount != nil && len(j.RegionsComplete) >= *j.RegionCount
}

// TargetVariant returns the variant override of the underlying request, if
// the payload has been deserialized.
func (j *RequestedJob) TargetVariant() string {
	if j.Request == nil {
		return ""
	}
	return j.Request.TargetVariant()
}
