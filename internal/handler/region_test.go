package handler

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geofleet/tileflow/internal/model"
	"github.com/geofleet/tileflow/internal/store"
	"github.com/geofleet/tileflow/internal/tiling"
)

type fakeThrottle struct {
	inProgress int
	increments int
	decrements int
	readErr    error
}

func (f *fakeThrottle) InProgressRegions(context.Context, string) (int, error) {
	return f.inProgress, f.readErr
}
func (f *fakeThrottle) IncrementRegions(context.Context, string) error {
	f.increments++
	f.inProgress++
	return nil
}
func (f *fakeThrottle) DecrementRegions(context.Context, string) error {
	f.decrements++
	f.inProgress--
	return nil
}

type fakeRegionStore struct {
	records   map[string]*store.RegionRecord
	completed []model.RequestStatus
}

func newFakeRegionStore() *fakeRegionStore {
	return &fakeRegionStore{records: map[string]*store.RegionRecord{}}
}

func (f *fakeRegionStore) StartRegionRequest(_ context.Context, req *model.RegionRequest) (*store.RegionRecord, error) {
	record := &store.RegionRecord{ImageID: req.ImageID, RegionID: req.RegionID, Status: model.StatusInProgress}
	f.records[req.RegionID] = record
	return record, nil
}

func (f *fakeRegionStore) SetTotalTiles(context.Context, string, string, int) error { return nil }

func (f *fakeRegionStore) AddTileResult(context.Context, string, string, string, bool) error {
	return nil
}

func (f *fakeRegionStore) CompleteRegionRequest(_ context.Context, _, regionID string, total, succeeded, failed int, status model.RequestStatus, _ string) (bool, error) {
	f.completed = append(f.completed, status)
	if record, ok := f.records[regionID]; ok {
		record.Status = status
		record.TotalTiles = total
		record.SucceededCount = succeeded
		record.FailedCount = failed
	}
	return true, nil
}

func (f *fakeRegionStore) GetRegionRequest(_ context.Context, _, regionID string) (*store.RegionRecord, error) {
	return f.records[regionID], nil
}

type fakeImageStore struct {
	regionCompletions int
}

func (f *fakeImageStore) StartImageRequest(context.Context, *model.ImageRequest) (*store.ImageRecord, error) {
	return &store.ImageRecord{}, nil
}
func (f *fakeImageStore) SetImageStats(context.Context, string, int, int, int) error { return nil }
func (f *fakeImageStore) CompleteRegion(context.Context, string, bool, int) error {
	f.regionCompletions++
	return nil
}
func (f *fakeImageStore) GetImageRequest(context.Context, string) (*store.ImageRecord, error) {
	return &store.ImageRecord{}, nil
}
func (f *fakeImageStore) EndImageRequest(context.Context, string, model.RequestStatus, string) (*store.ImageRecord, error) {
	return &store.ImageRecord{}, nil
}

type fakeJobsStore struct {
	completed []string
	removed   []string
}

func (f *fakeJobsStore) UpdateRegionCount(context.Context, string, string, int) error { return nil }
func (f *fakeJobsStore) CompleteRegion(_ context.Context, _, _, regionID string) error {
	f.completed = append(f.completed, regionID)
	return nil
}
func (f *fakeJobsStore) RemoveRequest(_ context.Context, _, jobID string) error {
	f.removed = append(f.removed, jobID)
	return nil
}

type fakeStatus struct {
	imageEvents  []model.RequestStatus
	regionEvents []model.RequestStatus
}

func (f *fakeStatus) ImageEvent(_ context.Context, _, _ string, status model.RequestStatus, _ string, _ int64) error {
	f.imageEvents = append(f.imageEvents, status)
	return nil
}
func (f *fakeStatus) RegionEvent(_ context.Context, _, _ string, status model.RequestStatus, _ string) error {
	f.regionEvents = append(f.regionEvents, status)
	return nil
}

type failingHooks struct{ beforeErr error }

func (h *failingHooks) BeforeRegion(context.Context, *model.RegionRequest) error { return h.beforeErr }
func (h *failingHooks) AfterRegion(context.Context, *model.RegionRequest, int, int) error {
	return nil
}

func testRegionRequest() *model.RegionRequest {
	return &model.RegionRequest{
		JobID:        "job-1",
		ImageID:      "job-1:s3://bucket/img.ntf",
		ImageURL:     "s3://bucket/img.ntf",
		RegionID:     "0-0-1024-1024",
		RegionBounds: model.Bounds{Width: 1024, Height: 1024},
		Endpoint:     model.EndpointSpec{Name: "test-model", Type: model.InvokeSMSync},
		TileSize:     model.Dimensions{Width: 512, Height: 512},
		TileOverlap:  model.Dimensions{Width: 128, Height: 128},
	}
}

func newThrottleOnlyHandler(throttle *fakeThrottle, regions *fakeRegionStore, images *fakeImageStore, jobs *fakeJobsStore, status *fakeStatus, cfg RegionHandlerConfig) *RegionHandler {
	return NewRegionHandler(cfg, regions, images, jobs, nil, nil, status, throttle,
		tiling.NewOverlapStrategy(), aws.Config{}, nil, nil, nil, nil, nil, nil)
}

func TestRegionHandlerSelfThrottles(t *testing.T) {
	throttle := &fakeThrottle{inProgress: 8}
	h := newThrottleOnlyHandler(throttle, newFakeRegionStore(), &fakeImageStore{}, &fakeJobsStore{}, &fakeStatus{},
		RegionHandlerConfig{SelfThrottling: true, MaxRegionsPerEndpoint: 8})

	outcome, err := h.Process(context.Background(), testRegionRequest(), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeThrottled, outcome)
	assert.Equal(t, 0, throttle.increments, "throttled region must not claim a slot")
}

func TestRegionHandlerThrottleReadFailureIsRetryable(t *testing.T) {
	throttle := &fakeThrottle{readErr: errors.New("redis down")}
	h := newThrottleOnlyHandler(throttle, newFakeRegionStore(), &fakeImageStore{}, &fakeJobsStore{}, &fakeStatus{},
		RegionHandlerConfig{SelfThrottling: true, MaxRegionsPerEndpoint: 8})

	outcome, err := h.Process(context.Background(), testRegionRequest(), nil)
	require.Error(t, err)
	assert.Equal(t, OutcomeRetry, outcome)
	assert.True(t, model.IsKind(err, model.KindRetryableJob))
}

func TestRegionHandlerHookFailureFailsRegion(t *testing.T) {
	regions := newFakeRegionStore()
	images := &fakeImageStore{}
	jobs := &fakeJobsStore{}
	status := &fakeStatus{}
	h := newThrottleOnlyHandler(&fakeThrottle{}, regions, images, jobs, status, RegionHandlerConfig{})
	h.WithHooks(&failingHooks{beforeErr: errors.New("bad extension wiring")})

	outcome, err := h.Process(context.Background(), testRegionRequest(), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)
	require.Len(t, regions.completed, 1)
	assert.Equal(t, model.StatusFailed, regions.completed[0])
	assert.Equal(t, 1, images.regionCompletions)
	assert.Equal(t, []string{"0-0-1024-1024"}, jobs.completed)
	assert.Equal(t, []model.RequestStatus{model.StatusFailed}, status.regionEvents)
}

func TestRegionHandlerHookFailureIgnoredWithFallback(t *testing.T) {
	// With fallback enabled the hook error is swallowed; processing then
	// proceeds to dataset loading, which fails for this nonexistent image
	// and records a region failure rather than an extension failure.
	regions := newFakeRegionStore()
	h := newThrottleOnlyHandler(&fakeThrottle{}, regions, &fakeImageStore{}, &fakeJobsStore{}, &fakeStatus{},
		RegionHandlerConfig{ExtensionFallback: true})
	h.WithHooks(&failingHooks{beforeErr: errors.New("bad extension wiring")})

	outcome, err := h.Process(context.Background(), testRegionRequest(), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)
	require.Len(t, regions.completed, 1)
	assert.Equal(t, model.StatusFailed, regions.completed[0])
}

func TestRegionHandlerDecrementsSlotOnFailure(t *testing.T) {
	throttle := &fakeThrottle{}
	regions := newFakeRegionStore()
	h := newThrottleOnlyHandler(throttle, regions, &fakeImageStore{}, &fakeJobsStore{}, &fakeStatus{},
		RegionHandlerConfig{SelfThrottling: true, MaxRegionsPerEndpoint: 8})
	h.WithHooks(&failingHooks{beforeErr: errors.New("boom")})

	_, err := h.Process(context.Background(), testRegionRequest(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, throttle.increments)
	assert.Equal(t, 1, throttle.decrements, "slot must be released on every exit path")
}
