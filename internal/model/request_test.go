package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleMessage() string {
	return `{
		"jobName": "test-job",
		"jobId": "test-job-id",
		"imageUrls": ["s3://test-bucket/test.nitf"],
		"outputs": [
			{"type": "S3", "bucket": "results-bucket", "prefix": "results"},
			{"type": "Kinesis", "stream": "results-stream", "batchSize": 1000}
		],
		"imageProcessor": {"name": "centerpoint", "type": "SM_ENDPOINT"},
		"imageProcessorTileSize": 512,
		"imageProcessorTileOverlap": 128,
		"imageProcessorTileFormat": "NITF",
		"imageProcessorTileCompression": "J2K",
		"postProcessing": [
			{"step": "FEATURE_DISTILLATION", "algorithm": {"algorithmType": "NMS", "iouThreshold": 0.75}}
		],
		"featureProperties": {"mission": "test"}
	}`
}

func TestParseImageRequest(t *testing.T) {
	req, err := ParseImageRequest([]byte(sampleMessage()))
	require.NoError(t, err)
	require.NoError(t, req.Validate())

	assert.Equal(t, "test-job-id", req.JobID)
	assert.Equal(t, "s3://test-bucket/test.nitf", req.ImageURL)
	assert.Equal(t, "test-job-id:s3://test-bucket/test.nitf", req.ImageID)
	assert.Equal(t, InvokeSMSync, req.Endpoint.Type)
	assert.Equal(t, Dimensions{Width: 512, Height: 512}, req.TileSize)
	assert.Equal(t, Dimensions{Width: 128, Height: 128}, req.TileOverlap)
	assert.Len(t, req.Outputs, 2)

	step, ok := req.DistillationStep()
	require.True(t, ok)
	assert.Equal(t, AlgorithmNMS, step.Algorithm.AlgorithmType)
	assert.Equal(t, 0.75, step.Algorithm.IouThreshold)
}

func TestParseImageRequestInvalidJSON(t *testing.T) {
	_, err := ParseImageRequest([]byte("not-json"))
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInvalidRequest))
}

func TestValidateRejectsBadGeometry(t *testing.T) {
	cases := map[string]func(*ImageRequest){
		"zero tile size":      func(r *ImageRequest) { r.TileSize = Dimensions{} },
		"overlap equals tile": func(r *ImageRequest) { r.TileOverlap = r.TileSize },
		"negative overlap":    func(r *ImageRequest) { r.TileOverlap = Dimensions{Width: -1, Height: -1} },
		"missing job id":      func(r *ImageRequest) { r.JobID = " " },
		"missing image url":   func(r *ImageRequest) { r.ImageURL = "" },
		"no outputs":          func(r *ImageRequest) { r.Outputs = nil },
		"bad invoke mode":     func(r *ImageRequest) { r.Endpoint.Type = "SM_MAGIC" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req, err := ParseImageRequest([]byte(sampleMessage()))
			require.NoError(t, err)
			mutate(req)
			err = req.Validate()
			require.Error(t, err)
			assert.True(t, IsKind(err, KindInvalidRequest))
		})
	}
}

func TestTargetVariantOverride(t *testing.T) {
	req, err := ParseImageRequest([]byte(sampleMessage()))
	require.NoError(t, err)
	assert.Empty(t, req.TargetVariant())

	req.SetTargetVariant("variant-1")
	assert.Equal(t, "variant-1", req.TargetVariant())
}

func TestImageRequestMarshalRoundTrip(t *testing.T) {
	req, err := ParseImageRequest([]byte(sampleMessage()))
	require.NoError(t, err)
	req.SetTargetVariant("v2")

	payload, err := req.Marshal()
	require.NoError(t, err)

	again, err := ParseImageRequest(payload)
	require.NoError(t, err)
	assert.Equal(t, req.JobID, again.JobID)
	assert.Equal(t, req.ImageID, again.ImageID)
	assert.Equal(t, "v2", again.TargetVariant())
	assert.Equal(t, req.TileSize, again.TileSize)
	assert.Equal(t, req.Outputs, again.Outputs)
}

func TestRegionRequestRoundTrip(t *testing.T) {
	img, err := ParseImageRequest([]byte(sampleMessage()))
	require.NoError(t, err)

	region := NewRegionRequest(img, Bounds{Row: 0, Col: 512, Width: 1024, Height: 768})
	body, err := region.Marshal()
	require.NoError(t, err)

	parsed, err := ParseRegionRequest(body)
	require.NoError(t, err)
	assert.Equal(t, region.RegionID, parsed.RegionID)
	assert.Equal(t, region.RegionBounds, parsed.RegionBounds)
	assert.Equal(t, img.ImageID, parsed.ImageID)
	assert.Equal(t, img.Endpoint, parsed.Endpoint)
}

func TestRegionRequestValidate(t *testing.T) {
	img, err := ParseImageRequest([]byte(sampleMessage()))
	require.NoError(t, err)

	region := NewRegionRequest(img, Bounds{})
	err = region.Validate()
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInvalidRequest))
}
