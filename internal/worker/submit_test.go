package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sagemakerruntime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geofleet/tileflow/internal/detect"
	"github.com/geofleet/tileflow/internal/model"
)

type fakeSMRuntime struct {
	invocations int
	inferenceID string
	invokeErr   error
}

func (f *fakeSMRuntime) InvokeEndpoint(_ context.Context, _ *sagemakerruntime.InvokeEndpointInput, _ ...func(*sagemakerruntime.Options)) (*sagemakerruntime.InvokeEndpointOutput, error) {
	return &sagemakerruntime.InvokeEndpointOutput{}, nil
}

func (f *fakeSMRuntime) InvokeEndpointAsync(_ context.Context, params *sagemakerruntime.InvokeEndpointAsyncInput, _ ...func(*sagemakerruntime.Options)) (*sagemakerruntime.InvokeEndpointAsyncOutput, error) {
	f.invocations++
	if f.invokeErr != nil {
		return nil, f.invokeErr
	}
	input := aws.ToString(params.InputLocation)
	return &sagemakerruntime.InvokeEndpointAsyncOutput{
		InferenceId:     aws.String(f.inferenceID),
		OutputLocation:  aws.String(input + ".out.json"),
		FailureLocation: aws.String(input + ".failure.json"),
	}, nil
}

func writeTempTile(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tile-0-0-512-512.ntf")
	require.NoError(t, os.WriteFile(path, []byte("tile-bytes"), 0o644))
	return path
}

func TestAsyncProcessorSubmitsTile(t *testing.T) {
	objects := newFakeObjects()
	tiles := newFakeTiles()
	poller := &fakeDelayed{}
	resources := NewResourceManager()
	smRuntime := &fakeSMRuntime{inferenceID: "inf-42"}
	invoker := detect.NewAsyncInvoker(smRuntime, "async-ep")

	p := NewAsyncProcessor(objects, "async-bucket", "async-inference",
		invoker, tiles, poller, 90*time.Second, resources)

	tilePath := writeTempTile(t)
	task := TileTask{
		ImagePath:  tilePath,
		TileBounds: model.Bounds{Width: 512, Height: 512},
		ImageID:    testImageID,
		RegionID:   "region-1",
	}
	require.NoError(t, p.ProcessTile(context.Background(), task))

	// Tile row moved to IN_PROGRESS with correlation identifiers.
	row, err := tiles.GetTileRequest(context.Background(), "region-1", task.TileBounds.ID())
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, model.StatusInProgress, row.Status)
	assert.Equal(t, "inf-42", row.InferenceID)
	assert.NotEmpty(t, row.OutputLocation)
	assert.NotEmpty(t, row.FailureLocation)

	// Poller fallback scheduled with the configured delay.
	require.Len(t, poller.sent, 1)
	assert.Equal(t, 90*time.Second, poller.delay[0])

	// The local temp tile is released once uploaded.
	resources.CleanupAllResources(context.Background(), false)
	_, statErr := os.Stat(tilePath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestAsyncProcessorSkipsTerminalTile(t *testing.T) {
	objects := newFakeObjects()
	tiles := newFakeTiles()
	smRuntime := &fakeSMRuntime{inferenceID: "inf-repeat"}
	invoker := detect.NewAsyncInvoker(smRuntime, "async-ep")
	p := NewAsyncProcessor(objects, "async-bucket", "async-inference",
		invoker, tiles, &fakeDelayed{}, time.Minute, NewResourceManager())

	bounds := model.Bounds{Width: 512, Height: 512}
	existing := model.NewTileRequest(testImageID, "region-1", bounds, "")
	existing.Status = model.StatusSuccess
	_, err := tiles.StartTileRequest(context.Background(), existing)
	require.NoError(t, err)

	task := TileTask{ImagePath: writeTempTile(t), TileBounds: bounds, ImageID: testImageID, RegionID: "region-1"}
	require.NoError(t, p.ProcessTile(context.Background(), task))
	assert.Equal(t, 0, smRuntime.invocations, "terminal tile must not be resubmitted")
}

func TestAsyncProcessorMarksTileFailedOnInvokeError(t *testing.T) {
	objects := newFakeObjects()
	tiles := newFakeTiles()
	smRuntime := &fakeSMRuntime{invokeErr: assert.AnError}
	invoker := detect.NewAsyncInvoker(smRuntime, "async-ep")
	p := NewAsyncProcessor(objects, "async-bucket", "async-inference",
		invoker, tiles, &fakeDelayed{}, time.Minute, NewResourceManager())

	bounds := model.Bounds{Width: 512, Height: 512}
	task := TileTask{ImagePath: writeTempTile(t), TileBounds: bounds, ImageID: testImageID, RegionID: "region-1"}
	err := p.ProcessTile(context.Background(), task)
	require.Error(t, err)

	row, _ := tiles.GetTileRequest(context.Background(), "region-1", bounds.ID())
	require.NotNil(t, row)
	assert.Equal(t, model.StatusFailed, row.Status)
}
