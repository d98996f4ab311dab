package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/geofleet/tileflow/internal/detect"
	"github.com/geofleet/tileflow/internal/model"
)

// ObjectStoreAPI is the slice of the S3 client the async pipeline uses.
type ObjectStoreAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// TileIndex is the slice of the tile store the async workers use.
type TileIndex interface {
	StartTileRequest(ctx context.Context, tile *model.TileRequest) (*model.TileRequest, error)
	UpdateInferenceInfo(ctx context.Context, regionID, tileID, inferenceID, inputLocation, outputLocation, failureLocation string) error
	CompleteTileRequest(ctx context.Context, regionID, tileID string, status model.RequestStatus, errorMessage string) (bool, error)
	IncrementRetryCount(ctx context.Context, regionID, tileID string) error
	GetTileRequest(ctx context.Context, regionID, tileID string) (*model.TileRequest, error)
	GetTileRequestByInferenceID(ctx context.Context, inferenceID string) (*model.TileRequest, error)
	GetTileRequestByOutputLocation(ctx context.Context, outputLocation string) (*model.TileRequest, error)
	GetRegionCompleteCounts(ctx context.Context, regionID string) (failed, completed int, err error)
}

// DelayedSender schedules a payload for future delivery. Satisfied by the
// poller work queue.
type DelayedSender interface {
	SendDelayed(ctx context.Context, body string, delay time.Duration) error
}

// PollerTick is the message the poller queue delivers back to the results
// worker as the fallback for lost notifications.
type PollerTick struct {
	Kind     string `json:"kind"`
	RegionID string `json:"region_id"`
	TileID   string `json:"tile_id"`
}

// PollerTickKind marks a poller message.
const PollerTickKind = "tile-poll"

// MarshalPollerTick builds the poller payload for one tile.
func MarshalPollerTick(regionID, tileID string) (string, error) {
	body, err := json.Marshal(PollerTick{Kind: PollerTickKind, RegionID: regionID, TileID: tileID})
	if err != nil {
		return "", fmt.Errorf("marshal poller tick: %w", err)
	}
	return string(body), nil
}

// AsyncProcessor is the submission half of the asynchronous inference
// pipeline. It implements TileProcessor so the same region worker pool
// drives both modes; a "processed" async tile is one that has been handed to
// the endpoint, not one that has results yet.
type AsyncProcessor struct {
	objects     ObjectStoreAPI
	bucket      string
	prefix      string
	invoker     *detect.AsyncInvoker
	tiles       TileIndex
	poller      DelayedSender
	pollerDelay time.Duration
	resources   *ResourceManager
}

// NewAsyncProcessor assembles the submission worker.
func NewAsyncProcessor(objects ObjectStoreAPI, bucket, prefix string, invoker *detect.AsyncInvoker, tiles TileIndex, poller DelayedSender, pollerDelay time.Duration, resources *ResourceManager) *AsyncProcessor {
	return &AsyncProcessor{
		objects:     objects,
		bucket:      bucket,
		prefix:      prefix,
		invoker:     invoker,
		tiles:       tiles,
		poller:      poller,
		pollerDelay: pollerDelay,
		resources:   resources,
	}
}

func (p *AsyncProcessor) inputKey(task TileTask) string {
	return path.Join(p.prefix, "input", task.RegionID, task.TileBounds.ID()+path.Ext(task.ImagePath))
}

// ProcessTile uploads the tile, records it, invokes the async endpoint and
// schedules the poller fallback. The local temp tile is deleted once the
// bytes are durable in the object store.
func (p *AsyncProcessor) ProcessTile(ctx context.Context, task TileTask) error {
	tileID := task.TileBounds.ID()

	row, err := p.tiles.StartTileRequest(ctx, model.NewTileRequest(task.ImageID, task.RegionID, task.TileBounds, task.ImagePath))
	if err != nil {
		return model.Errorf(model.KindProcessTiles, "record tile request %s: %w", tileID, err)
	}
	if row.Terminal() {
		// A previous attempt already finished this tile.
		return nil
	}

	payload, err := os.ReadFile(task.ImagePath)
	if err != nil {
		return model.Errorf(model.KindProcessTiles, "read tile %s: %w", tileID, err)
	}
	key := p.inputKey(task)
	if _, err := p.objects.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/octet-stream"),
	}); err != nil {
		return model.Errorf(model.KindS3Operation, "upload tile %s: %w", tileID, err)
	}
	inputLocation := fmt.Sprintf("s3://%s/%s", p.bucket, key)

	invocation, err := p.invoker.Invoke(ctx, inputLocation)
	if err != nil {
		if _, markErr := p.tiles.CompleteTileRequest(ctx, task.RegionID, tileID, model.StatusFailed, err.Error()); markErr != nil {
			return model.Errorf(model.KindProcessTiles, "mark tile %s failed: %w", tileID, markErr)
		}
		return model.Errorf(model.KindProcessTiles, "submit tile %s: %w", tileID, err)
	}

	if err := p.tiles.UpdateInferenceInfo(ctx, task.RegionID, tileID,
		invocation.InferenceID, inputLocation, invocation.OutputLocation, invocation.FailureLocation); err != nil {
		return model.Errorf(model.KindProcessTiles, "record inference info for tile %s: %w", tileID, err)
	}

	tick, err := MarshalPollerTick(task.RegionID, tileID)
	if err != nil {
		return err
	}
	if err := p.poller.SendDelayed(ctx, tick, p.pollerDelay); err != nil {
		return model.Errorf(model.KindProcessTiles, "schedule poller for tile %s: %w", tileID, err)
	}

	p.resources.Register(Resource{
		Name:    "tile file " + task.ImagePath,
		Policy:  Immediately(),
		Cleanup: func(context.Context) error { return os.Remove(task.ImagePath) },
	})
	return nil
}
