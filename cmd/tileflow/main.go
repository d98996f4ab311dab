// tileflow is the model runner: a long-running worker that consumes image
// processing requests from the work queue, tiles each image, dispatches
// tiles to remote computer-vision endpoints, and aggregates the detections
// into geo-referenced feature collections.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	"github.com/aws/aws-sdk-go-v2/service/sagemakerruntime"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"

	"github.com/geofleet/tileflow/internal/app"
	"github.com/geofleet/tileflow/internal/config"
	"github.com/geofleet/tileflow/internal/handler"
	"github.com/geofleet/tileflow/internal/metrics"
	"github.com/geofleet/tileflow/internal/monitor"
	"github.com/geofleet/tileflow/internal/queue"
	"github.com/geofleet/tileflow/internal/raster"
	"github.com/geofleet/tileflow/internal/scheduler"
	"github.com/geofleet/tileflow/internal/sink"
	"github.com/geofleet/tileflow/internal/store"
	"github.com/geofleet/tileflow/internal/throttle"
	"github.com/geofleet/tileflow/internal/tiling"
	"github.com/geofleet/tileflow/internal/worker"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		log.Fatalf("failed to load AWS configuration: %v", err)
	}

	sqsClient := sqs.NewFromConfig(awsCfg)
	ddbClient := dynamodb.NewFromConfig(awsCfg)
	s3Client := s3.NewFromConfig(awsCfg)
	snsClient := sns.NewFromConfig(awsCfg)
	kinesisClient := kinesis.NewFromConfig(awsCfg)
	cwClient := cloudwatch.NewFromConfig(awsCfg)
	smClient := sagemaker.NewFromConfig(awsCfg)
	smRuntime := sagemakerruntime.NewFromConfig(awsCfg)

	metricsSink := metrics.Sink(metrics.Nop{})
	if cfg.MetricsNamespace != "" {
		metricsSink = metrics.NewCloudWatchSink(cwClient, cfg.MetricsNamespace)
	}

	imageQueue := queue.New(sqsClient, cfg.ImageQueueURL,
		queue.WithDeadLetter(cfg.ImageDLQURL),
		queue.WithWaitTime(cfg.QueueWaitTime),
		queue.WithVisibility(cfg.ImageVisibility))
	regionQueue := queue.New(sqsClient, cfg.RegionQueueURL,
		queue.WithWaitTime(cfg.QueueWaitTime),
		queue.WithVisibility(cfg.RegionVisibility))
	var resultsQueue *queue.WorkQueue
	if cfg.ResultsQueueURL != "" {
		resultsQueue = queue.New(sqsClient, cfg.ResultsQueueURL,
			queue.WithWaitTime(0),
			queue.WithVisibility(cfg.RegionVisibility))
	}

	imageStore := store.NewImageStore(ddbClient, cfg.ImageTable)
	regionStore := store.NewRegionStore(ddbClient, cfg.RegionTable)
	tileStore := store.NewTileStore(ddbClient, cfg.TileTable)
	jobsStore := store.NewJobsStore(ddbClient, cfg.RequestedJobsTable)
	featureStore := store.NewFeatureStore(ddbClient, cfg.FeatureTable)

	statusMonitor := monitor.New(snsClient, cfg.StatusTopicARN)
	strategy := tiling.NewOverlapStrategy()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("invalid REDIS_URL: %v", err)
	}
	endpointStats := throttle.New(redis.NewClient(redisOpts))

	estimator := scheduler.NewCapacityEstimator(smClient,
		cfg.DefaultHTTPConcurrency, cfg.DefaultInstanceConcurrency,
		cfg.EndpointCacheTTL, cfg.EndpointCacheSize,
		scheduler.WithEstimatorMetrics(metricsSink))
	variantSelector := scheduler.NewVariantSelector(estimator)
	regionCounter := raster.NewRegionCounter(cfg.RegionSize, strategy)

	bufferedQueue := scheduler.NewBufferedImageRequestQueue(imageQueue, jobsStore,
		cfg.MaxJobsLookahead, cfg.RetryTime, cfg.MaxRetryAttempts,
		scheduler.WithRegionCalculator(regionCounter),
		scheduler.WithVariantSelector(variantSelector),
		scheduler.WithBufferMetrics(metricsSink))
	loadScheduler := scheduler.NewLoadScheduler(bufferedQueue, jobsStore,
		scheduler.WithCapacityEstimator(estimator),
		scheduler.WithThrottling(cfg.ThrottlingEnabled),
		scheduler.WithCapacityTarget(cfg.CapacityTargetPercentage),
		scheduler.WithLoadMetrics(metricsSink))

	resources := worker.NewResourceManager()
	resultsWorker := worker.NewResultsWorker(tileStore, s3Client, featureStore,
		regionStore, imageStore, jobsStore, statusMonitor,
		resultsQueue, cfg.TilePollerDelay, resources, metricsSink)

	regionHandler := handler.NewRegionHandler(
		handler.RegionHandlerConfig{
			WorkersPerCPU:         cfg.WorkersPerCPU,
			SelfThrottling:        cfg.SelfThrottling,
			MaxRegionsPerEndpoint: cfg.MaxRegionsPerEndpoint,
			AsyncBucket:           cfg.AsyncBucket,
			AsyncPrefix:           cfg.AsyncPrefix,
			TilePollerDelay:       cfg.TilePollerDelay,
		},
		regionStore, imageStore, jobsStore, featureStore, tileStore,
		statusMonitor, endpointStats, strategy, awsCfg, smRuntime,
		s3Client, resultsQueue, resources, resultsWorker, metricsSink)

	imageHandler := handler.NewImageHandler(
		handler.ImageHandlerConfig{RegionSize: cfg.RegionSize},
		imageStore, jobsStore, featureStore, statusMonitor,
		regionQueue, regionHandler, strategy,
		sink.NewFactory(s3Client, kinesisClient),
		variantSelector, awsCfg, metricsSink)

	runner := &app.App{
		RegionQueue:   regionQueue,
		ResultsQueue:  resultsQueue,
		Scheduler:     loadScheduler,
		ImageHandler:  imageHandler,
		RegionHandler: regionHandler,
		Results:       resultsWorker,
		Resources:     resources,
	}

	health := app.NewHealthServer(cfg.HealthAddr, func() bool { return true })
	health.Start()
	defer health.Stop(context.Background())

	if err := runner.Run(ctx); err != nil {
		log.Fatalf("model runner exited with error: %v", err)
	}
	slog.Info("model runner shut down cleanly")
}
