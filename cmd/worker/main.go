package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"sentiment-pipeline/internal/config"
	"sentiment-pipeline/internal/export"
	"sentiment-pipeline/internal/jobs"
	"sentiment-pipeline/internal/logging"
	"sentiment-pipeline/internal/models"
	"sentiment-pipeline/internal/providers/reddit"
	"sentiment-pipeline/internal/providers/youtube"
	"sentiment-pipeline/internal/queue"
	"sentiment-pipeline/internal/ratelimit"
	"sentiment-pipeline/internal/sentiment"
	"sentiment-pipeline/internal/store"
	"sentiment-pipeline/internal/telemetry"
	"sentiment-pipeline/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel)
	log := logging.WithComponent(logger, "worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN, logging.WithComponent(logger, "store"))
	if err != nil {
		log.WithError(err).Fatal("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.WithError(err).Fatal("migrations")
	}

	q := queue.NewRedisQueue(cfg)
	redditLimiter := ratelimit.NewTokenBucket(q.Client(), cfg.RedditRateCapacity, cfg.RedditRateRefill, time.Hour)

	yt := youtube.NewClient(youtube.DefaultBaseURL, cfg.ProviderTimeout)
	rd := reddit.NewClient(reddit.Options{
		UserAgent:   cfg.RedditUserAgent,
		SearchLimit: cfg.RedditSearchLimit,
		MaxRetries:  cfg.RedditMaxRetries,
		Timeout:     cfg.ProviderTimeout,
		Limiter:     redditLimiter,
		Log:         logging.WithComponent(logger, "reddit"),
	})

	refreshers := map[string]jobs.TokenRefresher{}
	if cfg.GoogleClientID != "" {
		refreshers["youtube"] = youtube.NewRefresher(cfg.GoogleClientID, cfg.GoogleClientSecret)
	}
	if cfg.RedditClientID != "" {
		refreshers["reddit"] = reddit.NewRefresher(cfg.RedditClientID, cfg.RedditClientSecret, cfg.RedditUserAgent)
	}
	contexts := jobs.NewContextBuilder(st, st, refreshers, cfg.MasterKeys(), logging.WithComponent(logger, "context"))

	storage, err := export.NewStorage(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("init export storage")
	}
	exporter := export.NewExporter(st)
	scorer := sentiment.NewClient(cfg.SentimentAPIURL, cfg.ScoringTimeout)
	jobLog := logging.WithComponent(logger, "jobs")

	registry := jobs.NewRegistry(map[models.SubTaskType]jobs.Processor{
		models.SubTaskFetchContent:         jobs.NewContentFetchProcessor(contexts, yt, st, st, cfg.ProviderTimeout, jobLog),
		models.SubTaskFetchPost:            jobs.NewPostFetchProcessor(contexts, yt, st, st, cfg.ProviderTimeout, jobLog),
		models.SubTaskFetchKeywordMentions: jobs.NewKeywordSearchProcessor(st, rd, st, st, cfg.ProviderTimeout, jobLog),
		models.SubTaskAnalyzeSentiment:     jobs.NewSentimentProcessor(contexts, st, scorer, st, cfg.SentimentChunkSize, cfg.ScoringTimeout, jobLog),
		models.SubTaskExportFetch:          jobs.NewExportFetchProcessor(st, st, jobLog),
		models.SubTaskExportFormat:         jobs.NewExportFormatProcessor(st, exporter, st, jobLog),
		models.SubTaskExportGenerate:       jobs.NewExportGenerateProcessor(st, exporter, storage, st, jobLog),
	})

	workerID := cfg.WorkerID
	if workerID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			workerID = hostname
		} else {
			workerID = "worker-" + uuid.NewString()
		}
	}

	runner := worker.NewRunner(worker.Options{
		WorkerID:           workerID,
		PollInterval:       cfg.WorkerPollInterval,
		VisibilityTimeout:  cfg.VisibilityTimeout,
		ScheduledBatchSize: cfg.ScheduledBatchSize,
	}, st, q, registry, log)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	log.WithField("processors", registry.Types()).Info("registry ready")
	if err := runner.Run(ctx); err != nil {
		log.WithError(err).Info("worker stopped")
	}
}
