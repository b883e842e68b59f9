package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"beatflo/internal/api"
	"beatflo/internal/artifact"
	"beatflo/internal/cache"
	"beatflo/internal/config"
	"beatflo/internal/history"
	"beatflo/internal/models"
	"beatflo/internal/pipeline"
	"beatflo/internal/ratelimit"
	"beatflo/internal/registry"
	"beatflo/internal/thumbnail"
	"beatflo/internal/toolrunner"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	if err := os.MkdirAll(cfg.DownloadsDir, 0o755); err != nil {
		log.Fatalf("create downloads dir: %v", err)
	}

	for _, item := range toolrunner.CheckTools(cfg.YtdlpPath, cfg.FfmpegPath, cfg.FfprobePath) {
		if item.Found {
			log.Printf("[diagnostics] %s found at %s", item.Name, item.Path)
		} else {
			log.Printf("[diagnostics] WARNING: %s, jobs needing it will fail", item.Message)
		}
	}

	reg := registry.New()
	runner := toolrunner.NewExecRunner()

	var limiter *ratelimit.TokenBucket
	var wfCache pipeline.WaveformCache
	var memCache *cache.Memory
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		wfCache = cache.NewRedis(redisClient, cfg.WaveformCacheTTL)
		limiter = ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
		log.Printf("waveform cache and rate limiting backed by redis at %s", cfg.RedisAddr)
	} else {
		memCache = cache.NewMemory(cfg.WaveformCacheTTL)
		wfCache = memCache
	}

	pipe := pipeline.New(ctx, cfg, reg, runner, wfCache)
	pipe.SetThumbnailer(thumbnail.New(runner, cfg.FfmpegPath, cfg.ThumbnailWidth))

	var hist *history.Store
	if cfg.PostgresDSN != "" {
		var err error
		hist, err = history.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("connect postgres: %v", err)
		}
		defer hist.Close()
		if err := hist.RunMigrations(ctx); err != nil {
			log.Fatalf("migrations: %v", err)
		}
		pipe.SetRecorder(hist)
		log.Printf("job history archived to postgres")
	}

	if cfg.S3Bucket != "" {
		offloader, err := artifact.NewS3Offloader(ctx, cfg)
		if err != nil {
			log.Fatalf("init s3 offloader: %v", err)
		}
		pipe.SetOffloader(offloader)
		log.Printf("artifacts offloaded to s3 bucket %s", cfg.S3Bucket)
	}

	artifacts := artifact.NewServer(cfg.DownloadsDir, reg, cfg.DownloadGrace, cfg.MixsetGrace)
	go sweepLoop(ctx, cfg, reg, memCache)

	server := api.New(cfg, reg, pipe, artifacts, limiter, hist)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("beatflo media api listening on :%s (downloads in %s)", cfg.HTTPPort, filepath.Clean(cfg.DownloadsDir))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	// Base context cancellation has already killed any child processes;
	// wait for the pipeline goroutines to settle their job state.
	pipe.Wait()
}

// sweepLoop periodically evicts stale terminal jobs. Waveform entries are
// kept longer than other kinds because clients poll them lazily.
func sweepLoop(ctx context.Context, cfg config.Config, reg *registry.Registry, memCache *cache.Memory) {
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		removed := reg.SweepTerminal(models.KindWaveform, cfg.WaveformIdleTTL)
		for _, kind := range []models.JobKind{models.KindDownload, models.KindBulk, models.KindMixset} {
			removed += reg.SweepTerminal(kind, time.Hour)
		}
		if memCache != nil {
			removed += memCache.Sweep()
		}
		if removed > 0 {
			log.Printf("[sweep] evicted %d stale entries", removed)
		}
	}
}
