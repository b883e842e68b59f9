package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds runtime configuration for the beatflo media service.
type Config struct {
	Env          string
	HTTPPort     string
	DownloadsDir string

	YtdlpPath   string
	FfmpegPath  string
	FfprobePath string

	JobTimeout       time.Duration
	DownloadGrace    time.Duration
	MixsetGrace      time.Duration
	SweepInterval    time.Duration
	WaveformIdleTTL  time.Duration
	WaveformCacheTTL time.Duration
	WaveformPeaks    int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PostgresDSN string

	RateLimitCapacity int
	RateLimitRefill   float64

	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3PathStyle bool

	ThumbnailWidth int
}

// Load reads configuration from environment variables with defaults suited
// for local development. Redis, Postgres, and S3 are optional; empty values
// disable the corresponding subsystem.
func Load() Config {
	return Config{
		Env:          getEnv("APP_ENV", "dev"),
		HTTPPort:     getEnv("HTTP_PORT", "3001"),
		DownloadsDir: getEnv("DOWNLOADS_DIR", "./downloads"),

		YtdlpPath:   getEnv("YTDLP_PATH", "yt-dlp"),
		FfmpegPath:  getEnv("FFMPEG_PATH", "ffmpeg"),
		FfprobePath: getEnv("FFPROBE_PATH", "ffprobe"),

		JobTimeout:       getEnvDuration("JOB_TIMEOUT", 30*time.Minute),
		DownloadGrace:    getEnvDuration("DOWNLOAD_GRACE", time.Minute),
		MixsetGrace:      getEnvDuration("MIXSET_GRACE", 5*time.Minute),
		SweepInterval:    getEnvDuration("SWEEP_INTERVAL", 10*time.Minute),
		WaveformIdleTTL:  getEnvDuration("WAVEFORM_IDLE_TTL", 30*time.Minute),
		WaveformCacheTTL: getEnvDuration("WAVEFORM_CACHE_TTL", 30*time.Minute),
		WaveformPeaks:    getEnvInt("WAVEFORM_PEAKS", 200),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		PostgresDSN: getEnv("POSTGRES_DSN", ""),

		RateLimitCapacity: getEnvInt("RATE_LIMIT_CAPACITY", 20),
		RateLimitRefill:   getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 0.5),

		S3Bucket:    getEnv("ARTIFACT_S3_BUCKET", ""),
		S3Region:    getEnv("ARTIFACT_S3_REGION", "us-east-1"),
		S3Endpoint:  getEnv("ARTIFACT_S3_ENDPOINT", ""),
		S3PathStyle: getEnvBool("ARTIFACT_S3_PATH_STYLE", false),

		ThumbnailWidth: getEnvInt("THUMBNAIL_WIDTH", 320),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
