package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/audiopipe/audiopipe/internal/job"
)

type Config struct {
	// Job store.
	StoreBackend job.Backend
	SQLitePath   string
	PostgresDSN  string

	// Worker loop.
	PollInterval       time.Duration
	ReaperInterval     time.Duration
	HeartbeatInterval  time.Duration
	CancelPollInterval time.Duration
	KillGrace          time.Duration

	// Per-type processing timeouts for the reaper.
	JobTimeouts    map[job.Type]time.Duration
	DefaultTimeout time.Duration

	// Media limits.
	MaxFileSize       int64
	MaxAudioDuration  time.Duration
	MaxClips          int
	MinClipDuration   time.Duration
	MaxOutputDuration time.Duration

	// Renderer output.
	PreviewBitrate   string
	OutputSampleRate int

	// External tools.
	FFmpegPath  string
	FFprobePath string
	YtdlpPath   string

	// Blob storage root (filesystem backend).
	StorageRoot string

	// GPU render service.
	RenderEndpoint string
	WebhookURL     string
	WebhookSecret  string
}

func Load() (*Config, error) {
	cfg := &Config{
		StoreBackend: job.Backend(getEnv("AUDIOPIPE_STORE_BACKEND", "sqlite")),
		SQLitePath:   getEnv("AUDIOPIPE_SQLITE_PATH", "audiopipe.db"),
		PostgresDSN:  getEnv("AUDIOPIPE_POSTGRES_DSN", ""),

		PreviewBitrate: getEnv("AUDIOPIPE_PREVIEW_BITRATE", "128k"),

		FFmpegPath:  getEnv("AUDIOPIPE_FFMPEG_PATH", "ffmpeg"),
		FFprobePath: getEnv("AUDIOPIPE_FFPROBE_PATH", "ffprobe"),
		YtdlpPath:   getEnv("AUDIOPIPE_YTDLP_PATH", "yt-dlp"),

		StorageRoot: getEnv("AUDIOPIPE_STORAGE_ROOT", "storage"),

		RenderEndpoint: getEnv("AUDIOPIPE_RENDER_ENDPOINT", ""),
		WebhookURL:     getEnv("AUDIOPIPE_WEBHOOK_URL", ""),
		WebhookSecret:  getEnv("AUDIOPIPE_WEBHOOK_SECRET", ""),
	}

	switch cfg.StoreBackend {
	case job.BackendSQLite:
	case job.BackendPostgres:
		if cfg.PostgresDSN == "" {
			return nil, errors.New("AUDIOPIPE_POSTGRES_DSN must be set for the postgres backend")
		}
	default:
		return nil, fmt.Errorf("AUDIOPIPE_STORE_BACKEND %q must be sqlite or postgres", cfg.StoreBackend)
	}

	var err error
	if cfg.PollInterval, err = getEnvDuration("AUDIOPIPE_POLL_INTERVAL", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.ReaperInterval, err = getEnvDuration("AUDIOPIPE_REAPER_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.HeartbeatInterval, err = getEnvDuration("AUDIOPIPE_HEARTBEAT_INTERVAL", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.CancelPollInterval, err = getEnvDuration("AUDIOPIPE_CANCEL_POLL_INTERVAL", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.KillGrace, err = getEnvDuration("AUDIOPIPE_KILL_GRACE", 5*time.Second); err != nil {
		return nil, err
	}

	if cfg.DefaultTimeout, err = getEnvDuration("AUDIOPIPE_JOB_TIMEOUT", 10*time.Minute); err != nil {
		return nil, err
	}
	cfg.JobTimeouts = map[job.Type]time.Duration{}
	for typ, env := range map[job.Type]string{
		job.TypeIngest:  "AUDIOPIPE_JOB_TIMEOUT_INGEST",
		job.TypePreview: "AUDIOPIPE_JOB_TIMEOUT_PREVIEW",
		job.TypeSave:    "AUDIOPIPE_JOB_TIMEOUT_SAVE",
		job.TypeRender:  "AUDIOPIPE_JOB_TIMEOUT_RENDER",
	} {
		d, err := getEnvDuration(env, cfg.DefaultTimeout)
		if err != nil {
			return nil, err
		}
		cfg.JobTimeouts[typ] = d
	}

	if cfg.MaxFileSize, err = getEnvInt64("AUDIOPIPE_MAX_FILE_SIZE", 200<<20); err != nil {
		return nil, err
	}
	if cfg.MaxAudioDuration, err = getEnvDuration("AUDIOPIPE_MAX_AUDIO_DURATION", time.Hour); err != nil {
		return nil, err
	}
	if cfg.MaxClips, err = getEnvInt("AUDIOPIPE_MAX_CLIPS", 50); err != nil {
		return nil, err
	}
	if cfg.MinClipDuration, err = getEnvDuration("AUDIOPIPE_MIN_CLIP_DURATION", 100*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.MaxOutputDuration, err = getEnvDuration("AUDIOPIPE_MAX_OUTPUT_DURATION", 2*time.Hour); err != nil {
		return nil, err
	}
	if cfg.OutputSampleRate, err = getEnvInt("AUDIOPIPE_OUTPUT_SAMPLE_RATE", 44100); err != nil {
		return nil, err
	}

	if cfg.PollInterval <= 0 {
		return nil, errors.New("AUDIOPIPE_POLL_INTERVAL must be > 0")
	}
	if cfg.MaxClips < 1 {
		return nil, errors.New("AUDIOPIPE_MAX_CLIPS must be >= 1")
	}
	if cfg.MaxFileSize <= 0 {
		return nil, errors.New("AUDIOPIPE_MAX_FILE_SIZE must be > 0")
	}

	return cfg, nil
}

// Timeout returns the reaper timeout for a job type.
func (c *Config) Timeout(t job.Type) time.Duration {
	if d, ok := c.JobTimeouts[t]; ok {
		return d
	}
	return c.DefaultTimeout
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return d, nil
}
