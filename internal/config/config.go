package config

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	HTTP     HTTPConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Worker   WorkerConfig
	Limits   LimitsConfig
	Gemini   GeminiConfig
	Webhook  WebhookConfig
	Auth     AuthConfig
	Stream   StreamConfig
	Log      LogConfig
}

type HTTPConfig struct {
	Addr         string        `envconfig:"HTTP_ADDR" default:":8080"`
	ReadTimeout  time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"15s"`
	WriteTimeout time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"30s"`
	MetricsAddr  string        `envconfig:"METRICS_ADDR" default:":9090"`
	PollAfter    time.Duration `envconfig:"POLL_AFTER" default:"1500ms"`
}

type PostgresConfig struct {
	// ResultStore selects the result store backend: postgres or memory.
	ResultStore string `envconfig:"RESULT_STORE" default:"postgres"`
	DSN         string `envconfig:"POSTGRES_DSN" default:""`
	MaxConns    int32  `envconfig:"POSTGRES_MAX_CONNS" default:"10"`
}

type RedisConfig struct {
	// Backend selects the job queue backend: redis or memory.
	Backend           string        `envconfig:"QUEUE_BACKEND" default:"redis"`
	Addr              string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password          string        `envconfig:"REDIS_PASSWORD" default:""`
	DB                int           `envconfig:"REDIS_DB" default:"0"`
	KeyPrefix         string        `envconfig:"REDIS_KEY_PREFIX" default:"evaluations"`
	VisibilityTimeout time.Duration `envconfig:"QUEUE_VISIBILITY_TIMEOUT" default:"5m"`
	Retention         time.Duration `envconfig:"QUEUE_RETENTION" default:"24h"`
	ReaperInterval    time.Duration `envconfig:"QUEUE_REAPER_INTERVAL" default:"30s"`
	ReaperBatch       int64         `envconfig:"QUEUE_REAPER_BATCH" default:"100"`
}

type WorkerConfig struct {
	Count          int           `envconfig:"WORKERS" default:"4"`
	ClaimTimeout   time.Duration `envconfig:"WORKER_CLAIM_TIMEOUT" default:"5s"`
	MaxAttempts    int           `envconfig:"WORKER_MAX_ATTEMPTS" default:"3"`
	InitialBackoff time.Duration `envconfig:"WORKER_INITIAL_BACKOFF" default:"2s"`
	MaxBackoff     time.Duration `envconfig:"WORKER_MAX_BACKOFF" default:"30s"`
	AttemptTimeout time.Duration `envconfig:"WORKER_ATTEMPT_TIMEOUT" default:"90s"`
}

type LimitsConfig struct {
	MaxTextChars    int   `envconfig:"MAX_TEXT_CHARS" default:"8000"`
	MaxAudioSeconds int   `envconfig:"MAX_AUDIO_SECONDS" default:"180"`
	MaxAudioBytes   int64 `envconfig:"MAX_AUDIO_BYTES" default:"20971520"`
}

type GeminiConfig struct {
	APIKey string `envconfig:"GEMINI_API_KEY" default:""`
	Model  string `envconfig:"GEMINI_MODEL" default:"gemini-2.5-flash"`
}

type WebhookConfig struct {
	Secret      string        `envconfig:"WEBHOOK_SECRET" default:""`
	Timeout     time.Duration `envconfig:"WEBHOOK_TIMEOUT" default:"5s"`
	MaxElapsed  time.Duration `envconfig:"WEBHOOK_MAX_ELAPSED" default:"30s"`
	MaxBodySize int64         `envconfig:"WEBHOOK_MAX_BODY_BYTES" default:"65536"`
}

type AuthConfig struct {
	// JWTSecret signs bearer tokens (HS256). Empty disables authentication.
	JWTSecret string `envconfig:"AUTH_JWT_SECRET" default:""`
	Issuer    string `envconfig:"AUTH_JWT_ISSUER" default:""`
}

type StreamConfig struct {
	EvaluatingDelay time.Duration `envconfig:"STREAM_EVALUATING_DELAY" default:"300ms"`
	TipStart        time.Duration `envconfig:"STREAM_TIP_START" default:"800ms"`
	TipInterval     time.Duration `envconfig:"STREAM_TIP_INTERVAL" default:"3s"`
	MaxTips         int           `envconfig:"STREAM_MAX_TIPS" default:"3"`
	ChipInterval    time.Duration `envconfig:"STREAM_CHIP_INTERVAL" default:"600ms"`
	MaxChips        int           `envconfig:"STREAM_MAX_CHIPS" default:"4"`
	PollInterval    time.Duration `envconfig:"STREAM_POLL_INTERVAL" default:"1s"`
	MaxPolls        int           `envconfig:"STREAM_MAX_POLLS" default:"120"`
	TipsFile        string        `envconfig:"STREAM_TIPS_FILE" default:""`
}

type LogConfig struct {
	Level string `envconfig:"LOG_LEVEL" default:"info"`
	JSON  bool   `envconfig:"LOG_JSON" default:"true"`
}

// MaxSubmitBytes bounds a submission body: every character JSON-escaped
// (\uXXXX) plus room for the ids and URLs.
func (l LimitsConfig) MaxSubmitBytes() int64 {
	return int64(l.MaxTextChars)*6 + 16<<10
}

func New() (*Config, error) {
	cfg := new(Config)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Worker.Count <= 0 {
		errs = append(errs, errors.New("WORKERS must be positive"))
	}
	if c.Worker.MaxAttempts <= 0 {
		errs = append(errs, errors.New("WORKER_MAX_ATTEMPTS must be positive"))
	}
	if c.Limits.MaxTextChars <= 0 || c.Limits.MaxAudioSeconds <= 0 {
		errs = append(errs, errors.New("input limits must be positive"))
	}
	if c.Stream.PollInterval <= 0 || c.Stream.MaxPolls <= 0 {
		errs = append(errs, errors.New("stream polling must be positive"))
	}
	switch c.Postgres.ResultStore {
	case "postgres":
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required when RESULT_STORE=postgres"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown RESULT_STORE %q", c.Postgres.ResultStore))
	}
	switch c.Redis.Backend {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown QUEUE_BACKEND %q", c.Redis.Backend))
	}
	return errors.Join(errs...)
}

var dsnPassword = regexp.MustCompile(`://([^:/?#]+):([^@/]+)@`)

// RedactDSN masks the password in a postgres:// DSN.
func RedactDSN(dsn string) string {
	return dsnPassword.ReplaceAllString(dsn, `://$1:****@`)
}
