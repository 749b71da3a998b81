package config

import "github.com/kelseyhightower/envconfig"

type APIConfig struct {
	DBDSN     string `envconfig:"DB_DSN" required:"true"`
	Port      string `envconfig:"PORT" default:"8080"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// Campaign creation rails
	MaxAttachmentBytes int `envconfig:"MAX_ATTACHMENT_BYTES" default:"10485760"`
	PageSize           int `envconfig:"PAGE_SIZE" default:"50"`
}

type SchedulerConfig struct {
	DBDSN     string `envconfig:"DB_DSN" required:"true"`
	Port      string `envconfig:"PORT" default:"8080"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	TickInterval string `envconfig:"TICK_INTERVAL" default:"1m"`

	// Batch shaping: batches of at most MaxBatchSize recipients, spaced
	// so overall throughput stays under MaxSendRate per second.
	MaxBatchSize int `envconfig:"MAX_BATCH_SIZE" default:"100"`
	MaxSendRate  int `envconfig:"MAX_SEND_RATE" default:"20"`

	MaxConcurrentBatches int `envconfig:"MAX_CONCURRENT_BATCHES" default:"4"`
	PollLimit            int `envconfig:"POLL_LIMIT" default:"100"`

	// A PROCESSING batch older than this is considered abandoned.
	StaleAfterSeconds   int `envconfig:"STALE_AFTER_SECONDS" default:"600"`
	ResolveRetrySeconds int `envconfig:"RESOLVE_RETRY_SECONDS" default:"300"`

	// SendGrid
	SendGridAPIKey string  `envconfig:"SENDGRID_API_KEY" required:"true"`
	FromEmail      string  `envconfig:"FROM_EMAIL" required:"true"`
	FromName       string  `envconfig:"FROM_NAME" default:""`
	SendRPSPerPod  float64 `envconfig:"SEND_RPS_PER_POD" default:"20"`
	SendBurst      int     `envconfig:"SEND_BURST" default:"40"`

	// Base URL the open pixel points at (the tracking service).
	TrackingBaseURL string `envconfig:"TRACKING_BASE_URL"`
}

type TrackingConfig struct {
	DBDSN     string `envconfig:"DB_DSN" required:"true"`
	Port      string `envconfig:"PORT" default:"8080"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadScheduler() SchedulerConfig {
	var cfg SchedulerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadTracking() TrackingConfig {
	var cfg TrackingConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
