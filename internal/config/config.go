package config

import (
	"os"
	"strconv"
	"time"

	"log/slog"
)

// Config holds runtime configuration for the shipway pipeline.
type Config struct {
	Environment   string
	LogLevel      string
	RepoDir       string
	BuildContext  string
	Registry      string
	RegistryUser  string
	RegistryPass  string
	ImageName     string
	DockerHost    string
	ManifestPath  string
	ManifestField string
	Application   string
	ArgoCDBaseURL string
	ArgoCDToken   string

	HealthURL        string
	MaxAttempts      int
	InitialDelay     time.Duration
	Interval         time.Duration
	SuccessThreshold int

	StageTimeout    time.Duration
	PipelineTimeout time.Duration

	ReportDir         string
	WebhookURL        string
	WebhookToken      string
	WebhookTimeout    time.Duration
	WebhookMaxRetries int

	Addr   string
	DryRun bool
}

// Load constructs a Config from environment variables. CLI flags may
// override individual fields afterwards.
func Load() Config {
	return Config{
		Environment:   envString("SHIPWAY_ENVIRONMENT", "staging"),
		LogLevel:      envString("SHIPWAY_LOG_LEVEL", "info"),
		RepoDir:       envString("SHIPWAY_REPO_DIR", "."),
		BuildContext:  envString("SHIPWAY_BUILD_CONTEXT", "."),
		Registry:      envString("SHIPWAY_REGISTRY", "localhost:5000"),
		RegistryUser:  envString("SHIPWAY_REGISTRY_USERNAME", ""),
		RegistryPass:  envString("SHIPWAY_REGISTRY_PASSWORD", ""),
		ImageName:     envString("SHIPWAY_IMAGE", "app"),
		DockerHost:    envString("DOCKER_HOST", ""),
		ManifestPath:  envString("SHIPWAY_MANIFEST", "deploy/values.yaml"),
		ManifestField: envString("SHIPWAY_MANIFEST_FIELD", "image.tag"),
		Application:   envString("SHIPWAY_APPLICATION", "app"),
		ArgoCDBaseURL: envString("ARGOCD_BASE_URL", ""),
		ArgoCDToken:   envString("ARGOCD_TOKEN", ""),

		HealthURL:        envString("SHIPWAY_HEALTH_URL", ""),
		MaxAttempts:      envInt("SHIPWAY_MAX_ATTEMPTS", 10),
		InitialDelay:     envSeconds("SHIPWAY_INITIAL_DELAY_SECONDS", 0),
		Interval:         envSeconds("SHIPWAY_INTERVAL_SECONDS", 10),
		SuccessThreshold: envInt("SHIPWAY_SUCCESS_THRESHOLD", 1),

		StageTimeout:    envSeconds("SHIPWAY_STAGE_TIMEOUT_SECONDS", 600),
		PipelineTimeout: envSeconds("SHIPWAY_PIPELINE_TIMEOUT_SECONDS", 0),

		ReportDir:         envString("SHIPWAY_REPORT_DIR", "."),
		WebhookURL:        envString("SHIPWAY_WEBHOOK_URL", ""),
		WebhookToken:      envString("SHIPWAY_WEBHOOK_TOKEN", ""),
		WebhookTimeout:    envSeconds("SHIPWAY_WEBHOOK_TIMEOUT_SECONDS", 10),
		WebhookMaxRetries: envInt("SHIPWAY_WEBHOOK_MAX_RETRIES", 3),

		Addr:   envString("SHIPWAY_ADDR", ":5100"),
		DryRun: envBool("SHIPWAY_DRY_RUN", false),
	}
}

func envString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("ignoring invalid integer in environment", "key", key, "value", value)
		return fallback
	}
	return parsed
}

// envSeconds reads an integer number of seconds, matching the *_SECONDS
// variable naming.
func envSeconds(key string, fallbackSeconds int) time.Duration {
	return time.Duration(envInt(key, fallbackSeconds)) * time.Second
}

func envBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		slog.Warn("ignoring invalid boolean in environment", "key", key, "value", value)
		return fallback
	}
	return parsed
}
