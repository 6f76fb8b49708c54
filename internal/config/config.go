package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	Store     StoreConfig
	JWT       JWTConfig
	Zitadel   ZitadelConfig
	Gateway   GatewayConfig
	RateLimit RateLimitConfig
	Backend   BackendConfig
	Storage   StorageConfig
	R2        R2Config
	Render    RenderConfig
	FFmpeg    FFmpegConfig
	Worker    WorkerConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	ApiDomain string
}

// IsDevelopment reports whether the server runs in development mode.
func (s ServerConfig) IsDevelopment() bool {
	return s.Env == "development"
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type DatabaseConfig struct {
	URL      string
	MaxConns int32
}

// StoreConfig selects where segments and render jobs live:
// "memory", "redis" or "postgres".
type StoreConfig struct {
	Driver    string
	KeyPrefix string
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type ZitadelConfig struct {
	Domain   string
	ClientID string
	Issuer   string
}

type GatewayConfig struct {
	Enabled bool
}

type RateLimitConfig struct {
	RenderPerHour int
}

// BackendConfig configures the generation backends.
type BackendConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// DefaultModel is used when a segment's params name no model.
	DefaultModel string
	// WorkflowFile is a JSON workflow used when params carry none.
	WorkflowFile  string
	PromptNodeID  string
	SamplerNodeID string
	MockDelay     time.Duration
	MockFailRate  float64
}

// StorageConfig selects the asset store: "r2" or "local".
type StorageConfig struct {
	Driver    string
	LocalPath string
	PublicURL string
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
	// Endpoint overrides the Cloudflare endpoint, for S3-compatible stores.
	Endpoint string
}

type RenderConfig struct {
	MaxAttempts       int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	PollInterval      time.Duration
	MaxPollFailures   int
	GenerationTimeout time.Duration
	JobConcurrency    int
	GlobalConcurrency int
	SlotWait          time.Duration
	// DispatchClaimTTL is how long a dispatcher may hold a pending segment
	// while it submits before another one may take over.
	DispatchClaimTTL time.Duration
	// SweepInterval is how often active jobs are checked for broken step chains.
	SweepInterval time.Duration
	// DistributedSlots keeps dispatch slots in Redis so several processes
	// share the same bounds.
	DistributedSlots bool
}

type FFmpegConfig struct {
	Path    string
	WorkDir string
}

type WorkerConfig struct {
	Concurrency int
}

func Load() (*Config, error) {
	// A missing .env is fine, the environment may be set already.
	_ = godotenv.Load(".env", ".env.local")

	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("DATABASE_URL")
	readSecret("JWT_SECRET")
	readSecret("BACKEND_API_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("ZITADEL_CLIENT_ID")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	bindings := map[string]string{
		"server.port":               "SERVER_PORT",
		"server.env":                "SERVER_ENV",
		"server.log_level":          "LOG_LEVEL",
		"server.api_domain":         "API_DOMAIN",
		"redis.addr":                "REDIS_ADDR",
		"redis.password":            "REDIS_PASSWORD",
		"redis.db":                  "REDIS_DB",
		"database.url":              "DATABASE_URL",
		"database.max_conns":        "DATABASE_MAX_CONNS",
		"store.driver":              "STORE_DRIVER",
		"store.key_prefix":          "STORE_KEY_PREFIX",
		"jwt.secret":                "JWT_SECRET",
		"jwt.expiration":            "JWT_EXPIRATION",
		"zitadel.domain":            "ZITADEL_DOMAIN",
		"zitadel.client_id":         "ZITADEL_CLIENT_ID",
		"zitadel.issuer":            "ZITADEL_ISSUER",
		"gateway.enabled":           "GATEWAY_ENABLED",
		"ratelimit.render_per_hour": "RATELIMIT_RENDER_PER_HOUR",
		"backend.base_url":          "BACKEND_BASE_URL",
		"backend.api_key":           "BACKEND_API_KEY",
		"backend.timeout":           "BACKEND_TIMEOUT",
		"backend.default_model":     "BACKEND_DEFAULT_MODEL",
		"backend.workflow_file":     "BACKEND_WORKFLOW_FILE",
		"backend.prompt_node_id":    "BACKEND_PROMPT_NODE_ID",
		"backend.sampler_node_id":   "BACKEND_SAMPLER_NODE_ID",
		"backend.mock_delay":        "BACKEND_MOCK_DELAY",
		"backend.mock_fail_rate":    "BACKEND_MOCK_FAIL_RATE",
		"storage.driver":            "STORAGE_DRIVER",
		"storage.local_path":        "STORAGE_LOCAL_PATH",
		"storage.public_url":        "STORAGE_PUBLIC_URL",
		"r2.account_id":             "R2_ACCOUNT_ID",
		"r2.access_key_id":          "R2_ACCESS_KEY_ID",
		"r2.secret_access_key":      "R2_SECRET_ACCESS_KEY",
		"r2.bucket_name":            "R2_BUCKET_NAME",
		"r2.public_url":             "R2_PUBLIC_URL",
		"r2.endpoint":               "R2_ENDPOINT",
		"render.max_attempts":       "RENDER_MAX_ATTEMPTS",
		"render.retry_base_delay":   "RENDER_RETRY_BASE_DELAY",
		"render.retry_max_delay":    "RENDER_RETRY_MAX_DELAY",
		"render.poll_interval":      "RENDER_POLL_INTERVAL",
		"render.max_poll_failures":  "RENDER_MAX_POLL_FAILURES",
		"render.generation_timeout": "RENDER_GENERATION_TIMEOUT",
		"render.job_concurrency":    "RENDER_JOB_CONCURRENCY",
		"render.global_concurrency": "RENDER_GLOBAL_CONCURRENCY",
		"render.slot_wait":          "RENDER_SLOT_WAIT",
		"render.dispatch_claim_ttl": "RENDER_DISPATCH_CLAIM_TTL",
		"render.sweep_interval":     "RENDER_SWEEP_INTERVAL",
		"render.distributed_slots":  "RENDER_DISTRIBUTED_SLOTS",
		"ffmpeg.path":               "FFMPEG_PATH",
		"ffmpeg.work_dir":           "FFMPEG_WORK_DIR",
		"worker.concurrency":        "WORKER_CONCURRENCY",
	}
	for key, env := range bindings {
		_ = v.BindEnv(key, env)
	}

	setDefaults(v)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      v.GetString("server.port"),
			Env:       v.GetString("server.env"),
			LogLevel:  v.GetString("server.log_level"),
			ApiDomain: v.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Database: DatabaseConfig{
			URL:      v.GetString("database.url"),
			MaxConns: v.GetInt32("database.max_conns"),
		},
		Store: StoreConfig{
			Driver:    v.GetString("store.driver"),
			KeyPrefix: v.GetString("store.key_prefix"),
		},
		JWT: JWTConfig{
			Secret:     v.GetString("jwt.secret"),
			Expiration: v.GetInt("jwt.expiration"),
		},
		Zitadel: ZitadelConfig{
			Domain:   v.GetString("zitadel.domain"),
			ClientID: v.GetString("zitadel.client_id"),
			Issuer:   v.GetString("zitadel.issuer"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
		RateLimit: RateLimitConfig{
			RenderPerHour: v.GetInt("ratelimit.render_per_hour"),
		},
		Backend: BackendConfig{
			BaseURL:       v.GetString("backend.base_url"),
			APIKey:        v.GetString("backend.api_key"),
			Timeout:       v.GetDuration("backend.timeout"),
			DefaultModel:  v.GetString("backend.default_model"),
			WorkflowFile:  v.GetString("backend.workflow_file"),
			PromptNodeID:  v.GetString("backend.prompt_node_id"),
			SamplerNodeID: v.GetString("backend.sampler_node_id"),
			MockDelay:     v.GetDuration("backend.mock_delay"),
			MockFailRate:  v.GetFloat64("backend.mock_fail_rate"),
		},
		Storage: StorageConfig{
			Driver:    v.GetString("storage.driver"),
			LocalPath: v.GetString("storage.local_path"),
			PublicURL: v.GetString("storage.public_url"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       v.GetString("r2.public_url"),
			Endpoint:        v.GetString("r2.endpoint"),
		},
		Render: RenderConfig{
			MaxAttempts:       v.GetInt("render.max_attempts"),
			RetryBaseDelay:    v.GetDuration("render.retry_base_delay"),
			RetryMaxDelay:     v.GetDuration("render.retry_max_delay"),
			PollInterval:      v.GetDuration("render.poll_interval"),
			MaxPollFailures:   v.GetInt("render.max_poll_failures"),
			GenerationTimeout: v.GetDuration("render.generation_timeout"),
			JobConcurrency:    v.GetInt("render.job_concurrency"),
			GlobalConcurrency: v.GetInt("render.global_concurrency"),
			SlotWait:          v.GetDuration("render.slot_wait"),
			DispatchClaimTTL:  v.GetDuration("render.dispatch_claim_ttl"),
			SweepInterval:     v.GetDuration("render.sweep_interval"),
			DistributedSlots:  v.GetBool("render.distributed_slots"),
		},
		FFmpeg: FFmpegConfig{
			Path:    v.GetString("ffmpeg.path"),
			WorkDir: v.GetString("ffmpeg.work_dir"),
		},
		Worker: WorkerConfig{
			Concurrency: v.GetInt("worker.concurrency"),
		},
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("store.driver", "redis")
	v.SetDefault("store.key_prefix", "foundry:")
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("jwt.expiration", 24)
	v.SetDefault("gateway.enabled", false)
	v.SetDefault("ratelimit.render_per_hour", 30)

	// Generation backend defaults
	v.SetDefault("backend.base_url", "http://localhost:8188")
	v.SetDefault("backend.timeout", 30*time.Second)
	v.SetDefault("backend.default_model", "comfyui")
	v.SetDefault("backend.prompt_node_id", "6")
	v.SetDefault("backend.sampler_node_id", "3")
	v.SetDefault("backend.mock_delay", 5*time.Second)
	v.SetDefault("backend.mock_fail_rate", 0.0)

	// Asset storage defaults
	v.SetDefault("storage.driver", "local")
	v.SetDefault("storage.local_path", "./data/assets")
	v.SetDefault("storage.public_url", "http://localhost:8000/assets")

	// Render policy defaults
	v.SetDefault("render.max_attempts", 3)
	v.SetDefault("render.retry_base_delay", 5*time.Second)
	v.SetDefault("render.retry_max_delay", 2*time.Minute)
	v.SetDefault("render.poll_interval", 5*time.Second)
	v.SetDefault("render.max_poll_failures", 5)
	v.SetDefault("render.generation_timeout", 30*time.Minute)
	v.SetDefault("render.job_concurrency", 4)
	v.SetDefault("render.global_concurrency", 16)
	v.SetDefault("render.slot_wait", 5*time.Second)
	v.SetDefault("render.dispatch_claim_ttl", 5*time.Minute)
	v.SetDefault("render.sweep_interval", time.Minute)
	v.SetDefault("render.distributed_slots", true)

	v.SetDefault("ffmpeg.path", "ffmpeg")
	v.SetDefault("ffmpeg.work_dir", os.TempDir())
	v.SetDefault("worker.concurrency", 10)
}
