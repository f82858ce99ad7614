package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config holds typed configuration for the engine service.
type Config struct {
	LogLevel     string
	HTTPPort     string
	MetricsAddr  string
	OTelEndpoint string
	OTelSample   float64
	JWTSecret    string

	Store       string
	SQLitePath  string
	PostgresDSN string

	KafkaBrokers string
	RedisAddr    string

	RoutingFile string
	RolesFile   string
	Providers   []ProviderConfig

	Workspace      string
	SearchEndpoint string
	MemoryURL      string
	MemoryAPIKey   string
	RoleTools      map[string][]string
	CodeExec       CodeExecConfig

	MaxConcurrent   int
	PoolCapacity    int
	MinTaskTimeout  time.Duration
	PromptCeiling   int
	MaxIterations   int
	ProviderRPM     int
	RouterWindow    int
	WatchdogTick    string
	WatchdogRecover string
	StaleAfter      time.Duration
	LeaderTTL       time.Duration

	SMTP    SMTPConfig
	Webhook WebhookConfig
	Blob    BlobConfig
}

// ProviderConfig is one OpenAI-compatible model endpoint. RPM overrides
// provider_rpm for this provider; ModelRPM overrides it per model.
type ProviderConfig struct {
	Name     string         `mapstructure:"name"`
	BaseURL  string         `mapstructure:"base_url"`
	APIKey   string         `mapstructure:"api_key"`
	RPM      *int           `mapstructure:"rpm"`
	ModelRPM map[string]int `mapstructure:"model_rpm"`
}

// CodeExecConfig limits the code_execute tool. An empty Allow list lets any
// command on PATH run.
type CodeExecConfig struct {
	Allow   []string
	Timeout time.Duration
}

// SMTPConfig enables escalation e-mails when Host is set.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	To       []string
	Username string
	Password string
}

// WebhookConfig enables escalation posts when URL is set.
type WebhookConfig struct {
	URL     string
	Headers map[string]string
}

// BlobConfig enables deliverable export when Endpoint is set.
type BlobConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	cfg := Config{
		LogLevel:     v.GetString("log_level"),
		HTTPPort:     v.GetString("http_port"),
		MetricsAddr:  v.GetString("metrics_addr"),
		OTelEndpoint: v.GetString("otel_endpoint"),
		OTelSample:   v.GetFloat64("otel_sample_ratio"),
		JWTSecret:    v.GetString("jwt_secret"),

		Store:       strings.ToLower(v.GetString("store")),
		SQLitePath:  v.GetString("sqlite_path"),
		PostgresDSN: v.GetString("postgres_dsn"),

		KafkaBrokers: v.GetString("kafka_brokers"),
		RedisAddr:    v.GetString("redis_addr"),

		RoutingFile: v.GetString("routing_file"),
		RolesFile:   v.GetString("roles_file"),

		Workspace:      v.GetString("workspace"),
		SearchEndpoint: v.GetString("search_endpoint"),
		MemoryURL:      v.GetString("memory_url"),
		MemoryAPIKey:   v.GetString("memory_api_key"),
		RoleTools:      v.GetStringMapStringSlice("role_tools"),
		CodeExec: CodeExecConfig{
			Allow:   v.GetStringSlice("code_exec.allow"),
			Timeout: v.GetDuration("code_exec.timeout"),
		},

		MaxConcurrent:   v.GetInt("max_concurrent"),
		PoolCapacity:    v.GetInt("pool_capacity"),
		MinTaskTimeout:  v.GetDuration("min_task_timeout"),
		PromptCeiling:   v.GetInt("prompt_ceiling"),
		MaxIterations:   v.GetInt("max_iterations"),
		ProviderRPM:     v.GetInt("provider_rpm"),
		RouterWindow:    v.GetInt("router_window"),
		WatchdogTick:    v.GetString("watchdog_tick"),
		WatchdogRecover: v.GetString("watchdog_recover"),
		StaleAfter:      v.GetDuration("stale_after"),
		LeaderTTL:       v.GetDuration("leader_ttl"),

		SMTP: SMTPConfig{
			Host:     v.GetString("smtp.host"),
			Port:     v.GetInt("smtp.port"),
			From:     v.GetString("smtp.from"),
			To:       v.GetStringSlice("smtp.to"),
			Username: v.GetString("smtp.username"),
			Password: v.GetString("smtp.password"),
		},
		Webhook: WebhookConfig{
			URL:     v.GetString("webhook.url"),
			Headers: v.GetStringMapString("webhook.headers"),
		},
		Blob: BlobConfig{
			Endpoint:  v.GetString("blob.endpoint"),
			AccessKey: v.GetString("blob.access_key"),
			SecretKey: v.GetString("blob.secret_key"),
			Bucket:    v.GetString("blob.bucket"),
			UseSSL:    v.GetBool("blob.use_ssl"),
		},
	}
	_ = v.UnmarshalKey("providers", &cfg.Providers)
	if cfg.Store == "" {
		cfg.Store = StoreMemory
	}
	if cfg.WatchdogTick == "" {
		cfg.WatchdogTick = "@every 15s"
	}
	if cfg.WatchdogRecover == "" {
		cfg.WatchdogRecover = "@every 1m"
	}
	if cfg.LeaderTTL <= 0 {
		cfg.LeaderTTL = 2 * time.Minute
	}
	return cfg
}

// Brokers splits the comma-separated broker list. It is empty when Kafka is
// not configured.
func (c Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
