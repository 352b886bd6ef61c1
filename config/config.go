package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// AppConfig is built once at process start and passed by pointer into the
// components that need it; nothing reads the environment after Load returns.
type AppConfig struct {
	ServerName     string         `mapstructure:"server_name" yaml:"server_name"`
	Environment    string         `mapstructure:"environment" yaml:"environment"`
	Port           int            `mapstructure:"port" yaml:"port"`
	LogLevel       string         `mapstructure:"log_level" yaml:"log_level"`
	FrontendURL    string         `mapstructure:"frontend_url" yaml:"frontend_url"`
	AllowedOrigins []string       `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	BodyLimitMB    int64          `mapstructure:"body_limit_mb" yaml:"body_limit_mb"`
	Auth           AuthConfig     `mapstructure:"auth" yaml:"auth"`
	Upstream       UpstreamConfig `mapstructure:"upstream" yaml:"upstream"`
	Postgres       PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
	Redis          RedisConfig    `mapstructure:"redis" yaml:"redis"`
	Consul         ConsulConfig   `mapstructure:"consul" yaml:"consul"`
	RocketMQ       RocketMQConfig `mapstructure:"rocketmq" yaml:"rocketmq"`
	Stripe         StripeConfig   `mapstructure:"stripe" yaml:"stripe"`
}

type AuthConfig struct {
	JwtSecret string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	Expire_H  int    `mapstructure:"expire_h" yaml:"expire_h"`
}

type UpstreamConfig struct {
	ChatURL          string `mapstructure:"chat_url" yaml:"chat_url"`
	ChatAPIKey       string `mapstructure:"chat_api_key" yaml:"chat_api_key"`
	DefaultModel     string `mapstructure:"default_model" yaml:"default_model"`
	Title            string `mapstructure:"title" yaml:"title"`
	TranscribeURL    string `mapstructure:"transcribe_url" yaml:"transcribe_url"`
	TranscribeAPIKey string `mapstructure:"transcribe_api_key" yaml:"transcribe_api_key"`
	TranscribeModel  string `mapstructure:"transcribe_model" yaml:"transcribe_model"`

	ResponseHeaderTimeout time.Duration `mapstructure:"response_header_timeout" yaml:"response_header_timeout"`
	StreamIdleTimeout     time.Duration `mapstructure:"stream_idle_timeout" yaml:"stream_idle_timeout"`
	TranscribeTimeout     time.Duration `mapstructure:"transcribe_timeout" yaml:"transcribe_timeout"`

	// ErrorMarker appends an `event: error` frame when upstream fails mid-stream.
	ErrorMarker bool `mapstructure:"error_marker" yaml:"error_marker"`
}

type PostgresConfig struct {
	Address  string        `mapstructure:"address" yaml:"address"`
	Port     int           `mapstructure:"port" yaml:"port"`
	User     string        `mapstructure:"user" yaml:"user"`
	Password string        `mapstructure:"password" yaml:"password"`
	DBName   string        `mapstructure:"db_name" yaml:"db_name"`
	MaxIdle  int           `mapstructure:"max_idle" yaml:"max_idle"`
	MaxOpen  int           `mapstructure:"max_open" yaml:"max_open"`
	MaxLife  time.Duration `mapstructure:"max_life" yaml:"max_life"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address" yaml:"address"`
	Port         int           `mapstructure:"port" yaml:"port"`
	Password     string        `mapstructure:"password" yaml:"password"`
	Database     int           `mapstructure:"database" yaml:"database"`
	Prefix       string        `mapstructure:"prefix" yaml:"prefix"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	MaxRetries   int           `mapstructure:"max_retries" yaml:"max_retries"`
	PoolSize     int           `mapstructure:"pool_size" yaml:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns" yaml:"min_idle_conns"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
}

type ConsulConfig struct {
	Address    string `mapstructure:"address" yaml:"address"`
	Scheme     string `mapstructure:"scheme" yaml:"scheme"`
	Datacenter string `mapstructure:"datacenter" yaml:"datacenter"`
}

type RocketMQConfig struct {
	NameServers   []string `mapstructure:"name_servers" yaml:"name_servers"`
	MaxRetries    int      `mapstructure:"max_retries" yaml:"max_retries"`
	GroupName     string   `mapstructure:"group_name" yaml:"group_name"`
	ConsumerGroup string   `mapstructure:"consumer_group" yaml:"consumer_group"`
	Topics        struct {
		RelayEvent string `mapstructure:"relay_event" yaml:"relay_event"`
	} `mapstructure:"topics" yaml:"topics"`
}

type StripeConfig struct {
	SecretKey     string `mapstructure:"secret_key" yaml:"secret_key"`
	PriceID       string `mapstructure:"price_id" yaml:"price_id"`
	WebhookSecret string `mapstructure:"webhook_secret" yaml:"webhook_secret"`
}

// Enabled reports whether an optional backend has been configured.
func (c RedisConfig) Enabled() bool    { return strings.TrimSpace(c.Address) != "" }
func (c ConsulConfig) Enabled() bool   { return strings.TrimSpace(c.Address) != "" }
func (c RocketMQConfig) Enabled() bool { return len(c.NameServers) > 0 && c.Topics.RelayEvent != "" }
func (c StripeConfig) Enabled() bool   { return strings.TrimSpace(c.SecretKey) != "" }

// env names kept compatible with the deployment this relay replaces
var envBindings = map[string]string{
	"server_name":                      "APP_NAME",
	"environment":                      "APP_ENV",
	"port":                             "PORT",
	"log_level":                        "LOG_LEVEL",
	"frontend_url":                     "FRONTEND_URL",
	"allowed_origins":                  "ALLOWED_ORIGINS",
	"body_limit_mb":                    "BODY_LIMIT_MB",
	"auth.jwt_secret":                  "JWT_SECRET",
	"auth.expire_h":                    "JWT_EXPIRE_H",
	"upstream.chat_url":                "OPENROUTER_URL",
	"upstream.chat_api_key":            "OPENROUTER_API_KEY",
	"upstream.default_model":           "OPENROUTER_MODEL",
	"upstream.title":                   "OPENROUTER_TITLE",
	"upstream.transcribe_url":          "WHISPER_URL",
	"upstream.transcribe_api_key":      "OPENAI_API_KEY",
	"upstream.transcribe_model":        "WHISPER_MODEL",
	"upstream.response_header_timeout": "UPSTREAM_HEADER_TIMEOUT",
	"upstream.stream_idle_timeout":     "UPSTREAM_IDLE_TIMEOUT",
	"upstream.transcribe_timeout":      "WHISPER_TIMEOUT",
	"upstream.error_marker":            "STREAM_ERROR_MARKER",
	"postgres.address":                 "PG_ADDR",
	"postgres.port":                    "PG_PORT",
	"postgres.user":                    "PG_USER",
	"postgres.password":                "PG_PASSWD",
	"postgres.db_name":                 "PG_DBNAME",
	"redis.address":                    "REDIS_ADDR",
	"redis.port":                       "REDIS_PORT",
	"redis.password":                   "REDIS_PASSWORD",
	"redis.database":                   "REDIS_DATABASE",
	"consul.address":                   "CONSUL_ADDRESS",
	"consul.scheme":                    "CONSUL_SCHEME",
	"consul.datacenter":                "CONSUL_DATACENTER",
	"rocketmq.name_servers":            "ROCKETMQ_NAME_SERVERS",
	"rocketmq.topics.relay_event":      "ROCKETMQ_RELAY_TOPIC",
	"stripe.secret_key":                "STRIPE_SECRET_KEY",
	"stripe.price_id":                  "STRIPE_PRICE_ID",
	"stripe.webhook_secret":            "STRIPE_WEBHOOK_SECRET",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_name", "assistant-relay")
	v.SetDefault("environment", "development")
	v.SetDefault("port", 4000)
	v.SetDefault("log_level", "info")
	v.SetDefault("frontend_url", "http://localhost:5173")
	v.SetDefault("allowed_origins", []string{})
	v.SetDefault("body_limit_mb", 15)

	v.SetDefault("auth.jwt_secret", "dev-secret")
	v.SetDefault("auth.expire_h", 7*24)

	v.SetDefault("upstream.chat_url", "https://openrouter.ai/api/v1/chat/completions")
	v.SetDefault("upstream.chat_api_key", "")
	v.SetDefault("upstream.default_model", "openrouter/auto")
	v.SetDefault("upstream.title", "Desktop Assistant")
	v.SetDefault("upstream.transcribe_url", "https://api.openai.com/v1/audio/transcriptions")
	v.SetDefault("upstream.transcribe_api_key", "")
	v.SetDefault("upstream.transcribe_model", "whisper-1")
	v.SetDefault("upstream.response_header_timeout", 60*time.Second)
	v.SetDefault("upstream.stream_idle_timeout", 2*time.Minute)
	v.SetDefault("upstream.transcribe_timeout", 2*time.Minute)
	v.SetDefault("upstream.error_marker", false)

	v.SetDefault("postgres.address", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "assistant")
	v.SetDefault("postgres.password", "assistant-passwd")
	v.SetDefault("postgres.db_name", "assistant")
	v.SetDefault("postgres.max_idle", 10)
	v.SetDefault("postgres.max_open", 25)
	v.SetDefault("postgres.max_life", 5*time.Minute)

	v.SetDefault("redis.address", "")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.database", 0)
	v.SetDefault("redis.prefix", "relay:")
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.cache_ttl", time.Hour)

	v.SetDefault("consul.address", "")
	v.SetDefault("consul.scheme", "http")
	v.SetDefault("consul.datacenter", "dc1")

	v.SetDefault("rocketmq.name_servers", []string{})
	v.SetDefault("rocketmq.max_retries", 2)
	v.SetDefault("rocketmq.group_name", "relay-producer")
	v.SetDefault("rocketmq.consumer_group", "relay-audit")
	v.SetDefault("rocketmq.topics.relay_event", "relay_event")

	v.SetDefault("stripe.secret_key", "")
	v.SetDefault("stripe.price_id", "")
	v.SetDefault("stripe.webhook_secret", "")
}

// LoadConfig reads .env, an optional YAML file and the environment. An empty
// path searches ./config/config.yml and ./config.yml; a missing file is not an
// error, only an explicitly named one that cannot be read is.
func LoadConfig(path string) (*AppConfig, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, err
		}
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
