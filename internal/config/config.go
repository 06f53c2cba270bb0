// Package config loads the session daemon and broker settings from the
// environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"chat-session/internal/transport"
)

// Broker link kinds.
const (
	BrokerMemory    = "memory"
	BrokerWebsocket = "ws"
	BrokerAMQP      = "amqp"
)

// History backends.
const (
	HistoryNone     = "none"
	HistoryPostgres = "postgres"
	HistoryRedis    = "redis"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Port        string `env:"PORT" envDefault:"8083"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"chat-session"`
	Environment string `env:"APP_ENV" envDefault:"dev"`
	DebugRoutes bool   `env:"DEBUG_ROUTES" envDefault:"false"`

	// SessionToken is the logged-in user's access token. It also guards the
	// local HTTP API.
	SessionToken string `env:"SESSION_TOKEN"`

	BrokerKind     string `env:"BROKER_KIND" envDefault:"ws"`
	BrokerURL      string `env:"BROKER_URL" envDefault:"ws://localhost:8090/ws"`
	AMQPURL        string `env:"AMQP_URL"`
	AMQPExchange   string `env:"AMQP_EXCHANGE" envDefault:"chat.topics"`
	ReportExchange string `env:"REPORT_EXCHANGE" envDefault:"moderation.events"`
	ReportKey      string `env:"REPORT_ROUTING_KEY" envDefault:"moderation.report"`

	HistoryBackend string `env:"HISTORY_BACKEND" envDefault:"none"`
	DatabaseURL    string `env:"DATABASE_URL"`
	RedisAddr      string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisStreamLen int64  `env:"REDIS_STREAM_MAXLEN" envDefault:"1000"`

	AuthGRPCAddr string `env:"AUTH_GRPC_ADDR"`
	UserGRPCAddr string `env:"USER_GRPC_ADDR"`

	DirectoryURL    string        `env:"DIRECTORY_URL" envDefault:"http://localhost:8081/api"`
	ChatURL         string        `env:"CHAT_URL" envDefault:"http://localhost:8083/api"`
	NotificationURL string        `env:"NOTIFICATION_URL" envDefault:"http://localhost:8082/api"`
	RESTTimeout     time.Duration `env:"REST_TIMEOUT" envDefault:"3s"`
	PollInterval    time.Duration `env:"POLL_INTERVAL" envDefault:"10s"`
	// SideEffectTimeout bounds background history writes and report publishes.
	SideEffectTimeout time.Duration `env:"SIDE_EFFECT_TIMEOUT" envDefault:"5s"`

	Transport TransportConfig `envPrefix:"TRANSPORT_"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

type TransportConfig struct {
	HeartbeatInterval   time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"10s"`
	MaxMissedHeartbeats int           `env:"MAX_MISSED_HEARTBEATS" envDefault:"3"`
	InitialBackoff      time.Duration `env:"INITIAL_BACKOFF" envDefault:"1s"`
	MaxBackoff          time.Duration `env:"MAX_BACKOFF" envDefault:"30s"`
	DialTimeout         time.Duration `env:"DIAL_TIMEOUT" envDefault:"10s"`
}

// Channel converts the settings into a transport.Config.
func (t TransportConfig) Channel() transport.Config {
	return transport.Config{
		HeartbeatInterval:   t.HeartbeatInterval,
		MaxMissedHeartbeats: t.MaxMissedHeartbeats,
		InitialBackoff:      t.InitialBackoff,
		MaxBackoff:          t.MaxBackoff,
		DialTimeout:         t.DialTimeout,
	}
}

// BrokerConfig configures the development broker in cmd/broker.
type BrokerConfig struct {
	Port         string `env:"BROKER_PORT" envDefault:"8090"`
	AuthGRPCAddr string `env:"AUTH_GRPC_ADDR"`
	UserGRPCAddr string `env:"USER_GRPC_ADDR"`
	// JWTSecret verifies HS256 tokens when no identity service is configured.
	JWTSecret    string `env:"BROKER_JWT_SECRET"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load parses the session daemon config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadBroker parses the broker config.
func LoadBroker() (BrokerConfig, error) {
	var cfg BrokerConfig
	if err := env.Parse(&cfg); err != nil {
		return BrokerConfig{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.BrokerKind {
	case BrokerMemory, BrokerWebsocket:
	case BrokerAMQP:
		if c.AMQPURL == "" {
			return fmt.Errorf("%w: BROKER_KIND=amqp needs AMQP_URL", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown BROKER_KIND %q", ErrInvalidConfig, c.BrokerKind)
	}
	switch c.HistoryBackend {
	case HistoryNone, HistoryRedis:
	case HistoryPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: HISTORY_BACKEND=postgres needs DATABASE_URL", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown HISTORY_BACKEND %q", ErrInvalidConfig, c.HistoryBackend)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: POLL_INTERVAL must be positive", ErrInvalidConfig)
	}
	return nil
}
