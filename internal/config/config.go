package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/utils"
)

const (
	DefaultConfigFile = "config.json"
	EnvPrefix         = "GATEWAY_"
)

var (
	ErrConfigCreated = errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")
	ErrInvalidJSON   = errors.New("the configuration file does not contain valid JSON")
)

type Database struct {
	Enabled            bool   `json:"enabled" env:"ENABLED"`
	URI                string `json:"uri" env:"URI"`
	Host               string `json:"host" env:"HOST"`
	Port               uint64 `json:"port" env:"PORT"`
	Username           string `json:"username" env:"USERNAME"`
	Password           string `json:"password" env:"PASSWORD"`
	Database           string `json:"database" env:"DATABASE"`
	Collection         string `json:"collection" env:"COLLECTION"`
	UseTLS             bool   `json:"use_tls" env:"USE_TLS"`
	ConnectTimeout     string `json:"connect_timeout" env:"CONNECT_TIMEOUT"`
	SocketTimeout      string `json:"socket_timeout" env:"SOCKET_TIMEOUT"`
	ConnectIdleTimeout string `json:"connect_idle_timeout" env:"CONNECT_IDLE_TIMEOUT"`
	OperationTimeout   string `json:"operation_timeout" env:"OPERATION_TIMEOUT"`
	Heartbeat          string `json:"heartbeat" env:"HEARTBEAT"`
	MinPoolSize        uint64 `json:"min_pool_size" env:"MIN_POOL_SIZE"`
	MaxPoolSize        uint64 `json:"max_pool_size" env:"MAX_POOL_SIZE"`
}

type Bridge struct {
	Enabled        bool   `json:"enabled" env:"ENABLED"`
	Broker         string `json:"broker" env:"BROKER"`
	ClientID       string `json:"client_id" env:"CLIENT_ID"`
	Username       string `json:"username" env:"USERNAME"`
	Password       string `json:"password" env:"PASSWORD"`
	TopicPrefix    string `json:"topic_prefix" env:"TOPIC_PREFIX"`
	QoS            byte   `json:"qos" env:"QOS"`
	ConnectTimeout string `json:"connect_timeout" env:"CONNECT_TIMEOUT"`
}

type Topics struct {
	Data         []string `json:"data" env:"DATA"`
	Message      []string `json:"message" env:"MESSAGE"`
	GroupMessage []string `json:"group_message" env:"GROUP_MESSAGE"`
}

type Config struct {
	Database Database `json:"database" envPrefix:"DATABASE_"`
	Bridge   Bridge   `json:"bridge" envPrefix:"BRIDGE_"`
	Topics   Topics   `json:"topics" envPrefix:"TOPICS_"`

	DebugMode   bool   `json:"debug_mode" env:"DEBUG_MODE"`
	AppName     string `json:"app_name" env:"APP_NAME"`
	AppPort     int    `json:"app_port" env:"APP_PORT"`
	Host        string `json:"host" env:"HOST"`
	LogDir      string `json:"log_dir" env:"LOG_DIR"`
	MetricsAddr string `json:"metrics_addr" env:"METRICS_ADDR"`

	Connack          string `json:"connack" env:"CONNACK"`
	LineTerminator   string `json:"line_terminator" env:"LINE_TERMINATOR"`
	EmptyPayload     string `json:"empty_payload" env:"EMPTY_PAYLOAD"`
	KeepAlive        string `json:"keep_alive" env:"KEEP_ALIVE"`
	IdleTimeout      string `json:"idle_timeout" env:"IDLE_TIMEOUT"`
	WriteTimeout     string `json:"write_timeout" env:"WRITE_TIMEOUT"`
	ReadBufferSize   int    `json:"read_buffer_size" env:"READ_BUFFER_SIZE"`
	MaxConnections   int    `json:"max_connections" env:"MAX_CONNECTIONS"`
	BindPolicy       string `json:"bind_policy" env:"BIND_POLICY"`
	BindOn           string `json:"bind_on" env:"BIND_ON"`
	LookupTimeout    string `json:"lookup_timeout" env:"LOOKUP_TIMEOUT"`
	DeniedCacheTTL   string `json:"denied_cache_ttl" env:"DENIED_CACHE_TTL"`
	DeniedCacheSize  int    `json:"denied_cache_size" env:"DENIED_CACHE_SIZE"`
	BroadcastWorkers int    `json:"broadcast_workers" env:"BROADCAST_WORKERS"`

	// Devices seeds the authorization cache at startup.
	Devices []json.RawMessage `json:"devices"`
}

func Default() Config {
	return Config{
		Database: Database{
			Host:               "localhost",
			Port:               27017,
			Database:           "gateway",
			Collection:         "devices",
			ConnectTimeout:     "10s",
			SocketTimeout:      "30s",
			ConnectIdleTimeout: "5m",
			OperationTimeout:   "5s",
			Heartbeat:          "10s",
			MinPoolSize:        1,
			MaxPoolSize:        20,
		},
		Bridge: Bridge{
			Broker:         "tcp://localhost:1883",
			ClientID:       "tcp-gateway",
			TopicPrefix:    "gateway",
			QoS:            1,
			ConnectTimeout: "10s",
		},
		Topics: Topics{
			Data:         []string{"data"},
			Message:      []string{"message", "command"},
			GroupMessage: []string{"group-message"},
		},
		AppName:          "tcp-gateway",
		AppPort:          8080,
		LogDir:           "logs",
		Connack:          "CONNACK",
		LineTerminator:   "\n",
		EmptyPayload:     "\x00",
		KeepAlive:        "5s",
		IdleTimeout:      "3600s",
		WriteTimeout:     "10s",
		ReadBufferSize:   64 * 1024,
		BindPolicy:       "replace",
		BindOn:           "any",
		LookupTimeout:    "5s",
		DeniedCacheTTL:   "0s",
		DeniedCacheSize:  1024,
		BroadcastWorkers: 32,
	}
}

// ReadConfig loads path, writing a default file first when it is missing.
// Values from a .env file and GATEWAY_* variables override the file.
func ReadConfig(path string) (Config, error) {
	config := Default()
	bytes, err := os.ReadFile(path)

	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return config, fmt.Errorf("read config %s: %w", path, err)
		}
		data, _ := json.MarshalIndent(config, "", "\t")
		if err := os.WriteFile(path, data, 0644); err != nil {
			return config, fmt.Errorf("create config %s: %w", path, err)
		}
		return config, ErrConfigCreated
	}

	if err := json.Unmarshal(bytes, &config); err != nil {
		return config, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	_ = godotenv.Load()
	if err := ApplyEnv(&config); err != nil {
		return config, err
	}
	return config, config.Validate()
}

func ApplyEnv(config *Config) error {
	if err := env.ParseWithOptions(config, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}

func (c Config) Validate() error {
	if c.AppPort <= 0 || c.AppPort > 65535 {
		return fmt.Errorf("invalid app_port %d", c.AppPort)
	}
	if c.LineTerminator != "\n" && c.LineTerminator != "\r\n" {
		return fmt.Errorf("line_terminator must be \\n or \\r\\n")
	}
	switch c.BindPolicy {
	case "replace", "reject":
	default:
		return fmt.Errorf("invalid bind_policy %q", c.BindPolicy)
	}
	switch c.BindOn {
	case "any", "data":
	default:
		return fmt.Errorf("invalid bind_on %q", c.BindOn)
	}
	for name, value := range map[string]string{
		"keep_alive":       c.KeepAlive,
		"idle_timeout":     c.IdleTimeout,
		"write_timeout":    c.WriteTimeout,
		"lookup_timeout":   c.LookupTimeout,
		"denied_cache_ttl": c.DeniedCacheTTL,
	} {
		if _, err := utils.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.AppPort)
}
