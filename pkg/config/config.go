package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Trading-terminal port convention: one port per trading mode.
const (
	PaperPort = 7497
	LivePort  = 7496
)

type Config struct {
	Environment string `yaml:"environment" default:"development" validate:"required"`
	Server      struct {
		Port            int           `yaml:"port" default:"8080" validate:"gt=0,lte=65535"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"10s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"10s"`
	} `yaml:"server"`
	Logging struct {
		Level  string `yaml:"level" default:"info" validate:"oneof=debug info warn error fatal panic"`
		Format string `yaml:"format" default:"console" validate:"oneof=console json"`
		Output string `yaml:"output" default:"stdout"`
	} `yaml:"logging"`
	Terminal struct {
		Host              string        `yaml:"host" default:"127.0.0.1" validate:"required"`
		Mode              string        `yaml:"mode" default:"paper" validate:"oneof=paper live"`
		PaperPort         int           `yaml:"paper_port" default:"7497" validate:"gt=0"`
		LivePort          int           `yaml:"live_port" default:"7496" validate:"gt=0"`
		ClientID          int           `yaml:"client_id" default:"1" validate:"gte=0,lte=32767"`
		Transport         string        `yaml:"transport" default:"tcp" validate:"oneof=tcp websocket"`
		WebSocketURL      string        `yaml:"websocket_url"`
		DialTimeout       time.Duration `yaml:"dial_timeout" default:"5s"`
		HandshakeTimeout  time.Duration `yaml:"handshake_timeout" default:"10s"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval" default:"10s"`
		HeartbeatGrace    time.Duration `yaml:"heartbeat_grace" default:"30s"`
		PingInterval      time.Duration `yaml:"ping_interval" default:"15s"`
	} `yaml:"terminal"`
	Reconnect struct {
		BaseDelay       time.Duration `yaml:"base_delay" default:"1s"`
		MaxDelay        time.Duration `yaml:"max_delay" default:"60s"`
		MaxAttempts     int           `yaml:"max_attempts" default:"10" validate:"gt=0"`
		Jitter          float64       `yaml:"jitter" default:"0.2" validate:"gte=0,lte=1"`
		StabilityWindow time.Duration `yaml:"stability_window" default:"5m"`
	} `yaml:"reconnect"`
	RateLimit struct {
		MarketData RateCategory `yaml:"marketdata"`
		Orders     RateCategory `yaml:"orders"`
		Account    RateCategory `yaml:"account"`
	} `yaml:"ratelimit"`
	Facade struct {
		QueueOnThrottle bool          `yaml:"queue_on_throttle" default:"true"`
		QueueSize       int           `yaml:"queue_size" default:"256" validate:"gt=0"`
		DefaultDeadline time.Duration `yaml:"default_deadline" default:"10s"`
	} `yaml:"facade"`
	Events struct {
		Enabled      bool          `yaml:"enabled"`
		Brokers      []string      `yaml:"brokers"`
		Topic        string        `yaml:"topic" default:"iblink.session.events"`
		Compression  string        `yaml:"compression" default:"gzip"`
		RequiredAcks int           `yaml:"required_acks" default:"-1"`
		MaxAttempts  int           `yaml:"max_attempts" default:"3"`
		WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
	} `yaml:"events"`
	Audit struct {
		Enabled     bool          `yaml:"enabled"`
		Host        string        `yaml:"host"`
		Port        int           `yaml:"port" default:"9000"`
		Database    string        `yaml:"database" default:"iblink"`
		User        string        `yaml:"user" default:"default"`
		Password    string        `yaml:"password"`
		Table       string        `yaml:"table" default:"request_audit"`
		DialTimeout time.Duration `yaml:"dial_timeout" default:"5s"`
		ReadTimeout time.Duration `yaml:"read_timeout" default:"10s"`
	} `yaml:"audit"`
	Snapshot struct {
		RedisEnabled  bool          `yaml:"redis_enabled"`
		RedisHost     string        `yaml:"redis_host" default:"localhost"`
		RedisPort     int           `yaml:"redis_port" default:"6379"`
		RedisPassword string        `yaml:"redis_password"`
		RedisDB       int           `yaml:"redis_db"`
		TTL           time.Duration `yaml:"ttl" default:"24h"`
	} `yaml:"snapshot"`
}

// RateCategory is one admission budget: capacity per rolling window.
type RateCategory struct {
	Capacity int           `yaml:"capacity" validate:"gt=0"`
	Window   time.Duration `yaml:"window" validate:"gt=0"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.applyRateDefaults()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("IB_HOST"); v != "" {
		c.Terminal.Host = v
	}
	if v := os.Getenv("IB_CLIENT_ID"); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			c.Terminal.ClientID = id
		}
	}
	if v := os.Getenv("TERMINAL_MODE"); v != "" {
		c.Terminal.Mode = v
	}
	if v := os.Getenv("IB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			switch c.Terminal.Mode {
			case "live":
				c.Terminal.LivePort = p
			default:
				c.Terminal.PaperPort = p
			}
		}
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Events.Brokers = strings.Split(v, ",")
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// applyRateDefaults fills category budgets left unset. Values follow the
// terminal vendor's published limits.
func (c *Config) applyRateDefaults() {
	if c.RateLimit.MarketData.Capacity == 0 {
		c.RateLimit.MarketData = RateCategory{Capacity: 100, Window: 10 * time.Minute}
	}
	if c.RateLimit.Orders.Capacity == 0 {
		c.RateLimit.Orders = RateCategory{Capacity: 50, Window: time.Second}
	}
	if c.RateLimit.Account.Capacity == 0 {
		c.RateLimit.Account = RateCategory{Capacity: 6, Window: time.Minute}
	}
}

// TerminalPort returns the endpoint port for the configured trading mode.
func (c *Config) TerminalPort() int {
	if c.Terminal.Mode == "live" {
		return c.Terminal.LivePort
	}
	return c.Terminal.PaperPort
}

// TerminalAddr returns "host:port" for the configured trading mode.
func (c *Config) TerminalAddr() string {
	return fmt.Sprintf("%s:%d", c.Terminal.Host, c.TerminalPort())
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if c.Terminal.Transport == "websocket" && c.Terminal.WebSocketURL == "" {
		return fmt.Errorf("terminal.websocket_url is required for websocket transport")
	}
	if c.Terminal.PaperPort == c.Terminal.LivePort {
		return fmt.Errorf("terminal paper and live ports must differ")
	}
	if c.Events.Enabled && len(c.Events.Brokers) == 0 {
		return fmt.Errorf("events.brokers cannot be empty when events are enabled")
	}
	if c.Audit.Enabled && c.Audit.Host == "" {
		return fmt.Errorf("audit.host is required when audit is enabled")
	}
	if c.Reconnect.BaseDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect delays invalid: base=%v max=%v", c.Reconnect.BaseDelay, c.Reconnect.MaxDelay)
	}
	return nil
}
