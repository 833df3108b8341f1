package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. MEETCLIENT_ROOM.
const EnvPrefix = "MEETCLIENT"

// Config holds the application configuration.
type Config struct {
	Room     string `mapstructure:"room"`
	Username string `mapstructure:"username"`

	APIBase  string `mapstructure:"api_base"`
	SFUBase  string `mapstructure:"sfu_base"`
	SFUAppID string `mapstructure:"sfu_app_id"`
	SFUToken string `mapstructure:"sfu_token"`

	ICEServers []string `mapstructure:"ice_servers"`

	Video  string `mapstructure:"video"`
	Audio  string `mapstructure:"audio"`
	Share  string `mapstructure:"share"`
	Record string `mapstructure:"record"`

	LogLevel string `mapstructure:"log_level"`

	Signal  SignalConfig  `mapstructure:"signal"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Timeout TimeoutConfig `mapstructure:"timeout"`
}

// SignalConfig tunes the event stream connection.
type SignalConfig struct {
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	PongWait          time.Duration `mapstructure:"pong_wait"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
}

// RetryConfig is the policy shared by network operations.
type RetryConfig struct {
	Attempts  int           `mapstructure:"attempts"`
	BaseDelay time.Duration `mapstructure:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay"`
}

// TimeoutConfig bounds the waits of negotiation and acquisition.
type TimeoutConfig struct {
	Gather        time.Duration `mapstructure:"gather"`
	Connect       time.Duration `mapstructure:"connect"`
	Stable        time.Duration `mapstructure:"stable"`
	Receive       time.Duration `mapstructure:"receive"`
	OrphanGrace   time.Duration `mapstructure:"orphan_grace"`
	JoinedDelay   time.Duration `mapstructure:"joined_delay"`
	NotReadyDelay time.Duration `mapstructure:"not_ready_delay"`
}

func setDefaults(v *viper.Viper) {
	// Empty defaults register the keys so AutomaticEnv reaches them on Unmarshal.
	for _, key := range []string{"room", "username", "sfu_app_id", "sfu_token", "video", "audio", "share", "record"} {
		v.SetDefault(key, "")
	}
	v.SetDefault("api_base", "http://127.0.0.1:7860")
	v.SetDefault("sfu_base", "https://rtc.live.cloudflare.com/v1/apps")
	v.SetDefault("ice_servers", []string{"stun:stun.cloudflare.com:3478"})
	v.SetDefault("log_level", "info")

	v.SetDefault("signal.handshake_timeout", "15s")
	v.SetDefault("signal.ping_interval", "30s")
	v.SetDefault("signal.pong_wait", "70s")
	v.SetDefault("signal.reconnect_delay", "3s")
	v.SetDefault("signal.reconnect_attempts", 5)

	v.SetDefault("retry.attempts", 5)
	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.max_delay", "10s")

	v.SetDefault("timeout.gather", "2s")
	v.SetDefault("timeout.connect", "15s")
	v.SetDefault("timeout.stable", "5s")
	v.SetDefault("timeout.receive", "15s")
	v.SetDefault("timeout.orphan_grace", "10s")
	v.SetDefault("timeout.joined_delay", "2s")
	v.SetDefault("timeout.not_ready_delay", "3s")
}

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"room":      "room",
	"username":  "username",
	"api":       "api_base",
	"video":     "video",
	"audio":     "audio",
	"share":     "share",
	"record":    "record",
	"log-level": "log_level",
}

// Load reads configuration with the following priority:
//  1. flags, when set
//  2. environment variables (a .env file is loaded first, if present)
//  3. the config file, when configFile is set or ./config.yaml exists
//  4. defaults
func Load(flags *pflag.FlagSet, configFile string) (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Room == "" {
		return fmt.Errorf("room is required (--room or %s_ROOM)", EnvPrefix)
	}
	if c.Username == "" {
		return fmt.Errorf("username is required (--username or %s_USERNAME)", EnvPrefix)
	}
	if strings.HasSuffix(c.Username, "_screen") {
		return fmt.Errorf("username %q is reserved for screen shares", c.Username)
	}
	if c.Retry.Attempts < 1 {
		return fmt.Errorf("retry.attempts must be at least 1, got %d", c.Retry.Attempts)
	}
	return nil
}

// HasSFUCredentials reports whether the SFU application was configured
// directly instead of being fetched from the meeting service.
func (c *Config) HasSFUCredentials() bool {
	return c.SFUAppID != "" && c.SFUToken != ""
}
