package config

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	viper "github.com/spf13/viper"
	"golang.org/x/time/rate"
)

const (
	envPrefix      = "RPCDIGEST"
	defaultRPCPath = "/json_rpc"
	defaultTimeout = 30 * time.Second
)

func loadEnv(v *viper.Viper) error {
	bindings := map[string]string{
		"url":        "URL",
		"username":   "USERNAME",
		"password":   "PASSWORD",
		"tls_verify": "TLS_VERIFY",
		"timeout":    "TIMEOUT",
		"rpc_path":   "RPC_PATH",
		"rate_limit": "RATE_LIMIT",
		"rate_burst": "RATE_BURST",
		"debug":      "DEBUG",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, envPrefix+"_"+env); err != nil {
			return err
		}
	}

	v.SetDefault("tls_verify", true)
	v.SetDefault("timeout", defaultTimeout)
	v.SetDefault("rpc_path", defaultRPCPath)
	v.SetDefault("rate_limit", 0.0)
	v.SetDefault("rate_burst", 1)
	v.SetDefault("debug", false)
	return nil
}

// loadViperConfig reads the yml config file, if any. An explicit path must
// exist; the default locations are optional.
func loadViperConfig(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		return v, nil
	}

	v.SetConfigName("rpcdigest")
	v.AddConfigPath(".")
	if home, err := homedir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".rpcdigest"))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	return v, nil
}

// Settings is the decoded client configuration.
type Settings struct {
	URL       string        `mapstructure:"url" validate:"required,url"`
	Username  string        `mapstructure:"username" validate:"required_with=Password"`
	Password  string        `mapstructure:"password" validate:"required_with=Username"`
	TLSVerify bool          `mapstructure:"tls_verify"`
	Timeout   time.Duration `mapstructure:"timeout" validate:"gte=0"`
	RPCPath   string        `mapstructure:"rpc_path" validate:"required,startswith=/"`
	RateLimit float64       `mapstructure:"rate_limit" validate:"gte=0"`
	RateBurst int           `mapstructure:"rate_burst" validate:"gte=0"`
	Debug     bool          `mapstructure:"debug"`
}

type ClientConfig struct {
	viper *viper.Viper
}

// NewClientConfig loads a .env file from the working directory if there is
// one, then env vars and the config file at path (or the default locations
// when path is empty).
func NewClientConfig(path string) (*ClientConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v, err := loadViperConfig(path)
	if err != nil {
		return nil, err
	}
	return NewClientConfigFromViper(v), nil
}

// NewClientConfigFromViper wraps an already populated viper instance. The
// environment bindings and defaults are added to it.
func NewClientConfigFromViper(v *viper.Viper) *ClientConfig {
	if err := loadEnv(v); err != nil {
		log.Error().Err(err).Msg("failed to bind environment")
	}
	return &ClientConfig{viper: v}
}

// Set overrides a key, e.g. from a command line flag.
func (c *ClientConfig) Set(key string, value any) {
	c.viper.Set(key, value)
}

func (c *ClientConfig) URL() string {
	return c.viper.GetString("url")
}

func (c *ClientConfig) Username() string {
	return c.viper.GetString("username")
}

func (c *ClientConfig) Password() string {
	return c.viper.GetString("password")
}

// HasCredentials reports whether Digest authentication is configured.
func (c *ClientConfig) HasCredentials() bool {
	return c.Username() != ""
}

func (c *ClientConfig) TLSVerify() bool {
	return c.viper.GetBool("tls_verify")
}

func (c *ClientConfig) Timeout() time.Duration {
	return c.viper.GetDuration("timeout")
}

func (c *ClientConfig) RPCPath() string {
	return c.viper.GetString("rpc_path")
}

// RateLimit returns the maximum calls per second, or rate.Inf when unset.
func (c *ClientConfig) RateLimit() (rate.Limit, int) {
	limit := c.viper.GetFloat64("rate_limit")
	if limit <= 0 {
		return rate.Inf, 0
	}
	return rate.Limit(limit), c.viper.GetInt("rate_burst")
}

func (c *ClientConfig) LogLevel() zerolog.Level {
	if c.viper.GetBool("debug") {
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}

// Settings decodes and validates the whole configuration.
func (c *ClientConfig) Settings() (*Settings, error) {
	var s Settings
	err := c.viper.Unmarshal(&s, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := validator.New().Struct(&s); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &s, nil
}

func homedir() (string, error) {
	usr, err := user.Current()
	if err != nil {
		return "", err
	}
	return usr.HomeDir, nil
}
