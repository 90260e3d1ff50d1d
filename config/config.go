package config

import (
	"net"
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"

	"github.com/fosrl/wswatch/logger"
)

const (
	DefaultFile     = "./config.json"
	DefaultTimeout  = 20
	DefaultPath     = "/test"
	DefaultEndpoint = "http://swan.botorange.com/wechat/swan/%s.send"
	DefaultPrefix   = "Server status monitor"

	// EnvFile names the environment variable that overrides DefaultFile.
	EnvFile   = "CONFIG_FILE"
	envPrefix = "WSWATCH"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"

	LogFormatText = "text"
	LogFormatJSON = "json"
)

type TLSConfig struct {
	ClientCert string   `mapstructure:"client_cert"`
	ClientKey  string   `mapstructure:"client_key"`
	CAFiles    []string `mapstructure:"ca_files"`
	PKCS12     string   `mapstructure:"pkcs12"`
}

type NotifyConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Prefix   string `mapstructure:"prefix"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Config struct {
	Servers []string     `mapstructure:"servers"`
	Timeout float64      `mapstructure:"timeout"`
	Key     string       `mapstructure:"key"`
	Secure  bool         `mapstructure:"secure"`
	Path    string       `mapstructure:"path"`
	TLS     TLSConfig    `mapstructure:"tls"`
	Notify  NotifyConfig `mapstructure:"notify"`
	Log     LogConfig    `mapstructure:"log"`

	source string
}

// Source returns the file the configuration was read from, or "" when
// defaults were used.
func (c *Config) Source() string {
	return c.source
}

// HeartbeatTimeout returns the heartbeat threshold as a duration.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Timeout * float64(time.Second))
}

// File returns the configuration path from CONFIG_FILE, or DefaultFile.
func File() string {
	if p := os.Getenv(EnvFile); p != "" {
		return p
	}
	return DefaultFile
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("servers", []string{})
	v.SetDefault("timeout", DefaultTimeout)
	v.SetDefault("key", "")
	v.SetDefault("secure", false)
	v.SetDefault("path", DefaultPath)
	v.SetDefault("tls.client_cert", "")
	v.SetDefault("tls.client_key", "")
	v.SetDefault("tls.ca_files", []string{})
	v.SetDefault("tls.pkcs12", "")
	v.SetDefault("notify.endpoint", DefaultEndpoint)
	v.SetDefault("notify.prefix", DefaultPrefix)
	v.SetDefault("log.level", LogLevelInfo)
	v.SetDefault("log.format", LogFormatText)
}

// Load reads the JSON file at path, applies WSWATCH_* environment overrides
// and validates the result. A missing or unparseable file is not an error;
// defaults are used and a warning is logged.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var source string
	if err := v.ReadInConfig(); err != nil {
		logger.Warn("No usable configuration at %s, using defaults: %v", path, err)
	} else {
		source = v.ConfigFileUsed()
		logger.Info("Loaded configuration from %s", source)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		logger.Error("Failed to decode configuration: %v", err)
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration: %v", err)
		return nil, err
	}
	cfg.source = source
	return &cfg, nil
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Servers,
			validation.Each(validation.Required, validation.By(validateHostPort)),
		),
		validation.Field(&c.Timeout,
			validation.Required,
			validation.Min(1.0),
		),
		validation.Field(&c.Path,
			validation.Required,
		),
		validation.Field(&c.Notify,
			validation.By(func(value interface{}) error {
				nc, ok := value.(NotifyConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a NotifyConfig")
				}
				return validation.ValidateStruct(&nc,
					validation.Field(&nc.Endpoint,
						validation.Required,
						validation.By(validateEndpoint),
					),
				)
			}),
		),
		validation.Field(&c.Log,
			validation.By(func(value interface{}) error {
				lc, ok := value.(LogConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a LogConfig")
				}
				return validation.ValidateStruct(&lc,
					validation.Field(&lc.Level,
						validation.Required,
						validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
					),
					validation.Field(&lc.Format,
						validation.Required,
						validation.In(LogFormatText, LogFormatJSON),
					),
				)
			}),
		),
		validation.Field(&c.TLS,
			validation.By(func(value interface{}) error {
				tc, ok := value.(TLSConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a TLSConfig")
				}
				return validation.ValidateStruct(&tc,
					validation.Field(&tc.ClientKey,
						validation.When(tc.ClientCert != "", validation.Required),
					),
				)
			}),
		),
	)
}

func validateHostPort(value interface{}) error {
	return checkAddr(value, true)
}

// ValidateListenAddr accepts host:port or :port, as used for listen addresses.
func ValidateListenAddr(value interface{}) error {
	return checkAddr(value, false)
}

func checkAddr(value interface{}, hostRequired bool) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}
	if err := is.Port.Validate(port); err != nil {
		return validation.NewError("validation_invalid_port", "invalid port")
	}

	if host == "" {
		if hostRequired {
			return validation.NewError("validation_invalid_host", "host cannot be empty")
		}
		return nil
	}
	if err := is.Host.Validate(host); err != nil {
		return validation.NewError("validation_invalid_host", "invalid host")
	}

	return nil
}

func validateEndpoint(value interface{}) error {
	endpoint, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	if strings.Count(endpoint, "%s") != 1 {
		return validation.NewError("validation_invalid_endpoint", "must contain exactly one %s for the channel key")
	}
	if err := is.URL.Validate(strings.Replace(endpoint, "%s", "key", 1)); err != nil {
		return validation.NewError("validation_invalid_endpoint", "must be a valid URL")
	}
	return nil
}
