package config

import (
	"strings"

	"github.com/lab47/logbus/pkg/event"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

var ErrInvalidConfig = errors.New("invalid configuration")

const EnvPrefix = "LOGBUS"

type BusConfig struct {
	Async       bool `mapstructure:"async"`
	QueueSize   int  `mapstructure:"queue_size"`
	MaxFailures int  `mapstructure:"max_failures"`
}

type ConsoleConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MinSeverity string `mapstructure:"min_severity"`
	Categories  bool   `mapstructure:"categories"`
}

type FileConfig struct {
	Path        string `mapstructure:"path"`
	MinSeverity string `mapstructure:"min_severity"`
}

type HclogConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MinSeverity string `mapstructure:"min_severity"`
}

type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"` // e.g. 127.0.0.1:9102
}

type Config struct {
	LogLevel string        `mapstructure:"log_level"`
	Bus      BusConfig     `mapstructure:"bus"`
	Console  ConsoleConfig `mapstructure:"console"`
	File     FileConfig    `mapstructure:"file"`
	Hclog    HclogConfig   `mapstructure:"hclog"`
	Metrics  MetricsConfig `mapstructure:"metrics"`
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "warn")
	v.SetDefault("bus.async", false)
	v.SetDefault("bus.queue_size", event.DefaultQueueSize)
	v.SetDefault("bus.max_failures", 0)
	v.SetDefault("console.enabled", true)
	v.SetDefault("console.min_severity", "lifecycle")
	v.SetDefault("console.categories", false)
	v.SetDefault("file.path", "")
	v.SetDefault("file.min_severity", "debug")
	v.SetDefault("hclog.enabled", false)
	v.SetDefault("hclog.min_severity", "info")
	v.SetDefault("metrics.listen_addr", "")
}

// NewViper returns a viper with defaults and LOGBUS_ environment overrides,
// e.g. LOGBUS_BUS_ASYNC=true.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// FindConfigFile points v at path, or at $HOME/.logbus.yaml when path is
// empty. Returns whether a file was read.
func FindConfigFile(v *viper.Viper, path string) (bool, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			return false, err
		}

		v.AddConfigPath(home)
		v.SetConfigName(".logbus")
		v.SetConfigType("yaml")
	}

	err := v.ReadInConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && path == "" {
			return false, nil
		}

		return false, errors.Wrapf(err, "reading config")
	}

	return true, nil
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config

	err := v.Unmarshal(&cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding config")
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadFile reads a single config file on top of the defaults.
func LoadFile(path string) (*Config, error) {
	v := NewViper()

	_, err := FindConfigFile(v, path)
	if err != nil {
		return nil, err
	}

	return Load(v)
}

func (c *Config) Validate() error {
	if c.Bus.QueueSize < 1 {
		return errors.Wrapf(ErrInvalidConfig, "bus.queue_size must be positive, got %d", c.Bus.QueueSize)
	}

	if c.Bus.MaxFailures < 0 {
		return errors.Wrapf(ErrInvalidConfig, "bus.max_failures must not be negative, got %d", c.Bus.MaxFailures)
	}

	for key, val := range map[string]string{
		"console.min_severity": c.Console.MinSeverity,
		"file.min_severity":    c.File.MinSeverity,
		"hclog.min_severity":   c.Hclog.MinSeverity,
	} {
		if _, err := event.ParseSeverity(val); err != nil {
			return errors.Wrapf(ErrInvalidConfig, "%s: %s", key, err)
		}
	}

	return nil
}

// BusOptions translates the bus section into event.Options.
func (c *Config) BusOptions() []event.Option {
	opts := []event.Option{
		event.WithFailurePolicy(event.FailurePolicy{MaxConsecutiveFailures: c.Bus.MaxFailures}),
	}

	if c.Bus.Async {
		opts = append(opts, event.WithAsyncDelivery(c.Bus.QueueSize))
	}

	return opts
}

func mustSeverity(s string) event.Severity {
	sev, err := event.ParseSeverity(s)
	if err != nil {
		return event.Debug
	}

	return sev
}

func (c ConsoleConfig) Severity() event.Severity { return mustSeverity(c.MinSeverity) }
func (c FileConfig) Severity() event.Severity    { return mustSeverity(c.MinSeverity) }
func (c HclogConfig) Severity() event.Severity   { return mustSeverity(c.MinSeverity) }
