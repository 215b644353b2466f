package config

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/jinzhu/configor"
	"github.com/pkg/errors"
)

// EnvPrefix prefixes environment variables overriding config values, e.g.
// CARBONSINK_ATTEMPTS or CARBONSINK_STATHASHER_PATH.
const EnvPrefix = "CARBONSINK"

type Stathasher struct {
	Path   string `yaml:"Path" default:"/usr/bin/stathasher"`
	Config string `yaml:"Config"`
}

type Config struct {
	Prefix       string        `yaml:"Prefix"`
	Servers      []string      `yaml:"Servers"`
	Attempts     int           `yaml:"Attempts" default:"3"`
	DialTimeout  time.Duration `yaml:"DialTimeout"`
	RetryBackoff time.Duration `yaml:"RetryBackoff"`

	LogFile  string `yaml:"LogFile"`
	LogLevel string `yaml:"LogLevel" default:"info"`
	Hostname string `yaml:"Hostname"`

	StatsiteInstance string `yaml:"StatsiteInstance"`
	MonitoringStat   string `yaml:"MonitoringStat"`
	CacheDirectory   string `yaml:"CacheDirectory" default:"/var/cache/statsite"`
	BufferShardFile  string `yaml:"BufferShardFile" default:"/etc/statsrelay_buffer_shards.txt"`

	Stathasher Stathasher `yaml:"Stathasher"`

	// InfluxDB 1.* sever configs.
	InfluxDBv1 struct {
		Addr     string `yaml:"Addr"`
		Username string `yaml:"Username"`
		Password string `yaml:"Password"`
		Database string `yaml:"Database"`
	} `yaml:"InfluxDBv1"`
	// InfluxDB 2.* sever configs.
	InfluxDBv2 struct {
		Addr   string `yaml:"Addr"`
		Org    string `yaml:"Org"`
		Bucket string `yaml:"Bucket"`
		Token  string `yaml:"Token"`
	} `yaml:"InfluxDBv2"`
}

// Load reads the given YAML files on top of the defaults, then applies
// CARBONSINK_* environment overrides. Missing files are ignored.
func Load(files ...string) (*Config, error) {
	c := &Config{
		DialTimeout:  10 * time.Second,
		RetryBackoff: 100 * time.Millisecond,
	}
	loader := configor.New(&configor.Config{
		ENVPrefix: EnvPrefix,
		Silent:    true,
	})
	if err := loader.Load(c, files...); err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	return c, nil
}

var logLevels = []interface{}{"trace", "debug", "info", "warn", "warning", "error", "fatal", "panic"}

// Validate checks the config is usable to run the pipeline.
func (c *Config) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.Prefix, validation.Required),
		validation.Field(&c.Servers, validation.Each(validation.Required, is.DialString)),
		validation.Field(&c.Attempts, validation.Required, validation.Min(1)),
		validation.Field(&c.DialTimeout, validation.Required),
		validation.Field(&c.RetryBackoff, validation.Min(time.Duration(0))),
		validation.Field(&c.LogLevel, validation.In(logLevels...)),
		validation.Field(&c.StatsiteInstance, validation.When(c.MonitoringStat != "", validation.Required)),
		validation.Field(&c.MonitoringStat, validation.When(c.StatsiteInstance != "", validation.Required)),
	)
	if err != nil {
		return errors.Wrap(err, "invalid config")
	}
	if len(c.Servers) == 0 && c.InfluxDBv1.Addr == "" && c.InfluxDBv2.Addr == "" {
		return errors.New("invalid config: no carbon server or InfluxDB output configured")
	}
	if c.Stathasher.Path == "" {
		return errors.New("invalid config: empty stathasher path")
	}
	return nil
}

// Monitoring reports whether a heartbeat sink is configured.
func (c *Config) Monitoring() bool {
	return c.StatsiteInstance != "" && c.MonitoringStat != ""
}
