// Package config loads filterbus settings from a YAML file and the
// environment.
//
// The file is read first, FILTERBUS_* environment variables override it,
// and defaults fill whatever is still unset:
//
//	FILTERBUS_BUS_NAME=orders
//	FILTERBUS_RETRY_MAX_ATTEMPTS=5
//	FILTERBUS_RETRY_DELAY=200ms
//	FILTERBUS_TRANSPORT_KIND=nats
//	FILTERBUS_TRANSPORT_URL=nats://127.0.0.1:4222
//
// JSON files are accepted as well, JSON being a subset of YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/fxsml/filterbus/filter"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "FILTERBUS"

// ErrConfigNotFound is returned when the configuration file does not exist.
var ErrConfigNotFound = errors.New("config: file not found")

// Transport kinds.
const (
	TransportMemory = "memory"
	TransportNATS   = "nats"
	TransportAMQP   = "amqp"
	TransportKafka  = "kafka"
	TransportRedis  = "redis"
)

// Config holds every filterbus setting.
type Config struct {
	Bus       Bus        `yaml:"bus"`
	Retry     Retry      `yaml:"retry"`
	Consume   Consume    `yaml:"consume"`
	Log       Log        `yaml:"log"`
	Transport Transport  `yaml:"transport"`
	Endpoints []Endpoint `yaml:"endpoints" ignored:"true"`
}

// Bus configures the bus itself.
type Bus struct {
	Name        string `yaml:"name"`
	Source      string `yaml:"source"`
	Concurrency int    `yaml:"concurrency"`
}

// Retry configures the consume retry filter. MaxAttempts below 2 disables
// retries.
type Retry struct {
	MaxAttempts int `yaml:"maxAttempts" split_words:"true"`
	// Backoff is "constant" or "exponential". Default: "constant".
	Backoff  string        `yaml:"backoff"`
	Delay    time.Duration `yaml:"delay"`
	MaxDelay time.Duration `yaml:"maxDelay" split_words:"true"`
	Factor   float64       `yaml:"factor"`
	Jitter   float64       `yaml:"jitter"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Consume configures filters of the bus-wide consume pipe.
type Consume struct {
	Timeout          time.Duration `yaml:"timeout"`
	ConcurrencyLimit int           `yaml:"concurrencyLimit" split_words:"true"`
	RequiredHeaders  []string      `yaml:"requiredHeaders" split_words:"true"`
	Outbox           bool          `yaml:"outbox"`
	Scope            bool          `yaml:"scope"`
}

// Log configures the process logger.
type Log struct {
	// Level is debug, info, warn or error. Default: info.
	Level string `yaml:"level"`
	// Format is text or json. Default: text.
	Format string `yaml:"format"`
}

// Transport selects and configures the broker.
type Transport struct {
	Kind    string   `yaml:"kind"`
	URL     string   `yaml:"url"`
	Brokers []string `yaml:"brokers"`
	Prefix  string   `yaml:"prefix"`
}

// Endpoint configures a receive endpoint.
type Endpoint struct {
	Name string `yaml:"name"`
	// Concurrency overrides bus.concurrency for the endpoint.
	Concurrency int `yaml:"concurrency"`
	// Messages lists the message type names the endpoint consumes. Empty
	// consumes every known type.
	Messages []string `yaml:"messages"`
}

// Load reads path, overlays the environment and applies defaults. An
// empty path loads the environment only. The result is not validated.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
			}
			return nil, err
		}
		if err := decode(bytes.NewReader(data), &cfg); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	cfg.setDefaults()
	return &cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Bus.Name == "" {
		c.Bus.Name = "filterbus"
	}
	if c.Bus.Source == "" {
		c.Bus.Source = "/" + c.Bus.Name
	}
	if c.Retry.Backoff == "" {
		c.Retry.Backoff = "constant"
	}
	if c.Retry.Delay == 0 {
		c.Retry.Delay = time.Second
	}
	if c.Retry.Backoff == "exponential" {
		if c.Retry.Factor == 0 {
			c.Retry.Factor = 2
		}
		if c.Retry.MaxDelay == 0 {
			c.Retry.MaxDelay = 30 * time.Second
		}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Transport.Kind == "" {
		c.Transport.Kind = TransportMemory
	}
	if c.Transport.Prefix == "" {
		c.Transport.Prefix = "filterbus"
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	fail := func(key, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s: %s", key, fmt.Sprintf(format, args...)))
	}

	if c.Bus.Concurrency < 0 {
		fail("bus.concurrency", "must not be negative (%d)", c.Bus.Concurrency)
	}
	if c.Retry.MaxAttempts < 0 {
		fail("retry.maxAttempts", "must not be negative (%d)", c.Retry.MaxAttempts)
	}
	switch c.Retry.Backoff {
	case "constant":
	case "exponential":
		if c.Retry.Factor < 1 {
			fail("retry.factor", "must be at least 1 (%g)", c.Retry.Factor)
		}
		if c.Retry.MaxDelay < c.Retry.Delay {
			fail("retry.maxDelay", "must not be less than retry.delay (%s)", c.Retry.MaxDelay)
		}
	default:
		fail("retry.backoff", "unknown backoff %q", c.Retry.Backoff)
	}
	if c.Retry.Delay < 0 {
		fail("retry.delay", "must not be negative (%s)", c.Retry.Delay)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		fail("retry.jitter", "must be within [0, 1] (%g)", c.Retry.Jitter)
	}
	if c.Retry.Timeout < 0 {
		fail("retry.timeout", "must not be negative (%s)", c.Retry.Timeout)
	}
	if c.Consume.Timeout < 0 {
		fail("consume.timeout", "must not be negative (%s)", c.Consume.Timeout)
	}
	if c.Consume.ConcurrencyLimit < 0 {
		fail("consume.concurrencyLimit", "must not be negative (%d)", c.Consume.ConcurrencyLimit)
	}
	if c.Consume.Outbox && !c.Consume.Scope {
		fail("consume.outbox", "requires consume.scope")
	}
	if _, err := c.LogLevel(); err != nil {
		fail("log.level", "%v", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		fail("log.format", "unknown format %q", c.Log.Format)
	}

	switch c.Transport.Kind {
	case TransportMemory:
	case TransportNATS, TransportAMQP, TransportRedis:
		if c.Transport.URL == "" {
			fail("transport.url", "required for %s", c.Transport.Kind)
		}
	case TransportKafka:
		if len(c.Transport.Brokers) == 0 {
			fail("transport.brokers", "required for kafka")
		}
	default:
		fail("transport.kind", "unknown transport %q", c.Transport.Kind)
	}

	seen := make(map[string]bool, len(c.Endpoints))
	for i, e := range c.Endpoints {
		key := fmt.Sprintf("endpoints.[%d]", i)
		switch {
		case e.Name == "":
			fail(key+".name", "must not be empty")
		case seen[e.Name]:
			fail(key+".name", "duplicate endpoint %q", e.Name)
		}
		seen[e.Name] = true
		if e.Concurrency < 0 {
			fail(key+".concurrency", "must not be negative (%d)", e.Concurrency)
		}
	}
	return errors.Join(errs...)
}

// RetryEnabled reports whether a retry filter is configured.
func (c *Config) RetryEnabled() bool {
	return c.Retry.MaxAttempts > 1
}

// RetryConfig returns the retry filter configuration.
func (c *Config) RetryConfig() filter.RetryConfig {
	r := filter.RetryConfig{
		MaxAttempts: c.Retry.MaxAttempts,
		Timeout:     c.Retry.Timeout,
	}
	switch c.Retry.Backoff {
	case "exponential":
		r.Backoff = filter.ExponentialBackoff(c.Retry.Delay, c.Retry.Factor, c.Retry.MaxDelay, c.Retry.Jitter)
	default:
		r.Backoff = filter.ConstantBackoff(c.Retry.Delay, c.Retry.Jitter)
	}
	return r
}

// LogLevel parses the configured log level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(c.Log.Level))); err != nil {
		return 0, fmt.Errorf("unknown level %q", c.Log.Level)
	}
	return level, nil
}

// NewLogger creates a logger writing to w in the configured format and
// level.
func (c *Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := c.LogLevel()
	if err != nil {
		return nil, fmt.Errorf("config: log.level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch c.Log.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("config: log.format: unknown format %q", c.Log.Format)
	}
}
