package vmm

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bobuhiro11/gokvm-rng/ratelimiter"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var errStatsConfig = errors.New("invalid stats configuration")

type Config struct {
	// MemorySize is a number[gGmMkK] string; MemSize is its parsed value.
	MemorySize string `yaml:"memory_size"`
	MemSize    int    `yaml:"-"`

	RNG      RNGConfig      `yaml:"rng"`
	Logging  LoggingConfig  `yaml:"logging"`
	Stats    StatsConfig    `yaml:"stats"`
	Workload WorkloadConfig `yaml:"workload"`
}

type RNGConfig struct {
	RateLimiter ratelimiter.Config `yaml:",inline"`

	// LeakInterval is how often the host signals an entropy leak. Zero
	// disables the signal.
	LeakInterval time.Duration `yaml:"leak_interval"`
}

type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	TimestampFormat  string `yaml:"timestamp_format"`
	DisableTimestamp bool   `yaml:"disable_timestamp"`
}

type StatsConfig struct {
	Listen    string        `yaml:"listen"`
	Path      string        `yaml:"path"`
	Namespace string        `yaml:"namespace"`
	Subsystem string        `yaml:"subsystem"`
	Interval  time.Duration `yaml:"interval"`
}

// WorkloadConfig drives the built-in guest driver.
type WorkloadConfig struct {
	// Requests is the number of main queue requests; zero runs until
	// cancelled without a workload.
	Requests     int           `yaml:"requests"`
	RequestSize  uint32        `yaml:"request_size"`
	Interval     time.Duration `yaml:"interval"`
	LeakRequests int           `yaml:"leak_requests"`
}

func DefaultConfig() Config {
	return Config{
		MemorySize: "16M",
		MemSize:    16 << 20,
		RNG: RNGConfig{
			LeakInterval: time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Stats: StatsConfig{
			Path:     "/metrics",
			Interval: 10 * time.Second,
		},
		Workload: WorkloadConfig{
			Requests:    16,
			RequestSize: 64,
			Interval:    10 * time.Millisecond,
		},
	}
}

// LoadConfig reads a YAML file over the defaults.
func LoadConfig(path string) (Config, error) {
	c := DefaultConfig()

	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}

	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("%s: %w", path, err)
	}

	return c, nil
}

// ConfigureLogger applies the logging section to l.
func ConfigureLogger(l *logrus.Logger, c LoggingConfig) error {
	level := c.Level
	if level == "" {
		level = "info"
	}

	logLevel, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("%w; possible levels: %s", err, logrus.AllLevels)
	}

	l.SetLevel(logLevel)

	timestampFormat := c.TimestampFormat
	fullTimestamp := timestampFormat != ""

	if timestampFormat == "" {
		timestampFormat = time.RFC3339
	}

	logFormat := strings.ToLower(c.Format)
	switch logFormat {
	case "text", "":
		l.Formatter = &logrus.TextFormatter{
			TimestampFormat:  timestampFormat,
			FullTimestamp:    fullTimestamp,
			DisableTimestamp: c.DisableTimestamp,
		}
	case "json":
		l.Formatter = &logrus.JSONFormatter{
			TimestampFormat:  timestampFormat,
			DisableTimestamp: c.DisableTimestamp,
		}
	default:
		return fmt.Errorf("unknown log format `%s`. possible formats: %s", logFormat, []string{"text", "json"})
	}

	return nil
}
