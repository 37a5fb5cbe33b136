// Package config reads the tracer configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mrzor/branch-tracer/internal/catalog"
	"github.com/mrzor/branch-tracer/internal/correlation"
)

// CustomAttribute is a span attribute computed by an expression.
type CustomAttribute struct {
	Name       string
	Expression string
}

// Config holds the tracer configuration.
type Config struct {
	// Object is the compiled BPF collection.
	Object string `env:"BRANCH_TRACER_OBJECT" envDefault:"branch_tracer.bpf.o"`
	// Operations to enable; empty means all.
	Operations      []string      `env:"BRANCH_TRACER_OPERATIONS" envSeparator:","`
	StoreCapacity   int           `env:"BRANCH_TRACER_STORE_CAPACITY" envDefault:"10240"`
	StoreShards     int           `env:"BRANCH_TRACER_STORE_SHARDS" envDefault:"1"`
	Eviction        string        `env:"BRANCH_TRACER_EVICTION" envDefault:"evict-oldest"`
	ChannelCapacity int           `env:"BRANCH_TRACER_CHANNEL_CAPACITY" envDefault:"4096"`
	MaxRecordAge    time.Duration `env:"BRANCH_TRACER_MAX_RECORD_AGE" envDefault:"30s"`
	// KernelRelease overrides uname for the capability profile.
	KernelRelease string `env:"BRANCH_TRACER_KERNEL_RELEASE"`
	OffsetsFile   string `env:"BRANCH_TRACER_OFFSETS_FILE"`
	// MetricsAddr is the Prometheus listen address; empty disables it.
	MetricsAddr      string        `env:"BRANCH_TRACER_METRICS_ADDR" envDefault:":9464"`
	LogLevel         string        `env:"BRANCH_TRACER_LOG_LEVEL" envDefault:"info"`
	Sinks            []string      `env:"BRANCH_TRACER_SINKS" envSeparator:"," envDefault:"otel"`
	Filter           string        `env:"BRANCH_TRACER_FILTER"`
	CustomAttributes string        `env:"BRANCH_TRACER_CUSTOM_ATTRIBUTES"`
	// TraceID groups spans into traces; empty means one trace per collection.
	TraceID      string        `env:"BRANCH_TRACER_TRACE_ID"`
	CollectionID string        `env:"BRANCH_TRACER_COLLECTION_ID"`
	DrainTimeout time.Duration `env:"BRANCH_TRACER_DRAIN_TIMEOUT" envDefault:"5s"`
}

// Sink names.
const (
	SinkOTEL = "otel"
	SinkLog  = "log"
)

// Parse reads Config from the process environment, fills the collection id
// and validates the result.
func Parse() (*Config, error) {
	return parse(env.Options{})
}

// ParseFrom is Parse over an explicit environment.
func ParseFrom(environ map[string]string) (*Config, error) {
	return parse(env.Options{Environment: environ})
}

func parse(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.CollectionID == "" {
		cfg.CollectionID = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and names. All problems are reported.
func (c *Config) Validate() error {
	var errs []error
	if c.StoreCapacity <= 0 {
		errs = append(errs, fmt.Errorf("store capacity must be positive, got %d", c.StoreCapacity))
	}
	if c.StoreShards <= 0 {
		errs = append(errs, fmt.Errorf("store shards must be positive, got %d", c.StoreShards))
	} else if c.StoreCapacity > 0 && c.StoreCapacity%c.StoreShards != 0 {
		errs = append(errs, fmt.Errorf("store capacity %d is not a multiple of %d shards", c.StoreCapacity, c.StoreShards))
	}
	if c.ChannelCapacity <= 0 {
		errs = append(errs, fmt.Errorf("channel capacity must be positive, got %d", c.ChannelCapacity))
	}
	if c.MaxRecordAge < 0 {
		errs = append(errs, fmt.Errorf("max record age must not be negative, got %s", c.MaxRecordAge))
	}
	if _, err := correlation.ParsePolicy(c.Eviction); err != nil {
		errs = append(errs, err)
	}
	if _, err := catalog.Select(c.Operations); err != nil {
		errs = append(errs, err)
	}
	if _, err := zap.ParseAtomicLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log level: %w", err))
	}
	for _, s := range c.Sinks {
		switch strings.TrimSpace(s) {
		case SinkOTEL, SinkLog, "":
		default:
			errs = append(errs, fmt.Errorf("unknown sink %q", s))
		}
	}
	if _, err := c.ParseCustomAttributes(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Policy returns the parsed eviction policy.
func (c *Config) Policy() correlation.Policy {
	p, _ := correlation.ParsePolicy(c.Eviction) //nolint:errcheck // checked by Validate
	return p
}

// HasSink reports whether name is enabled.
func (c *Config) HasSink(name string) bool {
	for _, s := range c.Sinks {
		if strings.TrimSpace(s) == name {
			return true
		}
	}
	return false
}

// ParseCustomAttributes splits "name=expr;name=expr". The expression may
// itself contain '='.
func (c *Config) ParseCustomAttributes() ([]CustomAttribute, error) {
	if strings.TrimSpace(c.CustomAttributes) == "" {
		return nil, nil
	}

	var attrs []CustomAttribute
	for _, part := range strings.Split(c.CustomAttributes, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, expression, ok := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		expression = strings.TrimSpace(expression)
		if !ok || name == "" || expression == "" {
			return nil, fmt.Errorf("custom attribute %q: want name=expression", part)
		}
		attrs = append(attrs, CustomAttribute{Name: name, Expression: expression})
	}
	return attrs, nil
}
