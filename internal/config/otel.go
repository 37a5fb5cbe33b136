package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.opentelemetry.io/otel/attribute"
)

// defaultOTLPEndpoint is where the OTLP/HTTP receiver listens by default.
const defaultOTLPEndpoint = "localhost:4318"

// OTELConfig is the span exporter configuration. Variable names follow the
// OpenTelemetry SDK environment conventions.
type OTELConfig struct {
	ServiceName        string        `env:"OTEL_SERVICE_NAME" envDefault:"branch-tracer"`
	ResourceAttributes string        `env:"OTEL_RESOURCE_ATTRIBUTES"`
	ExporterEndpoint   string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	TracesEndpoint     string        `env:"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"`
	Headers            string        `env:"OTEL_EXPORTER_OTLP_HEADERS"`
	Insecure           *bool         `env:"OTEL_EXPORTER_OTLP_INSECURE"`
	ExportTimeout      time.Duration `env:"BRANCH_TRACER_EXPORT_TIMEOUT" envDefault:"10s"`
}

// Exporter is the resolved destination of the OTLP/HTTP exporter.
type Exporter struct {
	// Endpoint is host[:port], without scheme.
	Endpoint string
	// URLPath is set when the configured URL carried a path.
	URLPath  string
	Insecure bool
	Headers  map[string]string
	Timeout  time.Duration
}

// ParseOTELConfig reads the exporter configuration from the environment.
func ParseOTELConfig() (*OTELConfig, error) {
	return parseOTEL(env.Options{})
}

// ParseOTELConfigFrom is ParseOTELConfig over an explicit environment.
func ParseOTELConfigFrom(environ map[string]string) (*OTELConfig, error) {
	return parseOTEL(env.Options{Environment: environ})
}

func parseOTEL(opts env.Options) (*OTELConfig, error) {
	var cfg OTELConfig
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse OTEL config: %w", err)
	}
	if _, err := cfg.Exporter(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GetEndpoint returns the configured traces endpoint as written. The
// traces-specific variable wins over the generic one.
func (c *OTELConfig) GetEndpoint() string {
	if c.TracesEndpoint != "" {
		return c.TracesEndpoint
	}
	if c.ExporterEndpoint != "" {
		return c.ExporterEndpoint
	}
	return defaultOTLPEndpoint
}

// Exporter resolves the endpoint into what otlptracehttp takes. A URL with
// an https scheme exports over TLS; http or a bare host:port does not,
// unless OTEL_EXPORTER_OTLP_INSECURE says otherwise.
func (c *OTELConfig) Exporter() (Exporter, error) {
	raw := c.GetEndpoint()
	e := Exporter{Endpoint: raw, Insecure: true, Timeout: c.ExportTimeout}

	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return Exporter{}, fmt.Errorf("invalid OTLP endpoint %q: %w", raw, err)
		}
		switch u.Scheme {
		case "http":
		case "https":
			e.Insecure = false
		default:
			return Exporter{}, fmt.Errorf("invalid OTLP endpoint %q: scheme must be http or https", raw)
		}
		if u.Host == "" {
			return Exporter{}, fmt.Errorf("invalid OTLP endpoint %q: no host", raw)
		}
		e.Endpoint = u.Host
		if p := strings.TrimSuffix(u.Path, "/"); p != "" {
			e.URLPath = p
		}
	}
	if c.Insecure != nil {
		e.Insecure = *c.Insecure
	}
	if c.ExportTimeout <= 0 {
		return Exporter{}, errors.New("export timeout must be positive")
	}

	headers, err := parseKeyValues(c.Headers)
	if err != nil {
		return Exporter{}, fmt.Errorf("OTEL_EXPORTER_OTLP_HEADERS: %w", err)
	}
	if len(headers) > 0 {
		e.Headers = make(map[string]string, len(headers))
		for _, kv := range headers {
			e.Headers[kv.key] = kv.value
		}
	}
	return e, nil
}

// ParseResourceAttributes parses OTEL_RESOURCE_ATTRIBUTES. Malformed pairs
// are skipped, as the SDK does.
func (c *OTELConfig) ParseResourceAttributes() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for _, pair := range strings.Split(c.ResourceAttributes, ",") {
		kv, err := parseKeyValue(pair)
		if err != nil || kv.key == "" {
			continue
		}
		attrs = append(attrs, attribute.String(kv.key, kv.value))
	}
	return attrs
}

type keyValue struct {
	key, value string
}

// parseKeyValues parses a "k1=v1,k2=v2" list with percent-encoded values.
func parseKeyValues(s string) ([]keyValue, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []keyValue
	for _, pair := range strings.Split(s, ",") {
		kv, err := parseKeyValue(pair)
		if err != nil {
			return nil, err
		}
		if kv.key == "" {
			return nil, fmt.Errorf("empty key in %q", pair)
		}
		out = append(out, kv)
	}
	return out, nil
}

func parseKeyValue(pair string) (keyValue, error) {
	k, v, ok := strings.Cut(pair, "=")
	if !ok {
		return keyValue{}, fmt.Errorf("%q: want key=value", strings.TrimSpace(pair))
	}
	value, err := url.PathUnescape(strings.TrimSpace(v))
	if err != nil {
		return keyValue{}, fmt.Errorf("%q: %w", strings.TrimSpace(pair), err)
	}
	return keyValue{key: strings.TrimSpace(k), value: value}, nil
}
