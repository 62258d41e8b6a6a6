package testserve

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the server configuration.
type Config struct {
	// BrowserHost is the hostname clients use to reach the server.
	BrowserHost string `yaml:"browser_host"`

	// ServerHost is the address the listeners bind to. Defaults to
	// BrowserHost when empty.
	ServerHost string `yaml:"server_host"`

	// Ports maps a scheme ("http", "https", "h2") to the ports to serve it
	// on. Port 0 asks the OS for a free port.
	Ports map[string][]int `yaml:"ports"`

	// Subdomains are served in addition to BrowserHost itself.
	Subdomains []string `yaml:"subdomains"`

	// AlternateHosts maps logical names to extra hostnames.
	AlternateHosts map[string]string `yaml:"alternate_hosts"`

	// DocRoot is the directory the default file handler serves from.
	DocRoot string `yaml:"doc_root"`

	SSL SSLConfig `yaml:"ssl"`

	// MaxRequestLineBytes caps the HTTP/1.1 request line; longer lines get
	// a 414.
	MaxRequestLineBytes int `yaml:"max_request_line_bytes"`

	// MaxConcurrentStreams caps open streams per HTTP/2 connection.
	MaxConcurrentStreams uint32 `yaml:"max_concurrent_streams"`

	// Latency is an artificial delay injected before each dispatch.
	Latency Duration `yaml:"latency"`

	// RateLimit throttles dispatches across the whole server when RPS > 0.
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// MetricsAddr serves Prometheus metrics when non-empty.
	MetricsAddr string `yaml:"metrics_addr"`

	// EnableTracing wraps each dispatch in an OpenTelemetry span.
	EnableTracing bool `yaml:"enable_tracing"`

	// EnableH2C accepts prior-knowledge HTTP/2 on plaintext ports.
	EnableH2C bool `yaml:"enable_h2c"`

	LogLevel string `yaml:"log_level"`
}

// Duration is a time.Duration that unmarshals from YAML strings like
// "250ms" as well as plain nanosecond integers.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value")
	}
	*d = Duration(n)
	return nil
}

// SSLConfig selects how TLS material is obtained.
type SSLConfig struct {
	// Type is "none" or "pregenerated".
	Type     string `yaml:"type"`
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
}

// RateLimitConfig bounds request dispatch rate.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// DefaultConfig returns a configuration suitable for local test runs.
func DefaultConfig() Config {
	return Config{
		BrowserHost: "localhost",
		Ports: map[string][]int{
			"http": {8000},
		},
		DocRoot:              ".",
		SSL:                  SSLConfig{Type: "none"},
		MaxRequestLineBytes:  8192,
		MaxConcurrentStreams: 100,
		LogLevel:             "info",
	}
}

// LoadConfig reads a YAML config file and fills unset fields from
// DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.BrowserHost == "" {
		return fmt.Errorf("browser_host must be set")
	}
	if c.MaxRequestLineBytes <= 0 {
		return fmt.Errorf("max_request_line_bytes must be positive")
	}
	for scheme := range c.Ports {
		switch scheme {
		case "http", "https", "h2":
		default:
			return fmt.Errorf("unknown scheme %q in ports", scheme)
		}
	}
	switch c.SSL.Type {
	case "", "none":
	case "pregenerated":
		if c.SSL.CertPath == "" || c.SSL.KeyPath == "" {
			return fmt.Errorf("ssl type pregenerated needs cert_path and key_path")
		}
	default:
		return fmt.Errorf("unknown ssl type %q", c.SSL.Type)
	}
	if c.RateLimit.RPS < 0 {
		return fmt.Errorf("rate_limit.rps must not be negative")
	}
	return nil
}

// BindHost returns the address listeners bind to.
func (c *Config) BindHost() string {
	if c.ServerHost != "" {
		return c.ServerHost
	}
	return c.BrowserHost
}

// Domains returns every hostname the server answers for: the browser host,
// each subdomain of it, and any alternate hosts.
func (c *Config) Domains() []string {
	domains := []string{c.BrowserHost}
	for _, sub := range c.Subdomains {
		domains = append(domains, sub+"."+c.BrowserHost)
	}
	for _, host := range c.AlternateHosts {
		domains = append(domains, host)
	}
	return domains
}

// FreePort asks the OS for an unused TCP port on the bind host.
func (c *Config) FreePort() (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(c.BindHost(), "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	_, portStr, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}
