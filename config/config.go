// Package config holds the settings threaded into a pkihttp client.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/nczempin/pkihttp/transport"
)

const (
	// DefaultContentType is sent with POSTed DER payloads.
	DefaultContentType = "application/pkixcmp"

	// DefaultTimeout bounds a whole exchange, including connection setup.
	DefaultTimeout = 120 * time.Second

	defaultMaxLine           = 4096
	defaultMaxResponseLength = 100 * 1024
)

// Header is an extra request header.
type Header struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// Config configures a client. The zero value is not usable; start from
// Default.
type Config struct {
	// Timeout bounds each exchange. Zero means no deadline; the transport
	// then blocks for as long as the peer takes.
	Timeout time.Duration `yaml:"timeout"`

	MaxLine           int `yaml:"max_line"`
	MaxResponseLength int `yaml:"max_response_length"`

	ContentType string   `yaml:"content_type"`
	Headers     []Header `yaml:"headers"`

	// Proxy is host[:port] of an HTTP proxy, optionally with user:pass@
	// and an http:// prefix. Empty means the environment decides.
	Proxy         string `yaml:"proxy"`
	ProxyUser     string `yaml:"proxy_user"`
	ProxyPassword string `yaml:"proxy_password"`

	// NoProxy lists hosts reached directly. Empty means the environment
	// decides.
	NoProxy string `yaml:"no_proxy"`

	// Transport selects the byte stream implementation, see transport.New.
	Transport string `yaml:"transport"`

	// SOCKS5 is host:port of a SOCKS5 server the net transport dials
	// through, below any HTTP proxy.
	SOCKS5         string `yaml:"socks5"`
	SOCKS5User     string `yaml:"socks5_user"`
	SOCKS5Password string `yaml:"socks5_password"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Timeout:           DefaultTimeout,
		MaxLine:           defaultMaxLine,
		MaxResponseLength: defaultMaxResponseLength,
		ContentType:       DefaultContentType,
		Transport:         transport.KindSocket,
		LogLevel:          logrus.InfoLevel.String(),
	}
}

// Load reads a YAML file on top of Default. Unknown keys are rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		// comment-only documents decode to io.EOF
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parsing config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings for consistency.
func (c Config) Validate() error {
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %s", c.Timeout)
	}
	if c.MaxLine < 2 {
		return fmt.Errorf("max_line must be at least 2, got %d", c.MaxLine)
	}
	if c.MaxResponseLength <= 0 {
		return fmt.Errorf("max_response_length must be positive, got %d", c.MaxResponseLength)
	}
	if c.ContentType == "" {
		return fmt.Errorf("content_type must not be empty")
	}
	for i, h := range c.Headers {
		if h.Name == "" {
			return fmt.Errorf("header %d has no name", i)
		}
	}
	if !transport.ValidKind(c.Transport) {
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.SOCKS5 != "" && c.Transport != transport.KindNet {
		return fmt.Errorf("socks5 requires the %q transport, not %q", transport.KindNet, c.Transport)
	}
	if c.LogLevel != "" {
		if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("log_level: %w", err)
		}
	}
	return nil
}

// Deadline returns the absolute deadline for an exchange starting at now,
// or the zero time if no timeout is configured.
func (c Config) Deadline(now time.Time) time.Time {
	if c.Timeout <= 0 {
		return time.Time{}
	}
	return now.Add(c.Timeout)
}

// NewTransport creates an unconnected transport as configured.
func (c Config) NewTransport() (transport.Transport, error) {
	if c.SOCKS5 != "" {
		return transport.NewNetTransport(transport.WithSOCKS5(c.SOCKS5, c.SOCKS5User, c.SOCKS5Password)), nil
	}
	return transport.New(c.Transport)
}

// Level returns the configured log level, defaulting to info.
func (c Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}
