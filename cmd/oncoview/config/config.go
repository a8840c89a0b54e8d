// Package config parses the oncoview web server configuration.
//
// Values come from command-line flags with environment variable fallbacks.
// An optional dotenv file is loaded into the environment first, so the order
// of precedence is:
//  1. Command-line flags
//  2. Environment variables (including those set by the dotenv file)
//  3. Default values
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/oncodetect/oncoview/pkg/env"
	"github.com/oncodetect/oncoview/pkg/tls"
)

// DefaultServiceURL is the hosted OncoDetect backend.
const DefaultServiceURL = "https://oncodetect-backend-edison.onrender.com"

// Config holds all oncoview configuration.
type Config struct {
	Listen    string
	LogFormat string
	LogLevel  string

	ServiceURL     string
	RequestTimeout time.Duration
	HistoryLimit   int
	MaxUploadBytes int64
	TLS            tls.Config

	Storage       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SessionTTL    time.Duration
	SessionIdle   time.Duration
	CookieSecure  bool

	ServerCertFile string
	ServerKeyFile  string
}

// Parse parses args (without the program name) into a validated Config.
func Parse(args []string, output io.Writer) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet("oncoview", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&cfg.Listen, "listen", env.String("LISTEN", ":8080"), "HTTP listen address")
	fs.StringVar(&cfg.LogFormat, "log-format", env.String("LOG_FORMAT", "text"), "Log format: text or json")
	fs.StringVar(&cfg.LogLevel, "log-level", env.String("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")

	fs.StringVar(&cfg.ServiceURL, "service-url", env.String("ONCODETECT_URL", DefaultServiceURL), "Prediction service base URL")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", env.Duration("REQUEST_TIMEOUT", 60*time.Second), "Timeout for each prediction service request")
	fs.IntVar(&cfg.HistoryLimit, "history-limit", env.Int("HISTORY_LIMIT", 5), "Number of recent predictions to show")
	fs.Int64Var(&cfg.MaxUploadBytes, "max-upload-bytes", env.Int64("MAX_UPLOAD_BYTES", 10<<20), "Maximum accepted image size in bytes")

	fs.BoolVar(&cfg.TLS.Enabled, "tls-enabled", env.Bool("TLS_ENABLED", false), "Use custom TLS settings for the prediction service")
	fs.StringVar(&cfg.TLS.CertFile, "tls-cert-file", env.String("TLS_CERT_FILE", ""), "Client certificate for the prediction service")
	fs.StringVar(&cfg.TLS.KeyFile, "tls-key-file", env.String("TLS_KEY_FILE", ""), "Client private key for the prediction service")
	fs.StringVar(&cfg.TLS.CAFile, "tls-ca-file", env.String("TLS_CA_FILE", ""), "CA bundle for verifying the prediction service")

	fs.StringVar(&cfg.Storage, "storage", env.String("STORAGE", "memory"), "Session storage backend: memory or redis")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", env.String("REDIS_ADDR", "localhost:6379"), "Redis server address")
	fs.StringVar(&cfg.RedisPassword, "redis-password", env.String("REDIS_PASSWORD", ""), "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", env.Int("REDIS_DB", 0), "Redis database number")
	fs.DurationVar(&cfg.SessionTTL, "session-ttl", env.Duration("SESSION_TTL", 24*time.Hour), "How long an unused session is kept in storage")
	fs.DurationVar(&cfg.SessionIdle, "session-idle", env.Duration("SESSION_IDLE", 30*time.Minute), "How long an unused session stays in memory")
	fs.BoolVar(&cfg.CookieSecure, "cookie-secure", env.Bool("COOKIE_SECURE", false), "Mark the session cookie Secure")

	fs.StringVar(&cfg.ServerCertFile, "server-cert-file", env.String("SERVER_CERT_FILE", ""), "Serve HTTPS with this certificate")
	fs.StringVar(&cfg.ServerKeyFile, "server-key-file", env.String("SERVER_KEY_FILE", ""), "Serve HTTPS with this private key")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	u, err := url.Parse(c.ServiceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid service URL %q: must be an absolute http(s) URL", c.ServiceURL)
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request timeout must be > 0")
	}
	if c.HistoryLimit <= 0 {
		return errors.New("history limit must be > 0")
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("max upload bytes must be > 0")
	}
	switch c.Storage {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			return errors.New("redis address required when storage=redis")
		}
		if c.RedisDB < 0 {
			return errors.New("redis database number must be >= 0")
		}
	default:
		return fmt.Errorf("invalid storage %q (must be memory or redis)", c.Storage)
	}
	if c.SessionTTL <= 0 || c.SessionIdle <= 0 {
		return errors.New("session ttl and idle timeout must be > 0")
	}
	if (c.ServerCertFile == "") != (c.ServerKeyFile == "") {
		return errors.New("server certificate and key must be set together")
	}
	if err := c.TLS.Validate(); err != nil {
		return err
	}
	return nil
}
