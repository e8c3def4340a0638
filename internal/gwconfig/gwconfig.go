// Package gwconfig loads the gateway's YAML configuration file and
// applies GBS_* environment overrides, generalizing the teacher's
// flag+env appConfig pattern to a single layered YAML document.
package gwconfig

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Node is one configured media relay endpoint.
type Node struct {
	LocalIP   string `yaml:"local_ip"`
	LocalPort int    `yaml:"local_port"`
	PubIP     string `yaml:"pub_ip"`
	PubPort   int    `yaml:"pub_port"`
}

// SessionConfig is the local SIP identity and listen configuration.
type SessionConfig struct {
	Listen   string `yaml:"listen"`
	Protocol string `yaml:"protocol"`
	Realm    string `yaml:"realm"`
	ID       string `yaml:"id"`
	Domain   string `yaml:"domain"`
}

// HTTPConfig is the admin API bind address and bearer-token secret.
type HTTPConfig struct {
	Listen    string `yaml:"listen"`
	JWTSecret string `yaml:"jwt_secret"`
}

// StreamConfig is the media node registry plus the proxy address the
// admin API advertises in its stream-start responses.
type StreamConfig struct {
	Nodes     map[string]Node `yaml:"nodes"`
	ProxyAddr string          `yaml:"proxy_addr"`
}

// SnapConfig controls the periodic snapshot collaborator; not wired
// into the invite orchestrator beyond carrying the option set.
type SnapConfig struct {
	Enable         bool   `yaml:"enable"`
	PushURL        string `yaml:"push_url"`
	CronCycle      string `yaml:"cron_cycle"`
	Num            int    `yaml:"num"`
	Interval       int    `yaml:"interval"`
	StoragePath    string `yaml:"storage_path"`
	StorageFormat  string `yaml:"storage_format"`
}

// MySQLConfig is the persistence collaborator's pool configuration.
type MySQLConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// ServerConfig groups the gateway's own sections under the YAML
// document's `server` key.
type ServerConfig struct {
	Session SessionConfig `yaml:"session"`
	HTTP    HTTPConfig    `yaml:"http"`
	Stream  StreamConfig  `yaml:"stream"`
	Snap    SnapConfig    `yaml:"snap"`
}

// DBConfig groups the persistence collaborator's configuration under
// the YAML document's `db` key.
type DBConfig struct {
	MySQL MySQLConfig `yaml:"mysql"`
}

// Config is the complete YAML document, plus the ambient options
// (logging, metrics) the teacher carries alongside its domain config.
type Config struct {
	Server ServerConfig `yaml:"server"`
	DB     DBConfig     `yaml:"db"`

	LogFormat   string `yaml:"log_format"`
	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`

	MDNSEnable bool   `yaml:"mdns_enable"`
	MDNSName   string `yaml:"mdns_name"`
}

// defaults mirrors the teacher's flag-default texture: every field has
// a sane out-of-the-box value so an operator's YAML file only needs to
// carry what differs from it.
func defaults() Config {
	return Config{
		Server: ServerConfig{
			Session: SessionConfig{Listen: ":5060", Protocol: "ALL", Realm: "3402000000", ID: "34020000002000000001", Domain: "3402000000"},
			HTTP:    HTTPConfig{Listen: ":8080", JWTSecret: "change-me-in-production"},
			Stream:  StreamConfig{Nodes: map[string]Node{}},
		},
		LogFormat:   "text",
		LogLevel:    "info",
		MetricsAddr: "",
	}
}

// Load reads path as YAML over the defaults, applies GBS_* environment
// overrides, validates, and returns the result.
func Load(path string) (*Config, error) {
	cfg := defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("gwconfig: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("gwconfig: parse %s: %w", path, err)
	}
	applyEnvOverrides(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("gwconfig: %w", err)
	}
	return &cfg, nil
}

// validate performs basic semantic validation; it does not attempt to
// bind listeners or dial the database.
func (c *Config) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log_format: %s", c.LogFormat)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level: %s", c.LogLevel)
	}
	switch strings.ToUpper(c.Server.Session.Protocol) {
	case "UDP", "TCP", "ALL":
	default:
		return fmt.Errorf("invalid server.session.protocol: %s", c.Server.Session.Protocol)
	}
	if c.Server.Session.Listen == "" {
		return errors.New("server.session.listen must not be empty")
	}
	if c.Server.Session.Realm == "" {
		return errors.New("server.session.realm must not be empty")
	}
	if c.Server.HTTP.Listen == "" {
		return errors.New("server.http.listen must not be empty")
	}
	for name, n := range c.Server.Stream.Nodes {
		if n.PubIP == "" {
			return fmt.Errorf("server.stream.nodes.%s: pub_ip must not be empty", name)
		}
		if n.PubPort <= 0 {
			return fmt.Errorf("server.stream.nodes.%s: pub_port must be > 0", name)
		}
	}
	return nil
}

// applyEnvOverrides maps GBS_* environment variables onto cfg, mirroring
// the teacher's CAN_SERVER_* layering but keyed to the YAML-first model:
// env always wins over the file, since it is the deployment-time knob.
func applyEnvOverrides(c *Config) {
	if v, ok := lookupTrimmed("GBS_LOG_FORMAT"); ok {
		c.LogFormat = v
	}
	if v, ok := lookupTrimmed("GBS_LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := lookupTrimmed("GBS_METRICS_ADDR"); ok {
		c.MetricsAddr = v
	}
	if v, ok := lookupTrimmed("GBS_SESSION_LISTEN"); ok {
		c.Server.Session.Listen = v
	}
	if v, ok := lookupTrimmed("GBS_HTTP_LISTEN"); ok {
		c.Server.HTTP.Listen = v
	}
	if v, ok := lookupTrimmed("GBS_JWT_SECRET"); ok {
		c.Server.HTTP.JWTSecret = v
	}
	if v, ok := lookupTrimmed("GBS_SESSION_REALM"); ok {
		c.Server.Session.Realm = v
	}
	if v, ok := lookupTrimmed("GBS_MDNS_ENABLE"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.MDNSEnable = b
		}
	}
	if v, ok := lookupTrimmed("GBS_MDNS_NAME"); ok {
		c.MDNSName = v
	}
}

func lookupTrimmed(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", false
	}
	return v, true
}
