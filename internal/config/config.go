// Package config loads the modbus-server process configuration: defaults,
// overlaid by a TOML file, overlaid by the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// LogLevelEnv overrides the configured log level when set.
const LogLevelEnv = "ZMODBUS_LOG_LEVEL"

const (
	TransportZiti = "ziti"
	TransportEtcd = "etcd"
)

type Config struct {
	// Service is the name to bind. Empty means "<identity name>-modbus".
	Service string
	// TerminatorIdentity is the identity alias the binding answers to.
	TerminatorIdentity string
	Transport          string

	IdentityFile string
	AperitivoURL string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ExceptionPolicy string

	LogLevel  string
	LogFormat string

	// AdminAddr enables the admin HTTP server when not empty.
	AdminAddr string
	Tracing   bool

	Etcd Etcd
}

type Etcd struct {
	Endpoints     []string
	ListenAddr    string
	AdvertiseAddr string
	TTL           int64
	Prefix        string
}

func Default() Config {
	return Config{
		Transport:       TransportZiti,
		AperitivoURL:    "https://aperitivo.production.netfoundry.io",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    5 * time.Second,
		ExceptionPolicy: "silent",
		LogLevel:        "info",
		LogFormat:       "console",
		Etcd: Etcd{
			Endpoints:  []string{"127.0.0.1:2379"},
			ListenAddr: "0.0.0.0:5020",
			TTL:        60,
			Prefix:     "/zmodbus/services",
		},
	}
}

// config.toml key mapping to runtime settings.
type fileConfig struct {
	Service            string   `toml:"service"`
	TerminatorIdentity string   `toml:"terminator_identity"`
	Transport          string   `toml:"transport"`
	IdentityFile       string   `toml:"identity_file"`
	AperitivoURL       string   `toml:"aperitivo_url"`
	ReadTimeout        duration `toml:"read_timeout"`
	WriteTimeout       duration `toml:"write_timeout"`
	ExceptionPolicy    string   `toml:"exception_policy"`
	LogLevel           string   `toml:"log_level"`
	LogFormat          string   `toml:"log_format"`
	AdminAddr          string   `toml:"admin_addr"`
	Tracing            bool     `toml:"tracing"`
	Etcd               struct {
		Endpoints     []string `toml:"endpoints"`
		ListenAddr    string   `toml:"listen_addr"`
		AdvertiseAddr string   `toml:"advertise_addr"`
		TTL           int64    `toml:"ttl"`
		Prefix        string   `toml:"prefix"`
	} `toml:"etcd"`
}

// duration decodes TOML strings such as "10s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Load returns the defaults overlaid with path, if path is not empty, and
// the environment. Callers overlay flags and then call Validate.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		var err error
		if cfg, err = overlayFile(cfg, path); err != nil {
			return Config{}, err
		}
	}

	if lvl := strings.TrimSpace(os.Getenv(LogLevelEnv)); lvl != "" {
		cfg.LogLevel = lvl
	}

	return cfg, nil
}

func overlayFile(cfg Config, path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("service") {
		cfg.Service = strings.TrimSpace(raw.Service)
	}
	if meta.IsDefined("terminator_identity") {
		cfg.TerminatorIdentity = strings.TrimSpace(raw.TerminatorIdentity)
	}
	if meta.IsDefined("transport") {
		cfg.Transport = strings.ToLower(strings.TrimSpace(raw.Transport))
	}
	if meta.IsDefined("identity_file") {
		cfg.IdentityFile = strings.TrimSpace(raw.IdentityFile)
	}
	if meta.IsDefined("aperitivo_url") {
		cfg.AperitivoURL = strings.TrimSpace(raw.AperitivoURL)
	}
	if meta.IsDefined("read_timeout") {
		cfg.ReadTimeout = raw.ReadTimeout.Duration
	}
	if meta.IsDefined("write_timeout") {
		cfg.WriteTimeout = raw.WriteTimeout.Duration
	}
	if meta.IsDefined("exception_policy") {
		cfg.ExceptionPolicy = strings.ToLower(strings.TrimSpace(raw.ExceptionPolicy))
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_format") {
		cfg.LogFormat = strings.TrimSpace(raw.LogFormat)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("tracing") {
		cfg.Tracing = raw.Tracing
	}
	if meta.IsDefined("etcd", "endpoints") {
		cfg.Etcd.Endpoints = raw.Etcd.Endpoints
	}
	if meta.IsDefined("etcd", "listen_addr") {
		cfg.Etcd.ListenAddr = strings.TrimSpace(raw.Etcd.ListenAddr)
	}
	if meta.IsDefined("etcd", "advertise_addr") {
		cfg.Etcd.AdvertiseAddr = strings.TrimSpace(raw.Etcd.AdvertiseAddr)
	}
	if meta.IsDefined("etcd", "ttl") {
		cfg.Etcd.TTL = raw.Etcd.TTL
	}
	if meta.IsDefined("etcd", "prefix") {
		cfg.Etcd.Prefix = strings.TrimSpace(raw.Etcd.Prefix)
	}

	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	switch c.Transport {
	case TransportZiti, TransportEtcd:
	default:
		return fmt.Errorf("config: unsupported transport %q (expected ziti or etcd)", c.Transport)
	}
	switch c.ExceptionPolicy {
	case "silent", "exception":
	default:
		return fmt.Errorf("config: unsupported exception_policy %q (expected silent or exception)", c.ExceptionPolicy)
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		return fmt.Errorf("config: timeouts must not be negative")
	}
	if c.Transport == TransportEtcd && len(c.Etcd.Endpoints) == 0 {
		return fmt.Errorf("config: etcd transport needs at least one endpoint")
	}
	if c.Transport != TransportZiti && c.Service == "" {
		return fmt.Errorf("config: service is required for the %s transport", c.Transport)
	}
	return nil
}
