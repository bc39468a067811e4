// Package config loads the redirector's TOML configuration file.
package config

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/BurntSushi/toml"

	"ssredir/internal/domain"
	"ssredir/internal/infrastructure/network"
)

const (
	DefaultBind           = "127.0.0.1:12345"
	DefaultResolver       = "8.8.8.8:53"
	DefaultProtocol       = "shadowsocks"
	DefaultConnectTimeout = 10 * time.Second
	DefaultHighWaterMark  = 256 * 1024
	DefaultLogLevel       = "info"
)

type Config struct {
	Bind           string   `toml:"bind"`
	Relay          string   `toml:"relay"`
	Protocol       string   `toml:"protocol"`
	Method         string   `toml:"method"`
	Password       string   `toml:"password"`
	Interface      string   `toml:"interface"`
	ConnectTimeout duration `toml:"connect_timeout"`
	HighWaterMark  int      `toml:"high_water_mark"`
	Resolver       string   `toml:"resolver"`
	LogLevel       string   `toml:"log_level"`
}

// duration lets TOML carry timeouts as "10s" strings.
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

func Default() *Config {
	return &Config{
		Bind:           DefaultBind,
		Protocol:       DefaultProtocol,
		ConnectTimeout: duration{DefaultConnectTimeout},
		HighWaterMark:  DefaultHighWaterMark,
		Resolver:       DefaultResolver,
		LogLevel:       DefaultLogLevel,
	}
}

// Load reads path into a Config with defaults applied. An empty path returns
// the defaults, to be completed from flags.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Instance validates the configuration and resolves addresses into the
// immutable per-instance record.
func (c *Config) Instance() (domain.InstanceConfig, error) {
	var inst domain.InstanceConfig

	bind, err := netip.ParseAddrPort(c.Bind)
	if err != nil {
		return inst, fmt.Errorf("bad bind address %q: %w", c.Bind, err)
	}
	if c.Relay == "" {
		return inst, fmt.Errorf("relay address is required")
	}
	relay, err := network.ResolveAddrPort(c.Relay, c.Resolver)
	if err != nil {
		return inst, fmt.Errorf("bad relay address %q: %w", c.Relay, err)
	}

	inst = domain.InstanceConfig{
		Bind:           bind,
		Relay:          relay,
		Method:         c.Method,
		Secret:         c.Password,
		Interface:      c.Interface,
		ConnectTimeout: c.ConnectTimeout.Duration,
		HighWaterMark:  c.HighWaterMark,
	}
	if inst.ConnectTimeout <= 0 {
		inst.ConnectTimeout = DefaultConnectTimeout
	}
	if inst.HighWaterMark <= 0 {
		inst.HighWaterMark = DefaultHighWaterMark
	}
	return inst, nil
}
