//go:build linux || darwin

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joeycumines/logiface"
	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr  = `:7350`
	defaultConnectAddr = `localhost:7350`
	defaultHeartbeat   = time.Second
	defaultLogLevel    = `info`
	defaultMaxPeers    = 64

	// secretEnv may be used instead of the --secret flag, to keep the secret
	// out of the process arguments.
	secretEnv = `SELECTCAT_SECRET`
)

// Config models the settings of a selectcat process, loaded from an optional
// YAML file, then overridden by any flags that were set.
type Config struct {
	// Addr is the address to listen on, or connect to.
	Addr string `yaml:"addr"`
	// Secret is shared by all peers.
	Secret string `yaml:"secret"`
	// LogLevel is one of the logiface level keywords, e.g. info or debug.
	LogLevel string `yaml:"log_level"`
	// MetricsAddr enables a Prometheus /metrics endpoint, if non-empty.
	MetricsAddr string `yaml:"metrics_addr"`
	// Heartbeat is the loop heartbeat frequency, at which the process
	// reaps closed peers, and checks for shutdown.
	Heartbeat time.Duration `yaml:"heartbeat"`
	// MaxPeers limits the number of accepted connections, in listen mode.
	MaxPeers int `yaml:"max_peers"`
}

func defaultConfig() Config {
	return Config{
		Addr:      defaultListenAddr,
		LogLevel:  defaultLogLevel,
		Heartbeat: defaultHeartbeat,
		MaxPeers:  defaultMaxPeers,
	}
}

// loadConfigFile decodes the YAML file at path onto cfg. Unknown keys are
// an error.
func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf(`read config: %w`, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf(`parse config %s: %w`, path, err)
	}
	return nil
}

// validate checks cfg, returning the parsed log level.
func (cfg *Config) validate() (logiface.Level, error) {
	if cfg.Secret == `` {
		return 0, fmt.Errorf(`a secret is required, via --secret, the config file, or %s`, secretEnv)
	}
	if cfg.Addr == `` {
		return 0, errors.New(`an address is required`)
	}
	if cfg.Heartbeat <= 0 {
		return 0, fmt.Errorf(`invalid heartbeat: %s`, cfg.Heartbeat)
	}
	if cfg.MaxPeers <= 0 {
		return 0, fmt.Errorf(`invalid max peers: %d`, cfg.MaxPeers)
	}
	return parseLevel(cfg.LogLevel)
}

func parseLevel(s string) (logiface.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for level := logiface.LevelDisabled; level <= logiface.LevelTrace; level++ {
		if level.String() == s {
			return level, nil
		}
	}
	switch s {
	case `error`:
		return logiface.LevelError, nil
	case `warn`:
		return logiface.LevelWarning, nil
	}
	return 0, fmt.Errorf(`unknown log level: %q`, s)
}
