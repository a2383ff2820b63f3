// Package config loads orchestrator configuration from a YAML file and the
// environment. Every knob has a default; a missing config file is not an
// error.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ai-debugger-inc/aidb/internal/aidbpaths"
	"github.com/ai-debugger-inc/aidb/internal/portreg"
)

// EnvPrefix is the prefix for environment variable overrides
// (AIDB_LOCK_TIMEOUT, AIDB_LISTEN_ADDRESS, ...).
const EnvPrefix = "AIDB"

// ConfigFileName is the config file looked up in the state directory.
const ConfigFileName = "config"

// AdapterSettings configures one language's debug adapter.
type AdapterSettings struct {
	// Command is the adapter command line; {{port}} is replaced with the
	// allocated port.
	Command []string `mapstructure:"command"`

	// Env is extra environment for the adapter process, KEY=VALUE form.
	Env []string `mapstructure:"env"`

	// DefaultPort is tried first when allocating the adapter port.
	DefaultPort int `mapstructure:"default_port"`

	// FallbackRanges are tried, in order, when the default port is taken.
	// Each entry is "start-end", inclusive.
	FallbackRanges []string `mapstructure:"fallback_ranges"`

	// ConnectionTimeout bounds the wait for the adapter to serve its port.
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`

	// LaunchRequest, when present, is sent verbatim as the launch request
	// arguments during the initialization handshake.
	LaunchRequest map[string]any `mapstructure:"launch_request"`
}

// Config is the full orchestrator configuration.
type Config struct {
	// StateDir overrides the state directory holding the port record and
	// lock files.
	StateDir string `mapstructure:"state_dir"`

	// ListenAddress is the interface port reservations bind to.
	ListenAddress string `mapstructure:"listen_address"`

	// LockTimeout bounds the wait for the cross-process port file lock
	// before falling back to optimistic allocation.
	LockTimeout time.Duration `mapstructure:"lock_timeout"`

	// CleanupMinInterval rate-limits stale allocation sweeps.
	CleanupMinInterval time.Duration `mapstructure:"cleanup_min_interval"`

	// PendingTaskTimeout bounds the background-task drain during session
	// destroy.
	PendingTaskTimeout time.Duration `mapstructure:"pending_task_timeout"`

	// Adapters maps language identifiers to adapter settings. Entries here
	// are merged over the built-in defaults.
	Adapters map[string]AdapterSettings `mapstructure:"adapters"`
}

// defaultAdapters covers the runtimes aidb knows out of the box. A config
// file entry for the same language replaces the built-in one wholesale.
func defaultAdapters() map[string]AdapterSettings {
	return map[string]AdapterSettings{
		"go": {
			Command:        []string{"dlv", "dap", "--listen=127.0.0.1:{{port}}"},
			DefaultPort:    38697,
			FallbackRanges: []string{"38698-38797"},
		},
		"python": {
			Command:        []string{"python", "-m", "debugpy.adapter", "--host", "127.0.0.1", "--port", "{{port}}"},
			DefaultPort:    5678,
			FallbackRanges: []string{"5679-5778"},
		},
		"node": {
			Command:        []string{"js-debug-adapter", "--server={{port}}"},
			DefaultPort:    9229,
			FallbackRanges: []string{"9230-9329"},
		},
	}
}

// NewViper creates a viper instance wired for aidb: env overrides with the
// AIDB_ prefix and an optional config.yaml in the state directory.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetConfigName(ConfigFileName)
	v.SetConfigType("yaml")
	if stateDir, err := aidbpaths.StateDir(); err == nil {
		v.AddConfigPath(stateDir)
	}
	return v
}

// Load reads configuration from the given viper instance and fills in
// defaults. A missing config file is fine; a malformed one is not.
func Load(v *viper.Viper) (Config, error) {
	v.SetDefault("listen_address", portreg.DefaultListenAddress)
	v.SetDefault("lock_timeout", portreg.DefaultLockTimeout)
	v.SetDefault("cleanup_min_interval", portreg.DefaultCleanupMinInterval)
	v.SetDefault("pending_task_timeout", 5*time.Second)

	if readErr := v.ReadInConfig(); readErr != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFound) {
			return Config{}, fmt.Errorf("failed to read config file: %w", readErr)
		}
	}

	var cfg Config
	if unmarshalErr := v.Unmarshal(&cfg); unmarshalErr != nil {
		return Config{}, fmt.Errorf("failed to parse configuration: %w", unmarshalErr)
	}

	adapters := defaultAdapters()
	for language, settings := range cfg.Adapters {
		adapters[language] = settings
	}
	cfg.Adapters = adapters

	for language, settings := range cfg.Adapters {
		if len(settings.Command) == 0 {
			return Config{}, fmt.Errorf("adapter %q has an empty command", language)
		}
		if _, rangeErr := ParseRanges(settings.FallbackRanges); rangeErr != nil {
			return Config{}, fmt.Errorf("adapter %q: %w", language, rangeErr)
		}
	}

	return cfg, nil
}

// ParseRanges converts "start-end" strings into port ranges.
func ParseRanges(specs []string) ([]portreg.PortRange, error) {
	ranges := make([]portreg.PortRange, 0, len(specs))
	for _, spec := range specs {
		start, end, found := strings.Cut(spec, "-")
		if !found {
			return nil, fmt.Errorf("invalid port range %q: want \"start-end\"", spec)
		}
		startPort, startErr := strconv.Atoi(strings.TrimSpace(start))
		if startErr != nil {
			return nil, fmt.Errorf("invalid port range %q: %w", spec, startErr)
		}
		endPort, endErr := strconv.Atoi(strings.TrimSpace(end))
		if endErr != nil {
			return nil, fmt.Errorf("invalid port range %q: %w", spec, endErr)
		}
		if startPort <= 0 || endPort < startPort || endPort > 65535 {
			return nil, fmt.Errorf("invalid port range %q: want 1 <= start <= end <= 65535", spec)
		}
		ranges = append(ranges, portreg.PortRange{Start: startPort, End: endPort})
	}
	return ranges, nil
}

// PortProfiles derives the per-language port configuration handed to the
// session lifecycle manager.
func (c Config) PortProfiles() (map[string]PortProfileSettings, error) {
	profiles := make(map[string]PortProfileSettings, len(c.Adapters))
	for language, settings := range c.Adapters {
		ranges, rangeErr := ParseRanges(settings.FallbackRanges)
		if rangeErr != nil {
			return nil, fmt.Errorf("adapter %q: %w", language, rangeErr)
		}
		profiles[language] = PortProfileSettings{
			DefaultPort:    settings.DefaultPort,
			FallbackRanges: ranges,
		}
	}
	return profiles, nil
}

// PortProfileSettings is one language's resolved port configuration.
type PortProfileSettings struct {
	DefaultPort    int
	FallbackRanges []portreg.PortRange
}
