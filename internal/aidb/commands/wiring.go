package commands

import (
	"fmt"
	"path/filepath"

	"github.com/go-logr/logr"

	"github.com/ai-debugger-inc/aidb/internal/aidbpaths"
	"github.com/ai-debugger-inc/aidb/internal/config"
	"github.com/ai-debugger-inc/aidb/internal/dap"
	"github.com/ai-debugger-inc/aidb/internal/portreg"
	"github.com/ai-debugger-inc/aidb/internal/session"
	"github.com/ai-debugger-inc/aidb/pkg/process"
)

func loadConfig() (config.Config, error) {
	return config.Load(config.NewViper())
}

// portFilePaths resolves the cross-process port record and lock file
// locations, honoring a state_dir override from the configuration.
func portFilePaths(cfg config.Config) (recordPath string, lockPath string, err error) {
	if cfg.StateDir != "" {
		return filepath.Join(cfg.StateDir, aidbpaths.PortRecordFileName),
			filepath.Join(cfg.StateDir, aidbpaths.PortLockFileName), nil
	}

	recordPath, err = aidbpaths.PortRecordPath()
	if err != nil {
		return "", "", err
	}
	lockPath, err = aidbpaths.PortLockPath()
	if err != nil {
		return "", "", err
	}
	return recordPath, lockPath, nil
}

func newPortRegistry(cfg config.Config, log logr.Logger) (*portreg.Registry, error) {
	recordPath, lockPath, pathErr := portFilePaths(cfg)
	if pathErr != nil {
		return nil, fmt.Errorf("could not resolve state directory: %w", pathErr)
	}

	return portreg.NewRegistry(portreg.Config{
		RecordPath:         recordPath,
		LockPath:           lockPath,
		LockTimeout:        cfg.LockTimeout,
		CleanupMinInterval: cfg.CleanupMinInterval,
		ListenAddress:      cfg.ListenAddress,
		Logger:             log,
	})
}

// newSessionManager builds the full session stack: port registry, session
// registry, one adapter driver per configured language, and the lifecycle
// manager tying them together.
func newSessionManager(cfg config.Config, log logr.Logger) (*session.Manager, *session.Registry, *portreg.Registry, error) {
	ports, portsErr := newPortRegistry(cfg, log)
	if portsErr != nil {
		return nil, nil, nil, portsErr
	}

	executor := process.NewOSExecutor(log)
	drivers := make(map[string]session.AdapterDriver, len(cfg.Adapters))
	profiles := make(map[string]session.PortProfile, len(cfg.Adapters))
	for language, settings := range cfg.Adapters {
		driver, driverErr := dap.NewDriver(log, language, dap.AdapterConfig{
			Args:              settings.Command,
			Env:               settings.Env,
			ConnectionTimeout: settings.ConnectionTimeout,
			LaunchRequest:     settings.LaunchRequest,
		}, executor)
		if driverErr != nil {
			ports.Close()
			return nil, nil, nil, fmt.Errorf("could not set up %s adapter driver: %w", language, driverErr)
		}
		drivers[language] = driver

		ranges, rangeErr := config.ParseRanges(settings.FallbackRanges)
		if rangeErr != nil {
			ports.Close()
			return nil, nil, nil, fmt.Errorf("adapter %q: %w", language, rangeErr)
		}
		profiles[language] = session.PortProfile{
			DefaultPort:    settings.DefaultPort,
			FallbackRanges: ranges,
		}
	}

	sessions := session.NewRegistry(session.MostRecentChildPolicy{}, log)
	manager := session.NewManager(session.ManagerConfig{
		Ports:              ports,
		Sessions:           sessions,
		Drivers:            drivers,
		Dial:               dap.NewTCPDialer(log),
		PortProfiles:       profiles,
		PendingTaskTimeout: cfg.PendingTaskTimeout,
		Logger:             log,
	})

	return manager, sessions, ports, nil
}
