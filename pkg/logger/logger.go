// Package logger constructs the logr.Logger used throughout aidb.
//
// Console output goes to stderr. If AIDB_DIAGNOSTICS_LOG_FOLDER is set, a
// second core writes verbose diagnostics to a per-process log file in that
// folder.
package logger

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// Folder to write diagnostics logs to. Diagnostics logging is disabled when unset.
	DiagnosticsLogFolderEnvVar = "AIDB_DIAGNOSTICS_LOG_FOLDER"

	verbosityFlagName      = "verbosity"
	verbosityFlagShortName = "v"
)

type Logger struct {
	logr.Logger
	name        string
	atomicLevel zap.AtomicLevel
	flush       func()
}

// New creates a logger that writes human-readable output to stderr,
// plus a debug-level diagnostics file if AIDB_DIAGNOSTICS_LOG_FOLDER is set.
func New(name string) *Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig)

	consoleAtomicLevel := zap.NewAtomicLevel()
	consoleAtomicLevel.SetLevel(zapcore.InfoLevel)

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stderr), consoleAtomicLevel),
	}

	var diagErr error
	if diagCore, err := diagnosticsCore(name, encoderConfig); err == nil && diagCore != nil {
		cores = append(cores, diagCore)
	} else {
		diagErr = err
	}

	zapLogger := zap.New(zapcore.NewTee(cores...))
	log := zapr.NewLogger(zapLogger).WithName(name)

	if diagErr != nil {
		log.Error(diagErr, "failed to enable diagnostics log output")
		fmt.Fprintf(os.Stderr, "failed to enable diagnostics log output: %v\n", diagErr)
	}

	return &Logger{
		Logger:      log,
		name:        name,
		atomicLevel: consoleAtomicLevel,
		flush: func() {
			_ = zapLogger.Sync()
		},
	}
}

// SetLevel changes the minimum level of console output.
func (l *Logger) SetLevel(level zapcore.Level) {
	l.atomicLevel.SetLevel(level)
}

// Flush synchronizes buffered log output. Best effort.
func (l *Logger) Flush() {
	l.flush()
}

// AddVerbosityFlag registers the -v/--verbosity flag that raises console
// log verbosity when set.
func (l *Logger) AddVerbosityFlag(flags *pflag.FlagSet) {
	flags.VarP(newLevelFlagValue(l.atomicLevel), verbosityFlagName, verbosityFlagShortName,
		"Log verbosity level (0 = info only, higher values include debug output)")
}

// diagnosticsCore returns a debug-level file core, or (nil, nil) when
// diagnostics logging is not enabled.
func diagnosticsCore(name string, encoderConfig zapcore.EncoderConfig) (zapcore.Core, error) {
	folder, found := os.LookupEnv(DiagnosticsLogFolderEnvVar)
	if !found || folder == "" {
		return nil, nil
	}

	if err := os.MkdirAll(folder, 0o700); err != nil {
		return nil, fmt.Errorf("could not create diagnostics log folder: %w", err)
	}

	logPath := filepath.Join(folder, fmt.Sprintf("%s_%d.log", name, os.Getpid()))
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("could not open diagnostics log file: %w", err)
	}

	fileEncoder := zapcore.NewJSONEncoder(encoderConfig)
	return zapcore.NewCore(fileEncoder, zapcore.AddSync(f), zapcore.DebugLevel), nil
}
