package logger

import (
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// levelFlagValue adapts a zap.AtomicLevel to a pflag.Value holding a
// non-negative logr verbosity. Verbosity N corresponds to zap level -N.
type levelFlagValue struct {
	verbosity int
	level     zap.AtomicLevel
}

func newLevelFlagValue(level zap.AtomicLevel) *levelFlagValue {
	return &levelFlagValue{level: level}
}

func (v *levelFlagValue) String() string {
	return strconv.Itoa(v.verbosity)
}

func (v *levelFlagValue) Set(s string) error {
	verbosity, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return err
	}
	v.verbosity = int(verbosity)
	v.level.SetLevel(zapcore.Level(-v.verbosity)) //nolint:gosec // bounded by ParseUint above
	return nil
}

func (v *levelFlagValue) Type() string {
	return "uint8"
}
