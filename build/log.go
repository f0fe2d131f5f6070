package build

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btclog/v2"
)

// NewSubLogger returns the logger genSubLogger makes for subsystem, or a
// disabled one without a generator. Packages start out disabled until the
// daemon calls their UseLogger.
func NewSubLogger(subsystem string,
	genSubLogger func(string) btclog.Logger) btclog.Logger {

	if genSubLogger != nil {
		return genSubLogger(subsystem)
	}

	return btclog.Disabled
}

// SubLoggers maps subsystem names to their loggers.
type SubLoggers map[string]btclog.Logger

// LeveledSubLogger is a set of subsystem loggers whose levels can be set
// one by one or all at once.
type LeveledSubLogger interface {
	SubLoggers() SubLoggers

	// SupportedSubsystems returns the sorted subsystem names.
	SupportedSubsystems() []string

	SetLogLevel(subsystemID string, logLevel string)
	SetLogLevels(logLevel string)
}

// ParseAndSetDebugLevels applies a --debuglevel value. A leading entry
// without '=' sets every subsystem, the following subsystem=level pairs
// override single subsystems.
func ParseAndSetDebugLevels(level string, logger LeveledSubLogger) error {
	pairs := strings.Split(level, ",")

	if global := pairs[0]; !strings.Contains(global, "=") {
		if !validLogLevel(global) {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", global)
		}
		logger.SetLogLevels(global)

		pairs = pairs[1:]
	}

	subLoggers := logger.SubLoggers()
	for _, pair := range pairs {
		subsystem, lvl, ok := strings.Cut(pair, "=")
		if !ok || strings.Contains(lvl, "=") {
			return fmt.Errorf("the specified debug level has an "+
				"invalid format [%v], use format "+
				"subsystem1=level1,subsystem2=level2", pair)
		}

		if _, ok := subLoggers[subsystem]; !ok {
			return fmt.Errorf("the specified subsystem [%v] is "+
				"invalid, supported subsystems are %v",
				subsystem, logger.SupportedSubsystems())
		}
		if !validLogLevel(lvl) {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", lvl)
		}

		logger.SetLogLevel(subsystem, lvl)
	}

	return nil
}

// validLogLevel reports whether btclog knows the level.
func validLogLevel(logLevel string) bool {
	_, ok := btclog.LevelFromString(logLevel)
	return ok
}
