package build

import (
	"sync"

	"github.com/btcsuite/btclog/v2"
)

// ShutdownLogger is a logger whose critical messages request a shutdown of
// the daemon.
type ShutdownLogger struct {
	btclog.Logger

	shutdown func()
	once     sync.Once
}

// NewShutdownLogger wraps logger. The shutdown function is called once, on
// the first critical message.
func NewShutdownLogger(logger btclog.Logger, shutdown func()) *ShutdownLogger {
	return &ShutdownLogger{
		Logger:   logger,
		shutdown: shutdown,
	}
}

// requestShutdown calls the shutdown function the first time.
func (s *ShutdownLogger) requestShutdown() {
	s.once.Do(func() {
		s.Logger.Info("Sending request for shutdown")
		s.shutdown()
	})
}

// Criticalf logs at LevelCritical and requests a shutdown.
//
// NOTE: This is part of the btclog.Logger interface.
func (s *ShutdownLogger) Criticalf(format string, params ...interface{}) {
	s.Logger.Criticalf(format, params...)
	s.requestShutdown()
}

// Critical logs at LevelCritical and requests a shutdown.
//
// NOTE: This is part of the btclog.Logger interface.
func (s *ShutdownLogger) Critical(v ...interface{}) {
	s.Logger.Critical(v...)
	s.requestShutdown()
}
