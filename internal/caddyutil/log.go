package caddyutil

import (
	"sync"

	"go.uber.org/zap"
)

var (
	baseLoggerMu sync.Mutex
	baseLogger   *zap.Logger
)

// SetBaseLogger installs the *zap.Logger that Named derives subsystem
// loggers from. Call once during process startup; if never called,
// a production logger is lazily built on first use.
func SetBaseLogger(l *zap.Logger) {
	baseLoggerMu.Lock()
	defer baseLoggerMu.Unlock()
	baseLogger = l
}

// Named returns a subsystem logger, e.g. Named("log.acceptor"),
// Named("log.cache"), mirroring how caddyserver/caddy derives
// per-component loggers from a single root logger.
func Named(name string) *zap.Logger {
	baseLoggerMu.Lock()
	l := baseLogger
	baseLoggerMu.Unlock()
	if l == nil {
		var err error
		l, err = zap.NewProduction()
		if err != nil {
			l = zap.NewNop()
		}
		SetBaseLogger(l)
	}
	return l.Named(name)
}
