package signal

import (
	"go.mau.fi/libsignal/logger"
	"go.uber.org/zap"
)

func init() {
	SetLogger(zap.NewNop())
}

// SetLogger routes libsignal's log output to log. Failures are returned to the
// caller as errors as well, so everything lands at debug level. libsignal's
// own debug lines dump whole records and are dropped.
func SetLogger(log *zap.Logger) {
	var l logger.Loggable = zapLoggable{log: log}
	logger.Setup(&l)
}

type zapLoggable struct {
	log *zap.Logger
}

func (z zapLoggable) Debug(string, string) {}

func (z zapLoggable) Info(caller, msg string) {
	z.log.Debug(msg, zap.String("caller", caller))
}

func (z zapLoggable) Warning(caller, msg string) {
	z.log.Debug(msg, zap.String("caller", caller), zap.String("level", "warning"))
}

func (z zapLoggable) Error(caller, msg string) {
	z.log.Debug(msg, zap.String("caller", caller), zap.String("level", "error"))
}

func (z zapLoggable) Configure(string) {}
