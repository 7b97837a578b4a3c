package logger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Component name constants for standardized logging
const (
	ComponentConnector    = "Connector"
	ComponentConnection   = "ConnectionManager"
	ComponentResolver     = "AddressSpaceResolver"
	ComponentRegistry     = "DeviceRegistry"
	ComponentSubscription = "SubscriptionManager"
	ComponentPipeline     = "DataPipeline"
	ComponentDispatcher   = "CommandDispatcher"
	ComponentConverter    = "Converter"
	ComponentGateway      = "Gateway"
)

var (
	initOnce sync.Once
	base     *zap.Logger
	level    zap.AtomicLevel
)

func initBase() {
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)

	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	base = logger
}

// For returns a component-specific sugared logger. All component loggers share
// one core and one atomic level, so SetLevel affects loggers handed out earlier.
func For(component string) *zap.SugaredLogger {
	initOnce.Do(initBase)
	return base.Named(component).Sugar()
}

// SetLevel adjusts the global log level, accepting the usual zap level names
// ("debug", "info", "warn", "error"). Unknown names are ignored.
func SetLevel(name string) {
	initOnce.Do(initBase)
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return
	}
	level.SetLevel(l)
}

// Sync flushes any buffered log entries. Call on shutdown.
func Sync() {
	initOnce.Do(initBase)
	_ = base.Sync()
}
