package wsmux

import "go.uber.org/zap"

type Logger interface {
	Debugf(_ string, _ ...interface{})
	Infof(_ string, _ ...interface{})
	Warnf(_ string, _ ...interface{})
	Errorf(_ string, _ ...interface{})
}

type noopLoggerImpl struct{}

func (*noopLoggerImpl) Debugf(_ string, _ ...interface{}) {}
func (*noopLoggerImpl) Infof(_ string, _ ...interface{})  {}
func (*noopLoggerImpl) Warnf(_ string, _ ...interface{})  {}
func (*noopLoggerImpl) Errorf(_ string, _ ...interface{}) {}

var NoopLogger Logger = &noopLoggerImpl{}

// ZapLogger adapts a zap logger; a nil logger falls back to zap.L().
func ZapLogger(logger *zap.Logger) Logger {
	if logger == nil {
		logger = zap.L()
	}
	return logger.Sugar()
}
