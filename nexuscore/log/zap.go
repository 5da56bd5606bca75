package log

import "go.uber.org/zap"

// ZapProvider adapts a *zap.SugaredLogger to Provider, the default
// backend this system ships with outside of tests.
type ZapProvider struct {
	sugar *zap.SugaredLogger
}

// NewZapProvider wraps an existing zap logger.
func NewZapProvider(logger *zap.Logger) ZapProvider {
	return ZapProvider{sugar: logger.Sugar()}
}

func (p ZapProvider) Error(format string, args ...interface{}) { p.sugar.Errorf(format, args...) }
func (p ZapProvider) Warn(format string, args ...interface{})  { p.sugar.Warnf(format, args...) }
func (p ZapProvider) Info(format string, args ...interface{})  { p.sugar.Infof(format, args...) }
func (p ZapProvider) Debug(format string, args ...interface{}) { p.sugar.Debugf(format, args...) }

var _ Provider = ZapProvider{}
