package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingProvider struct {
	errors, warns, infos, debugs int
}

func (r *recordingProvider) Error(format string, args ...interface{}) { r.errors++ }
func (r *recordingProvider) Warn(format string, args ...interface{})  { r.warns++ }
func (r *recordingProvider) Info(format string, args ...interface{})  { r.infos++ }
func (r *recordingProvider) Debug(format string, args ...interface{}) { r.debugs++ }

func TestGateSuppressesWhenDisabled(t *testing.T) {
	rec := &recordingProvider{}
	g := New(rec)

	g.Error("x")
	g.Warn("x")
	g.Info("x")
	g.Debug("x")
	assert.Equal(t, 0, rec.errors+rec.warns+rec.infos+rec.debugs)
}

func TestGatePassesThroughWhenEnabled(t *testing.T) {
	rec := &recordingProvider{}
	g := New(rec)
	g.SetEnabled(true)

	g.Error("x")
	g.Warn("x")
	g.Info("x")
	g.Debug("x")
	assert.Equal(t, 1, rec.errors)
	assert.Equal(t, 1, rec.warns)
	assert.Equal(t, 1, rec.infos)
	assert.Equal(t, 1, rec.debugs)
}

func TestSetProviderIgnoresNil(t *testing.T) {
	rec := &recordingProvider{}
	g := New(rec)
	g.SetProvider(nil)
	g.SetEnabled(true)
	g.Error("x")
	assert.Equal(t, 1, rec.errors)
}
