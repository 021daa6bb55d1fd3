package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// recordingSink buffers log output and counts flushes.
type recordingSink struct {
	bytes.Buffer
	syncs int
}

func (s *recordingSink) Sync() error {
	s.syncs++
	return nil
}

func newRecordingLogger() (*zap.Logger, *recordingSink) {
	sink := &recordingSink{}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), sink, zap.DebugLevel)
	return zap.New(core), sink
}

func TestExitCode_FailedRunIsLoggedAndFlushed(t *testing.T) {
	// GIVEN: A run that ended with an error
	// WHEN: Computing the exit code
	// THEN: The error is logged, the logger is flushed and the code is 1

	logger, sink := newRecordingLogger()

	code := exitCode(logger, errors.New("initialize database: disk full"))

	assert.Equal(t, 1, code)
	assert.Equal(t, 1, sink.syncs)
	assert.Contains(t, sink.String(), "server exited")
	assert.Contains(t, sink.String(), "disk full")
}

func TestExitCode_CleanRun(t *testing.T) {
	logger, sink := newRecordingLogger()

	code := exitCode(logger, nil)

	assert.Zero(t, code)
	assert.Equal(t, 1, sink.syncs)
	assert.Empty(t, sink.String())
}
