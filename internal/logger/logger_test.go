package logger_test

import (
	"testing"

	"github.com/m-mizutani/goerr/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hackgods/appointment-automation/internal/logger"
)

func TestErrLogsMessageOnly(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(core).Sugar()

	err := goerr.Wrap(goerr.New("smtp unavailable"), "send email", goerr.V("action_id", "a-1"))
	log.Errorw("dispatch failed", logger.Err(err), "attempt", 2)

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, err.Error(), fields["error"])
	assert.NotContains(t, fields, "errorVerbose")
	assert.Equal(t, int64(2), fields["attempt"])
}

func TestErrNil(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	zap.New(core).Sugar().Infow("ok", logger.Err(nil))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Empty(t, entries[0].ContextMap())
}
