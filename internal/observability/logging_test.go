package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_Defaults(t *testing.T) {
	t.Parallel()

	logger, err := NewLogger(LogConfig{})
	require.NoError(t, err)
	require.NotNil(t, logger)

	logger.Info("hello", String("k", "v"))
	assert.NoError(t, logger.Sync())
}

func TestNewLogger_ConsoleFormat(t *testing.T) {
	t.Parallel()

	logger, err := NewLogger(LogConfig{Level: "debug", Format: "console", Output: "stderr"})
	require.NoError(t, err)
	require.NotNil(t, logger)
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	t.Parallel()

	_, err := NewLogger(LogConfig{Level: "verbose"})
	assert.Error(t, err)
}

func TestNewLogger_InvalidFormat(t *testing.T) {
	t.Parallel()

	_, err := NewLogger(LogConfig{Format: "xml"})
	assert.Error(t, err)
}

func TestLogger_With(t *testing.T) {
	t.Parallel()

	logger, err := NewLogger(LogConfig{})
	require.NoError(t, err)

	child := logger.With(String("component", "registry"))
	require.NotNil(t, child)
	child.Info("child logger works")
}

func TestLogger_WithContext(t *testing.T) {
	t.Parallel()

	logger := NopLogger()

	ctx := ContextWithRequestID(context.Background(), "req-123")
	child := logger.WithContext(ctx)
	require.NotNil(t, child)

	// No request id present: same logger comes back.
	same := logger.WithContext(context.Background())
	assert.Equal(t, logger, same)
}

func TestRequestIDFromContext(t *testing.T) {
	t.Parallel()

	assert.Empty(t, RequestIDFromContext(context.Background()))

	ctx := ContextWithRequestID(context.Background(), "abc-def")
	assert.Equal(t, "abc-def", RequestIDFromContext(ctx))
}

func TestGlobalLogger(t *testing.T) {
	logger := NopLogger()
	SetGlobalLogger(logger)
	assert.Equal(t, logger, GlobalLogger())
}

func TestUnderlying(t *testing.T) {
	t.Parallel()

	logger, err := NewLogger(LogConfig{})
	require.NoError(t, err)
	assert.NotNil(t, Underlying(logger))
	assert.NotNil(t, Underlying(NopLogger()))
}
