package otel

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/attribute"
)

func TestNew_Disabled(t *testing.T) {
	p, err := New(Config{})
	require.NoError(t, err)
	assert.False(t, p.Enabled())
	assert.Nil(t, p.LoggerProvider())
	assert.NoError(t, p.Flush(context.Background()))
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNew_EnabledWithoutExporter(t *testing.T) {
	_, err := New(Config{Enabled: true, ServiceName: "scenesync"})
	assert.ErrorIs(t, err, ErrNoExporter)
}

func TestNew_FileExporter(t *testing.T) {
	var buf bytes.Buffer
	p, err := New(Config{
		Enabled:     true,
		ServiceName: "scenesync-relay",
		LogWriter:   &buf,
		Attributes:  []attribute.KeyValue{attribute.String("room", "lab")},
	})
	require.NoError(t, err)
	require.NotNil(t, p.LoggerProvider())

	logger := otelslog.NewLogger("test", otelslog.WithLoggerProvider(p.LoggerProvider()))
	logger.Info("exported record")

	require.NoError(t, p.Flush(context.Background()))
	assert.Contains(t, buf.String(), "exported record")
	assert.Contains(t, buf.String(), "scenesync-relay")
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestMeter_IsUsable(t *testing.T) {
	p, err := New(Config{})
	require.NoError(t, err)
	counter, err := p.Meter("test").Int64Counter("things")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)
}
