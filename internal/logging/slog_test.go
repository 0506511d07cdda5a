package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// lastJSON decodes the newest JSON record in buf.
func lastJSON(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &rec))
	return rec
}

func TestSetup_GraylogReceivesJSON(t *testing.T) {
	var file, gelf bytes.Buffer
	m := NewSlogManager()
	m.Setup(Options{File: &file, Level: "info", Graylog: &gelf})

	m.Logger().Debug("below level")
	m.Logger().Warn("relay lagging", "room", "lab")

	assert.Contains(t, file.String(), "msg=\"relay lagging\"")
	assert.NotContains(t, gelf.String(), "below level")
	rec := lastJSON(t, &gelf)
	assert.Equal(t, "relay lagging", rec["msg"])
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "lab", rec["room"])
}

func TestSetup_JSONTimestampsAreUTC(t *testing.T) {
	var buf bytes.Buffer
	m := NewSlogManager()
	m.Setup(Options{File: &buf, Level: "debug", JSON: true})
	m.Logger().Debug("tick")

	rec := lastJSON(t, &buf)
	ts, ok := rec["time"].(string)
	require.True(t, ok)
	parsed, err := time.Parse(time.RFC3339, ts)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, parsed.Location())
}

func TestSetup_FileKeepsConsoleQuiet(t *testing.T) {
	console, err := os.CreateTemp(t.TempDir(), "stdout")
	require.NoError(t, err)
	orig := osStdout
	osStdout = console
	t.Cleanup(func() { osStdout = orig })

	var file bytes.Buffer
	m := NewSlogManager()
	m.Setup(Options{File: &file, Level: "info"})
	m.Logger().Info("to file")

	written, err := os.ReadFile(console.Name())
	require.NoError(t, err)
	assert.Empty(t, written)
	assert.Contains(t, file.String(), "to file")
}

func TestSetup_ContextEvaluatedPerRecord(t *testing.T) {
	var buf bytes.Buffer
	client := "alice"
	m := NewSlogManager()
	m.Setup(Options{File: &buf, Level: "info", Context: func() []slog.Attr {
		return []slog.Attr{slog.String("client", client)}
	}})

	m.Logger().Info("first")
	client = "bob"
	m.Logger().Info("second")

	out := buf.String()
	assert.Contains(t, out, "msg=first client=alice")
	assert.Contains(t, out, "msg=second client=bob")
}

func TestStaticContext_SurvivesDerivedLoggers(t *testing.T) {
	var buf bytes.Buffer
	h := NewContextHandler(slog.NewTextHandler(&buf, nil), StaticContext(slog.String("room", "lab")))
	logger := slog.New(h).With("client", "alice").WithGroup("")

	logger.Info("joined")

	out := buf.String()
	assert.Contains(t, out, "client=alice")
	assert.Contains(t, out, "room=lab")
}

type failingHandler struct {
	slog.Handler
	err error
}

func (h failingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h failingHandler) Handle(context.Context, slog.Record) error { return h.err }

func TestMultiHandler_JoinsSinkErrors(t *testing.T) {
	var buf bytes.Buffer
	gelfDown := errors.New("gelf: connection refused")
	otlpDown := errors.New("otlp: exporter closed")
	multi := NewMultiHandler(
		failingHandler{err: gelfDown},
		nil,
		slog.NewTextHandler(&buf, nil),
		failingHandler{err: otlpDown},
	)

	err := multi.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "still written", 0))

	assert.ErrorIs(t, err, gelfDown)
	assert.ErrorIs(t, err, otlpDown)
	assert.Contains(t, buf.String(), "still written")
}

func TestSetup_OTelBridgeFlushes(t *testing.T) {
	provider := sdklog.NewLoggerProvider()
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	var buf bytes.Buffer
	m := NewSlogManager()
	m.Setup(Options{File: &buf, Level: "info", Provider: provider, ServiceName: "scenesync-relay"})
	m.Logger().Info("bridged")

	assert.Contains(t, buf.String(), "bridged")
	assert.NoError(t, m.Flush(context.Background()))
	assert.NoError(t, NewSlogManager().Flush(context.Background()))
}

func TestWriteLog_UsesNamedLevel(t *testing.T) {
	var buf bytes.Buffer
	m := NewSlogManager()
	m.WriteLog("ignored", "before setup", "ERROR")
	m.Setup(Options{File: &buf, Level: "warn"})

	m.WriteLog("loadRoom", "cache miss", "info")
	m.WriteLog("loadRoom", "room missing", "error")

	out := buf.String()
	assert.NotContains(t, out, "cache miss")
	assert.Contains(t, out, "level=ERROR msg=\"room missing\" function=loadRoom")
}
