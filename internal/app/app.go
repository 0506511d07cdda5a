// Package app assembles the process-wide services shared by the binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/inviso/scenesync/internal/config"
	"github.com/inviso/scenesync/internal/influx"
	"github.com/inviso/scenesync/internal/logging"
	"github.com/inviso/scenesync/internal/monitor"
	intOtel "github.com/inviso/scenesync/internal/otel"
)

// Runtime bundles the ambient services of a process: logging, OTel,
// InfluxDB and the status monitor.
type Runtime struct {
	Logs    *logging.SlogManager
	OTel    *intOtel.Provider
	Influx  *influx.Manager
	Monitor *monitor.Service
	// LoopLog is set when logFormat is json.
	LoopLog *logging.DispatcherLogger
	closers []io.Closer
}

// Setup builds the runtime from the loaded config. Version is logged on
// startup.
func Setup(program, version string, attrs []attribute.KeyValue) (_ *Runtime, err error) {
	rt := &Runtime{Logs: logging.NewSlogManager()}
	defer func() {
		if err != nil {
			rt.closeFiles()
		}
	}()
	start := time.Now()
	logsDir := config.GetString("logsDir")
	level := config.GetString("logLevel")
	jsonFormat := config.GetString("logFormat") == "json"

	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating logs dir: %w", err)
	}
	logFile, err := os.OpenFile(logging.LogFilePath(logsDir, program, start), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	rt.closers = append(rt.closers, logFile)

	ocfg := config.GetOTelConfig()
	otelCfg := intOtel.Config{
		Enabled:      ocfg.Enabled,
		ServiceName:  ocfg.ServiceName,
		BatchTimeout: ocfg.BatchTimeout,
		Endpoint:     ocfg.Endpoint,
		Insecure:     ocfg.Insecure,
		Attributes:   append([]attribute.KeyValue{attribute.String("program", program)}, attrs...),
	}
	if ocfg.Enabled {
		otelFile, err := os.OpenFile(filepath.Join(logsDir, program+".otel.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening otel log file: %w", err)
		}
		rt.closers = append(rt.closers, otelFile)
		otelCfg.LogWriter = otelFile
	}
	if rt.OTel, err = intOtel.New(otelCfg); err != nil {
		return nil, err
	}

	opts := logging.Options{
		File:        io.MultiWriter(logFile, os.Stdout),
		Level:       level,
		JSON:        jsonFormat,
		Provider:    rt.OTel.LoggerProvider(),
		ServiceName: ocfg.ServiceName,
		Context:     logging.StaticContext(otelAttrs(attrs)...),
	}
	if config.GetBool("graylog.enabled") {
		gw, err := logging.NewGraylogWriter(config.GetString("graylog.address"), program)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, gw)
		opts.Graylog = gw
	}
	rt.Logs.Setup(opts)
	logger := rt.Logs.Logger()
	logger.Info("Starting up", "program", program, "version", version)

	if jsonFormat {
		rt.LoopLog = logging.NewDispatcherLogger(logging.NewZerolog(logFile, level))
	}

	zl := logging.NewZerolog(logFile, level)
	backup := config.GetString("influx.backupPath")
	if backup == "" {
		backup = filepath.Join(logsDir, program+".influx_backup.log.gz")
	}
	rt.Influx = influx.NewManager(zl, backup)
	var writer monitor.PointWriter
	if err := rt.Influx.Connect(context.Background()); err == nil {
		writer = rt.Influx
	} else if !errors.Is(err, influx.ErrDisabled) {
		logger.Warn("InfluxDB unavailable", "error", err)
	}
	rt.Monitor = monitor.NewService(monitor.Dependencies{
		Logger:     logger,
		Influx:     writer,
		StatusFile: filepath.Join(logsDir, program+".status.json"),
		Interval:   config.GetDuration("monitor.interval"),
	})
	return rt, nil
}

func otelAttrs(attrs []attribute.KeyValue) []slog.Attr {
	out := make([]slog.Attr, 0, len(attrs))
	for _, kv := range attrs {
		out = append(out, slog.String(string(kv.Key), kv.Value.Emit()))
	}
	return out
}

// Close flushes and closes everything Setup opened.
func (rt *Runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Influx.Close(); err != nil {
		rt.Logs.Logger().Warn("closing influx", "error", err)
	}
	_ = rt.Logs.Flush(ctx)
	_ = rt.OTel.Shutdown(ctx)
	rt.closeFiles()
}

func (rt *Runtime) closeFiles() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		_ = rt.closers[i].Close()
	}
}
