// Package monitor periodically samples running counters, logs them and
// forwards them to InfluxDB and a status file.
package monitor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/inviso/scenesync/internal/influx"
)

const DefaultInterval = 10 * time.Second

// PointWriter is satisfied by *influx.Manager.
type PointWriter interface {
	WritePoint(bucket string, point *influxdb2_write.Point) error
}

// Source is one sampled component. Sample must be safe to call from the
// monitor goroutine.
type Source struct {
	Measurement string
	Bucket      string
	Tags        map[string]string
	Sample      func() map[string]any
}

// Status is one sampled row.
type Status struct {
	Measurement string            `json:"measurement"`
	Tags        map[string]string `json:"tags,omitempty"`
	Fields      map[string]any    `json:"fields"`
	Time        time.Time         `json:"time"`
}

// Dependencies holds all dependencies for the monitor service. Influx and
// StatusFile are optional.
type Dependencies struct {
	Logger     *slog.Logger
	Influx     PointWriter
	StatusFile string
	Interval   time.Duration
}

// Service manages status monitoring.
type Service struct {
	deps Dependencies

	mu        sync.RWMutex
	sources   []Source
	isRunning bool
	stopChan  chan struct{}
	done      chan struct{}
}

func NewService(deps Dependencies) *Service {
	if deps.Interval <= 0 {
		deps.Interval = DefaultInterval
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{deps: deps}
}

// Add registers a source. Sources added while running are picked up on the
// next tick.
func (s *Service) Add(src Source) {
	if src.Bucket == "" {
		src.Bucket = influx.BucketSession
	}
	s.mu.Lock()
	s.sources = append(s.sources, src)
	s.mu.Unlock()
}

func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Sample takes one reading of every source and forwards it.
func (s *Service) Sample(now time.Time) []Status {
	s.mu.RLock()
	sources := append([]Source(nil), s.sources...)
	s.mu.RUnlock()

	out := make([]Status, 0, len(sources))
	for _, src := range sources {
		st := Status{Measurement: src.Measurement, Tags: src.Tags, Fields: src.Sample(), Time: now}
		out = append(out, st)

		s.deps.Logger.Debug("status sample", "measurement", st.Measurement, "fields", st.Fields)
		if s.deps.Influx == nil {
			continue
		}
		point := influx.NewPoint(st.Measurement, st.Tags, st.Fields, now)
		if err := s.deps.Influx.WritePoint(src.Bucket, point); err != nil {
			s.deps.Logger.Warn("status write failed", "measurement", st.Measurement, "error", err)
		}
	}

	if s.deps.StatusFile != "" {
		if err := writeStatusFile(s.deps.StatusFile, out); err != nil {
			s.deps.Logger.Error("Error writing status file", "error", err)
		}
	}
	return out
}

func writeStatusFile(path string, rows []Status) error {
	body, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(body, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Start starts the monitor goroutine. Starting twice is a no-op.
func (s *Service) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stopChan, s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.deps.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				s.Sample(now)
			}
		}
	}()
}

// Stop stops the goroutine and waits for it.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopChan)
	done := s.done
	s.mu.Unlock()
	<-done
}
