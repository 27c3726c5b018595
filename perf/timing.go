// Package perf provides performance measurement utilities for the photo
// pipeline.
package perf

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Timer tracks operation timing for performance analysis.
type Timer struct {
	name      string
	startTime time.Time
	logger    logrus.FieldLogger
}

// Start begins timing an operation.
func Start(name string, logger logrus.FieldLogger) *Timer {
	return &Timer{
		name:      name,
		startTime: time.Now(),
		logger:    logger,
	}
}

// Stop ends timing and logs the duration.
func (t *Timer) Stop() time.Duration {
	duration := time.Since(t.startTime)
	if t.logger != nil {
		t.logger.WithFields(logrus.Fields{
			"operation":   t.name,
			"duration_ms": duration.Milliseconds(),
		}).Info("operation completed")
	}
	return duration
}

// StopWithThreshold logs a warning if duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	duration := time.Since(t.startTime)
	fields := logrus.Fields{
		"operation":   t.name,
		"duration_ms": duration.Milliseconds(),
	}
	if t.logger != nil {
		if duration > threshold {
			t.logger.WithFields(fields).Warn("operation exceeded threshold")
		} else {
			t.logger.WithFields(fields).Debug("operation completed")
		}
	}
	return duration
}

// JobTimings accumulates per-stage durations for one pipeline job.
type JobTimings struct {
	mu sync.Mutex

	stages map[string]time.Duration
	Total  time.Duration
}

// NewJobTimings creates a new timing accumulator.
func NewJobTimings() *JobTimings {
	return &JobTimings{stages: make(map[string]time.Duration)}
}

// RecordStage adds a stage handler's duration.
func (m *JobTimings) RecordStage(stage string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages[stage] += duration
}

// Fields returns the timings as structured log fields.
func (m *JobTimings) Fields() logrus.Fields {
	m.mu.Lock()
	defer m.mu.Unlock()

	fields := logrus.Fields{
		"total_ms": m.Total.Milliseconds(),
	}
	for name, d := range m.stages {
		fields["stage_"+name+"_ms"] = d.Milliseconds()
	}
	return fields
}
