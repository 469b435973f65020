package logger

import (
	"fmt"
	"sync"
	"time"
)

// ProgressTracker logs the progress of a long-running batch at a fixed interval
type ProgressTracker struct {
	logger      Logger
	operation   string
	total       int64
	current     int64
	failed      int64
	startTime   time.Time
	lastLogTime time.Time
	logInterval time.Duration
	mutex       sync.Mutex
}

// ProgressConfig configures progress tracking behavior
type ProgressConfig struct {
	Operation   string        `json:"operation"`
	Total       int64         `json:"total"`
	LogInterval time.Duration `json:"log_interval"`
	Logger      Logger        `json:"-"`
}

// NewProgressTracker creates a new progress tracker
func NewProgressTracker(config ProgressConfig) *ProgressTracker {
	if config.Logger == nil {
		config.Logger = GetGlobalLogger()
	}
	if config.LogInterval == 0 {
		config.LogInterval = 5 * time.Second
	}

	now := time.Now()
	tracker := &ProgressTracker{
		logger:      config.Logger.WithComponent("progress"),
		operation:   config.Operation,
		total:       config.Total,
		startTime:   now,
		lastLogTime: now,
		logInterval: config.LogInterval,
	}

	tracker.logger.WithFields(Fields{
		"operation": config.Operation,
		"total":     config.Total,
	}).Debug("Starting operation")

	return tracker
}

// Increment records one processed item; failed items are counted separately
func (p *ProgressTracker) Increment(failed bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.current++
	if failed {
		p.failed++
	}

	now := time.Now()
	if now.Sub(p.lastLogTime) >= p.logInterval {
		p.logger.WithFields(p.fieldsLocked(now)).Info("Operation progress")
		p.lastLogTime = now
	}
}

// Complete logs the final statistics and returns them
func (p *ProgressTracker) Complete() ProgressStats {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	now := time.Now()
	p.logger.WithFields(p.fieldsLocked(now)).Debug("Operation completed")
	return p.statsLocked(now)
}

func (p *ProgressTracker) fieldsLocked(now time.Time) Fields {
	stats := p.statsLocked(now)
	return Fields{
		"operation": p.operation,
		"total":     stats.Total,
		"processed": stats.Current,
		"failed":    stats.Failed,
		"rate":      fmt.Sprintf("%.2f/sec", stats.Rate),
	}
}

func (p *ProgressTracker) statsLocked(now time.Time) ProgressStats {
	duration := now.Sub(p.startTime)
	var rate float64
	if duration > 0 {
		rate = float64(p.current) / duration.Seconds()
	}
	return ProgressStats{
		Operation: p.operation,
		Total:     p.total,
		Current:   p.current,
		Failed:    p.failed,
		Duration:  duration,
		Rate:      rate,
	}
}

// ProgressStats is a point-in-time view of a tracker
type ProgressStats struct {
	Operation string        `json:"operation"`
	Total     int64         `json:"total"`
	Current   int64         `json:"current"`
	Failed    int64         `json:"failed"`
	Duration  time.Duration `json:"duration"`
	Rate      float64       `json:"rate"`
}

func (ps ProgressStats) String() string {
	return fmt.Sprintf("%s: %d/%d processed (%d failed) at %.2f/sec, elapsed: %v",
		ps.Operation, ps.Current, ps.Total, ps.Failed, ps.Rate, ps.Duration)
}

// OperationLogger provides structured logging for a multi-step operation with timing
type OperationLogger struct {
	logger    Logger
	operation string
	fields    Fields
	startTime time.Time
}

// NewOperationLogger creates a new operation logger
func NewOperationLogger(operation string, logger Logger) *OperationLogger {
	if logger == nil {
		logger = GetGlobalLogger()
	}

	ol := &OperationLogger{
		logger:    logger,
		operation: operation,
		fields:    Fields{"operation": operation},
		startTime: time.Now(),
	}

	ol.logger.WithFields(ol.fields).Debug("Starting operation")
	return ol
}

// WithField adds a field to every subsequent log line of the operation
func (ol *OperationLogger) WithField(key string, value interface{}) *OperationLogger {
	ol.fields[key] = value
	return ol
}

// Step logs a named phase of the operation with extra fields
func (ol *OperationLogger) Step(step string, fields Fields) {
	merged := ol.merge(fields)
	merged["step"] = step
	merged["elapsed"] = time.Since(ol.startTime).String()
	ol.logger.WithFields(merged).Debug("Operation step")
}

// Success completes the operation successfully
func (ol *OperationLogger) Success(message string, fields Fields) {
	merged := ol.merge(fields)
	merged["duration"] = time.Since(ol.startTime).String()
	merged["status"] = "success"
	ol.logger.WithFields(merged).Info(message)
}

// Error completes the operation with an error
func (ol *OperationLogger) Error(err error, message string) {
	merged := ol.merge(nil)
	merged["duration"] = time.Since(ol.startTime).String()
	merged["status"] = "error"
	ol.logger.WithError(err).WithFields(merged).Error(message)
}

func (ol *OperationLogger) merge(extra Fields) Fields {
	merged := make(Fields, len(ol.fields)+len(extra))
	for k, v := range ol.fields {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

// TimedOperation executes a function and logs timing information
func TimedOperation(operation string, logger Logger, fn func() error) error {
	ol := NewOperationLogger(operation, logger)

	if err := fn(); err != nil {
		ol.Error(err, "Operation failed")
		return err
	}

	ol.Success("Operation completed", nil)
	return nil
}
