package observability

import (
	"time"
)

// NoopLogger is a logger that does nothing
type NoopLogger struct{}

// NewNoopLogger creates a new NoopLogger
func NewNoopLogger() Logger {
	return &NoopLogger{}
}

func (l *NoopLogger) Debug(msg string, fields map[string]interface{}) {}
func (l *NoopLogger) Info(msg string, fields map[string]interface{})  {}
func (l *NoopLogger) Warn(msg string, fields map[string]interface{})  {}
func (l *NoopLogger) Error(msg string, fields map[string]interface{}) {}
func (l *NoopLogger) Fatal(msg string, fields map[string]interface{}) {}

func (l *NoopLogger) Debugf(format string, args ...interface{}) {}
func (l *NoopLogger) Infof(format string, args ...interface{})  {}
func (l *NoopLogger) Warnf(format string, args ...interface{})  {}
func (l *NoopLogger) Errorf(format string, args ...interface{}) {}
func (l *NoopLogger) Fatalf(format string, args ...interface{}) {}

func (l *NoopLogger) WithPrefix(prefix string) Logger          { return l }
func (l *NoopLogger) With(fields map[string]interface{}) Logger { return l }

// NoopMetricsClient is a metrics client that does nothing
type NoopMetricsClient struct{}

// NewNoopMetricsClient creates a new NoopMetricsClient
func NewNoopMetricsClient() MetricsClient {
	return &NoopMetricsClient{}
}

func (m *NoopMetricsClient) RecordEvent(source, eventType string)                           {}
func (m *NoopMetricsClient) RecordLatency(operation string, duration time.Duration)         {}
func (m *NoopMetricsClient) RecordCounter(name string, value float64, l map[string]string)  {}
func (m *NoopMetricsClient) RecordGauge(name string, value float64, l map[string]string)    {}
func (m *NoopMetricsClient) RecordHistogram(name string, value float64, l map[string]string) {}
func (m *NoopMetricsClient) RecordTimer(name string, d time.Duration, l map[string]string)  {}
func (m *NoopMetricsClient) RecordAPIOperation(method, endpoint string, statusCode int, d time.Duration) {
}

func (m *NoopMetricsClient) StartTimer(name string, labels map[string]string) func() {
	return func() {}
}
func (m *NoopMetricsClient) IncrementCounter(name string, value float64)                           {}
func (m *NoopMetricsClient) IncrementCounterWithLabels(name string, v float64, l map[string]string) {}
func (m *NoopMetricsClient) RecordDuration(name string, duration time.Duration)                    {}

func (m *NoopMetricsClient) Close() error { return nil }
