// Package telemetry wraps OpenTelemetry SDK initialization, giving the
// router a centrally configured TracerProvider and MeterProvider. When
// telemetry is disabled, a noop implementation is used and nothing
// connects to an external collector.
package telemetry
