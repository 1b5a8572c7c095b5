// Package common holds the pieces shared by every server role: the process
// configuration, the logger factory installed into dragonboat's logger
// package, and the metrics registry.
//
// Key Components:
//
//   - ServerConfig: typed configuration with defaults, validation and a
//     human readable String(). SegBuilder() turns the storage section into a
//     seg.Builder.
//
//   - InitLoggers: installs the "LEVEL | pkg | message" logger and applies the
//     configured level to every named package logger.
//
//   - Metrics: explicit registry object handed to the engine and the runtime.
//     Counters and gauges live in a VictoriaMetrics set, latency timers in a
//     go-metrics registry. Describe() lists everything for --stats and
//     WritePrometheus() serves the admin endpoint.
package common
