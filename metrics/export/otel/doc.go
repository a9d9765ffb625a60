// Package otel bridges authcore metrics into an OpenTelemetry meter via
// observable counters. The exporter registers one callback that reads a
// snapshot on each collection; it adds no per-operation overhead to the
// engine's hot paths.
package otel
