// Package internaldefs holds the shared metric name and help-text table used
// by the Prometheus and OpenTelemetry exporters. It exists so the two
// exporters never drift apart; application code should not import it.
package internaldefs
