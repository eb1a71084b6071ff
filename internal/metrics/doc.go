// Package metrics carries quorumdb's ambient instrumentation. Two libraries
// cover two different jobs on purpose: rcrowley/go-metrics backs the
// counters and timers the cluster core updates inline on the hot path
// (state transitions, commits, replication latency), while
// VictoriaMetrics/metrics owns the process-wide /metrics HTTP exposition
// surface consumed by an operator's scrape target. Neither replaces the
// other: go-metrics has no built-in exposition format, and VictoriaMetrics's
// registry is a poor fit for the Timer/Histogram update calls sprinkled
// through the replication engine.
package metrics
