// Package scheduler implements the Scheduler Plugin (C7): the
// cluster-wide authority for a logical shuffle's current RunID and
// output-partition-to-worker mapping. It assigns a strictly increasing
// RunID on each execution of a shuffle, drives the barrier across every
// participating worker, collects heartbeats, and reacts to worker loss by
// failing every affected shuffle and fanning that failure out to the
// remaining participants (spec.md §4.7).
//
// HealthMonitor (health.go) is Torua's internal/coordinator/health_monitor.go
// adapted in place: the same ticker-driven polling and consecutive-failure
// tracking, with its unhealthy callback rewired from shard rebalancing to
// Plugin.RemoveWorker.
package scheduler
