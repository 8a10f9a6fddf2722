// Package redis connects to Redis and serves widget data that external agents
// publish there as snapshots.
//
// Every command passes through a metrics hook and a circuit breaker hook; while
// the breaker is open, reads of previously seen keys are answered from the last
// value.
package redis
