// Package service runs the build daemon.
//
// A Daemon owns one build.Supervisor. Every captured line goes to the
// events.Broker (live subscribers) and the metrics.Collector, every job
// start and terminal transition to the collector and, when enabled, to the
// SQLite history:
//
//	api.Server --> build.Supervisor --lines--> events.Broker, metrics.Collector
//	                      |
//	                      +--start/finish--> metrics.Collector, store.Store
//
// Retention is driven by gocron: each sweep prunes finished jobs older than
// retention.max_age from memory and deletes history rows older than
// retention.history_age. Sweeps never overlap.
//
// On shutdown the HTTP server stops first, then running builds are
// cancelled and their output drained, then the history is closed.
package service
