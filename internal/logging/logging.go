// Package logging constructs the structured zap logger used everywhere in
// this module, replacing the teacher's bare log.Printf calls with leveled,
// structured fields (shuffle_id, run_id, worker) so a shuffle run can be
// correlated across a worker fleet.
package logging

import "go.uber.org/zap"

// New builds a production-style zap logger (JSON encoding, info level) for
// normal operation, or a development logger (console encoding, debug
// level) when debug is true.
func New(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// Named returns a child logger tagged with component, the convention used
// throughout cmd/node and cmd/coordinator to distinguish subsystems in a
// shared process log.
func Named(logger *zap.Logger, component string) *zap.Logger {
	return logger.Named(component)
}
