package driver

import "github.com/p-arndt/sandpress/internal/lifecycle"

// Observer receives every lifecycle outcome, in completion order.
type Observer interface {
	Observe(o lifecycle.Outcome)
}

// Tracker follows the set of handles owned by the run.
type Tracker interface {
	// Track is called when a handle enters the pool or changes state.
	Track(h lifecycle.Handle)
	// Drop is called when a handle is discarded after a failure.
	Drop(id string)
}

// Emitter publishes a statistics report.
type Emitter interface {
	Emit() error
}
