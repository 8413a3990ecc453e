package reaper

import (
	"github.com/p-arndt/sandpress/internal/lifecycle"
	"github.com/p-arndt/sandpress/internal/store"
)

// ReaperStore abstracts store operations needed by the reaper.
type ReaperStore interface {
	LatestRun() (*store.Run, error)
	LiveHandles(runID string) ([]store.HandleRecord, error)
	DropHandle(runID, id string) error
}

// Observer receives the outcome of every kill.
type Observer interface {
	Observe(o lifecycle.Outcome)
}
