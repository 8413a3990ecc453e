package store

import (
	"log/slog"
	"time"

	"github.com/p-arndt/sandpress/internal/lifecycle"
)

// Journal binds the store to one run. Write failures are logged and never
// interrupt the load.
type Journal struct {
	store  *Store
	runID  string
	logger *slog.Logger
}

func (s *Store) Journal(runID string, logger *slog.Logger) *Journal {
	return &Journal{store: s, runID: runID, logger: logger}
}

func (j *Journal) Observe(o lifecycle.Outcome) {
	if err := j.store.InsertOutcome(j.runID, o, time.Now()); err != nil {
		j.logger.Error("journal: record outcome", "kind", o.Kind, "id", o.ID, "error", err)
	}
}

func (j *Journal) Track(h lifecycle.Handle) {
	if err := j.store.UpsertHandle(j.runID, h); err != nil {
		j.logger.Error("journal: track handle", "id", h.ID, "error", err)
	}
}

func (j *Journal) Drop(id string) {
	if err := j.store.DropHandle(j.runID, id); err != nil {
		j.logger.Error("journal: drop handle", "id", id, "error", err)
	}
}
