package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/p-arndt/sandpress/internal/lifecycle"
	"github.com/p-arndt/sandpress/internal/report"
	"github.com/p-arndt/sandpress/internal/stats"
	"github.com/p-arndt/sandpress/internal/store"
)

// openJournal opens the run journal and registers runID. Both return values
// are nil when the journal is disabled.
func openJournal(runID string) (*store.Store, *store.Journal, error) {
	if cfg.JournalPath == "" {
		return nil, nil, nil
	}
	st, err := store.New(cfg.JournalPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open journal: %w", err)
	}
	if err := st.CreateRun(store.Run{ID: runID, Backend: cfg.Backend, StartedAt: time.Now()}); err != nil {
		st.Close()
		return nil, nil, err
	}
	return st, st.Journal(runID, log), nil
}

// newEmitter prints to stdout and appends to the CSV report when one is
// configured. The returned close func is never nil.
func newEmitter(rec *stats.Recorder, kinds []lifecycle.Kind) (*report.Emitter, func(), error) {
	label := strconv.Itoa(os.Getpid())
	if cfg.ReportPath == "" {
		return report.NewEmitter(rec, kinds, os.Stdout, nil, label), func() {}, nil
	}
	sink, err := report.OpenCSV(cfg.ReportPath)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := sink.Close(); err != nil {
			log.Error("close report", "path", cfg.ReportPath, "error", err)
		}
	}
	return report.NewEmitter(rec, kinds, os.Stdout, sink, label), closeFn, nil
}
