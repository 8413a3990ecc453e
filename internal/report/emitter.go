// Package report renders latency snapshots to the console and to an
// append-only CSV record.
package report

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"

	"github.com/p-arndt/sandpress/internal/lifecycle"
	"github.com/p-arndt/sandpress/internal/stats"
)

// Snapshotter is the read side of the latency recorder.
type Snapshotter interface {
	Snapshot(kind lifecycle.Kind) stats.Snapshot
}

// Sink persists snapshot rows.
type Sink interface {
	Write(at time.Time, snaps []stats.Snapshot) error
}

// Emitter prints the statistics block and forwards rows to the sink.
// Kinds without any attempt are skipped.
type Emitter struct {
	mu      sync.Mutex
	rec     Snapshotter
	kinds   []lifecycle.Kind
	out     io.Writer
	sink    Sink
	label   string
	started time.Time
	now     func() time.Time
}

// NewEmitter builds an emitter. sink may be nil.
func NewEmitter(rec Snapshotter, kinds []lifecycle.Kind, out io.Writer, sink Sink, label string) *Emitter {
	return &Emitter{
		rec:     rec,
		kinds:   kinds,
		out:     out,
		sink:    sink,
		label:   label,
		started: time.Now(),
		now:     time.Now,
	}
}

// Emit writes one report. Calls are serialized.
func (e *Emitter) Emit() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	at := e.now()
	var snaps []stats.Snapshot
	for _, k := range e.kinds {
		s := e.rec.Snapshot(k)
		if s.Attempts == 0 {
			continue
		}
		snaps = append(snaps, s)
	}

	fmt.Fprint(e.out, Format(e.label, at.Sub(e.started), snaps))

	if e.sink == nil || len(snaps) == 0 {
		return nil
	}
	return e.sink.Write(at, snaps)
}

// Format renders the console block.
func Format(label string, uptime time.Duration, snaps []stats.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n=== %s Operation Statistics (up %s) ===\n", label, units.HumanDuration(uptime))
	for _, s := range snaps {
		fmt.Fprintf(&b, "%s:\n", strings.ToUpper(string(s.Kind[:1]))+string(s.Kind[1:]))
		fmt.Fprintf(&b, "  Count: %d\n", s.Count)
		fmt.Fprintf(&b, "  Success rate: %.1f%% (%d/%d)\n", s.SuccessRate(), s.Attempts-s.Failures, s.Attempts)
		if s.Count == 0 {
			continue
		}
		fmt.Fprintf(&b, "  Min: %.4fs  Max: %.4fs\n", s.Min.Seconds(), s.Max.Seconds())
		fmt.Fprintf(&b, "  Median: %.4fs\n", s.Median.Seconds())
		fmt.Fprintf(&b, "  P99: %.4fs\n", s.P99.Seconds())
		fmt.Fprintf(&b, "  P95: %.4fs\n", s.P95.Seconds())
		fmt.Fprintf(&b, "  P90: %.4fs\n", s.P90.Seconds())
		fmt.Fprintf(&b, "  Avg: %.4fs\n", s.Avg.Seconds())
	}
	b.WriteString("============================\n")
	return b.String()
}
