package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/p-arndt/sandpress/internal/stats"
)

// TimestampFormat is the CSV timestamp layout.
const TimestampFormat = "2006-01-02 15:04:05"

var csvHeader = []string{"timestamp", "operation", "count", "p99", "p90", "avg"}

// CSVSink appends report rows to a file. The header is written only when
// the file is empty at open time.
type CSVSink struct {
	mu   sync.Mutex
	file *os.File
	w    *csv.Writer
}

func OpenCSV(path string) (*CSVSink, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening report: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat report: %w", err)
	}

	s := &CSVSink{file: f, w: csv.NewWriter(f)}
	if info.Size() == 0 {
		if err := s.w.Write(csvHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("writing report header: %w", err)
		}
		s.w.Flush()
		if err := s.w.Error(); err != nil {
			f.Close()
			return nil, fmt.Errorf("writing report header: %w", err)
		}
	}
	return s, nil
}

// Write appends one row per snapshot, all stamped with at.
func (s *CSVSink) Write(at time.Time, snaps []stats.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := at.Format(TimestampFormat)
	for _, snap := range snaps {
		row := []string{
			ts,
			string(snap.Kind),
			strconv.Itoa(snap.Count),
			seconds(snap.P99),
			seconds(snap.P90),
			seconds(snap.Avg),
		}
		if err := s.w.Write(row); err != nil {
			return fmt.Errorf("writing report row: %w", err)
		}
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("writing report row: %w", err)
	}
	return nil
}

func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 4, 64)
}
