// Package lifecycle defines the contract between the load driver and a
// sandbox backend, plus the outcome and error types they exchange.
package lifecycle

import (
	"context"
	"time"
)

// Kind identifies a lifecycle operation.
type Kind string

const (
	KindCreate  Kind = "create"
	KindPause   Kind = "pause"
	KindResume  Kind = "resume"
	KindConnect Kind = "connect"
	KindKill    Kind = "kill"
)

// Kinds lists the operations the load driver issues, in report order.
func Kinds() []Kind {
	return []Kind{KindCreate, KindPause, KindResume, KindConnect}
}

// Handle is a live sandbox as tracked by the pool. ID is the backend's
// opaque combined identifier.
type Handle struct {
	ID      string
	Running bool
}

// Outcome is the result of one timed lifecycle call.
type Outcome struct {
	Kind     Kind
	ID       string
	Duration time.Duration
	Success  bool
	Err      string
}

// NewOutcome builds an Outcome from a call's duration and error.
func NewOutcome(kind Kind, id string, d time.Duration, err error) Outcome {
	o := Outcome{Kind: kind, ID: id, Duration: d, Success: err == nil}
	if err != nil {
		o.Err = err.Error()
	}
	return o
}

// Client drives the sandbox lifecycle. Every call times itself end to end
// and returns the elapsed duration even when it fails. Clients never retry.
type Client interface {
	Create(ctx context.Context) (Handle, time.Duration, error)
	Pause(ctx context.Context, id string) (time.Duration, error)
	Resume(ctx context.Context, id string) (time.Duration, error)
	// Connect attaches to a resumed sandbox and runs a workload inside it.
	Connect(ctx context.Context, id string) (time.Duration, error)
}

// Seeder is implemented by clients that prepare a freshly created sandbox,
// e.g. by uploading workload files.
type Seeder interface {
	Seed(ctx context.Context, id string) error
}

// Killer is implemented by clients that can destroy a sandbox.
type Killer interface {
	Kill(ctx context.Context, id string) (time.Duration, error)
}
