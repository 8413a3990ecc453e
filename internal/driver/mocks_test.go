package driver

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/sandpress/internal/lifecycle"
)

// MockClient mocks lifecycle.Client.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) Create(ctx context.Context) (lifecycle.Handle, time.Duration, error) {
	args := m.Called(ctx)
	return args.Get(0).(lifecycle.Handle), args.Get(1).(time.Duration), args.Error(2)
}

func (m *MockClient) Pause(ctx context.Context, id string) (time.Duration, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(time.Duration), args.Error(1)
}

func (m *MockClient) Resume(ctx context.Context, id string) (time.Duration, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(time.Duration), args.Error(1)
}

func (m *MockClient) Connect(ctx context.Context, id string) (time.Duration, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(time.Duration), args.Error(1)
}

// MockSeedingClient adds lifecycle.Seeder.
type MockSeedingClient struct {
	MockClient
}

func (m *MockSeedingClient) Seed(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type countingEmitter struct {
	n atomic.Int64
}

func (e *countingEmitter) Emit() error {
	e.n.Add(1)
	return nil
}

type recordingTracker struct {
	mu      sync.Mutex
	tracked []lifecycle.Handle
	dropped []string
}

func (r *recordingTracker) Track(h lifecycle.Handle) {
	r.mu.Lock()
	r.tracked = append(r.tracked, h)
	r.mu.Unlock()
}

func (r *recordingTracker) Drop(id string) {
	r.mu.Lock()
	r.dropped = append(r.dropped, id)
	r.mu.Unlock()
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []lifecycle.Outcome
}

func (r *recordingObserver) Observe(o lifecycle.Outcome) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, o)
	r.mu.Unlock()
}

func (r *recordingObserver) kinds() []lifecycle.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ks []lifecycle.Kind
	for _, o := range r.outcomes {
		ks = append(ks, o.Kind)
	}
	return ks
}
