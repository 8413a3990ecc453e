package reaper

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/sandpress/internal/lifecycle"
	"github.com/p-arndt/sandpress/internal/store"
)

// MockReaperStore mocks the ReaperStore interface.
type MockReaperStore struct {
	mock.Mock
}

func (m *MockReaperStore) LatestRun() (*store.Run, error) {
	args := m.Called()
	if run := args.Get(0); run != nil {
		return run.(*store.Run), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockReaperStore) LiveHandles(runID string) ([]store.HandleRecord, error) {
	args := m.Called(runID)
	if hs := args.Get(0); hs != nil {
		return hs.([]store.HandleRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockReaperStore) DropHandle(runID, id string) error {
	args := m.Called(runID, id)
	return args.Error(0)
}

// MockKiller mocks lifecycle.Killer.
type MockKiller struct {
	mock.Mock
}

func (m *MockKiller) Kill(ctx context.Context, id string) (time.Duration, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(time.Duration), args.Error(1)
}

type outcomeSink struct {
	outcomes []lifecycle.Outcome
}

func (s *outcomeSink) Observe(o lifecycle.Outcome) {
	s.outcomes = append(s.outcomes, o)
}
