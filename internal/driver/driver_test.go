package driver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/sandpress/internal/lifecycle"
	"github.com/p-arndt/sandpress/internal/pool"
	"github.com/p-arndt/sandpress/internal/stats"
	"github.com/p-arndt/sandpress/internal/testutil"
)

var errRemote = &lifecycle.ProtocolError{Op: lifecycle.KindResume, Status: 500, Detail: "internal"}

func newTestDriver(client lifecycle.Client, p *pool.Pool, opts ...Option) (*Driver, *countingEmitter) {
	em := &countingEmitter{}
	d := New(Config{Workers: 1, Cycles: 1}, client, p, em, testutil.Logger(), opts...)
	return d, em
}

func poolIDs(p *pool.Pool) []string {
	ids := p.IDs()
	sort.Strings(ids)
	return ids
}

func TestResumeFailureDiscardsAndReplaces(t *testing.T) {
	p := pool.New()
	p.Put(lifecycle.Handle{ID: "H1", Running: false})

	c := new(MockClient)
	c.On("Resume", mock.Anything, "H1").Return(5*time.Millisecond, errRemote).Once()
	c.On("Create", mock.Anything).Return(lifecycle.Handle{ID: "H2", Running: true}, 10*time.Millisecond, nil).Once()
	c.On("Pause", mock.Anything, "H2").Return(time.Millisecond, nil)

	tracker := &recordingTracker{}
	rec := stats.NewRecorder()
	d, em := newTestDriver(c, p, WithTracker(tracker), WithObservers(rec))
	ctx := context.Background()

	d.cycle(ctx)
	d.replenishing.Wait()

	assert.Equal(t, []string{"H2"}, poolIDs(p))
	assert.Equal(t, []string{"H1"}, tracker.dropped)

	// The next cycle picks the replacement; H1 is never touched again.
	d.cycle(ctx)

	c.AssertNumberOfCalls(t, "Resume", 1)
	c.AssertNotCalled(t, "Connect", mock.Anything, mock.Anything)
	assert.Equal(t, []string{"H2"}, poolIDs(p))
	assert.Equal(t, int64(2), em.n.Load())

	s := rec.Snapshot(lifecycle.KindResume)
	assert.Equal(t, 1, s.Attempts)
	assert.Equal(t, 1, s.Failures)
	assert.Equal(t, 0, s.Count)
}

func TestPauseFailureKeepsHandleAndReplenishes(t *testing.T) {
	p := pool.New()
	p.Put(lifecycle.Handle{ID: "H1", Running: true})

	c := new(MockClient)
	c.On("Pause", mock.Anything, "H1").Return(time.Millisecond, errors.New("conflict")).Once()
	c.On("Create", mock.Anything).Return(lifecycle.Handle{ID: "H2", Running: true}, time.Millisecond, nil).Once()

	d, _ := newTestDriver(c, p)
	d.cycle(context.Background())
	d.replenishing.Wait()

	drawn := p.DrawAll()
	sort.Slice(drawn, func(i, j int) bool { return drawn[i].ID < drawn[j].ID })
	assert.Equal(t, []lifecycle.Handle{{ID: "H1", Running: true}, {ID: "H2", Running: true}}, drawn)
	c.AssertExpectations(t)
}

func TestPauseSuccessMarksPaused(t *testing.T) {
	p := pool.New()
	p.Put(lifecycle.Handle{ID: "H1", Running: true})

	c := new(MockClient)
	c.On("Pause", mock.Anything, "H1").Return(time.Millisecond, nil)
	tracker := &recordingTracker{}

	d, _ := newTestDriver(c, p, WithTracker(tracker))
	d.cycle(context.Background())

	assert.Equal(t, []lifecycle.Handle{{ID: "H1", Running: false}}, p.DrawAll())
	assert.Equal(t, []lifecycle.Handle{{ID: "H1", Running: false}}, tracker.tracked)
	c.AssertNotCalled(t, "Create", mock.Anything)
}

func TestResumeThenConnectMarksRunning(t *testing.T) {
	p := pool.New()
	p.Put(lifecycle.Handle{ID: "H1", Running: false})

	c := new(MockClient)
	c.On("Resume", mock.Anything, "H1").Return(time.Millisecond, nil)
	c.On("Connect", mock.Anything, "H1").Return(2*time.Millisecond, nil)
	obs := &recordingObserver{}

	d, _ := newTestDriver(c, p, WithObservers(obs))
	d.cycle(context.Background())

	assert.Equal(t, []lifecycle.Handle{{ID: "H1", Running: true}}, p.DrawAll())
	assert.Equal(t, []lifecycle.Kind{lifecycle.KindResume, lifecycle.KindConnect}, obs.kinds())
}

func TestConnectFailureDiscards(t *testing.T) {
	p := pool.New()
	p.Put(lifecycle.Handle{ID: "H1", Running: false})

	c := new(MockClient)
	c.On("Resume", mock.Anything, "H1").Return(time.Millisecond, nil)
	c.On("Connect", mock.Anything, "H1").Return(time.Millisecond, errors.New("envd unhealthy"))
	c.On("Create", mock.Anything).Return(lifecycle.Handle{ID: "H2", Running: true}, time.Millisecond, nil).Once()
	tracker := &recordingTracker{}

	d, _ := newTestDriver(c, p, WithTracker(tracker))
	d.cycle(context.Background())
	d.replenishing.Wait()

	assert.Equal(t, []string{"H2"}, poolIDs(p))
	assert.Equal(t, []string{"H1"}, tracker.dropped)
}

func TestCycleOnEmptyPool(t *testing.T) {
	c := new(MockClient)
	d, em := newTestDriver(c, pool.New())
	d.cfg.Idle = time.Millisecond

	d.cycle(context.Background())

	assert.Zero(t, d.Cycles())
	assert.Zero(t, em.n.Load())
	c.AssertExpectations(t)
}

func TestPopulate(t *testing.T) {
	p := pool.New()
	c := new(MockSeedingClient)
	var n atomic.Int64
	c.On("Create", mock.Anything).Run(func(mock.Arguments) { n.Add(1) }).
		Return(lifecycle.Handle{ID: "dup", Running: true}, time.Millisecond, nil).Times(4)
	c.On("Create", mock.Anything).Return(lifecycle.Handle{}, time.Millisecond, errors.New("quota")).Once()
	c.On("Seed", mock.Anything, "dup").Return(nil).Times(4)

	em := &countingEmitter{}
	d := New(Config{Workers: 2, Sandboxes: 5}, c, p, em, testutil.Logger())
	d.Populate(context.Background())

	assert.Equal(t, 4, p.Len())
	assert.Equal(t, int64(4), n.Load())
	c.AssertExpectations(t)
}

func TestSeedFailureLeavesSandboxOut(t *testing.T) {
	p := pool.New()
	c := new(MockSeedingClient)
	c.On("Create", mock.Anything).Return(lifecycle.Handle{ID: "S1", Running: true}, time.Millisecond, nil)
	c.On("Seed", mock.Anything, "S1").Return(errors.New("upload failed"))

	d, _ := newTestDriver(c, p)
	ok := d.create(context.Background())

	assert.False(t, ok)
	assert.Zero(t, p.Len())
}

// blockingClient holds every pause until released.
type blockingClient struct {
	entered chan struct{}
	release chan struct{}
	pauses  atomic.Int32
	creates atomic.Int32
}

func (b *blockingClient) Create(context.Context) (lifecycle.Handle, time.Duration, error) {
	n := b.creates.Add(1)
	return lifecycle.Handle{ID: fmt.Sprintf("B%d", n), Running: true}, time.Millisecond, nil
}

func (b *blockingClient) Pause(ctx context.Context, id string) (time.Duration, error) {
	b.pauses.Add(1)
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	return time.Millisecond, ctx.Err()
}

func (b *blockingClient) Resume(context.Context, string) (time.Duration, error) {
	return time.Millisecond, nil
}

func (b *blockingClient) Connect(context.Context, string) (time.Duration, error) {
	return time.Millisecond, nil
}

func TestCancellationFlushesOnce(t *testing.T) {
	client := &blockingClient{entered: make(chan struct{}, 1), release: make(chan struct{})}
	p := pool.New()
	rec := stats.NewRecorder()
	em := &countingEmitter{}
	d := New(Config{Workers: 1, Sandboxes: 1, Cycles: 20}, client, p, em, testutil.Logger(), WithObservers(rec))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	select {
	case <-client.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("pause never started")
	}
	emitsBefore := em.n.Load()
	cyclesBefore := d.Cycles()

	cancel()
	close(client.release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("driver did not stop")
	}

	assert.Equal(t, emitsBefore+1, em.n.Load())
	assert.Equal(t, cyclesBefore, d.Cycles())
	assert.Equal(t, int32(1), client.pauses.Load())

	// The in-flight pause was allowed to finish and was recorded as a success.
	s := rec.Snapshot(lifecycle.KindPause)
	assert.Equal(t, 1, s.Count)
	assert.Equal(t, 0, s.Failures)
}

func TestNoReplacementAfterCancel(t *testing.T) {
	c := new(MockClient)
	d, _ := newTestDriver(c, pool.New())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d.submitReplacement(ctx)
	d.replenishing.Wait()

	c.AssertNotCalled(t, "Create", mock.Anything)
}

func TestRunStopsImmediatelyWhenCancelled(t *testing.T) {
	c := new(MockClient)
	em := &countingEmitter{}
	d := New(Config{Workers: 3, Sandboxes: 10, Cycles: 5}, c, pool.New(), em, testutil.Logger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, d.Run(ctx))

	assert.Equal(t, int64(1), em.n.Load())
	c.AssertNotCalled(t, "Create", mock.Anything)
}

func TestPickerChoosesHandle(t *testing.T) {
	p := pool.New()
	p.Put(lifecycle.Handle{ID: "A", Running: false})
	p.Put(lifecycle.Handle{ID: "B", Running: true})

	c := new(MockClient)
	c.On("Pause", mock.Anything, "B").Return(time.Millisecond, nil)

	d, _ := newTestDriver(c, p, WithPicker(func(n int) int {
		assert.Equal(t, 2, n)
		return 1
	}))
	d.cycle(context.Background())

	c.AssertExpectations(t)
	c.AssertNotCalled(t, "Resume", mock.Anything, "A")
	assert.Equal(t, 2, p.Len())
}

func TestStoppedDriverSkipsCycleReports(t *testing.T) {
	p := pool.New()
	p.Put(lifecycle.Handle{ID: "H1", Running: true})
	c := new(MockClient)
	c.On("Pause", mock.Anything, "H1").Return(time.Millisecond, nil)

	d, em := newTestDriver(c, p)
	d.stop()

	// The context still looks live, as it does to a worker that checked it
	// just before the cancel landed.
	d.cycle(context.Background())

	c.AssertExpectations(t)
	assert.Zero(t, em.n.Load())
}

func TestCancelStopsReportsBeforeInFlightCallsFinish(t *testing.T) {
	client := &blockingClient{entered: make(chan struct{}, 1), release: make(chan struct{})}
	em := &countingEmitter{}
	d := New(Config{Workers: 1, Sandboxes: 1, Cycles: 5}, client, pool.New(), em, testutil.Logger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	select {
	case <-client.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("pause never started")
	}
	cancel()

	require.Eventually(t, func() bool {
		d.emitMu.Lock()
		defer d.emitMu.Unlock()
		return d.stopped
	}, 5*time.Second, time.Millisecond)

	d.report(context.Background())
	assert.Zero(t, em.n.Load())

	close(client.release)
	require.NoError(t, <-done)
	assert.Equal(t, int64(1), em.n.Load())
}

func TestNewDefaultsCycles(t *testing.T) {
	d := New(Config{}, new(MockClient), pool.New(), &countingEmitter{}, testutil.Logger())

	assert.Equal(t, defaultCycles, d.cfg.Cycles)
	assert.Equal(t, 1, d.cfg.Workers)
}

func TestRunWithZeroCyclesStillYields(t *testing.T) {
	p := pool.New()
	p.Put(lifecycle.Handle{ID: "H1", Running: true})
	c := new(MockClient)
	c.On("Pause", mock.Anything, "H1").Return(time.Millisecond, nil).Maybe()
	c.On("Resume", mock.Anything, "H1").Return(time.Millisecond, nil).Maybe()
	c.On("Connect", mock.Anything, "H1").Return(time.Millisecond, nil).Maybe()

	em := &countingEmitter{}
	d := New(Config{Workers: 1, Cycles: 0, RoundPause: time.Hour}, c, p, em, testutil.Logger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return d.Cycles() == defaultCycles }, 5*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int64(defaultCycles), d.Cycles())
}
