package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/septivank/meter-tariff-worker/internal/config"
	"github.com/septivank/meter-tariff-worker/internal/model"
	"github.com/septivank/meter-tariff-worker/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// blockingUnit runs until cancelled and records that it saw the cancellation
func blockingUnit(name string, stopped *atomic.Bool) Unit {
	return Unit{
		Name: name,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			stopped.Store(true)
			return nil
		},
	}
}

type exitRecorder struct {
	mu        sync.Mutex
	decisions []Decision
}

func (r *exitRecorder) onExit(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, d)
}

func (r *exitRecorder) all() []Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Decision(nil), r.decisions...)
}

func waitDone(t *testing.T, s *Supervisor, within time.Duration) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(within):
		t.Fatalf("supervisor did not stop within %s", within)
	}
}

func TestSupervisor_QueueOverflowIsFatal(t *testing.T) {
	q := queue.New(16)
	for i := 0; i < 1001; i++ {
		require.True(t, q.Push(model.ReadingEntry(model.MeterReading{ID: "grid", Time: int64(i + 1)})))
	}

	var stopped atomic.Bool
	rec := &exitRecorder{}
	s := New(Config{MaxQueueSize: 1000, Interval: 20 * time.Millisecond},
		q, []Unit{blockingUnit("inverter", &stopped)}, rec.onExit, zap.NewNop())
	s.Start()

	waitDone(t, s, 2*time.Second)

	d := s.Decision()
	assert.Equal(t, ExitFatal, d.Code)
	assert.ErrorIs(t, d.Err, ErrQueueOverflow)
	assert.True(t, stopped.Load(), "units are cancelled before exit")
	assert.Len(t, rec.all(), 1)
	assert.False(t, q.Push(model.ReadingEntry(model.MeterReading{ID: "grid"})), "queue is closed after shutdown")
}

func TestSupervisor_QueueAtThresholdIsNotOverflow(t *testing.T) {
	q := queue.New(16)
	for i := 0; i < 1000; i++ {
		q.Push(model.ReadingEntry(model.MeterReading{ID: "grid", Time: int64(i + 1)}))
	}
	assert.Eventually(t, func() bool { return q.Size() == 1000 }, time.Second, 5*time.Millisecond)

	s := New(Config{MaxQueueSize: 1000, Interval: time.Hour}, q, nil, nil, zap.NewNop())
	_, stop := s.check()
	assert.False(t, stop)
}

func TestSupervisor_DeadPollerStopsEverything(t *testing.T) {
	q := queue.New(16)
	var writerStopped atomic.Bool
	rec := &exitRecorder{}

	units := []Unit{
		blockingUnit("writer", &writerStopped),
		{Name: "inverter", Run: func(ctx context.Context) error {
			return errors.New("socket closed")
		}},
	}
	interval := 50 * time.Millisecond
	s := New(Config{MaxQueueSize: 1000, Interval: interval}, q, units, rec.onExit, zap.NewNop())
	s.Start()

	waitDone(t, s, 2*interval+100*time.Millisecond)

	d := s.Decision()
	assert.Equal(t, ExitFatal, d.Code)
	assert.ErrorIs(t, d.Err, ErrUnitStopped)
	assert.Contains(t, d.Err.Error(), "inverter")
	assert.True(t, writerStopped.Load())

	status := s.Units()
	require.Len(t, status, 2)
	assert.False(t, status[1].Alive)
	assert.Equal(t, "socket closed", status[1].Error)
}

func TestSupervisor_UnitReturningEarlyIsDead(t *testing.T) {
	q := queue.New(16)
	s := New(Config{MaxQueueSize: 10, Interval: 20 * time.Millisecond}, q,
		[]Unit{{Name: "hub", Run: func(ctx context.Context) error { return nil }}}, nil, zap.NewNop())
	s.Start()

	waitDone(t, s, time.Second)
	assert.ErrorIs(t, s.Decision().Err, ErrUnitStopped)
}

func TestSupervisor_ConfigChangeRequestsRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meters.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pollers: []\n"), 0o600))
	hash, err := config.FileHash(path)
	require.NoError(t, err)

	var stopped atomic.Bool
	rec := &exitRecorder{}
	s := New(Config{MaxQueueSize: 10, Interval: 20 * time.Millisecond, ConfigPath: path, ConfigHash: hash},
		queue.New(16), []Unit{blockingUnit("writer", &stopped)}, rec.onExit, zap.NewNop())
	s.Start()

	time.Sleep(60 * time.Millisecond)
	select {
	case <-s.Done():
		t.Fatal("supervisor stopped although the configuration is unchanged")
	default:
	}

	require.NoError(t, os.WriteFile(path, []byte("pollers: [] # edited\n"), 0o600))
	waitDone(t, s, time.Second)

	d := s.Decision()
	assert.Equal(t, ExitRestart, d.Code)
	assert.ErrorIs(t, d.Err, ErrConfigChanged)
	assert.True(t, stopped.Load())
	require.Len(t, rec.all(), 1)
	assert.Equal(t, ExitRestart, rec.all()[0].Code)
}

func TestSupervisor_StopIsNotAnExitDecision(t *testing.T) {
	var stopped atomic.Bool
	rec := &exitRecorder{}
	s := New(Config{MaxQueueSize: 10, Interval: time.Hour}, queue.New(16),
		[]Unit{blockingUnit("writer", &stopped)}, rec.onExit, zap.NewNop())
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	assert.True(t, stopped.Load())
	assert.Equal(t, ExitOK, s.Decision().Code)
	assert.Empty(t, rec.all())

	// a second stop is a no-op
	require.NoError(t, s.Stop(ctx))
}

func TestSupervisor_Units(t *testing.T) {
	var stopped atomic.Bool
	s := New(Config{MaxQueueSize: 10, Interval: time.Hour}, queue.New(16),
		[]Unit{blockingUnit("writer", &stopped), blockingUnit("inverter", &stopped)}, nil, zap.NewNop())
	s.Start()
	defer s.Stop(context.Background())

	assert.Equal(t, []UnitStatus{
		{Name: "writer", Alive: true},
		{Name: "inverter", Alive: true},
	}, s.Units())
	assert.Equal(t, 0, s.QueueDepth())
}
