// Package supervisor runs the pollers and the sink writer as independent
// units and decides when the process must stop or restart.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/septivank/meter-tariff-worker/internal/config"
	"github.com/septivank/meter-tariff-worker/internal/logging"
	"github.com/septivank/meter-tariff-worker/internal/metrics"
	"github.com/septivank/meter-tariff-worker/internal/poller"
	"github.com/septivank/meter-tariff-worker/internal/queue"
	"github.com/septivank/meter-tariff-worker/internal/writer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Exit codes understood by the restart loop in cmd/worker
const (
	ExitOK      = 0
	ExitFatal   = 1
	ExitRestart = 75
)

var (
	ErrQueueOverflow = errors.New("ingestion queue over threshold")
	ErrUnitStopped   = errors.New("unit stopped")
	ErrConfigChanged = errors.New("meter configuration changed")
)

const defaultShutdownTimeout = 30 * time.Second

// Unit is one independently running part of the pipeline. Run returns when
// ctx is cancelled; any earlier return means the unit died.
type Unit struct {
	Name string
	Run  func(ctx context.Context) error
}

// PollerUnit runs a poller that hands its readings to emit
func PollerUnit(p poller.Poller, emit poller.Emit) Unit {
	return Unit{
		Name: p.Name(),
		Run: func(ctx context.Context) error {
			return p.Run(ctx, emit)
		},
	}
}

// WriterUnit runs the sink writer
func WriterUnit(w *writer.Writer) Unit {
	return Unit{Name: "writer", Run: w.Run}
}

// Config holds the monitoring thresholds
type Config struct {
	MaxQueueSize    int
	Interval        time.Duration
	ShutdownTimeout time.Duration
	// ConfigPath and ConfigHash identify the meter configuration the process
	// was started with. An empty path disables change detection.
	ConfigPath string
	ConfigHash string
}

// Decision is why the supervisor stopped the units
type Decision struct {
	Code int
	Err  error
}

// UnitStatus is the liveness of one unit
type UnitStatus struct {
	Name  string `json:"name"`
	Alive bool   `json:"alive"`
	Error string `json:"error,omitempty"`
}

// Supervisor owns the units and the monitoring loop
type Supervisor struct {
	cfg    Config
	queue  *queue.Queue
	units  []Unit
	onExit func(Decision)
	logger *zap.Logger
	hash   func(path string) (string, error)

	mu       sync.Mutex
	alive    map[string]bool
	failures map[string]error
	decision Decision

	group    errgroup.Group
	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a supervisor. onExit is called once the units have stopped
// because of a fatal condition or a configuration change, before Done is
// closed. It must not block.
func New(cfg Config, q *queue.Queue, units []Unit, onExit func(Decision), logger *zap.Logger) *Supervisor {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	return &Supervisor{
		cfg:      cfg,
		queue:    q,
		units:    units,
		onExit:   onExit,
		logger:   logger,
		hash:     config.FileHash,
		alive:    make(map[string]bool, len(units)),
		failures: make(map[string]error),
		done:     make(chan struct{}),
	}
}

// Start launches every unit and the monitoring loop. The units outlive the
// caller's context; they stop through Stop or a supervisor decision.
func (s *Supervisor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	for _, u := range s.units {
		s.alive[u.Name] = true
	}
	s.mu.Unlock()

	for _, u := range s.units {
		s.group.Go(func() error {
			return s.runUnit(ctx, u)
		})
	}
	go s.monitor(ctx)

	s.logger.Info("supervisor started",
		zap.Int("units", len(s.units)),
		zap.Int("max_queue_size", s.cfg.MaxQueueSize),
		zap.Duration("interval", s.cfg.Interval))
}

func (s *Supervisor) runUnit(ctx context.Context, u Unit) error {
	log := logging.WithUnit(s.logger, u.Name)
	log.Info("unit started")

	err := u.Run(ctx)
	if err == nil && ctx.Err() == nil {
		err = fmt.Errorf("%w: %s returned", ErrUnitStopped, u.Name)
	}

	s.mu.Lock()
	s.alive[u.Name] = false
	if err != nil {
		s.failures[u.Name] = err
	}
	s.mu.Unlock()

	if err != nil {
		log.Error("unit died", zap.Error(err))
		return err
	}
	log.Info("unit stopped")
	return nil
}

func (s *Supervisor) monitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d, stop := s.check(); stop {
				s.shutdown(d)
				return
			}
		}
	}
}

// check runs one monitoring tick
func (s *Supervisor) check() (Decision, bool) {
	depth := s.queue.Size()
	metrics.ObserveQueueDepth(depth)
	if depth > s.cfg.MaxQueueSize {
		return Decision{
			Code: ExitFatal,
			Err:  fmt.Errorf("%w: depth %d, threshold %d", ErrQueueOverflow, depth, s.cfg.MaxQueueSize),
		}, true
	}

	var dead []string
	s.mu.Lock()
	for _, u := range s.units {
		if !s.alive[u.Name] {
			dead = append(dead, u.Name)
		}
	}
	s.mu.Unlock()
	metrics.ObserveUnitsAlive(len(s.units) - len(dead))
	if len(dead) > 0 {
		return Decision{
			Code: ExitFatal,
			Err:  fmt.Errorf("%w: %s", ErrUnitStopped, strings.Join(dead, ", ")),
		}, true
	}

	if s.cfg.ConfigPath != "" {
		hash, err := s.hash(s.cfg.ConfigPath)
		if err != nil {
			s.logger.Warn("failed to hash meter configuration",
				zap.String("path", s.cfg.ConfigPath),
				zap.Error(err))
		} else if hash != s.cfg.ConfigHash {
			return Decision{
				Code: ExitRestart,
				Err:  fmt.Errorf("%w: %s", ErrConfigChanged, s.cfg.ConfigPath),
			}, true
		}
	}
	return Decision{}, false
}

// shutdown cancels every unit, waits for them and reports the decision. Only
// the first call has any effect.
func (s *Supervisor) shutdown(d Decision) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.decision = d
		cancel := s.cancel
		s.mu.Unlock()

		if d.Code == ExitOK {
			s.logger.Info("stopping units")
		} else {
			s.logger.Error("stopping units", zap.Int("exit_code", d.Code), zap.Error(d.Err))
		}

		if cancel != nil {
			cancel()
			s.wait()
		}
		s.queue.Close()

		if d.Code != ExitOK && s.onExit != nil {
			s.onExit(d)
		}
		close(s.done)
	})
}

func (s *Supervisor) wait() {
	waited := make(chan error, 1)
	go func() {
		waited <- s.group.Wait()
	}()

	timer := time.NewTimer(s.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case err := <-waited:
		if err != nil {
			s.logger.Debug("first unit failure", zap.Error(err))
		}
	case <-timer.C:
		s.logger.Error("units did not stop in time", zap.Duration("timeout", s.cfg.ShutdownTimeout))
	}
}

// Stop stops the units without an exit decision. It returns once they have
// stopped or ctx is done.
func (s *Supervisor) Stop(ctx context.Context) error {
	go s.shutdown(Decision{Code: ExitOK})
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed after the units have stopped
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Decision returns why the supervisor stopped. It is zero while running.
func (s *Supervisor) Decision() Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decision
}

// Units reports the liveness of every unit
func (s *Supervisor) Units() []UnitStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]UnitStatus, 0, len(s.units))
	for _, u := range s.units {
		st := UnitStatus{Name: u.Name, Alive: s.alive[u.Name]}
		if err := s.failures[u.Name]; err != nil {
			st.Error = err.Error()
		}
		out = append(out, st)
	}
	return out
}

// QueueDepth returns the current ingestion queue size
func (s *Supervisor) QueueDepth() int {
	return s.queue.Size()
}
