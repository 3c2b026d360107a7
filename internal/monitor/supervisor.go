package monitor

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"cdpguard/internal/metrics"
	"cdpguard/internal/risk"
	"cdpguard/internal/scheduler"
)

// ErrClosed is returned by Upsert once the supervisor is shutting down.
var ErrClosed = errors.New("monitor: supervisor closed")

// Options tune the supervisor.
type Options struct {
	Scheduler scheduler.Options
	// BaseLockKey seeds per-position advisory lock keys; 0 disables locking.
	BaseLockKey int64
}

// Supervisor owns one independent scheduler loop per watched position.
type Supervisor struct {
	opts   Options
	deps   Deps
	root   zerolog.Logger
	logger zerolog.Logger

	mu      sync.Mutex
	watches map[string]*watchLoop
	group   errgroup.Group
	runCtx  context.Context
	running bool
	closed  bool
}

type watchLoop struct {
	watch   *Watch
	started bool
}

// NewSupervisor builds an empty supervisor.
func NewSupervisor(opts Options, deps Deps, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		opts:    opts,
		deps:    deps,
		root:    logger,
		logger:  logger.With().Str("component", "supervisor").Logger(),
		watches: make(map[string]*watchLoop),
	}
}

// Run starts every registered watch and blocks until ctx is cancelled. It
// returns once each in-flight cycle has completed.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running || s.closed {
		s.mu.Unlock()
		return fmt.Errorf("monitor: supervisor already started")
	}
	s.running = true
	s.runCtx = ctx
	for _, loop := range s.watches {
		s.startLocked(loop)
	}
	count := len(s.watches)
	s.mu.Unlock()

	s.logger.Info().Int("watches", count).Msg("supervisor started")
	<-ctx.Done()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	err := s.group.Wait()
	s.logger.Info().Msg("supervisor stopped")
	return err
}

// Upsert reconfigures an existing watch or registers (and, when running,
// starts) a new one. It reports whether a new watch was created.
func (s *Supervisor) Upsert(cfg risk.WatchConfig) (bool, error) {
	if err := cfg.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrClosed
	}
	if loop, ok := s.watches[cfg.PositionID]; ok {
		s.mu.Unlock()
		return false, loop.watch.Reconfigure(cfg)
	}
	defer s.mu.Unlock()

	watch, err := NewWatch(cfg, LockKey(s.opts.BaseLockKey, cfg.PositionID), s.deps, s.root)
	if err != nil {
		return false, err
	}
	loop := &watchLoop{watch: watch}
	s.watches[cfg.PositionID] = loop
	if s.running {
		s.startLocked(loop)
	}
	s.logger.Info().Str("position_id", cfg.PositionID).Msg("watch registered")
	return true, nil
}

// Watch returns the watch for positionID.
func (s *Supervisor) Watch(positionID string) (*Watch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	loop, ok := s.watches[positionID]
	if !ok {
		return nil, false
	}
	return loop.watch, true
}

// Statuses lists every watch ordered by position id.
func (s *Supervisor) Statuses() []Status {
	s.mu.Lock()
	loops := make([]*watchLoop, 0, len(s.watches))
	for _, loop := range s.watches {
		loops = append(loops, loop)
	}
	s.mu.Unlock()

	out := make([]Status, 0, len(loops))
	for _, loop := range loops {
		out = append(out, loop.watch.Status())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Config.PositionID < out[j].Config.PositionID
	})
	return out
}

func (s *Supervisor) startLocked(loop *watchLoop) {
	if loop.started {
		return
	}
	loop.started = true

	ctx := s.runCtx
	watch := loop.watch
	sched := scheduler.New(s.opts.Scheduler, s.root.With().Str("position_id", watch.PositionID()).Logger())
	metrics.WatchesActive.Inc()

	s.group.Go(func() error {
		defer metrics.WatchesActive.Dec()
		err := sched.Run(ctx, watch.ProcessTick)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("watch %s: %w", watch.PositionID(), err)
		}
		return nil
	})
}

// LockKey derives the advisory lock key of one position. Keys are stable
// across replicas so two processes never evaluate the same vault at once.
func LockKey(base int64, positionID string) int64 {
	if base == 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(positionID))
	return base<<32 | int64(h.Sum32())
}
