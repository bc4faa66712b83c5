// Package scheduler provides background sync scheduling: periodic queue
// draining, periodic pulls while online, and an immediate drain when
// connectivity returns.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/doselog/doselog/internal/errors"
	"github.com/doselog/doselog/internal/logging"
	syncpkg "github.com/doselog/doselog/internal/sync"
)

// Engine is the part of the sync engine the scheduler drives.
type Engine interface {
	Sync(ctx context.Context) (*syncpkg.SyncResult, error)
	ProcessQueue(ctx context.Context) (*syncpkg.ProcessResult, error)
}

// Config holds scheduler configuration.
type Config struct {
	SyncInterval  time.Duration // full sync cadence while online (default: 15 minutes)
	QueueInterval time.Duration // queue drain cadence (default: 30 seconds)
	SyncTimeout   time.Duration // per-cycle budget (default: 5 minutes)
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:  15 * time.Minute,
		QueueInterval: 30 * time.Second,
		SyncTimeout:   5 * time.Minute,
	}
}

// Scheduler triggers engine work on timers and connectivity changes. The
// engine itself serializes passes; the scheduler only decides when to try.
type Scheduler struct {
	engine        Engine
	syncInterval  time.Duration
	queueInterval time.Duration
	syncTimeout   time.Duration

	mu        sync.Mutex
	isRunning bool
	isOnline  bool
	stopCh    chan struct{}
	kick      chan struct{}
	wg        sync.WaitGroup
}

// New creates a Scheduler.
func New(engine Engine, config *Config) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	return &Scheduler{
		engine:        engine,
		syncInterval:  config.SyncInterval,
		queueInterval: config.QueueInterval,
		syncTimeout:   config.SyncTimeout,
		isOnline:      true, // assume online until told otherwise
		kick:          make(chan struct{}, 1),
	}
}

// Start launches the background loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(2)
	go s.syncLoop(ctx)
	go s.queueLoop(ctx)

	logging.Info("Background sync scheduler started", nil)
}

// Stop stops the background loops gracefully.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	logging.Info("Background sync scheduler stopped", nil)
}

// SetOnline changes the connectivity status. Regaining connectivity
// triggers an immediate queue drain instead of waiting for the next tick.
func (s *Scheduler) SetOnline(online bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = online
	s.mu.Unlock()

	if wasOnline == online {
		return
	}
	logging.Info("Connectivity changed",
		map[string]interface{}{"online": online})

	if online {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

// IsOnline returns whether the scheduler currently assumes connectivity.
func (s *Scheduler) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isOnline
}

// syncLoop runs a full sync on the sync interval while online.
func (s *Scheduler) syncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			s.runSync(ctx)
		}
	}
}

// queueLoop drains the queue on the queue interval and on reconnect kicks.
func (s *Scheduler) queueLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.queueInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.kick:
			s.drainQueue(ctx)
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			s.drainQueue(ctx)
		}
	}
}

func (s *Scheduler) runSync(ctx context.Context) {
	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	result, err := s.engine.Sync(syncCtx)
	if err != nil {
		if errors.Is(err, errors.ErrSyncInProgress) {
			logging.Debug("Sync already in progress, skipping tick", nil)
			return
		}
		logging.ErrorWithCode("Periodic sync failed", string(errors.Code(err)), err, nil)
		return
	}

	logging.Info("Periodic sync completed",
		map[string]interface{}{
			"pushed":  result.Process.Pushed,
			"fetched": result.Pull.Fetched,
		})
}

func (s *Scheduler) drainQueue(ctx context.Context) {
	drainCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	result, err := s.engine.ProcessQueue(drainCtx)
	if err != nil {
		if errors.Is(err, errors.ErrSyncInProgress) {
			return
		}
		logging.ErrorWithCode("Queue drain failed", string(errors.Code(err)), err, nil)
		return
	}

	if result.Pushed > 0 || result.Failures > 0 {
		logging.Info("Queue drain completed",
			map[string]interface{}{
				"pushed":   result.Pushed,
				"failures": result.Failures,
				"dropped":  result.Dropped,
			})
	}
}
