package synccfg

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrelsync/contactsync/internal/logging"
	"github.com/kestrelsync/contactsync/internal/syncengine"
)

// Scheduler fires a single periodic timer that drives syncengine.Engine
// while Config.AutoSync is true, adapted from the teacher's
// carddav.Scheduler Start/Stop/run shape. Unlike the teacher (which
// dispatches one goroutine per due source), this scheduler drives a
// single engine drain and coalesces ticks instead of queuing them: if
// a previous drain is still running when the timer fires, the tick is
// skipped outright (spec §4.F).
type Scheduler struct {
	engine   *syncengine.Engine
	cfgStore *Store
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startMu sync.Mutex
	started bool

	reload chan struct{}

	drainMu  sync.Mutex
	draining bool
}

// NewScheduler constructs a scheduler against the given engine and
// config store. Call Start to begin ticking.
func NewScheduler(engine *syncengine.Engine, cfgStore *Store) *Scheduler {
	return &Scheduler{
		engine:   engine,
		cfgStore: cfgStore,
		log:      logging.WithComponent("sync-scheduler"),
		reload:   make(chan struct{}, 1),
	}
}

// Start reads the current config and begins ticking if AutoSync is
// enabled. Safe to call once; a second call while already running is a
// no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if s.started {
		s.log.Warn().Msg("scheduler already running")
		return nil
	}

	cfg, err := s.cfgStore.Get()
	if err != nil {
		return err
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true

	s.wg.Add(1)
	go s.run(cfg)

	s.log.Info().Bool("auto_sync", cfg.AutoSync).Int("interval_minutes", cfg.AutoSyncIntervalMinutes).Msg("sync scheduler started")
	return nil
}

// Stop halts the scheduler and waits for its loop goroutine to exit.
// It cancels the scheduler's context, which a drain started by a tick or
// by TriggerSync also runs under, so that drain's in-flight remote calls
// are cancelled; Stop does not wait for the drain itself to return.
func (s *Scheduler) Stop() {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if !s.started {
		return
	}

	s.cancel()
	s.wg.Wait()
	s.started = false

	s.log.Info().Msg("sync scheduler stopped")
}

// Reload tells the scheduler to re-read the config and rebuild its
// timer against the fresh values. Call this after Store.Set changes
// auto_sync or auto_sync_interval_minutes (spec §4.F: "any scheduler
// timer is stopped and restarted against the new values").
func (s *Scheduler) Reload() {
	select {
	case s.reload <- struct{}{}:
	default:
		// a reload is already pending; the loop will pick up the
		// latest config when it processes it.
	}
}

func (s *Scheduler) run(cfg Config) {
	defer s.wg.Done()

	var ticker *time.Ticker
	var tickC <-chan time.Time

	arm := func(cfg Config) {
		if ticker != nil {
			ticker.Stop()
			ticker = nil
			tickC = nil
		}
		if cfg.AutoSync && cfg.AutoSyncIntervalMinutes > 0 {
			ticker = time.NewTicker(time.Duration(cfg.AutoSyncIntervalMinutes) * time.Minute)
			tickC = ticker.C
		}
	}
	arm(cfg)
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		select {
		case <-tickC:
			s.runOnce("scheduled")
		case <-s.reload:
			newCfg, err := s.cfgStore.Get()
			if err != nil {
				s.log.Error().Err(err).Msg("failed to reload sync config")
				continue
			}
			arm(newCfg)
			s.log.Debug().Bool("auto_sync", newCfg.AutoSync).Int("interval_minutes", newCfg.AutoSyncIntervalMinutes).Msg("scheduler timer rearmed")
		case <-s.ctx.Done():
			return
		}
	}
}

// TriggerSync requests an out-of-band drain right away (non-blocking).
// It shares the same single-flight guard as the periodic tick, so a
// manual trigger during an already-running drain is coalesced too.
func (s *Scheduler) TriggerSync() {
	s.runOnce("manual")
}

func (s *Scheduler) runOnce(reason string) {
	s.drainMu.Lock()
	if s.draining {
		s.drainMu.Unlock()
		s.log.Debug().Str("reason", reason).Msg("sync tick coalesced: drain already in progress")
		return
	}
	s.draining = true
	s.drainMu.Unlock()

	go func() {
		defer func() {
			s.drainMu.Lock()
			s.draining = false
			s.drainMu.Unlock()
		}()

		ctx := s.ctx
		if ctx == nil {
			ctx = context.Background()
		}

		result, err := s.engine.SyncApproved(ctx)
		if err != nil {
			s.log.Error().Err(err).Str("reason", reason).Msg("scheduled sync failed")
			return
		}
		s.log.Info().Str("reason", reason).
			Int("succeeded", result.Success).
			Int("failed", result.Failure).
			Msg("scheduled sync complete")
	}()
}
