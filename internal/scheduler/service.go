package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"postpilot/internal/eventbus"
	"postpilot/internal/publisher"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

// Service runs the due-check ticker and the single worker, and exposes the
// control surface (control.go).
type Service struct {
	mu  sync.Mutex
	cfg Config
	run RunSettings

	log logx.Logger
	pub publisher.Publisher
	bus eventbus.Bus

	reg *registry

	queue     chan job
	stopCh    chan struct{}
	stopDone  chan struct{}
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	busy  atomic.Bool
	alive atomic.Bool

	idSeq atomic.Uint64

	// Injection points for tests; nil means real clock / real randomness.
	now       func() time.Time
	randDelay func(min, max time.Duration) time.Duration
}

func New(cfg Config, run RunSettings, store storage.Store, pub publisher.Publisher, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:       cfg.withDefaults(),
		run:       run.withDefaults(),
		log:       log,
		pub:       pub,
		bus:       bus,
		reg:       newRegistry(store, log),
		now:       time.Now,
		randDelay: uniformDelay,
	}
}

func uniformDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min+1)))
}

// Load rehydrates automations from the store. Call once before Start.
func (s *Service) Load(ctx context.Context) error {
	n, err := s.reg.load(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Info("automations restored", logx.Int("count", n))
	}
	return nil
}

// Apply swaps the live config. Posting settings take effect on the next job;
// tick changes take effect on the next due pass. Queue size and enabled flag
// apply on the next Start.
func (s *Service) Apply(cfg Config, run RunSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg.withDefaults()
	s.run = run.withDefaults()
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		s.log.Info("scheduler disabled; not starting")
		return
	}

	s.stopCh = make(chan struct{})
	// Fresh queue per run: enqueued-but-unconsumed jobs from a previous run
	// must not execute after a stop/start toggle. They re-arm on the next
	// due pass anyway.
	s.queue = make(chan job, s.cfg.QueueSize)

	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel

	stopCh := s.stopCh
	queue := s.queue
	s.mu.Unlock()

	s.alive.Store(true)
	s.workerWG.Add(2)

	go func() {
		defer s.workerWG.Done()
		defer s.alive.Store(false)
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in scheduler worker",
					logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 32)))
			}
		}()
		s.worker(runCtx, stopCh, queue)
	}()

	go func() {
		defer s.workerWG.Done()
		s.tickLoop(runCtx, stopCh)
	}()

	s.log.Info("scheduler started",
		logx.Duration("tick", s.currentConfig().Tick),
		logx.Int("queue_cap", cap(queue)),
		logx.Int("automations", s.reg.count()))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	cancel := s.runCancel
	s.stopCh = nil
	s.runCancel = nil
	s.queue = nil
	s.mu.Unlock()

	start := time.Now()
	close(stopCh)
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; worker finishing in background")
	}
}

func (s *Service) currentConfig() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) currentRun() RunSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run
}

func (s *Service) publish(typ string, ev RunEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
