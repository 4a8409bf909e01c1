package campaign

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-engine/internal/pkg/distlock"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// DefaultTickInterval is how often the scheduler checks campaign lifecycles.
const DefaultTickInterval = 15 * time.Second

// Scheduler drives time-based lifecycle transitions: scheduled campaigns
// whose start time arrived move to sending (and get populated), and sending
// campaigns with no remaining non-terminal records move to completed. Each
// tick runs under a distributed lock so exactly one engine instance drives
// transitions at a time.
type Scheduler struct {
	store       *Store
	controller  *Controller
	redisClient *redis.Client // nil falls back to PG advisory locks
	tick        time.Duration
	lockTTL     time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

// NewScheduler creates a lifecycle scheduler.
func NewScheduler(store *Store, controller *Controller, redisClient *redis.Client) *Scheduler {
	return &Scheduler{
		store:       store,
		controller:  controller,
		redisClient: redisClient,
		tick:        DefaultTickInterval,
		lockTTL:     time.Minute,
	}
}

// SetTickInterval overrides the polling cadence.
func (s *Scheduler) SetTickInterval(d time.Duration) {
	if d > 0 {
		s.tick = d
	}
}

// SetLockTTL overrides the distributed lock lease.
func (s *Scheduler) SetLockTTL(d time.Duration) {
	if d > 0 {
		s.lockTTL = d
	}
}

// Start begins the tick loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop()

	logger.Info("campaign scheduler started", "tick", s.tick.String())
	return nil
}

// Stop halts the tick loop and waits for an in-progress tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	logger.Info("campaign scheduler stopped")
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runTick()
		}
	}
}

func (s *Scheduler) runTick() {
	ctx, cancel := context.WithTimeout(s.ctx, s.lockTTL)
	defer cancel()

	lock := distlock.New(s.redisClient, s.store.DB(), "campaign-scheduler", s.lockTTL)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		logger.Warn("scheduler lock error", "error", err.Error())
		return
	}
	if !acquired {
		return
	}
	defer lock.Release(ctx)

	s.startDueCampaigns(ctx)
	s.completeFinishedCampaigns(ctx)
}

// startDueCampaigns moves scheduled campaigns whose start time arrived into
// sending.
func (s *Scheduler) startDueCampaigns(ctx context.Context) {
	due, err := s.store.DueScheduled(ctx)
	if err != nil {
		logger.Error("scheduler: list due campaigns", "error", err.Error())
		return
	}

	for _, id := range due {
		if err := s.controller.Start(ctx, id); err != nil {
			// A concurrent operator action may have won; skip, not fatal.
			if IsInvalidTransition(err) {
				continue
			}
			logger.Error("scheduler: start campaign", "campaign_id", id.String(), "error", err.Error())
		} else {
			logger.Info("scheduler: campaign started", "campaign_id", id.String())
		}
	}
}

// completeFinishedCampaigns flips sending campaigns with nothing left to do.
func (s *Scheduler) completeFinishedCampaigns(ctx context.Context) {
	done, err := s.store.SendingWithNoPending(ctx)
	if err != nil {
		logger.Error("scheduler: list completable campaigns", "error", err.Error())
		return
	}

	for _, id := range done {
		if err := s.controller.Complete(ctx, id); err != nil {
			if IsInvalidTransition(err) {
				continue
			}
			logger.Error("scheduler: complete campaign", "campaign_id", id.String(), "error", err.Error())
		} else {
			logger.Info("scheduler: campaign completed", "campaign_id", id.String())
		}
	}
}
