package payment

import (
	"context"
	"sync"
	"time"

	"orderfulfillment/internal/platform/observability"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Retrier re-drives one compensation.
type Retrier interface {
	RetryCompensation(ctx context.Context, action Action, orderID, reason string) error
}

// TimerScheduler retries failed compensations after an exponential delay. Pending
// timers live in memory; the compensation sweep covers anything lost on restart.
type TimerScheduler struct {
	retrier Retrier
	initial time.Duration
	max     time.Duration
	logger  observability.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	timers map[string]*time.Timer
}

func NewTimerScheduler(retrier Retrier, initial, max time.Duration, logger observability.Logger) *TimerScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &TimerScheduler{
		retrier: retrier,
		initial: initial,
		max:     max,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		timers:  make(map[string]*time.Timer),
	}
}

// Delay is the wait before the retry following the given attempt number.
func (s *TimerScheduler) Delay(attempt int) time.Duration {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.initial
	policy.MaxInterval = s.max
	policy.MaxElapsedTime = 0
	policy.RandomizationFactor = 0
	policy.Reset()

	d := policy.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = policy.NextBackOff()
	}
	return d
}

// Schedule arms a retry, replacing any retry already pending for the same compensation.
func (s *TimerScheduler) Schedule(action Action, orderID, reason string, attempt int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	key := string(action) + ":" + orderID
	if old, ok := s.timers[key]; ok && old.Stop() {
		s.wg.Done()
	}

	delay := s.Delay(attempt)
	s.wg.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.mu.Lock()
		if s.timers[key] == timer {
			delete(s.timers, key)
		}
		s.mu.Unlock()

		if s.ctx.Err() != nil {
			return
		}
		if err := s.retrier.RetryCompensation(s.ctx, action, orderID, reason); err != nil {
			s.logger.Warn("⚠️ Scheduled compensation retry failed",
				zap.String("order_id", orderID),
				zap.String("action", string(action)),
				zap.Error(err),
			)
		}
	})
	s.timers[key] = timer

	s.logger.Info("⏳ Compensation retry scheduled",
		zap.String("order_id", orderID),
		zap.String("action", string(action)),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
	)
}

// Pending reports how many retries are armed.
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels armed retries and waits for running ones to return.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	s.closed = true
	s.cancel()
	for key, t := range s.timers {
		if t.Stop() {
			s.wg.Done()
		}
		delete(s.timers, key)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
