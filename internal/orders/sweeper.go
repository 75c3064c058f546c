package orders

import (
	"context"
	"time"

	"github.com/robertarktes/event-ticketing/internal/observability"
)

const sweepLeaseKey = "expiry-sweep"

// Locker hands out a short lease so only one replica sweeps at a time.
type Locker interface {
	TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, owner string) error
}

// Sweeper expires overdue orders on a fixed interval.
type Sweeper struct {
	manager   *Manager
	interval  time.Duration
	batchSize int
	logger    observability.Logger
	locker    Locker
	owner     string
}

func NewSweeper(manager *Manager, interval time.Duration, logger observability.Logger) *Sweeper {
	return &Sweeper{manager: manager, interval: interval, batchSize: 100, logger: logger}
}

// WithLease makes Run skip ticks on which another owner holds the lease.
func (s *Sweeper) WithLease(locker Locker, owner string) *Sweeper {
	s.locker = locker
	s.owner = owner
	return s
}

func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	if s.locker == nil {
		s.Sweep(ctx)
		return
	}

	ok, err := s.locker.TryLock(ctx, sweepLeaseKey, s.owner, s.interval)
	if err != nil {
		s.logger.WithError(err).Warn("sweep lease unavailable, sweeping anyway")
		s.Sweep(ctx)
		return
	}
	if !ok {
		return
	}
	defer func() {
		if err := s.locker.Unlock(context.WithoutCancel(ctx), sweepLeaseKey, s.owner); err != nil {
			s.logger.WithError(err).Warn("release sweep lease")
		}
	}()
	s.Sweep(ctx)
}

// Sweep drains every overdue order, batch by batch.
func (s *Sweeper) Sweep(ctx context.Context) int {
	total := 0
	for {
		n, err := s.manager.ExpireOverdue(ctx, s.batchSize)
		total += n
		if err != nil {
			s.logger.WithError(err).Error("expiry sweep failed")
			return total
		}
		if n < s.batchSize {
			break
		}
	}
	if total > 0 {
		s.logger.WithField("expired", total).Info("expired overdue orders")
	}
	return total
}
