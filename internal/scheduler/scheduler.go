// Package scheduler moves delayed retries back onto their dashboard's wait
// list once their backoff has elapsed, and fails back active jobs whose
// worker lease ran out.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/gtaroom/GTA-GAME-sub005/internal/metrics"
	"github.com/gtaroom/GTA-GAME-sub005/internal/queue"
)

// Elector decides whether this instance should do the work on a tick.
type Elector interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// AlwaysLeader is used when no lock backend is configured.
type AlwaysLeader struct{}

func (AlwaysLeader) TryAcquire(context.Context) (bool, error) { return true, nil }
func (AlwaysLeader) Release(context.Context) error            { return nil }

type Scheduler struct {
	queues   *queue.Registry
	elector  Elector
	interval time.Duration
	batch    int64
	now      func() time.Time
	log      *zap.Logger
	metrics  *metrics.Metrics

	leading bool
}

func New(queues *queue.Registry, elector Elector, interval time.Duration, batch int64, log *zap.Logger, m *metrics.Metrics) *Scheduler {
	if elector == nil {
		elector = AlwaysLeader{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Scheduler{
		queues:   queues,
		elector:  elector,
		interval: interval,
		batch:    batch,
		now:      time.Now,
		log:      log,
		metrics:  m,
	}
}

// Run ticks until ctx is done, then gives up leadership.
func (s *Scheduler) Run(ctx context.Context) error {
	tick := time.NewTicker(s.interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			// ctx is already cancelled; unlock on a fresh one.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return s.elector.Release(releaseCtx)
		case <-tick.C:
			if _, err := s.Tick(ctx); err != nil {
				s.log.Warn("scheduler tick", zap.Error(err))
			}
		}
	}
}

// Result counts what one Tick moved.
type Result struct {
	Promoted  int
	Recovered int
}

// Tick promotes due retries and recovers stalled jobs for every known
// dashboard if this instance is the leader. One dashboard's error does not
// stop the others.
func (s *Scheduler) Tick(ctx context.Context) (Result, error) {
	var res Result

	ok, err := s.elector.TryAcquire(ctx)
	if err != nil {
		s.setLeading(false)
		return res, fmt.Errorf("scheduler: leader election: %w", err)
	}
	s.setLeading(ok)
	if !ok {
		return res, nil
	}

	tenants, err := s.queues.Tenants(ctx)
	if err != nil {
		return res, err
	}

	now := s.now()
	var errs error
	for _, t := range tenants {
		q := s.queues.Queue(t)

		n, err := q.PromoteDelayed(ctx, now, s.batch)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("promote(%s): %w", t, err))
		}
		res.Promoted += n

		n, err = q.RecoverStalled(ctx, now, s.batch)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("recover(%s): %w", t, err))
		}
		res.Recovered += n
	}
	if res.Promoted > 0 {
		s.metrics.JobsPromoted.Add(float64(res.Promoted))
	}
	if res.Recovered > 0 {
		s.metrics.JobsRecovered.Add(float64(res.Recovered))
	}
	if res.Promoted > 0 || res.Recovered > 0 {
		s.log.Debug("tick", zap.Int("promoted", res.Promoted), zap.Int("recovered", res.Recovered))
	}
	return res, errs
}

func (s *Scheduler) setLeading(ok bool) {
	if ok == s.leading {
		return
	}
	s.leading = ok
	if ok {
		s.log.Info("acquired scheduler leadership")
	} else {
		s.log.Info("lost scheduler leadership")
	}
}
