// Package dispatch turns dashboard automation requests into queued jobs and
// reports on them afterwards. Nothing here runs a job; a separate worker
// drains each dashboard's queue.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gtaroom/GTA-GAME-sub005/internal/domain"
	"github.com/gtaroom/GTA-GAME-sub005/internal/metrics"
	"github.com/gtaroom/GTA-GAME-sub005/internal/queue"
)

type options struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	suffix  func() string
}

// Option configures a Submitter or StatusReader.
type Option func(*options)

func WithLogger(l *zap.Logger) Option { return func(o *options) { o.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithClock overrides the timestamp segment of new job ids.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithSuffix overrides the random segment of new job ids.
func WithSuffix(f func() string) Option { return func(o *options) { o.suffix = f } }

func buildOptions(opts []Option) options {
	o := options{now: time.Now, suffix: domain.NewSuffix}
	for _, fn := range opts {
		fn(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	if o.metrics == nil {
		o.metrics = metrics.New(nil)
	}
	return o
}

// Submitter validates a request, stamps the action's retry policy on it and
// enqueues it on the dashboard's queue. It keeps no state of its own.
type Submitter struct {
	queues *queue.Registry
	opts   options
}

func NewSubmitter(queues *queue.Registry, opts ...Option) *Submitter {
	return &Submitter{queues: queues, opts: buildOptions(opts)}
}

// Submit enqueues action for tenant and returns the job's identity. Invalid
// input never reaches the broker. On error no job exists and the caller must
// not poll.
func (s *Submitter) Submit(ctx context.Context, tenant, action string, payload json.RawMessage) (domain.JobRef, error) {
	a, policy, err := s.validate(tenant, action)
	if err != nil {
		s.opts.metrics.SubmitErrors.WithLabelValues("validation").Inc()
		s.opts.log.Debug("submission rejected",
			zap.String("tenant", tenant),
			zap.String("action", action),
			zap.Error(err),
		)
		return domain.JobRef{}, err
	}

	ref := domain.NewJobRef(tenant, s.opts.now(), s.opts.suffix())
	j, err := s.queues.Queue(tenant).Add(ctx, queue.JobSpec{
		ID:      ref.ID,
		Action:  a,
		Payload: payload,
		Policy:  policy,
	})
	if err != nil {
		reason := "submission"
		if errors.Is(err, domain.ErrBrokerUnavailable) {
			reason = "broker"
		}
		s.opts.metrics.SubmitErrors.WithLabelValues(reason).Inc()
		s.opts.log.Error("enqueue failed",
			zap.String("tenant", tenant),
			zap.String("job_id", ref.ID),
			zap.Error(err),
		)
		if errors.Is(err, domain.ErrJobExists) || errors.Is(err, domain.ErrInvalidState) {
			return domain.JobRef{}, fmt.Errorf("%w: %w", domain.ErrSubmissionFailed, err)
		}
		return domain.JobRef{}, err
	}
	if j == nil || j.ID == "" {
		s.opts.metrics.SubmitErrors.WithLabelValues("submission").Inc()
		return domain.JobRef{}, fmt.Errorf("%w: broker returned no job id", domain.ErrSubmissionFailed)
	}

	s.opts.metrics.JobsSubmitted.WithLabelValues(a.String()).Inc()
	s.opts.log.Info("job submitted",
		zap.String("tenant", tenant),
		zap.String("job_id", j.ID),
		zap.Stringer("action", a),
		zap.Int("attempts", j.Attempts),
	)
	return domain.JobRef{Tenant: j.Tenant, ID: j.ID}, nil
}

// SubmitPayload is Submit with v encoded as the JSON payload.
func (s *Submitter) SubmitPayload(ctx context.Context, tenant, action string, v any) (domain.JobRef, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return domain.JobRef{}, fmt.Errorf("dispatch: encode payload: %w", err)
	}
	return s.Submit(ctx, tenant, action, payload)
}

func (s *Submitter) validate(tenant, action string) (domain.Action, domain.Policy, error) {
	if tenant == "" {
		return 0, domain.Policy{}, &domain.ValidationError{Field: "tenant"}
	}
	if action == "" {
		return 0, domain.Policy{}, &domain.ValidationError{Field: "action"}
	}
	if err := domain.ValidateTenant(tenant); err != nil {
		return 0, domain.Policy{}, err
	}
	a, err := domain.ParseAction(action)
	if err != nil {
		return 0, domain.Policy{}, err
	}
	p, err := domain.PolicyFor(a)
	if err != nil {
		return 0, domain.Policy{}, err
	}
	return a, p, nil
}
