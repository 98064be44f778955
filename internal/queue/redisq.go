package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gtaroom/GTA-GAME-sub005/internal/domain"
)

// JobSpec is what a producer hands to Add.
type JobSpec struct {
	ID      string
	Action  domain.Action
	Payload json.RawMessage
	Policy  domain.Policy
}

// StalledReason is recorded on a job whose worker stopped renewing its lease.
const StalledReason = "stalled: worker lease expired"

// maxWatchRetries bounds optimistic retries when a job hash changes under WATCH.
const maxWatchRetries = 5

// Queue is the handle for one dashboard's queue. Handles are only built by a
// Registry so that there is exactly one per tenant per process.
type Queue struct {
	rdb       r.UniversalClient
	tenant    string
	keys      keys
	retention time.Duration
	lease     time.Duration
	now       func() time.Time
	log       *zap.Logger
}

func (q *Queue) Tenant() string { return q.tenant }

// Add stores the job record and pushes it onto the wait list. The existence
// check and the writes run under WATCH on the job key, so of two concurrent
// Adds with the same id exactly one wins and the other gets ErrJobExists.
func (q *Queue) Add(ctx context.Context, spec JobSpec) (*domain.Job, error) {
	if spec.ID == "" {
		return nil, fmt.Errorf("%w: empty job id", domain.ErrSubmissionFailed)
	}
	key := q.keys.job(spec.ID)

	payload := spec.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	j := &domain.Job{
		ID:        spec.ID,
		Tenant:    q.tenant,
		Action:    spec.Action,
		Payload:   payload,
		Attempts:  spec.Policy.Attempts,
		Backoff:   spec.Policy.Backoff,
		State:     domain.Waiting,
		Timestamp: q.now().UTC(),
	}

	err := q.watch(ctx, "add", key, func(tx *r.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return brokerErr("add exists", err)
		}
		if n > 0 {
			return domain.ErrJobExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe r.Pipeliner) error {
			pipe.HSet(ctx, key, jobToMap(j))
			pipe.LPush(ctx, q.keys.wait(), j.ID)
			pipe.SAdd(ctx, tenantsKey(q.keys.prefix), q.tenant)
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return j, nil
}

// Get returns the job record, or domain.ErrJobNotFound once it has been
// removed or has outlived the retention window.
func (q *Queue) Get(ctx context.Context, id string) (*domain.Job, error) {
	return q.load(ctx, q.rdb, id)
}

// hashReader is satisfied by both the client and a WATCH transaction.
type hashReader interface {
	HGetAll(ctx context.Context, key string) *r.MapStringStringCmd
}

func (q *Queue) load(ctx context.Context, c hashReader, id string) (*domain.Job, error) {
	vals, err := c.HGetAll(ctx, q.keys.job(id)).Result()
	if err != nil {
		return nil, brokerErr("get", err)
	}
	if len(vals) == 0 {
		return nil, domain.ErrJobNotFound
	}
	return mapToJob(vals)
}

// Remove deletes the job from every structure it may sit in. Removing a job
// that does not exist is not an error.
func (q *Queue) Remove(ctx context.Context, id string) error {
	pipe := q.rdb.TxPipeline()
	pipe.Del(ctx, q.keys.job(id))
	pipe.LRem(ctx, q.keys.wait(), 0, id)
	pipe.LRem(ctx, q.keys.active(), 0, id)
	pipe.ZRem(ctx, q.keys.delayed(), id)
	pipe.ZRem(ctx, q.keys.leases(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return brokerErr("remove", err)
	}
	return nil
}

// ── Consumer side ──

// Take moves the oldest waiting job to active and leases it to the caller. A
// zero timeout polls without blocking. It returns nil, nil when nothing is
// waiting. The worker must call Heartbeat (or UpdateProgress) more often than
// the lease, or the scheduler will count the attempt as stalled.
func (q *Queue) Take(ctx context.Context, timeout time.Duration) (*domain.Job, error) {
	var (
		id  string
		err error
	)
	if timeout > 0 {
		id, err = q.rdb.BLMove(ctx, q.keys.wait(), q.keys.active(), "RIGHT", "LEFT", timeout).Result()
	} else {
		id, err = q.rdb.LMove(ctx, q.keys.wait(), q.keys.active(), "RIGHT", "LEFT").Result()
	}
	if errors.Is(err, r.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, brokerErr("take", err)
	}

	key := q.keys.job(id)
	n, err := q.rdb.Exists(ctx, key).Result()
	if err != nil {
		return nil, brokerErr("take exists", err)
	}
	if n == 0 {
		// Record is gone; drop the dangling id rather than hand out an empty job.
		q.log.Warn("dropping job without record", zap.String("tenant", q.tenant), zap.String("job_id", id))
		if err := q.rdb.LRem(ctx, q.keys.active(), 0, id).Err(); err != nil {
			return nil, brokerErr("take lrem", err)
		}
		return nil, nil
	}

	now := q.now().UTC()
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"state", string(domain.Active),
		"processed_on", now.UnixMilli(),
	)
	pipe.ZAdd(ctx, q.keys.leases(), r.Z{Score: float64(now.Add(q.lease).UnixMilli()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, brokerErr("take mark active", err)
	}
	return q.Get(ctx, id)
}

// Heartbeat extends the lease of an active job.
func (q *Queue) Heartbeat(ctx context.Context, id string) error {
	j, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.State != domain.Active {
		return fmt.Errorf("%w: heartbeat %s in state %s", domain.ErrInvalidState, id, j.State)
	}
	deadline := q.now().Add(q.lease).UnixMilli()
	if err := q.rdb.ZAddXX(ctx, q.keys.leases(), r.Z{Score: float64(deadline), Member: id}).Err(); err != nil {
		return brokerErr("heartbeat", err)
	}
	return nil
}

// UpdateProgress records a completion percentage, clamped to 0..100, and
// extends the lease of an active job.
func (q *Queue) UpdateProgress(ctx context.Context, id string, pct int) error {
	j, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	pct = min(max(pct, 0), 100)
	if err := q.rdb.HSet(ctx, q.keys.job(id), "progress", pct).Err(); err != nil {
		return brokerErr("progress", err)
	}
	if j.State == domain.Active {
		return q.Heartbeat(ctx, id)
	}
	return nil
}

// Complete marks an active job completed and starts its retention clock.
func (q *Queue) Complete(ctx context.Context, id string) error {
	key := q.keys.job(id)
	return q.watch(ctx, "complete", key, func(tx *r.Tx) error {
		j, err := q.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if j.State != domain.Active {
			return fmt.Errorf("%w: complete %s in state %s", domain.ErrInvalidState, id, j.State)
		}
		_, err = tx.TxPipelined(ctx, func(pipe r.Pipeliner) error {
			pipe.LRem(ctx, q.keys.active(), 0, id)
			pipe.ZRem(ctx, q.keys.leases(), id)
			pipe.HSet(ctx, key,
				"state", string(domain.Completed),
				"finished_on", q.now().UTC().UnixMilli(),
			)
			q.expire(ctx, pipe, key)
			return nil
		})
		return err
	})
}

// Fail records a failed attempt. While attempts remain the job goes back to
// wait, or to delayed when its backoff is non-zero. On the last attempt it
// becomes failed and its retention clock starts. The resulting state is returned.
func (q *Queue) Fail(ctx context.Context, id, reason string) (domain.State, error) {
	key := q.keys.job(id)

	var next domain.State
	err := q.watch(ctx, "fail", key, func(tx *r.Tx) error {
		j, err := q.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if j.State != domain.Active {
			return fmt.Errorf("%w: fail %s in state %s", domain.ErrInvalidState, id, j.State)
		}

		made := j.AttemptsMade + 1
		now := q.now().UTC()

		switch {
		case made < j.Attempts && j.Backoff.Delay <= 0:
			next = domain.Waiting
		case made < j.Attempts:
			next = domain.Delayed
		default:
			next = domain.Failed
		}

		fields := []any{
			"state", string(next),
			"attempts_made", made,
			"failed_reason", reason,
		}
		if next == domain.Failed {
			fields = append(fields, "finished_on", now.UnixMilli())
		}

		_, err = tx.TxPipelined(ctx, func(pipe r.Pipeliner) error {
			pipe.LRem(ctx, q.keys.active(), 0, id)
			pipe.ZRem(ctx, q.keys.leases(), id)
			switch next {
			case domain.Waiting:
				pipe.LPush(ctx, q.keys.wait(), id)
			case domain.Delayed:
				due := now.Add(j.Backoff.Delay).UnixMilli()
				pipe.ZAdd(ctx, q.keys.delayed(), r.Z{Score: float64(due), Member: id})
			}
			pipe.HSet(ctx, key, fields...)
			if next == domain.Failed {
				q.expire(ctx, pipe, key)
			}
			return nil
		})
		return err
	})
	if err != nil {
		return "", err
	}
	return next, nil
}

// RecoverStalled fails every active job whose lease ran out at now, through
// the same retry path as Fail. A job with attempts left goes back to wait; a
// single-attempt job such as a recharge ends up failed and is never re-run.
// It returns how many jobs were recovered.
func (q *Queue) RecoverStalled(ctx context.Context, now time.Time, batch int64) (int, error) {
	ids, err := q.rdb.ZRangeByScore(ctx, q.keys.leases(), &r.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10), Offset: 0, Count: batch,
	}).Result()
	if err != nil {
		return 0, brokerErr("recover range", err)
	}

	recovered := 0
	for _, id := range ids {
		// Only the caller whose ZREM removes the entry handles the job.
		won, err := q.rdb.ZRem(ctx, q.keys.leases(), id).Result()
		if err != nil {
			return recovered, brokerErr("recover claim", err)
		}
		if won == 0 {
			continue
		}

		state, err := q.Fail(ctx, id, StalledReason)
		switch {
		case err == nil:
			recovered++
			q.log.Warn("recovered stalled job",
				zap.String("tenant", q.tenant),
				zap.String("job_id", id),
				zap.String("state", string(state)),
			)
		case errors.Is(err, domain.ErrJobNotFound):
			if err := q.rdb.LRem(ctx, q.keys.active(), 0, id).Err(); err != nil {
				return recovered, brokerErr("recover lrem", err)
			}
		case errors.Is(err, domain.ErrInvalidState):
			// Usually the worker finished it after the lease expired. If it is
			// still active the transaction lost every retry; re-arm the lease
			// so the next tick tries again.
			j, gerr := q.Get(ctx, id)
			if gerr != nil || j.State != domain.Active {
				continue
			}
			if err := q.rdb.ZAdd(ctx, q.keys.leases(), r.Z{Score: float64(now.UnixMilli()), Member: id}).Err(); err != nil {
				return recovered, brokerErr("recover rearm", err)
			}
		default:
			return recovered, err
		}
	}
	return recovered, nil
}

// PromoteDelayed moves retries that are due at now back onto the wait list.
func (q *Queue) PromoteDelayed(ctx context.Context, now time.Time, batch int64) (int, error) {
	ids, err := q.rdb.ZRangeByScore(ctx, q.keys.delayed(), &r.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10), Offset: 0, Count: batch,
	}).Result()
	if err != nil {
		return 0, brokerErr("promote range", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		pipe.LPush(ctx, q.keys.wait(), id)
		pipe.ZRem(ctx, q.keys.delayed(), id)
		pipe.HSet(ctx, q.keys.job(id), "state", string(domain.Waiting))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, brokerErr("promote", err)
	}
	return len(ids), nil
}

func (q *Queue) expire(ctx context.Context, pipe r.Pipeliner, key string) {
	if q.retention > 0 {
		pipe.Expire(ctx, key, q.retention)
	}
}

// watch runs fn as an optimistic transaction on key, retrying when another
// client changed the key between fn's reads and its EXEC.
func (q *Queue) watch(ctx context.Context, op, key string, fn func(*r.Tx) error) error {
	var err error
	for range maxWatchRetries {
		err = q.rdb.Watch(ctx, fn, key)
		if !errors.Is(err, r.TxFailedErr) {
			break
		}
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, r.TxFailedErr):
		return fmt.Errorf("%w: %s %s: contended", domain.ErrInvalidState, op, key)
	case isQueueErr(err):
		return err
	default:
		return brokerErr(op, err)
	}
}

func isQueueErr(err error) bool {
	for _, target := range []error{
		domain.ErrBrokerUnavailable,
		domain.ErrJobExists,
		domain.ErrJobNotFound,
		domain.ErrInvalidState,
		domain.ErrUnknownAction,
		domain.ErrValidation,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func brokerErr(op string, err error) error {
	return fmt.Errorf("queue: %s: %w: %w", op, domain.ErrBrokerUnavailable, err)
}

// ── Hash encoding ──

func jobToMap(j *domain.Job) map[string]any {
	m := map[string]any{
		"id":            j.ID,
		"tenant":        j.Tenant,
		"action":        j.Action.String(),
		"payload":       string(j.Payload),
		"attempts":      j.Attempts,
		"attempts_made": j.AttemptsMade,
		"backoff_type":  j.Backoff.Type,
		"backoff_ms":    j.Backoff.Delay.Milliseconds(),
		"state":         string(j.State),
		"progress":      j.Progress,
		"failed_reason": j.FailedReason,
		"timestamp":     j.Timestamp.UnixMilli(),
	}
	if j.ProcessedOn != nil {
		m["processed_on"] = j.ProcessedOn.UnixMilli()
	}
	if j.FinishedOn != nil {
		m["finished_on"] = j.FinishedOn.UnixMilli()
	}
	return m
}

func mapToJob(vals map[string]string) (*domain.Job, error) {
	action, err := domain.ParseAction(vals["action"])
	if err != nil {
		return nil, fmt.Errorf("queue: decode job %s: %w", vals["id"], err)
	}

	ints := make(map[string]int64, 6)
	for _, f := range []string{"attempts", "attempts_made", "backoff_ms", "progress", "timestamp"} {
		v, err := strconv.ParseInt(vals[f], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("queue: decode job %s field %s: %w", vals["id"], f, err)
		}
		ints[f] = v
	}

	j := &domain.Job{
		ID:           vals["id"],
		Tenant:       vals["tenant"],
		Action:       action,
		Payload:      json.RawMessage(vals["payload"]),
		Attempts:     int(ints["attempts"]),
		AttemptsMade: int(ints["attempts_made"]),
		Backoff: domain.Backoff{
			Type:  vals["backoff_type"],
			Delay: time.Duration(ints["backoff_ms"]) * time.Millisecond,
		},
		State:        domain.State(vals["state"]),
		Progress:     int(ints["progress"]),
		FailedReason: vals["failed_reason"],
		Timestamp:    time.UnixMilli(ints["timestamp"]).UTC(),
		ProcessedOn:  optionalMillis(vals["processed_on"]),
		FinishedOn:   optionalMillis(vals["finished_on"]),
	}
	return j, nil
}

func optionalMillis(s string) *time.Time {
	if s == "" {
		return nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
