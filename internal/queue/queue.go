// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

// Package queue implements the priority job queue that serializes and
// retries long-running operations.
//
// Jobs are keyed by (type, dedup key); at most one non-terminal job may hold
// a key, which is what guarantees single-flight execution per plan. Two
// priority bands exist: a priority enqueue jumps ahead of queued normal-band
// work but never preempts a job already executing. A failing job is retried
// after a fixed delay until its attempt budget is exhausted, at which point
// a permanent-failure event is published on the process-wide bus and the job
// is dropped. Every terminal outcome is observable: through the job handle,
// through a bus event, or through Remove's return value.
//
// The queue deliberately enforces no timeout on handlers; a stuck handler
// stalls its dedup key until the process restarts.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/fleetback/fleetback/internal/logging"
	"github.com/fleetback/fleetback/internal/metrics"
)

// Priority selects the band a job is queued in.
type Priority int

const (
	// PriorityNormal is the default band, used by scheduled work.
	PriorityNormal Priority = iota
	// PriorityHigh is used for user-triggered work; it drains before the
	// normal band.
	PriorityHigh
)

// ErrDuplicateJob is returned by Enqueue when a non-terminal job already
// holds the (type, dedup key) pair.
var ErrDuplicateJob = errors.New("a job with this type and dedup key is already queued")

// ErrUnknownJobType is returned by Enqueue when no handler is registered.
var ErrUnknownJobType = errors.New("no handler registered for job type")

// ErrJobCancelled is reported by a handle whose job was removed or cancelled.
var ErrJobCancelled = errors.New("job cancelled")

// Job is a unit of work submitted to the queue. Payload is the event payload
// base for the job's error and failure events: whatever identifying fields
// it carries (planId, backupId, ...) are echoed back with the error attached.
type Job struct {
	Type        string
	DedupKey    string
	Payload     json.RawMessage
	MaxAttempts int
	RetryDelay  time.Duration
	Priority    Priority
}

// Handler executes one attempt of a job. A nil return completes the job;
// an error consumes one attempt.
type Handler func(ctx context.Context, job Job) error

// EventPublisher is the failure-bus seam; the events.Bus satisfies it.
type EventPublisher interface {
	Publish(topic string, v any) error
}

// Handle tracks a submitted job. Done is closed on any terminal outcome;
// Err reports the terminal error, nil on success.
type Handle struct {
	q        *Queue
	jobType  string
	dedupKey string

	done chan struct{}
	once sync.Once
	err  error
}

// Done returns a channel closed when the job reaches a terminal outcome.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the terminal error after Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Cancel removes the job from the queue. Equivalent to Queue.Remove with
// the job's own key.
func (h *Handle) Cancel() bool {
	return h.q.Remove(h.jobType, h.dedupKey)
}

func (h *Handle) complete(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

type jobState int

const (
	stateReady jobState = iota
	stateRunning
	stateWaitingRetry
)

type job struct {
	Job
	attempt int
	state   jobState
	handle  *Handle
	timer   *time.Timer
	cancel  context.CancelFunc // set while running
	removed bool
}

// Config holds queue construction options.
type Config struct {
	// Workers is the number of concurrent job executors. The default of 1
	// serializes all execution, which is what backup tools generally need.
	Workers int
}

// Queue is the priority job queue.
type Queue struct {
	cfg      Config
	failures EventPublisher
	logger   zerolog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	jobs     map[string]*job // key: type + "\x00" + dedupKey
	high     []string
	normal   []string

	wake chan struct{}
}

// New creates a queue publishing failure events through failures.
func New(cfg Config, failures EventPublisher) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Queue{
		cfg:      cfg,
		failures: failures,
		logger:   logging.With().Str("component", "queue").Logger(),
		handlers: make(map[string]Handler),
		jobs:     make(map[string]*job),
		wake:     make(chan struct{}, 1),
	}
}

// Register binds a handler to a job type. Must be called before Enqueue for
// that type.
func (q *Queue) Register(jobType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = h
}

func jobKey(jobType, dedupKey string) string {
	return jobType + "\x00" + dedupKey
}

// Enqueue accepts a job in its band. Duplicate non-terminal (type, dedup
// key) pairs are rejected with ErrDuplicateJob so callers can distinguish
// "already running" from "accepted".
func (q *Queue) Enqueue(j Job) (*Handle, error) {
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = 1
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.handlers[j.Type]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, j.Type)
	}

	key := jobKey(j.Type, j.DedupKey)
	if _, ok := q.jobs[key]; ok {
		return nil, ErrDuplicateJob
	}

	h := &Handle{q: q, jobType: j.Type, dedupKey: j.DedupKey, done: make(chan struct{})}
	q.jobs[key] = &job{Job: j, attempt: 1, state: stateReady, handle: h}
	q.push(key, j.Priority)
	metrics.QueueDepth.Inc()
	q.signalLocked()

	q.logger.Debug().Str("job_type", j.Type).Str("dedup_key", j.DedupKey).
		Int("max_attempts", j.MaxAttempts).Msg("job enqueued")
	return h, nil
}

// AddJob enqueues a normal-band job (fire-and-forget call shape).
func (q *Queue) AddJob(jobType string, payload json.RawMessage, maxAttempts int, retryDelay time.Duration, dedupKey string) (*Handle, error) {
	return q.Enqueue(Job{
		Type: jobType, DedupKey: dedupKey, Payload: payload,
		MaxAttempts: maxAttempts, RetryDelay: retryDelay, Priority: PriorityNormal,
	})
}

// AddPriorityJob enqueues a priority-band job.
func (q *Queue) AddPriorityJob(jobType string, payload json.RawMessage, maxAttempts int, retryDelay time.Duration, dedupKey string) (*Handle, error) {
	return q.Enqueue(Job{
		Type: jobType, DedupKey: dedupKey, Payload: payload,
		MaxAttempts: maxAttempts, RetryDelay: retryDelay, Priority: PriorityHigh,
	})
}

// Remove cancels the job holding (jobType, dedupKey) if present: a queued
// job is dropped, a retry-waiting job's timer is stopped, and a running
// job's context is cancelled. Returns whether anything was removed. This is
// half of the cancellation dual-step; the other half is telling the
// execution backend to stop the underlying process.
func (q *Queue) Remove(jobType, dedupKey string) bool {
	q.mu.Lock()
	key := jobKey(jobType, dedupKey)
	j, ok := q.jobs[key]
	if !ok {
		q.mu.Unlock()
		return false
	}

	j.removed = true
	if j.timer != nil {
		j.timer.Stop()
	}
	if j.cancel != nil {
		j.cancel()
	}
	delete(q.jobs, key)
	q.dropFromBands(key)
	metrics.QueueDepth.Dec()
	q.mu.Unlock()

	j.handle.complete(ErrJobCancelled)
	q.logger.Info().Str("job_type", jobType).Str("dedup_key", dedupKey).Msg("job removed")
	return true
}

// Pending reports whether a non-terminal job holds the key.
func (q *Queue) Pending(jobType, dedupKey string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.jobs[jobKey(jobType, dedupKey)]
	return ok
}

// Serve runs the worker loop until ctx is cancelled. It satisfies
// suture.Service so the queue runs under the supervisor tree.
func (q *Queue) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < q.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.worker(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *Queue) worker(ctx context.Context) {
	for {
		j := q.next()
		if j == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}
		q.run(ctx, j)
	}
}

// next pops the highest-priority ready job, or nil when none is ready.
func (q *Queue) next() *job {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, band := range []*[]string{&q.high, &q.normal} {
		for len(*band) > 0 {
			key := (*band)[0]
			*band = (*band)[1:]
			j, ok := q.jobs[key]
			if !ok || j.state != stateReady {
				continue // removed or rescheduled meanwhile
			}
			j.state = stateRunning
			return j
		}
	}
	return nil
}

func (q *Queue) run(ctx context.Context, j *job) {
	q.mu.Lock()
	handler := q.handlers[j.Type]
	jobCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	q.mu.Unlock()
	defer cancel()

	q.logger.Debug().Str("job_type", j.Type).Str("dedup_key", j.DedupKey).
		Int("attempt", j.attempt).Msg("job attempt starting")

	start := time.Now()
	err := handler(jobCtx, j.Job)
	metrics.JobDuration.WithLabelValues(j.Type).Observe(time.Since(start).Seconds())

	q.mu.Lock()
	j.cancel = nil
	if j.removed {
		q.mu.Unlock()
		return // Remove already completed the handle
	}

	if err == nil {
		delete(q.jobs, jobKey(j.Type, j.DedupKey))
		metrics.QueueDepth.Dec()
		q.mu.Unlock()
		j.handle.complete(nil)
		metrics.JobsCompleted.WithLabelValues(j.Type).Inc()
		return
	}

	if j.attempt < j.MaxAttempts {
		j.attempt++
		j.state = stateWaitingRetry
		key := jobKey(j.Type, j.DedupKey)
		j.timer = time.AfterFunc(j.RetryDelay, func() {
			q.requeue(key)
		})
		q.mu.Unlock()

		metrics.JobRetries.WithLabelValues(j.Type).Inc()
		q.logger.Warn().Err(err).Str("job_type", j.Type).Str("dedup_key", j.DedupKey).
			Int("next_attempt", j.attempt).Dur("retry_delay", j.RetryDelay).
			Msg("job attempt failed, retry scheduled")
		q.publishFailure(j, topicError, err)
		return
	}

	// Budget exhausted: escalate to permanent failure and drop the job.
	delete(q.jobs, jobKey(j.Type, j.DedupKey))
	metrics.QueueDepth.Dec()
	q.mu.Unlock()

	metrics.JobsFailed.WithLabelValues(j.Type).Inc()
	q.logger.Error().Err(err).Str("job_type", j.Type).Str("dedup_key", j.DedupKey).
		Int("attempts", j.attempt).Msg("job retry budget exhausted")
	q.publishFailure(j, topicFailed, err)
	j.handle.complete(err)
}

func (q *Queue) requeue(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[key]
	if !ok || j.state != stateWaitingRetry {
		return
	}
	j.state = stateReady
	j.timer = nil
	q.push(key, j.Priority)
	q.signalLocked()
}

const (
	topicError  = "error"
	topicFailed = "failed"
)

// publishFailure echoes the job payload with the error attached onto the
// bus, on "<type>.error" or "<type>.failed". The payload carries the
// operation identity (planId, backupId, ...), so the published document is
// exactly the lifecycle event the reconciliation services consume.
func (q *Queue) publishFailure(j *job, suffix string, cause error) {
	if q.failures == nil {
		return
	}

	fields := map[string]any{}
	if len(j.Payload) > 0 {
		if err := json.Unmarshal(j.Payload, &fields); err != nil {
			q.logger.Error().Err(err).Str("job_type", j.Type).
				Msg("job payload is not a JSON object, publishing error without identity fields")
			fields = map[string]any{}
		}
	}
	fields["error"] = cause.Error()

	topic := j.Type + "." + suffix
	if err := q.failures.Publish(topic, fields); err != nil {
		q.logger.Error().Err(err).Str("topic", topic).Msg("failed to publish job failure event")
	}
}

func (q *Queue) push(key string, p Priority) {
	if p == PriorityHigh {
		q.high = append(q.high, key)
	} else {
		q.normal = append(q.normal, key)
	}
}

func (q *Queue) dropFromBands(key string) {
	q.high = dropKey(q.high, key)
	q.normal = dropKey(q.normal, key)
}

func dropKey(band []string, key string) []string {
	for i, k := range band {
		if k == key {
			return append(band[:i], band[i+1:]...)
		}
	}
	return band
}

func (q *Queue) signalLocked() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
