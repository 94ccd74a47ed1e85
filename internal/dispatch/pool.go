// Package dispatch runs trials on a bounded pool of workers fed through a
// Redis list.
//
// The submitting side pushes JSON-encoded tasks onto the queue and blocks
// until one outcome per task has arrived on the batch's result list. Workers
// may live in the submitting process, in other processes, or both; only
// paths and identifiers cross the queue.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"merramax/internal/trial"
)

const (
	DefaultQueue = "mmx:trials"
	DefaultWidth = 5

	// ResultsTTL bounds how long a batch's result list outlives its last outcome.
	ResultsTTL = 24 * time.Hour
)

// ErrTrialFailed marks an outcome reported as failed by a worker.
var ErrTrialFailed = errors.New("trial failed")

// TrialError is a failure reported by the worker that ran TrialID.
type TrialError struct {
	TrialID string
	Message string
}

func (e *TrialError) Error() string {
	return fmt.Sprintf("trial %s: %s", e.TrialID, e.Message)
}

func (e *TrialError) Unwrap() error { return ErrTrialFailed }

// Task is the unit of work placed on the queue.
type Task struct {
	Batch string      `json:"batch"`
	Trial trial.Trial `json:"trial"`
}

// Outcome is posted by a worker once a task finished.
type Outcome struct {
	Batch   string `json:"batch"`
	TrialID string `json:"trial_id"`
	Error   string `json:"error,omitempty"`
}

// Handler executes one trial on the worker side.
type Handler func(ctx context.Context, t trial.Trial) error

// Pool owns the queue name, the worker goroutines and their lifecycle.
type Pool struct {
	client  *backend.Client
	queue   string
	width   int
	poll    time.Duration
	handler Handler

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// Option configures a Pool.
type Option func(*Pool)

// WithQueue sets the Redis list used for tasks.
func WithQueue(name string) Option {
	return func(p *Pool) {
		p.queue = name
	}
}

// WithWidth sets the number of local workers. Zero starts none, leaving
// execution to external workers.
func WithWidth(n int) Option {
	return func(p *Pool) {
		p.width = n
	}
}

// WithPollInterval sets how long a blocking pop waits before re-checking
// for shutdown. Redis only honours whole seconds.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) {
		p.poll = d
	}
}

// NewPool creates a pool. Workers start with Start.
func NewPool(client *backend.Client, handler Handler, opts ...Option) *Pool {
	p := &Pool{
		client:  client,
		queue:   DefaultQueue,
		width:   DefaultWidth,
		poll:    time.Second,
		handler: handler,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Width returns the number of local workers.
func (p *Pool) Width() int {
	return p.width
}

func (p *Pool) resultsKey(batch string) string {
	return p.queue + ":results:" + batch
}

// Start launches the local workers. It is an error to start twice.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.group != nil {
		return errors.New("pool already started")
	}
	if p.width > 0 && p.handler == nil {
		return errors.New("pool workers need a handler")
	}

	// Close cancels only the pop loop. Handlers see the caller's context, so
	// a running fit finishes unless the caller itself cancels.
	loopCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(loopCtx)
	for i := 0; i < p.width; i++ {
		id := i
		g.Go(func() error {
			return p.work(gctx, ctx, id)
		})
	}
	p.cancel = cancel
	p.group = g

	log.Info().
		Str("queue", p.queue).
		Int("width", p.width).
		Msg("Worker pool started")
	return nil
}

// Close stops popping new tasks and waits for in-flight tasks to finish.
func (p *Pool) Close() error {
	p.mu.Lock()
	cancel, g := p.cancel, p.group
	p.cancel, p.group = nil, nil
	p.mu.Unlock()

	if g == nil {
		return nil
	}
	cancel()
	err := g.Wait()

	log.Info().Str("queue", p.queue).Msg("Worker pool stopped")
	return err
}

func (p *Pool) work(ctx, taskCtx context.Context, id int) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		res, err := p.client.BRPop(ctx, p.poll, p.queue).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, backend.Nil) {
				continue
			}
			log.Warn().Err(err).Int("worker", id).Msg("Queue pop failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.poll):
			}
			continue
		}

		var task Task
		if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
			log.Error().Err(err).Int("worker", id).Str("payload", res[1]).Msg("Dropping undecodable task")
			continue
		}

		outcome := Outcome{Batch: task.Batch, TrialID: task.Trial.ID}
		start := time.Now()
		if err := p.handler(taskCtx, task.Trial); err != nil {
			outcome.Error = err.Error()
		}

		log.Info().
			Int("worker", id).
			Str("trial", task.Trial.ID).
			Bool("ok", outcome.Error == "").
			Dur("took", time.Since(start)).
			Msg("Trial finished")

		data, err := json.Marshal(outcome)
		if err != nil {
			return fmt.Errorf("marshal outcome: %w", err)
		}
		if err := p.postOutcome(context.WithoutCancel(ctx), task.Batch, data); err != nil {
			log.Error().Err(err).Str("trial", task.Trial.ID).Msg("Failed to post outcome")
		}
	}
}

// postOutcome appends to the batch's result list and refreshes its expiry,
// so outcomes arriving after Wait gave up do not linger.
func (p *Pool) postOutcome(ctx context.Context, batch string, data []byte) error {
	key := p.resultsKey(batch)
	pipe := p.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.Expire(ctx, key, ResultsTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Submit queues every trial under a new batch and returns the batch ID.
func (p *Pool) Submit(ctx context.Context, trials []trial.Trial) (string, error) {
	batch := uuid.NewString()
	if len(trials) == 0 {
		return batch, nil
	}

	pipe := p.client.Pipeline()
	for _, t := range trials {
		data, err := json.Marshal(Task{Batch: batch, Trial: t})
		if err != nil {
			return "", fmt.Errorf("marshal task for trial %s: %w", t.ID, err)
		}
		pipe.LPush(ctx, p.queue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to enqueue trials: %w", err)
	}

	log.Info().
		Str("batch", batch).
		Int("trials", len(trials)).
		Msg("Trials submitted")
	return batch, nil
}

// Wait blocks until n outcomes of batch arrived. The first failed outcome
// is returned as a *TrialError without waiting for the rest.
func (p *Pool) Wait(ctx context.Context, batch string, n int) error {
	key := p.resultsKey(batch)
	defer p.client.Del(context.WithoutCancel(ctx), key)

	for received := 0; received < n; {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := p.client.BRPop(ctx, p.poll, key).Result()
		if err != nil {
			if errors.Is(err, backend.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read outcomes: %w", err)
		}

		var outcome Outcome
		if err := json.Unmarshal([]byte(res[1]), &outcome); err != nil {
			return fmt.Errorf("undecodable outcome: %w", err)
		}
		if outcome.Error != "" {
			return &TrialError{TrialID: outcome.TrialID, Message: outcome.Error}
		}
		received++
	}
	return nil
}

// Purge removes tasks of batch that no worker has picked up yet.
func (p *Pool) Purge(ctx context.Context, batch string) (int, error) {
	items, err := p.client.LRange(ctx, p.queue, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list queue: %w", err)
	}

	removed := 0
	for _, item := range items {
		var task Task
		if err := json.Unmarshal([]byte(item), &task); err != nil || task.Batch != batch {
			continue
		}
		n, err := p.client.LRem(ctx, p.queue, 1, item).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to purge task: %w", err)
		}
		removed += int(n)
	}
	return removed, nil
}

// Run submits trials and waits for all of them. On failure the batch's
// pending tasks are purged and the failure returned.
func (p *Pool) Run(ctx context.Context, trials []trial.Trial) error {
	batch, err := p.Submit(ctx, trials)
	if err != nil {
		return err
	}

	if err := p.Wait(ctx, batch, len(trials)); err != nil {
		if n, perr := p.Purge(context.WithoutCancel(ctx), batch); perr != nil {
			log.Warn().Err(perr).Str("batch", batch).Msg("Failed to purge pending trials")
		} else if n > 0 {
			log.Warn().Str("batch", batch).Int("purged", n).Msg("Purged pending trials after failure")
		}
		return err
	}
	return nil
}
