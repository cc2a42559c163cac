package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

const DefaultMaxAttempts = 10

type SyncOp string

const (
	OpUpload SyncOp = "upload"
	OpDelete SyncOp = "delete"
)

// SyncTask is one file operation that failed and is waiting for a retry.
// Attempts counts every try so far, the first one included.
type SyncTask struct {
	Op         SyncOp
	Key        FileKey
	LocalPath  string
	ObjectName string
	Replace    bool // upload overwrites an existing object
	Attempts   int
	LastErr    error
}

// RetryQueue is a FIFO of failed tasks shared by the workers of one run.
type RetryQueue struct {
	MaxAttempts int
	Delay       time.Duration
	Clock       clockwork.Clock

	lock  sync.Mutex
	tasks []SyncTask
}

func NewRetryQueue(maxAttempts int, delay time.Duration, clock clockwork.Clock) *RetryQueue {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &RetryQueue{
		MaxAttempts: maxAttempts,
		Delay:       delay,
		Clock:       clock,
		tasks:       make([]SyncTask, 0),
	}
}

func (q *RetryQueue) Enqueue(task SyncTask) {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.tasks = append(q.tasks, task)
}

func (q *RetryQueue) pop() (SyncTask, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if len(q.tasks) == 0 {
		return SyncTask{}, false
	}
	task := q.tasks[0]
	q.tasks = q.tasks[1:]

	return task, true
}

// Drain retries queued tasks until the queue is empty. A task that fails
// again goes to the tail; once it has used MaxAttempts it is dropped and
// returned in the permanent failure list. Every retry increments Attempts,
// so Drain always terminates. A cancelled ctx stops the drain and the
// remaining tasks are left queued.
func (q *RetryQueue) Drain(ctx context.Context, attempt func(context.Context, SyncTask) error) ([]SyncTask, error) {
	permanent := make([]SyncTask, 0)

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return permanent, ctxErr
		}
		task, ok := q.pop()
		if !ok {
			return permanent, nil
		}

		if task.Attempts >= q.MaxAttempts {
			log.WithError(task.LastErr).Warn(fmt.Sprintf("Giving up on %s of %s after %d attempts", task.Op, task.Key, task.Attempts))
			permanent = append(permanent, task)
			continue
		}

		if q.Delay > 0 {
			select {
			case <-ctx.Done():
				q.Enqueue(task)
				return permanent, ctx.Err()
			case <-q.Clock.After(q.Delay):
			}
		}

		task.Attempts++
		if retryErr := attempt(ctx, task); retryErr != nil {
			task.LastErr = retryErr
			log.WithError(retryErr).Info(fmt.Sprintf("Retry %d/%d of %s for %s failed", task.Attempts, q.MaxAttempts, task.Op, task.Key))
			q.Enqueue(task)
			continue
		}
		log.Info(fmt.Sprintf("Retry %d/%d of %s for %s succeeded", task.Attempts, q.MaxAttempts, task.Op, task.Key))
	}
}
