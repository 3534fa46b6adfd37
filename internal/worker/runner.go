package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"sentiment-pipeline/internal/jobs"
	"sentiment-pipeline/internal/models"
	"sentiment-pipeline/internal/store"
	"sentiment-pipeline/internal/telemetry"
)

// TaskStore is the persistence the runner needs.
type TaskStore interface {
	GetTask(ctx context.Context, id int64) (models.Task, error)
	ListSubTasks(ctx context.Context, taskID int64) ([]models.SubTask, error)
	UpdateTaskStatus(ctx context.Context, id int64, status models.TaskStatus) error
	MarkSubTaskFailed(ctx context.Context, id int64, message string) error
}

// TaskQueue is the leasing queue the runner consumes.
type TaskQueue interface {
	DequeueWithLease(ctx context.Context) (int64, bool, error)
	ExtendLease(ctx context.Context, taskID int64, extension time.Duration) error
	Ack(ctx context.Context, taskID int64) error
	Schedule(ctx context.Context, taskID int64, runAt time.Time) error
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]int64, error)
	ReadyDepth(ctx context.Context) (int64, error)
	DLQPush(ctx context.Context, taskID int64) error
}

// Dispatcher routes a subtask to its processor.
type Dispatcher interface {
	Dispatch(ctx context.Context, item models.SubTask) error
}

// Options tunes the runner loop.
type Options struct {
	WorkerID           string
	PollInterval       time.Duration
	VisibilityTimeout  time.Duration
	ScheduledBatchSize int
}

// Runner drives the worker execution loop: it leases task ids from the queue
// and runs each task's subtasks one at a time, in order.
type Runner struct {
	opts       Options
	store      TaskStore
	queue      TaskQueue
	dispatcher Dispatcher
	log        *logrus.Entry
	now        func() time.Time
}

func NewRunner(opts Options, st TaskStore, q TaskQueue, d Dispatcher, log *logrus.Entry) *Runner {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 5 * time.Minute
	}
	if opts.ScheduledBatchSize <= 0 {
		opts.ScheduledBatchSize = 100
	}
	if opts.WorkerID != "" {
		log = log.WithField("worker_id", opts.WorkerID)
	}
	return &Runner{opts: opts, store: st, queue: q, dispatcher: d, log: log, now: time.Now}
}

// Run starts the main worker loop until context cancellation.
func (r *Runner) Run(ctx context.Context) error {
	r.log.WithFields(logrus.Fields{
		"poll_interval": r.opts.PollInterval,
		"visibility":    r.opts.VisibilityTimeout,
	}).Info("worker started")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.housekeeping(ctx)

		taskID, ok, err := r.queue.DequeueWithLease(ctx)
		if err != nil {
			r.log.WithError(err).Warn("dequeue failed")
		}
		if err != nil || !ok {
			if err := sleep(ctx, r.opts.PollInterval); err != nil {
				return err
			}
			continue
		}
		if err := r.RunTask(ctx, taskID); err != nil {
			r.log.WithError(err).WithField("task_id", taskID).Error("task run aborted")
		}
	}
}

func (r *Runner) housekeeping(ctx context.Context) {
	now := r.now()
	if n, err := r.queue.PromoteScheduled(ctx, now, int64(r.opts.ScheduledBatchSize)); err != nil {
		r.log.WithError(err).Warn("promote scheduled tasks")
	} else if n > 0 {
		r.log.WithField("count", n).Debug("scheduled tasks promoted")
	}
	reclaimed, err := r.queue.RequeueExpired(ctx, now, 100)
	if err != nil {
		r.log.WithError(err).Warn("requeue expired leases")
	} else if len(reclaimed) > 0 {
		r.log.WithField("task_ids", reclaimed).Warn("expired leases requeued")
	}
	if depth, err := r.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

// RunTask executes one leased task. Subtasks that already left PENDING are
// skipped, so a task whose lease expired mid-run resumes where it stopped.
func (r *Runner) RunTask(ctx context.Context, taskID int64) error {
	log := r.log.WithField("task_id", taskID)

	task, err := r.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("queued task no longer exists")
		return r.queue.Ack(ctx, taskID)
	}
	if err != nil {
		retryAt := r.now().Add(r.opts.PollInterval)
		if serr := r.queue.Schedule(ctx, taskID, retryAt); serr != nil {
			log.WithError(serr).Error("reschedule task")
		}
		return fmt.Errorf("load task %d: %w", taskID, err)
	}
	if task.Status == models.TaskCompleted || task.Status == models.TaskFailed {
		log.WithField("status", task.Status).Info("task already finished")
		return r.queue.Ack(ctx, taskID)
	}

	log = log.WithFields(logrus.Fields{"task_type": task.Type, "user_id": task.UserID})
	if err := r.store.UpdateTaskStatus(ctx, taskID, models.TaskInProgress); err != nil {
		return fmt.Errorf("mark task %d in progress: %w", taskID, err)
	}
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	for _, sub := range task.SubTasks {
		if err := ctx.Err(); err != nil {
			// Leave the lease to expire; the remaining subtasks run on redelivery.
			return err
		}
		subLog := log.WithFields(logrus.Fields{"subtask_id": sub.ID, "type": sub.Type})
		if sub.Status != models.SubTaskPending {
			subLog.WithField("status", sub.Status).Debug("skipping finished subtask")
			continue
		}
		if err := r.queue.ExtendLease(ctx, taskID, r.opts.VisibilityTimeout); err != nil {
			subLog.WithError(err).Warn("extend lease")
		}

		err := r.dispatcher.Dispatch(ctx, sub)
		if jobs.IsConfigurationError(err) {
			subLog.WithError(err).Error("no processor for subtask type")
			if ferr := r.store.MarkSubTaskFailed(ctx, sub.ID, err.Error()); ferr != nil {
				subLog.WithError(ferr).Error("mark subtask failed")
			}
			return r.deadLetter(ctx, taskID, log)
		}
		if err != nil {
			subLog.WithError(err).Error("dispatch failed")
		}
	}

	status, err := r.finalStatus(ctx, taskID, log)
	if err != nil {
		return err
	}
	if err := r.store.UpdateTaskStatus(ctx, taskID, status); err != nil {
		return fmt.Errorf("mark task %d %s: %w", taskID, status, err)
	}
	telemetry.TasksFinished.WithLabelValues(string(status)).Inc()
	log.WithField("status", status).Info("task finished")
	return r.queue.Ack(ctx, taskID)
}

// finalStatus re-reads the subtasks because processors report through the store.
// A subtask still PENDING after its run never recorded an outcome and counts as failed.
func (r *Runner) finalStatus(ctx context.Context, taskID int64, log *logrus.Entry) (models.TaskStatus, error) {
	subs, err := r.store.ListSubTasks(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("reload subtasks of task %d: %w", taskID, err)
	}
	status := models.TaskCompleted
	for _, sub := range subs {
		switch sub.Status {
		case models.SubTaskFailed:
			status = models.TaskFailed
		case models.SubTaskPending:
			log.WithField("subtask_id", sub.ID).Warn("subtask recorded no outcome")
			status = models.TaskFailed
		}
	}
	return status, nil
}

func (r *Runner) deadLetter(ctx context.Context, taskID int64, log *logrus.Entry) error {
	if err := r.store.UpdateTaskStatus(ctx, taskID, models.TaskFailed); err != nil {
		log.WithError(err).Error("mark task failed")
	}
	if err := r.queue.DLQPush(ctx, taskID); err != nil {
		log.WithError(err).Error("push to dead-letter queue")
	}
	telemetry.WorkerDeadLetter.Inc()
	telemetry.TasksFinished.WithLabelValues(string(models.TaskFailed)).Inc()
	log.Warn("task dead-lettered")
	return r.queue.Ack(ctx, taskID)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
