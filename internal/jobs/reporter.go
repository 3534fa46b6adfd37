package jobs

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"sentiment-pipeline/internal/models"
	"sentiment-pipeline/internal/telemetry"
)

// StatusWriter records a subtask's terminal state.
type StatusWriter interface {
	MarkSubTaskCompleted(ctx context.Context, id int64) error
	MarkSubTaskFailed(ctx context.Context, id int64, message string) error
}

// reporter is shared by every processor for completion and failure bookkeeping.
type reporter struct {
	status StatusWriter
	log    *logrus.Entry
}

func newReporter(status StatusWriter, log *logrus.Entry, processor string) reporter {
	return reporter{status: status, log: log.WithField("processor", processor)}
}

func (r reporter) itemLog(item models.SubTask) *logrus.Entry {
	return r.log.WithFields(logrus.Fields{"subtask_id": item.ID, "type": item.Type})
}

func (r reporter) complete(ctx context.Context, item models.SubTask) {
	if err := r.status.MarkSubTaskCompleted(ctx, item.ID); err != nil {
		r.itemLog(item).WithError(err).Error("mark subtask completed")
		return
	}
	telemetry.SubTasksCompleted.WithLabelValues(string(item.Type)).Inc()
	r.itemLog(item).Info("subtask completed")
}

func (r reporter) fail(ctx context.Context, item models.SubTask, message string) {
	if err := r.status.MarkSubTaskFailed(ctx, item.ID, message); err != nil {
		r.itemLog(item).WithError(err).Error("mark subtask failed")
		return
	}
	telemetry.SubTasksFailed.WithLabelValues(string(item.Type)).Inc()
	r.itemLog(item).WithField("error_message", message).Warn("subtask failed")
}

// skipped counts loop iterations whose failure was swallowed.
func (r reporter) skipped(n int) {
	if n <= 0 {
		return
	}
	telemetry.ItemsSkipped.WithLabelValues(r.processorName()).Add(float64(n))
}

func (r reporter) processorName() string {
	if name, ok := r.log.Data["processor"].(string); ok {
		return name
	}
	return "unknown"
}

// recover must be deferred at the top of Process.
func (r reporter) recover(ctx context.Context, item models.SubTask) {
	if v := recover(); v != nil {
		r.itemLog(item).WithField("panic", v).Error("processor panicked")
		r.fail(ctx, item, fmt.Sprintf("Processing failed: %v", v))
	}
}
