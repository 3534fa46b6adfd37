package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentiment-pipeline/internal/jobs"
	"sentiment-pipeline/internal/logging"
	"sentiment-pipeline/internal/models"
	"sentiment-pipeline/internal/store"
)

type fakeStore struct {
	mu      sync.Mutex
	tasks   map[int64]*models.Task
	getErr  error
	history []models.TaskStatus
}

func newFakeStore(tasks ...models.Task) *fakeStore {
	s := &fakeStore{tasks: map[int64]*models.Task{}}
	for i := range tasks {
		t := tasks[i]
		s.tasks[t.ID] = &t
	}
	return s
}

func (s *fakeStore) GetTask(_ context.Context, id int64) (models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return models.Task{}, s.getErr
	}
	t, ok := s.tasks[id]
	if !ok {
		return models.Task{}, fmt.Errorf("task %d: %w", id, store.ErrNotFound)
	}
	cp := *t
	cp.SubTasks = append([]models.SubTask(nil), t.SubTasks...)
	return cp, nil
}

func (s *fakeStore) ListSubTasks(ctx context.Context, taskID int64) ([]models.SubTask, error) {
	t, err := s.GetTask(ctx, taskID)
	return t.SubTasks, err
}

func (s *fakeStore) UpdateTaskStatus(_ context.Context, id int64, status models.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[id].Status = status
	s.history = append(s.history, status)
	return nil
}

func (s *fakeStore) setSubTask(id int64, status models.SubTaskStatus, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		for i := range t.SubTasks {
			if t.SubTasks[i].ID == id {
				t.SubTasks[i].Status = status
				if msg != "" {
					t.SubTasks[i].ErrorMessage = &msg
				}
			}
		}
	}
}

func (s *fakeStore) MarkSubTaskCompleted(_ context.Context, id int64) error {
	s.setSubTask(id, models.SubTaskCompleted, "")
	return nil
}

func (s *fakeStore) MarkSubTaskFailed(_ context.Context, id int64, message string) error {
	s.setSubTask(id, models.SubTaskFailed, message)
	return nil
}

func (s *fakeStore) status(id int64) models.TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id].Status
}

type fakeQueue struct {
	acked     []int64
	dlq       []int64
	scheduled map[int64]time.Time
	extended  int
}

func newFakeQueue() *fakeQueue { return &fakeQueue{scheduled: map[int64]time.Time{}} }

func (q *fakeQueue) DequeueWithLease(context.Context) (int64, bool, error) { return 0, false, nil }
func (q *fakeQueue) ExtendLease(context.Context, int64, time.Duration) error {
	q.extended++
	return nil
}
func (q *fakeQueue) Ack(_ context.Context, id int64) error {
	q.acked = append(q.acked, id)
	return nil
}
func (q *fakeQueue) Schedule(_ context.Context, id int64, runAt time.Time) error {
	q.scheduled[id] = runAt
	return nil
}
func (q *fakeQueue) PromoteScheduled(context.Context, time.Time, int64) (int, error) { return 0, nil }
func (q *fakeQueue) RequeueExpired(context.Context, time.Time, int64) ([]int64, error) {
	return nil, nil
}
func (q *fakeQueue) ReadyDepth(context.Context) (int64, error) { return 0, nil }
func (q *fakeQueue) DLQPush(_ context.Context, id int64) error {
	q.dlq = append(q.dlq, id)
	return nil
}

func sub(id int64, typ models.SubTaskType, status models.SubTaskStatus) models.SubTask {
	return models.SubTask{ID: id, TaskID: 1, Type: typ, Status: status}
}

// recordingRegistry completes or fails subtasks through the fake store and
// records dispatch order.
func recordingRegistry(st *fakeStore, failing map[int64]bool, order *[]int64) *jobs.Registry {
	proc := jobs.ProcessorFunc(func(ctx context.Context, item models.SubTask) {
		*order = append(*order, item.ID)
		if failing[item.ID] {
			_ = st.MarkSubTaskFailed(ctx, item.ID, "Processing failed: boom")
			return
		}
		_ = st.MarkSubTaskCompleted(ctx, item.ID)
	})
	return jobs.NewRegistry(map[models.SubTaskType]jobs.Processor{
		models.SubTaskFetchContent:     proc,
		models.SubTaskAnalyzeSentiment: proc,
	})
}

func newTestRunner(st *fakeStore, q *fakeQueue, d Dispatcher) *Runner {
	return NewRunner(Options{PollInterval: time.Second, VisibilityTimeout: time.Minute}, st, q, d, logging.Discard())
}

func TestRunTaskRunsPendingSubTasksInOrder(t *testing.T) {
	st := newFakeStore(models.Task{ID: 1, Type: models.TaskFullSync, Status: models.TaskPending, SubTasks: []models.SubTask{
		sub(10, models.SubTaskFetchContent, models.SubTaskPending),
		sub(11, models.SubTaskAnalyzeSentiment, models.SubTaskPending),
	}})
	q := newFakeQueue()
	var order []int64

	require.NoError(t, newTestRunner(st, q, recordingRegistry(st, nil, &order)).RunTask(context.Background(), 1))

	assert.Equal(t, []int64{10, 11}, order)
	assert.Equal(t, models.TaskCompleted, st.status(1))
	assert.Equal(t, []models.TaskStatus{models.TaskInProgress, models.TaskCompleted}, st.history)
	assert.Equal(t, []int64{1}, q.acked)
	assert.Equal(t, 2, q.extended)
}

func TestRunTaskSkipsFinishedSubTasks(t *testing.T) {
	st := newFakeStore(models.Task{ID: 1, Status: models.TaskInProgress, SubTasks: []models.SubTask{
		sub(10, models.SubTaskFetchContent, models.SubTaskCompleted),
		sub(11, models.SubTaskAnalyzeSentiment, models.SubTaskPending),
	}})
	q := newFakeQueue()
	var order []int64

	require.NoError(t, newTestRunner(st, q, recordingRegistry(st, nil, &order)).RunTask(context.Background(), 1))

	assert.Equal(t, []int64{11}, order)
	assert.Equal(t, models.TaskCompleted, st.status(1))
}

func TestRunTaskFailsWhenAnySubTaskFails(t *testing.T) {
	st := newFakeStore(models.Task{ID: 1, Status: models.TaskPending, SubTasks: []models.SubTask{
		sub(10, models.SubTaskFetchContent, models.SubTaskPending),
		sub(11, models.SubTaskAnalyzeSentiment, models.SubTaskPending),
	}})
	q := newFakeQueue()
	var order []int64

	require.NoError(t, newTestRunner(st, q, recordingRegistry(st, map[int64]bool{10: true}, &order)).RunTask(context.Background(), 1))

	assert.Equal(t, []int64{10, 11}, order, "later subtasks still run")
	assert.Equal(t, models.TaskFailed, st.status(1))
	assert.Empty(t, q.dlq)
	assert.Equal(t, []int64{1}, q.acked)
}

func TestRunTaskTreatsSilentSubTaskAsFailed(t *testing.T) {
	st := newFakeStore(models.Task{ID: 1, Status: models.TaskPending, SubTasks: []models.SubTask{
		sub(10, models.SubTaskFetchContent, models.SubTaskPending),
	}})
	q := newFakeQueue()
	silent := jobs.NewRegistry(map[models.SubTaskType]jobs.Processor{
		models.SubTaskFetchContent: jobs.ProcessorFunc(func(context.Context, models.SubTask) {}),
	})

	require.NoError(t, newTestRunner(st, q, silent).RunTask(context.Background(), 1))
	assert.Equal(t, models.TaskFailed, st.status(1))
}

func TestRunTaskDeadLettersUnknownSubTaskType(t *testing.T) {
	st := newFakeStore(models.Task{ID: 1, Status: models.TaskPending, SubTasks: []models.SubTask{
		sub(10, "FETCH_TIKTOK", models.SubTaskPending),
		sub(11, models.SubTaskAnalyzeSentiment, models.SubTaskPending),
	}})
	q := newFakeQueue()
	var order []int64

	require.NoError(t, newTestRunner(st, q, recordingRegistry(st, nil, &order)).RunTask(context.Background(), 1))

	assert.Empty(t, order)
	assert.Equal(t, models.TaskFailed, st.status(1))
	assert.Equal(t, []int64{1}, q.dlq)
	assert.Equal(t, []int64{1}, q.acked)

	task, _ := st.GetTask(context.Background(), 1)
	require.NotNil(t, task.SubTasks[0].ErrorMessage)
	assert.Contains(t, *task.SubTasks[0].ErrorMessage, "FETCH_TIKTOK")
}

func TestRunTaskAcksMissingTask(t *testing.T) {
	st := newFakeStore()
	q := newFakeQueue()

	require.NoError(t, newTestRunner(st, q, jobs.NewRegistry(nil)).RunTask(context.Background(), 99))
	assert.Equal(t, []int64{99}, q.acked)
}

func TestRunTaskReschedulesOnStoreError(t *testing.T) {
	st := newFakeStore()
	st.getErr = errors.New("connection refused")
	q := newFakeQueue()
	r := newTestRunner(st, q, jobs.NewRegistry(nil))
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	err := r.RunTask(context.Background(), 5)
	require.Error(t, err)
	assert.Empty(t, q.acked)
	assert.Equal(t, now.Add(time.Second), q.scheduled[5])
}

func TestRunTaskAcksFinishedTask(t *testing.T) {
	st := newFakeStore(models.Task{ID: 1, Status: models.TaskCompleted, SubTasks: []models.SubTask{
		sub(10, models.SubTaskFetchContent, models.SubTaskPending),
	}})
	q := newFakeQueue()
	var order []int64

	require.NoError(t, newTestRunner(st, q, recordingRegistry(st, nil, &order)).RunTask(context.Background(), 1))
	assert.Empty(t, order)
	assert.Equal(t, []int64{1}, q.acked)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	r := NewRunner(Options{PollInterval: 5 * time.Millisecond}, newFakeStore(), newFakeQueue(), jobs.NewRegistry(nil), logging.Discard())

	err := r.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
