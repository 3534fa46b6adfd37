package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"sentiment-pipeline/internal/models"
)

// ErrUnknownTaskType is returned by CreateTask for a task type with no subtask plan.
var ErrUnknownTaskType = errors.New("unknown task type")

// CreateTaskParams collects inputs required to insert a task.
type CreateTaskParams struct {
	UserID     string
	ProviderID int64
	Type       models.TaskType
	Payload    map[string]any
}

// CreateTask inserts a task and its ordered subtasks in one transaction. Every
// subtask receives a copy of the task payload.
func (s *Store) CreateTask(ctx context.Context, p CreateTaskParams) (models.Task, error) {
	plan := models.SubTaskPlan(p.Type)
	if len(plan) == 0 {
		return models.Task{}, fmt.Errorf("%w: %q", ErrUnknownTaskType, p.Type)
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Task{}, fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Task{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := time.Now().UTC()
	task := models.Task{
		UserID:     p.UserID,
		ProviderID: p.ProviderID,
		Type:       p.Type,
		Status:     models.TaskPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO tasks (user_id, provider_id, type, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		RETURNING id
	`, p.UserID, p.ProviderID, p.Type, models.TaskPending, now).Scan(&task.ID)
	if err != nil {
		return models.Task{}, fmt.Errorf("insert task: %w", err)
	}

	for i, st := range plan {
		sub := models.SubTask{
			TaskID:    task.ID,
			Type:      st,
			Data:      p.Payload,
			Status:    models.SubTaskPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		err := tx.QueryRow(ctx, `
			INSERT INTO subtasks (task_id, position, type, data, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $6)
			RETURNING id
		`, task.ID, i, st, payloadJSON, models.SubTaskPending, now).Scan(&sub.ID)
		if err != nil {
			return models.Task{}, fmt.Errorf("insert subtask %s: %w", st, err)
		}
		task.SubTasks = append(task.SubTasks, sub)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Task{}, fmt.Errorf("commit: %w", err)
	}
	return task, nil
}

// GetTask fetches a task with its subtasks in execution order.
func (s *Store) GetTask(ctx context.Context, id int64) (models.Task, error) {
	var task models.Task
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, provider_id, type, status, created_at, updated_at
		FROM tasks WHERE id = $1
	`, id).Scan(&task.ID, &task.UserID, &task.ProviderID, &task.Type, &task.Status, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return models.Task{}, notFound(fmt.Sprintf("task %d", id), err)
	}
	subs, err := s.ListSubTasks(ctx, id)
	if err != nil {
		return models.Task{}, err
	}
	task.SubTasks = subs
	return task, nil
}

const subTaskColumns = `id, task_id, type, data, status, error_message, created_at, updated_at`

// ListSubTasks returns a task's subtasks in execution order.
func (s *Store) ListSubTasks(ctx context.Context, taskID int64) ([]models.SubTask, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+subTaskColumns+`
		FROM subtasks WHERE task_id = $1 ORDER BY position
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query subtasks: %w", err)
	}
	defer rows.Close()

	var subs []models.SubTask
	for rows.Next() {
		sub, err := scanSubTask(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// GetSubTask fetches a subtask by id.
func (s *Store) GetSubTask(ctx context.Context, id int64) (models.SubTask, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+subTaskColumns+` FROM subtasks WHERE id = $1`, id)
	sub, err := scanSubTask(row)
	if err != nil {
		return models.SubTask{}, notFound(fmt.Sprintf("subtask %d", id), err)
	}
	return sub, nil
}

func scanSubTask(row pgx.Row) (models.SubTask, error) {
	var (
		sub      models.SubTask
		dataJSON []byte
		errMsg   pgtype.Text
	)
	if err := row.Scan(&sub.ID, &sub.TaskID, &sub.Type, &dataJSON, &sub.Status, &errMsg, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return models.SubTask{}, err
	}
	if err := json.Unmarshal(dataJSON, &sub.Data); err != nil {
		return models.SubTask{}, fmt.Errorf("unmarshal subtask data: %w", err)
	}
	sub.ErrorMessage = textPtr(errMsg)
	return sub, nil
}

// UpdateTaskStatus sets a task's lifecycle status.
func (s *Store) UpdateTaskStatus(ctx context.Context, id int64, status models.TaskStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("update task %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return nil
}

// MarkSubTaskCompleted moves a subtask to COMPLETED and clears any error.
func (s *Store) MarkSubTaskCompleted(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE subtasks SET status = $2, error_message = NULL, updated_at = NOW() WHERE id = $1
	`, id, models.SubTaskCompleted)
	if err != nil {
		return fmt.Errorf("complete subtask %d: %w", id, err)
	}
	return nil
}

// MarkSubTaskFailed moves a subtask to FAILED with a human-readable reason.
func (s *Store) MarkSubTaskFailed(ctx context.Context, id int64, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE subtasks SET status = $2, error_message = $3, updated_at = NOW() WHERE id = $1
	`, id, models.SubTaskFailed, message)
	if err != nil {
		return fmt.Errorf("fail subtask %d: %w", id, err)
	}
	return nil
}

// GetTaskOwnerForSubTask resolves the user and provider of a subtask's parent task.
func (s *Store) GetTaskOwnerForSubTask(ctx context.Context, subTaskID int64) (models.TaskOwner, error) {
	var owner models.TaskOwner
	err := s.pool.QueryRow(ctx, `
		SELECT t.id, u.id, u.email, p.id, p.name
		FROM subtasks s
		JOIN tasks t ON t.id = s.task_id
		JOIN users u ON u.id = t.user_id
		JOIN providers p ON p.id = t.provider_id
		WHERE s.id = $1
	`, subTaskID).Scan(&owner.TaskID, &owner.User.ID, &owner.User.Email, &owner.Provider.ID, &owner.Provider.Name)
	if err != nil {
		return models.TaskOwner{}, notFound(fmt.Sprintf("owner of subtask %d", subTaskID), err)
	}
	return owner, nil
}

// GetProvider fetches a provider by id.
func (s *Store) GetProvider(ctx context.Context, id int64) (models.Provider, error) {
	var p models.Provider
	err := s.pool.QueryRow(ctx, `SELECT id, name FROM providers WHERE id = $1`, id).Scan(&p.ID, &p.Name)
	if err != nil {
		return models.Provider{}, notFound(fmt.Sprintf("provider %d", id), err)
	}
	return p, nil
}

// EnsureUser inserts a user row if it does not already exist.
func (s *Store) EnsureUser(ctx context.Context, u models.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, email) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING
	`, u.ID, u.Email)
	if err != nil {
		return fmt.Errorf("ensure user %s: %w", u.ID, err)
	}
	return nil
}
