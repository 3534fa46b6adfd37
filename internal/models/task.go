package models

import (
	"time"
)

// TaskType identifies what a user asked for; it decides which subtasks are created.
type TaskType string

const (
	TaskFullSync        TaskType = "FULL_SYNC"
	TaskPartialSync     TaskType = "PARTIAL_SYNC"
	TaskAnalyzePost     TaskType = "ANALYZE_POST"
	TaskAnalyzeComments TaskType = "ANALYZE_COMMENTS"
	TaskTrackKeywords   TaskType = "TRACK_KEYWORDS"
	TaskExport          TaskType = "EXPORT"
)

// TaskStatus enumerates task lifecycle states persisted in Postgres.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
)

// SubTaskType identifies the processor responsible for a subtask.
type SubTaskType string

const (
	SubTaskFetchContent         SubTaskType = "FETCH_CONTENT"
	SubTaskFetchPost            SubTaskType = "FETCH_INDIVIDUAL_POST_CONTENT"
	SubTaskFetchKeywordMentions SubTaskType = "FETCH_REDDIT_KEYWORD_MENTIONS"
	SubTaskAnalyzeSentiment     SubTaskType = "ANALYZE_CONTENT_SENTIMENT"
	SubTaskExportFetch          SubTaskType = "EXPORT_FETCH_DATA"
	SubTaskExportFormat         SubTaskType = "EXPORT_FORMAT_DATA"
	SubTaskExportGenerate       SubTaskType = "EXPORT_GENERATE_FILE"
)

// SubTaskStatus enumerates subtask states. A subtask leaves PENDING exactly once per attempt.
type SubTaskStatus string

const (
	SubTaskPending   SubTaskStatus = "PENDING"
	SubTaskCompleted SubTaskStatus = "COMPLETED"
	SubTaskFailed    SubTaskStatus = "FAILED"
)

// Task groups the subtasks created for one user request.
type Task struct {
	ID         int64      `json:"id"`
	UserID     string     `json:"user_id"`
	ProviderID int64      `json:"provider_id"`
	Type       TaskType   `json:"type"`
	Status     TaskStatus `json:"status"`
	SubTasks   []SubTask  `json:"sub_tasks,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// SubTask is one dispatchable unit of work.
type SubTask struct {
	ID           int64          `json:"id"`
	TaskID       int64          `json:"task_id"`
	Type         SubTaskType    `json:"type"`
	Data         map[string]any `json:"data"`
	Status       SubTaskStatus  `json:"status"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// User is the owner of tasks and integrations.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Provider is an external content source such as YouTube or Reddit.
type Provider struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// TaskOwner is the user and provider behind a subtask's parent task.
type TaskOwner struct {
	TaskID   int64
	User     User
	Provider Provider
}

// SubTaskPlan returns the ordered subtask types a task type decomposes into.
func SubTaskPlan(t TaskType) []SubTaskType {
	switch t {
	case TaskFullSync, TaskAnalyzeComments:
		return []SubTaskType{SubTaskFetchContent, SubTaskAnalyzeSentiment}
	case TaskPartialSync:
		return []SubTaskType{SubTaskFetchContent}
	case TaskAnalyzePost:
		return []SubTaskType{SubTaskFetchPost, SubTaskAnalyzeSentiment}
	case TaskTrackKeywords:
		return []SubTaskType{SubTaskFetchKeywordMentions, SubTaskAnalyzeSentiment}
	case TaskExport:
		return []SubTaskType{SubTaskExportFetch, SubTaskExportFormat, SubTaskExportGenerate}
	default:
		return nil
	}
}
