package api

import (
	"context"

	"taskboard/domain"
)

const patchBodyMaxSize = 64 * 1024 // 64 KiB

// TaskService is the authoritative mutation path handlers delegate to.
type TaskService interface {
	ListTasks(ctx context.Context, projectID, actingUserID int64) ([]domain.Task, error)
	GetTask(ctx context.Context, projectID, taskID, actingUserID int64) (domain.Task, error)
	CreateTask(ctx context.Context, projectID, actingUserID int64, in domain.TaskCreate) (domain.Task, error)
	UpdateTask(ctx context.Context, projectID, taskID, actingUserID int64, upd domain.TaskUpdate) (domain.Task, error)
	DeleteTask(ctx context.Context, projectID, taskID, actingUserID int64) error
	AddMember(ctx context.Context, projectID, actingUserID int64, in domain.MemberAdd) error
}

// Authenticator is implemented by types able to extract user IDs from
// Authorization headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (int64, error)
}

// Deduper prevents replayed reconcile requests from mutating twice.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID int64, key string) (bool, error)
	// Remove deletes a previously added key, used when the mutation fails so
	// the client may retry with the same key.
	Remove(ctx context.Context, userID int64, key string) error
}
