package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Broadcast actions attached to task_changed events.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// ActionAdded is attached to member_changed events when a user gains a role.
const ActionAdded = "added"

// PositionChange records one task's new (status, position) assignment
// computed during a reorder.
type PositionChange struct {
	TaskID   int64
	Status   Status
	Position int
}

// Tx exposes the row-locked operations available inside a mutation
// transaction. Reads lock the rows they return so that concurrent reorders
// against the same column serialize behind each other.
type Tx interface {
	GetTask(ctx context.Context, projectID, taskID int64) (*Task, error)
	TasksInColumn(ctx context.Context, projectID int64, status Status) ([]Task, error)
	MaxPosition(ctx context.Context, projectID int64, status Status) (int, bool, error)
	InsertTask(ctx context.Context, t *Task) error
	UpdateTask(ctx context.Context, t *Task) error
	SetPositions(ctx context.Context, changes []PositionChange) error
	DeleteTask(ctx context.Context, projectID, taskID int64) error
	ResolveMember(ctx context.Context, userID int64) (*Member, error)
}

// Store abstracts persistence for the task mutation service.
type Store interface {
	MemberRole(ctx context.Context, projectID, userID int64) (Role, error)
	AddMember(ctx context.Context, projectID, userID int64, role Role) error
	ListTasks(ctx context.Context, projectID int64) ([]Task, error)
	// InTx runs fn inside a single transaction scoped to the project's
	// tasks. All writes issued through the Tx commit or roll back as one
	// atomic unit.
	InTx(ctx context.Context, projectID int64, fn func(tx Tx) error) error
}

// Notifier fans out change hints to other connected clients. Delivery is
// best effort; implementations must never fail the calling mutation.
type Notifier interface {
	TaskChanged(ctx context.Context, projectID, taskID int64, action string)
	MemberChanged(ctx context.Context, projectID, userID int64, action string)
	ProjectUpdated(ctx context.Context, projectID int64)
}

// TaskService is the authoritative server-side path for task state change.
// It is the only component permitted to make column ordering durable.
type TaskService struct {
	store  Store
	notify Notifier
}

// NewTaskService creates a task service. The notifier may be nil, in which
// case change hints are simply not published.
func NewTaskService(store Store, notify Notifier) *TaskService {
	return &TaskService{store: store, notify: notify}
}

// ListTasks returns the project's tasks in render order: status rank
// ascending, then position ascending. Any project member may read.
func (s *TaskService) ListTasks(ctx context.Context, projectID, actingUserID int64) ([]Task, error) {
	role, err := s.store.MemberRole(ctx, projectID, actingUserID)
	if err != nil {
		return nil, fmt.Errorf("resolve role: %w", err)
	}
	if role == "" {
		return nil, ErrForbidden
	}
	tasks, err := s.store.ListTasks(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return Arrange(tasks), nil
}

// GetTask returns a single task of the project. Any project member may
// read.
func (s *TaskService) GetTask(ctx context.Context, projectID, taskID, actingUserID int64) (Task, error) {
	tasks, err := s.ListTasks(ctx, projectID, actingUserID)
	if err != nil {
		return Task{}, err
	}
	for _, t := range tasks {
		if t.ID == taskID {
			return t, nil
		}
	}
	return Task{}, ErrNotFound
}

// CreateTask inserts a task. Without an explicit position the task is
// appended after the current maximum position of the target column; with
// one, tasks at or after the insertion point shift down by one.
func (s *TaskService) CreateTask(ctx context.Context, projectID, actingUserID int64, in TaskCreate) (Task, error) {
	if err := s.requireEditor(ctx, projectID, actingUserID); err != nil {
		return Task{}, err
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return Task{}, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	status := in.Status
	if status == "" {
		status = StatusTodo
	}
	if !status.Valid() {
		return Task{}, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, in.Status)
	}

	task := Task{
		ProjectID:    projectID,
		Title:        title,
		Description:  strings.TrimSpace(in.Description),
		Status:       status,
		AssignedToID: in.AssignedToID,
		Labels:       in.Labels,
	}
	err := s.store.InTx(ctx, projectID, func(tx Tx) error {
		if in.Position != nil {
			col, err := tx.TasksInColumn(ctx, projectID, status)
			if err != nil {
				return err
			}
			task.Position = clampIndex(*in.Position, len(col))
			if err := tx.SetPositions(ctx, insertShift(col, status, task.Position)); err != nil {
				return err
			}
		} else {
			max, ok, err := tx.MaxPosition(ctx, projectID, status)
			if err != nil {
				return err
			}
			if ok {
				task.Position = max + 1
			}
		}
		if err := tx.InsertTask(ctx, &task); err != nil {
			return err
		}
		return resolveAssignee(ctx, tx, &task)
	})
	if err != nil {
		return Task{}, fmt.Errorf("create task: %w", err)
	}
	s.taskChanged(ctx, projectID, task.ID, ActionCreated)
	return task, nil
}

// UpdateTask applies field updates and, when status or position is present,
// the authoritative position recompute. All affected rows are written as a
// single atomic unit.
func (s *TaskService) UpdateTask(ctx context.Context, projectID, taskID, actingUserID int64, upd TaskUpdate) (Task, error) {
	if err := s.requireEditor(ctx, projectID, actingUserID); err != nil {
		return Task{}, err
	}
	if upd.Title != nil && strings.TrimSpace(*upd.Title) == "" {
		return Task{}, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if upd.Status != nil && !upd.Status.Valid() {
		return Task{}, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, *upd.Status)
	}

	var task Task
	err := s.store.InTx(ctx, projectID, func(tx Tx) error {
		cur, err := tx.GetTask(ctx, projectID, taskID)
		if err != nil {
			return err
		}
		if cur == nil {
			return ErrNotFound
		}
		task = *cur

		if upd.Title != nil {
			task.Title = strings.TrimSpace(*upd.Title)
		}
		if upd.Description != nil {
			task.Description = strings.TrimSpace(*upd.Description)
		}
		if upd.Labels != nil {
			task.Labels = upd.Labels
		}
		if upd.AssignedToID != nil {
			// Zero unassigns; the PATCH body has no other way to
			// express "clear" with omitted-field semantics.
			if *upd.AssignedToID == 0 {
				task.AssignedToID = nil
				task.AssignedTo = nil
			} else {
				task.AssignedToID = upd.AssignedToID
				task.AssignedTo = nil
			}
		}

		if upd.Status != nil || upd.Position != nil {
			if err := s.reorder(ctx, tx, &task, upd); err != nil {
				return err
			}
		}
		if err := tx.UpdateTask(ctx, &task); err != nil {
			return err
		}
		return resolveAssignee(ctx, tx, &task)
	})
	if err != nil {
		return Task{}, wrapServiceErr("update task", err)
	}
	s.taskChanged(ctx, projectID, taskID, ActionUpdated)
	return task, nil
}

// DeleteTask removes the task without renumbering its column; the gap is
// closed by the next reorder that touches the column.
func (s *TaskService) DeleteTask(ctx context.Context, projectID, taskID, actingUserID int64) error {
	if err := s.requireEditor(ctx, projectID, actingUserID); err != nil {
		return err
	}
	err := s.store.InTx(ctx, projectID, func(tx Tx) error {
		cur, err := tx.GetTask(ctx, projectID, taskID)
		if err != nil {
			return err
		}
		if cur == nil {
			return ErrNotFound
		}
		return tx.DeleteTask(ctx, projectID, taskID)
	})
	if err != nil {
		return wrapServiceErr("delete task", err)
	}
	s.taskChanged(ctx, projectID, taskID, ActionDeleted)
	return nil
}

// AddMember grants a user a role on the project. Only the project owner may
// manage membership.
func (s *TaskService) AddMember(ctx context.Context, projectID, actingUserID int64, in MemberAdd) error {
	role, err := s.store.MemberRole(ctx, projectID, actingUserID)
	if err != nil {
		return fmt.Errorf("resolve role: %w", err)
	}
	if role != RoleOwner {
		return ErrForbidden
	}
	if in.UserID <= 0 {
		return fmt.Errorf("%w: userId is required", ErrInvalidInput)
	}
	if !in.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidInput, in.Role)
	}
	if err := s.store.AddMember(ctx, projectID, in.UserID, in.Role); err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	if s.notify != nil {
		s.notify.MemberChanged(ctx, projectID, in.UserID, ActionAdded)
		// Membership is part of the project aggregate; project views
		// refetch too.
		s.notify.ProjectUpdated(ctx, projectID)
	}
	return nil
}

// reorder performs steps 1-4 of the authoritative recompute against the
// locked column rows: determine the target column and index, shift the
// insertion point, and close the gap left in the source column.
func (s *TaskService) reorder(ctx context.Context, tx Tx, task *Task, upd TaskUpdate) error {
	source := task.Status
	target := source
	if upd.Status != nil {
		target = *upd.Status
	}

	col, err := tx.TasksInColumn(ctx, task.ProjectID, target)
	if err != nil {
		return err
	}
	others := withoutTask(col, task.ID)

	index := len(others) // status change without position appends
	if upd.Position != nil {
		index = clampIndex(*upd.Position, len(others))
	} else if target == source {
		index = currentIndex(col, task.ID)
	}

	changes := insertShift(others, target, index)
	if target != source {
		src, err := tx.TasksInColumn(ctx, task.ProjectID, source)
		if err != nil {
			return err
		}
		for i, t := range withoutTask(src, task.ID) {
			if t.Position != i {
				changes = append(changes, PositionChange{TaskID: t.ID, Status: source, Position: i})
			}
		}
	}
	if err := tx.SetPositions(ctx, changes); err != nil {
		return err
	}
	task.Status = target
	task.Position = index
	return nil
}

func (s *TaskService) requireEditor(ctx context.Context, projectID, actingUserID int64) error {
	role, err := s.store.MemberRole(ctx, projectID, actingUserID)
	if err != nil {
		return fmt.Errorf("resolve role: %w", err)
	}
	if !role.CanEdit() {
		return ErrForbidden
	}
	return nil
}

// taskChanged publishes a change hint after a successful commit. The
// notifier is fire-and-forget; a missing one is fine.
func (s *TaskService) taskChanged(ctx context.Context, projectID, taskID int64, action string) {
	if s.notify == nil {
		return
	}
	s.notify.TaskChanged(ctx, projectID, taskID, action)
}

// insertShift renumbers a column around an insertion at index: tasks before
// it keep their rank, tasks at or after it shift down by one. The column is
// fully renormalized in passing, which also closes gaps left by deletes.
func insertShift(others []Task, status Status, index int) []PositionChange {
	var changes []PositionChange
	for i, t := range others {
		pos := i
		if i >= index {
			pos = i + 1
		}
		if t.Position != pos {
			changes = append(changes, PositionChange{TaskID: t.ID, Status: status, Position: pos})
		}
	}
	return changes
}

func withoutTask(col []Task, taskID int64) []Task {
	out := make([]Task, 0, len(col))
	for _, t := range col {
		if t.ID != taskID {
			out = append(out, t)
		}
	}
	return out
}

func currentIndex(col []Task, taskID int64) int {
	for i, t := range col {
		if t.ID == taskID {
			return i
		}
	}
	return len(col) - 1
}

func clampIndex(index, length int) int {
	if index < 0 {
		return 0
	}
	if index > length {
		return length
	}
	return index
}

func resolveAssignee(ctx context.Context, tx Tx, task *Task) error {
	if task.AssignedToID == nil || task.AssignedTo != nil {
		return nil
	}
	m, err := tx.ResolveMember(ctx, *task.AssignedToID)
	if err != nil {
		return err
	}
	task.AssignedTo = m
	return nil
}

func wrapServiceErr(op string, err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden) || errors.Is(err, ErrInvalidInput) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
