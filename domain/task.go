package domain

import "time"

// Status identifies the board column a task lives in.
type Status string

const (
	StatusTodo       Status = "TODO"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
)

// Valid reports whether s is one of the three board columns.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// Rank returns the fixed render order of the column, left to right.
func (s Status) Rank() int {
	switch s {
	case StatusTodo:
		return 0
	case StatusInProgress:
		return 1
	case StatusCompleted:
		return 2
	}
	return 3
}

// Statuses lists the board columns in render order.
func Statuses() []Status {
	return []Status{StatusTodo, StatusInProgress, StatusCompleted}
}

// Member is the resolved assignee reference returned with a task.
type Member struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Task represents a single board item.
//
// Position is unique within the (ProjectID, Status) partition and defines
// top-to-bottom render order inside a column.
type Task struct {
	ID           int64     `json:"id"`
	ProjectID    int64     `json:"projectId"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	Status       Status    `json:"status"`
	Position     int       `json:"position"`
	AssignedToID *int64    `json:"assignedToId,omitempty"`
	AssignedTo   *Member   `json:"assignedTo,omitempty"`
	Labels       []string  `json:"labels,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Role is a user's membership role on a project.
type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleEditor Role = "EDITOR"
	RoleViewer Role = "VIEWER"
)

// Valid reports whether r is a known membership role.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleEditor, RoleViewer:
		return true
	}
	return false
}

// CanEdit reports whether the role may mutate tasks.
func (r Role) CanEdit() bool {
	return r == RoleOwner || r == RoleEditor
}

// MemberAdd carries the fields accepted when granting project membership.
type MemberAdd struct {
	UserID int64 `json:"userId"`
	Role   Role  `json:"role"`
}

// TaskCreate carries the fields accepted when creating a task.
// A nil Position appends to the end of the target column.
type TaskCreate struct {
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Status       Status   `json:"status,omitempty"`
	AssignedToID *int64   `json:"assignedToId,omitempty"`
	Position     *int     `json:"position,omitempty"`
	Labels       []string `json:"labels,omitempty"`
}

// TaskUpdate carries partial updates for a task. Nil fields are left
// untouched; a non-nil Status or Position triggers the authoritative
// position recompute.
type TaskUpdate struct {
	Title        *string  `json:"title,omitempty"`
	Description  *string  `json:"description,omitempty"`
	Status       *Status  `json:"status,omitempty"`
	Position     *int     `json:"position,omitempty"`
	AssignedToID *int64   `json:"assignedToId,omitempty"`
	Labels       []string `json:"labels,omitempty"`
}
