// Package client implements the board-side view of a project: an optimistic
// task list that previews drag operations locally, reconciles them against
// the server, and rolls back to the last committed state when a mutation is
// rejected.
package client

import (
	"context"
	"errors"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"taskboard/broadcast"
	"taskboard/domain"
)

// ErrMutationInFlight is returned when a reorder is requested while a
// previous one is still waiting for the server. The board never queues
// writes; callers retry after the pending one settles.
var ErrMutationInFlight = errors.New("a board mutation is already in flight")

var errNoActiveDrag = errors.New("no active drag")

type State int

const (
	StateIdle State = iota
	StateDragging
	StateReconciling
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDragging:
		return "dragging"
	case StateReconciling:
		return "reconciling"
	}
	return "unknown"
}

// API is the subset of the server surface the board needs.
type API interface {
	ListTasks(ctx context.Context, projectID int64) ([]domain.Task, error)
	MoveTask(ctx context.Context, projectID, taskID int64, status domain.Status, position int, idempotencyKey string) (*domain.Task, error)
}

// Board holds the optimistic task list for one project.
type Board struct {
	projectID int64
	api       API
	logger    *log.Logger

	mu       sync.Mutex
	state    State
	tasks    []domain.Task
	snapshot []domain.Task
	dragID   int64

	// remoteDirty records a change notification that arrived mid-drag;
	// it is honored once the board settles back to idle.
	remoteDirty bool

	onChange func([]domain.Task)
	onError  func(error)
}

type Option func(*Board)

// WithChangeHandler registers a callback invoked with a copy of the task
// list whenever the rendered order changes.
func WithChangeHandler(fn func([]domain.Task)) Option {
	return func(b *Board) { b.onChange = fn }
}

// WithErrorHandler registers a callback for user-facing failures. A failed
// reconcile produces exactly one call.
func WithErrorHandler(fn func(error)) Option {
	return func(b *Board) { b.onError = fn }
}

func NewBoard(projectID int64, api API, logger *log.Logger, opts ...Option) *Board {
	if logger == nil {
		logger = log.StandardLogger()
	}
	b := &Board{projectID: projectID, api: api, logger: logger}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Board) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Tasks returns a copy of the currently rendered list.
func (b *Board) Tasks() []domain.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	return copyTasks(b.tasks)
}

// Refresh replaces the board with the server's committed state. While a
// drag or reconcile is active the refresh is deferred so the preview does
// not jump under the pointer.
func (b *Board) Refresh(ctx context.Context) error {
	b.mu.Lock()
	if b.state != StateIdle {
		b.remoteDirty = true
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	tasks, err := b.api.ListTasks(ctx, b.projectID)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.state != StateIdle {
		b.remoteDirty = true
		b.mu.Unlock()
		return nil
	}
	b.tasks = tasks
	b.remoteDirty = false
	b.mu.Unlock()

	b.notifyChange(tasks)
	return nil
}

// Subscribe attaches the board to a change feed so remote edits from other
// members appear without polling. The returned cancel detaches it.
func (b *Board) Subscribe(ctx context.Context, sub broadcast.Subscriber) (cancel func()) {
	return sub.Subscribe(broadcast.TasksTopic(b.projectID), broadcast.EventTaskChanged, func(payload []byte) {
		var hint broadcast.TaskChangedPayload
		if err := sonic.Unmarshal(payload, &hint); err != nil {
			b.logger.Warnf("discarding malformed task_changed payload: %v", err)
			return
		}
		if err := b.Refresh(ctx); err != nil {
			b.logger.Warnf("board refresh after task_changed: %v", err)
		}
	})
}

// StartDrag snapshots the committed order and enters the dragging state.
func (b *Board) StartDrag(taskID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateReconciling {
		return ErrMutationInFlight
	}
	if b.state == StateDragging {
		return errors.New("drag already active")
	}
	if findTask(b.tasks, taskID) == nil {
		return errors.New("unknown task")
	}
	b.snapshot = copyTasks(b.tasks)
	b.dragID = taskID
	b.state = StateDragging
	return nil
}

// DragOver previews the dragged task at the given column and index. The
// preview recomputes from the drag-start snapshot each time, so hovering
// back over the origin restores the original order exactly.
func (b *Board) DragOver(target domain.Status, index int) {
	b.mu.Lock()
	if b.state != StateDragging {
		b.mu.Unlock()
		return
	}
	preview := domain.MoveToPosition(b.snapshot, b.dragID, target, index)
	b.tasks = preview
	b.mu.Unlock()

	b.notifyChange(preview)
}

// CancelDrag abandons the drag and restores the snapshot.
func (b *Board) CancelDrag() {
	b.mu.Lock()
	if b.state != StateDragging {
		b.mu.Unlock()
		return
	}
	restored := b.snapshot
	b.tasks = restored
	b.snapshot = nil
	b.dragID = 0
	b.state = StateIdle
	dirty := b.remoteDirty
	b.mu.Unlock()

	b.notifyChange(restored)
	if dirty {
		go b.refreshAsync()
	}
}

// DragEnd commits the previewed order. The preview stays on screen while
// the server confirms; on rejection the board rolls back to the snapshot
// and reports the failure once.
func (b *Board) DragEnd(ctx context.Context) error {
	b.mu.Lock()
	if b.state != StateDragging {
		b.mu.Unlock()
		return errNoActiveDrag
	}
	taskID := b.dragID
	moved := findTask(b.tasks, taskID)
	if moved == nil || domain.SameOrder(b.snapshot, b.tasks) {
		// Dropped where it started. Nothing to send.
		b.snapshot = nil
		b.dragID = 0
		b.state = StateIdle
		dirty := b.remoteDirty
		b.mu.Unlock()
		if dirty {
			go b.refreshAsync()
		}
		return nil
	}
	status, position := moved.Status, moved.Position
	b.state = StateReconciling
	b.mu.Unlock()

	return b.reconcile(ctx, taskID, status, position)
}

// MoveUp nudges the task one slot toward the top of its column and
// reconciles immediately. Keyboard reorder shares the drag pipeline.
func (b *Board) MoveUp(ctx context.Context, taskID int64) error {
	return b.moveRelative(ctx, taskID, domain.MoveUp)
}

// MoveDown nudges the task one slot toward the bottom of its column.
func (b *Board) MoveDown(ctx context.Context, taskID int64) error {
	return b.moveRelative(ctx, taskID, domain.MoveDown)
}

func (b *Board) moveRelative(ctx context.Context, taskID int64, dir domain.Direction) error {
	b.mu.Lock()
	if b.state != StateIdle {
		b.mu.Unlock()
		return ErrMutationInFlight
	}
	next := domain.MoveRelative(b.tasks, taskID, dir)
	if domain.SameOrder(b.tasks, next) {
		b.mu.Unlock()
		return nil
	}
	moved := findTask(next, taskID)
	b.snapshot = copyTasks(b.tasks)
	b.tasks = next
	b.state = StateReconciling
	status, position := moved.Status, moved.Position
	b.mu.Unlock()

	b.notifyChange(next)
	return b.reconcile(ctx, taskID, status, position)
}

// reconcile sends the single move request that settles the optimistic
// order. Entered with state already set to StateReconciling.
func (b *Board) reconcile(ctx context.Context, taskID int64, status domain.Status, position int) error {
	key := uuid.NewString()
	committed, err := b.api.MoveTask(ctx, b.projectID, taskID, status, position, key)

	b.mu.Lock()
	if err != nil {
		rolledBack := b.snapshot
		b.tasks = rolledBack
		b.snapshot = nil
		b.dragID = 0
		b.state = StateIdle
		b.mu.Unlock()

		b.notifyChange(rolledBack)
		b.notifyError(err)
		go b.refreshAsync()
		return err
	}
	// The server's copy of the moved record is authoritative: its recompute
	// may have clamped the position, and it carries the resolved assignee
	// and timestamps the optimistic copy lacks.
	if committed != nil {
		adopted := copyTasks(b.tasks)
		if t := findTask(adopted, taskID); t != nil {
			*t = *committed
		}
		b.tasks = domain.Arrange(adopted)
	}
	b.snapshot = nil
	b.dragID = 0
	b.state = StateIdle
	dirty := b.remoteDirty
	settled := copyTasks(b.tasks)
	b.mu.Unlock()

	b.notifyChange(settled)
	// The server may have interleaved other writers; converge on its order.
	if dirty {
		go b.refreshAsync()
	}
	return nil
}

func (b *Board) refreshAsync() {
	if err := b.Refresh(context.Background()); err != nil {
		b.logger.Warnf("deferred board refresh: %v", err)
	}
}

func (b *Board) notifyChange(tasks []domain.Task) {
	if b.onChange != nil {
		b.onChange(copyTasks(tasks))
	}
}

func (b *Board) notifyError(err error) {
	if b.onError != nil {
		b.onError(err)
	}
}

func copyTasks(tasks []domain.Task) []domain.Task {
	out := make([]domain.Task, len(tasks))
	copy(out, tasks)
	return out
}

func findTask(tasks []domain.Task, id int64) *domain.Task {
	for i := range tasks {
		if tasks[i].ID == id {
			return &tasks[i]
		}
	}
	return nil
}
