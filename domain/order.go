package domain

import "sort"

// Direction selects a one-step relative move inside a column.
type Direction int

const (
	MoveUp Direction = iota
	MoveDown
)

// Column extracts the tasks of one (project, status) partition sorted by
// position. The input slice is not modified.
func Column(tasks []Task, status Status) []Task {
	col := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Status == status {
			col = append(col, t)
		}
	}
	sort.SliceStable(col, func(i, j int) bool { return col[i].Position < col[j].Position })
	return col
}

// Normalize reassigns position = index over the given column order,
// producing a contiguous 0..n-1 sequence. Normalizing an already-normalized
// column is a no-op.
func Normalize(column []Task) []Task {
	out := make([]Task, len(column))
	copy(out, column)
	for i := range out {
		out[i].Position = i
	}
	return out
}

// MoveToPosition removes the identified task from its current column,
// inserts it at index in the target column (clamped to [0, len]) and
// re-normalizes both affected columns. The full arrangement is returned in
// render order: columns by rank, tasks by position. An unknown taskID
// returns the input arrangement unchanged.
func MoveToPosition(tasks []Task, taskID int64, target Status, index int) []Task {
	var moved *Task
	for i := range tasks {
		if tasks[i].ID == taskID {
			moved = &tasks[i]
			break
		}
	}
	if moved == nil || !target.Valid() {
		return tasks
	}

	source := moved.Status
	dst := make([]Task, 0, len(tasks))
	for _, t := range Column(tasks, target) {
		if t.ID != taskID {
			dst = append(dst, t)
		}
	}
	if index < 0 {
		index = 0
	}
	if index > len(dst) {
		index = len(dst)
	}
	task := *moved
	task.Status = target
	dst = append(dst, Task{})
	copy(dst[index+1:], dst[index:])
	dst[index] = task

	arranged := make([]Task, 0, len(tasks))
	for _, status := range Statuses() {
		switch {
		case status == target:
			arranged = append(arranged, Normalize(dst)...)
		case status == source:
			src := make([]Task, 0)
			for _, t := range Column(tasks, source) {
				if t.ID != taskID {
					src = append(src, t)
				}
			}
			arranged = append(arranged, Normalize(src)...)
		default:
			arranged = append(arranged, Column(tasks, status)...)
		}
	}
	return arranged
}

// MoveRelative swaps the task with its immediate neighbor in the same
// column. Moving the first task up or the last task down is a no-op.
func MoveRelative(tasks []Task, taskID int64, dir Direction) []Task {
	var moved *Task
	for i := range tasks {
		if tasks[i].ID == taskID {
			moved = &tasks[i]
			break
		}
	}
	if moved == nil {
		return tasks
	}
	col := Column(tasks, moved.Status)
	idx := -1
	for i, t := range col {
		if t.ID == taskID {
			idx = i
			break
		}
	}
	switch dir {
	case MoveUp:
		if idx <= 0 {
			return tasks
		}
		return MoveToPosition(tasks, taskID, moved.Status, idx-1)
	case MoveDown:
		if idx < 0 || idx >= len(col)-1 {
			return tasks
		}
		return MoveToPosition(tasks, taskID, moved.Status, idx+1)
	}
	return tasks
}

// Arrange sorts tasks into render order: status rank ascending, then
// position ascending. The input slice is not modified.
func Arrange(tasks []Task) []Task {
	out := make([]Task, len(tasks))
	copy(out, tasks)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Status.Rank() != out[j].Status.Rank() {
			return out[i].Status.Rank() < out[j].Status.Rank()
		}
		return out[i].Position < out[j].Position
	})
	return out
}

// SameOrder reports whether two arrangements render identically: the same
// task IDs in the same column sequence. Absolute position values are not
// compared, only relative order.
func SameOrder(a, b []Task) bool {
	if len(a) != len(b) {
		return false
	}
	for _, status := range Statuses() {
		ca, cb := Column(a, status), Column(b, status)
		if len(ca) != len(cb) {
			return false
		}
		for i := range ca {
			if ca[i].ID != cb[i].ID {
				return false
			}
		}
	}
	return true
}
