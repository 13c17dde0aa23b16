package client

import (
	"context"
	"math"

	"taskboard/domain"
)

// activationDistance is how far the pointer must travel, in pixels, before
// a press becomes a drag. Below the threshold the press stays a click so
// buttons inside task cards remain usable.
const activationDistance = 8

// DragController translates raw pointer events into board drag intents.
type DragController struct {
	board *Board

	pressed bool
	engaged bool
	taskID  int64
	originX float64
	originY float64
}

func NewDragController(board *Board) *DragController {
	return &DragController{board: board}
}

// Engaged reports whether the current gesture has crossed the activation
// threshold and turned into a drag.
func (d *DragController) Engaged() bool {
	return d.engaged
}

// PointerDown arms the gesture on a task card. The drag itself does not
// start until the pointer moves far enough.
func (d *DragController) PointerDown(taskID int64, x, y float64) {
	d.pressed = true
	d.engaged = false
	d.taskID = taskID
	d.originX, d.originY = x, y
}

// PointerMove feeds pointer motion plus the drop slot currently under the
// pointer. Crossing the activation distance starts the drag; after that
// every move updates the preview.
func (d *DragController) PointerMove(x, y float64, target domain.Status, index int) {
	if !d.pressed {
		return
	}
	if !d.engaged {
		if math.Hypot(x-d.originX, y-d.originY) < activationDistance {
			return
		}
		if err := d.board.StartDrag(d.taskID); err != nil {
			d.pressed = false
			return
		}
		d.engaged = true
	}
	d.board.DragOver(target, index)
}

// PointerUp ends the gesture. A press that never engaged is a click and is
// ignored here; an engaged drag commits through the board.
func (d *DragController) PointerUp(ctx context.Context) error {
	pressed, engaged := d.pressed, d.engaged
	d.pressed = false
	d.engaged = false
	if !pressed || !engaged {
		return nil
	}
	return d.board.DragEnd(ctx)
}

// Cancel aborts the gesture, restoring the pre-drag order. Wired to the
// Escape key and to pointer capture loss.
func (d *DragController) Cancel() {
	if d.engaged {
		d.board.CancelDrag()
	}
	d.pressed = false
	d.engaged = false
}
