package inject

import (
	"fmt"

	"github.com/go-vgo/robotgo"

	"github.com/remotedesk/remotedesk/pkg/input"
)

// Robot is the production Sink: it replays events through robotgo on
// the primary display. Construct it with NewRobot so the screen size is
// read once.
type Robot struct {
	width, height int
}

// NewRobot returns a Sink bound to the current primary screen size.
func NewRobot() *Robot {
	w, h := robotgo.GetScreenSize()
	return &Robot{width: w, height: h}
}

// Inject replays one event on the local desktop.
func (r *Robot) Inject(ev input.Event) error {
	switch e := ev.(type) {
	case input.PointerMove:
		x, y := ToPixels(e.X, e.Y, r.width, r.height)
		robotgo.Move(x, y)
	case input.PointerButton:
		state := "up"
		if e.Down {
			state = "down"
		}
		robotgo.Toggle(e.Button, state)
	case input.Scroll:
		// robotgo scrolls down for positive y.
		robotgo.Scroll(0, -e.Delta)
	case input.Key:
		return r.injectKey(e)
	default:
		return fmt.Errorf("inject: unknown event type %T", ev)
	}
	return nil
}

func (r *Robot) injectKey(ev input.Key) error {
	name := KeyName(ev.Code)
	mods := Modifiers(ev)
	if len(mods) > 0 {
		// Combos go through KeyTap, which sends down+up itself, so
		// only act on the down edge.
		if !ev.Down {
			return nil
		}
		args := make([]interface{}, len(mods))
		for i, m := range mods {
			args[i] = m
		}
		return robotgo.KeyTap(name, args...)
	}
	state := "up"
	if ev.Down {
		state = "down"
	}
	return robotgo.KeyToggle(name, state)
}
