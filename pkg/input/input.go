// Package input implements the control-channel event codec: pointer
// and keyboard events serialized as compact tagged JSON, plus the
// sender-side shaping (move throttling, key-repeat suppression) that
// keeps the channel live without flooding it.
package input

import (
	"encoding/json"
	"fmt"
)

// Buttons for pointer click events.
const (
	ButtonLeft   = "left"
	ButtonMiddle = "middle"
	ButtonRight  = "right"
)

// Wire tags, the "t" field of every control message.
const (
	tagMove   = "mouse_move"
	tagClick  = "mouse_click"
	tagScroll = "mouse_scroll"
	tagKey    = "key"
)

// Event is one decoded input event. Concrete types are PointerMove,
// PointerButton, Scroll and Key.
type Event interface {
	tag() string
}

// PointerMove positions the pointer. X and Y are fractions of the
// target screen in [0, 1], so controller and agent never need to agree
// on pixel dimensions.
type PointerMove struct {
	X, Y float64
}

// PointerButton presses or releases a pointer button.
type PointerButton struct {
	Button string
	Down   bool
}

// Scroll scrolls vertically. Positive delta scrolls away from the user.
type Scroll struct {
	Delta int
}

// Key presses or releases a keyboard key. Code is the layout-independent
// key code (the browser KeyboardEvent.code vocabulary: "KeyA", "Enter").
type Key struct {
	Code  string
	Down  bool
	Ctrl  bool
	Shift bool
	Alt   bool
}

func (PointerMove) tag() string   { return tagMove }
func (PointerButton) tag() string { return tagClick }
func (Scroll) tag() string        { return tagScroll }
func (Key) tag() string           { return tagKey }

// wireEvent is the superset JSON shape shared by all event kinds.
type wireEvent struct {
	T      string  `json:"t"`
	X      float64 `json:"x,omitempty"`
	Y      float64 `json:"y,omitempty"`
	Rel    bool    `json:"rel,omitempty"`
	Button string  `json:"button,omitempty"`
	Down   bool    `json:"down"`
	Delta  int     `json:"delta,omitempty"`
	Code   string  `json:"code,omitempty"`
	Ctrl   bool    `json:"ctrl,omitempty"`
	Shift  bool    `json:"shift,omitempty"`
	Alt    bool    `json:"alt,omitempty"`
}

// Encode serializes an event to its wire form. PointerMove coordinates
// are clamped into [0, 1] before encoding.
func Encode(ev Event) ([]byte, error) {
	w := wireEvent{T: ev.tag()}
	switch e := ev.(type) {
	case PointerMove:
		w.X, w.Y = clamp01(e.X), clamp01(e.Y)
		w.Rel = true
	case PointerButton:
		w.Button = e.Button
		w.Down = e.Down
	case Scroll:
		w.Delta = e.Delta
	case Key:
		w.Code = e.Code
		w.Down = e.Down
		w.Ctrl, w.Shift, w.Alt = e.Ctrl, e.Shift, e.Alt
	default:
		return nil, fmt.Errorf("input: unknown event type %T", ev)
	}
	return json.Marshal(w)
}

// Decode parses a wire message back into an event. Coordinates are
// clamped, never rejected: a pointer at a screen edge can legitimately
// land a hair outside [0, 1] through floating point.
func Decode(raw []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("input: bad event: %w", err)
	}
	switch w.T {
	case tagMove:
		return PointerMove{X: clamp01(w.X), Y: clamp01(w.Y)}, nil
	case tagClick:
		switch w.Button {
		case ButtonLeft, ButtonMiddle, ButtonRight:
		default:
			return nil, fmt.Errorf("input: unknown button %q", w.Button)
		}
		return PointerButton{Button: w.Button, Down: w.Down}, nil
	case tagScroll:
		return Scroll{Delta: w.Delta}, nil
	case tagKey:
		if w.Code == "" {
			return nil, fmt.Errorf("input: key event without code")
		}
		return Key{Code: w.Code, Down: w.Down, Ctrl: w.Ctrl, Shift: w.Shift, Alt: w.Alt}, nil
	default:
		return nil, fmt.Errorf("input: unknown event tag %q", w.T)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
