// Package inject replays decoded control events on the local desktop.
// The pure coordinate and key mapping lives here; the robotgo-backed
// sink that actually moves the OS cursor is in robot.go.
package inject

import (
	"strings"

	"github.com/remotedesk/remotedesk/pkg/input"
)

// Sink consumes decoded input events. The production Sink drives the
// OS; tests substitute a recorder.
type Sink interface {
	Inject(ev input.Event) error
}

// ToPixels maps normalized [0, 1] coordinates to pixel coordinates on
// a width x height screen. The result is clamped to the last valid
// pixel so 1.0 never lands one past the edge.
func ToPixels(fx, fy float64, width, height int) (int, int) {
	x := int(fx * float64(width))
	y := int(fy * float64(height))
	if x >= width {
		x = width - 1
	}
	if y >= height {
		y = height - 1
	}
	if x < 0 {
		x = 0
	}
	if y < 0 {
		y = 0
	}
	return x, y
}

// Named keys that robotgo spells differently from KeyboardEvent.code.
var keyNames = map[string]string{
	"Enter":        "enter",
	"Backspace":    "backspace",
	"Delete":       "delete",
	"Tab":          "tab",
	"Escape":       "esc",
	"Space":        "space",
	"ArrowUp":      "up",
	"ArrowDown":    "down",
	"ArrowLeft":    "left",
	"ArrowRight":   "right",
	"Home":         "home",
	"End":          "end",
	"PageUp":       "pageup",
	"PageDown":     "pagedown",
	"Insert":       "insert",
	"CapsLock":     "capslock",
	"ShiftLeft":    "shift",
	"ShiftRight":   "rshift",
	"ControlLeft":  "ctrl",
	"ControlRight": "rctrl",
	"AltLeft":      "alt",
	"AltRight":     "ralt",
	"MetaLeft":     "cmd",
	"MetaRight":    "rcmd",
	"Minus":        "-",
	"Equal":        "=",
	"BracketLeft":  "[",
	"BracketRight": "]",
	"Backslash":    "\\",
	"Semicolon":    ";",
	"Quote":        "'",
	"Backquote":    "`",
	"Comma":        ",",
	"Period":       ".",
	"Slash":        "/",
}

// KeyName translates a KeyboardEvent.code value ("KeyA", "Digit3",
// "Enter") into the robotgo key name. Unknown codes are returned
// lowercased as a best effort rather than dropped.
func KeyName(code string) string {
	if name, ok := keyNames[code]; ok {
		return name
	}
	if strings.HasPrefix(code, "Key") && len(code) == 4 {
		return strings.ToLower(code[3:])
	}
	if strings.HasPrefix(code, "Digit") && len(code) == 6 {
		return code[5:]
	}
	if strings.HasPrefix(code, "Numpad") && len(code) > 6 {
		return "num" + strings.ToLower(code[6:])
	}
	if len(code) >= 2 && code[0] == 'F' && code[1] >= '1' && code[1] <= '9' {
		return strings.ToLower(code)
	}
	return strings.ToLower(code)
}

// Modifiers lists the robotgo modifier names active on a key event, in
// a stable order.
func Modifiers(ev input.Key) []string {
	var mods []string
	if ev.Ctrl {
		mods = append(mods, "ctrl")
	}
	if ev.Shift {
		mods = append(mods, "shift")
	}
	if ev.Alt {
		mods = append(mods, "alt")
	}
	return mods
}
