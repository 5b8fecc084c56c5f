// Package input injects viewer-originated keyboard and mouse events into
// the host's local session. It adapts the wire-level event encoding (numeric
// key codes, button bitmasks) onto the per-platform InputHandler that the
// desktop package already provides for its own capture sessions, so both
// the remote-control path and the embedded-preview path drive the same
// injection backend.
package input

import (
	"sync"

	"github.com/relaydesk/host/internal/remote/desktop"
)

var (
	handlerOnce sync.Once
	handler     desktop.InputHandler
)

func get() desktop.InputHandler {
	handlerOnce.Do(func() {
		handler = desktop.NewInputHandler()
	})
	return handler
}

// Button bitmask positions in wire.MouseEvent.Buttons.
const (
	ButtonLeft   = 1 << 0
	ButtonRight  = 1 << 1
	ButtonMiddle = 1 << 2
)

// InjectKey presses or releases the key identified by code. Codes in the
// printable ASCII range map to their character; everything else goes
// through the named-key table.
func InjectKey(code int, down bool) {
	h := get()
	if h == nil {
		return
	}
	key := keyName(code)
	if key == "" {
		return
	}
	if down {
		h.SendKeyDown(key)
	} else {
		h.SendKeyUp(key)
	}
}

// InjectMouse applies one viewer mouse event: a move when no button bit is
// set, a press/release for the lowest set button bit, or a scroll when
// wheelDY is nonzero.
func InjectMouse(x, y int, buttons uint8, down bool, wheelDY int) {
	h := get()
	if h == nil {
		return
	}
	if wheelDY != 0 {
		h.SendMouseScroll(x, y, wheelDY)
		return
	}
	button := buttonName(buttons)
	if button == "" {
		h.SendMouseMove(x, y)
		return
	}
	if down {
		h.SendMouseDown(x, y, button)
	} else {
		h.SendMouseUp(x, y, button)
	}
}

func buttonName(buttons uint8) string {
	switch {
	case buttons&ButtonLeft != 0:
		return "left"
	case buttons&ButtonRight != 0:
		return "right"
	case buttons&ButtonMiddle != 0:
		return "middle"
	default:
		return ""
	}
}

// namedKeys maps the non-printable wire key codes to the key names the
// platform handlers understand. The code space follows the common USB/JS
// keyCode values viewers emit.
var namedKeys = map[int]string{
	8:   "BackSpace",
	9:   "Tab",
	13:  "Return",
	16:  "shift",
	17:  "ctrl",
	18:  "alt",
	20:  "Caps_Lock",
	27:  "Escape",
	32:  "space",
	33:  "Page_Up",
	34:  "Page_Down",
	35:  "End",
	36:  "Home",
	37:  "Left",
	38:  "Up",
	39:  "Right",
	40:  "Down",
	45:  "Insert",
	46:  "Delete",
	91:  "Super_L",
	112: "F1",
	113: "F2",
	114: "F3",
	115: "F4",
	116: "F5",
	117: "F6",
	118: "F7",
	119: "F8",
	120: "F9",
	121: "F10",
	122: "F11",
	123: "F12",
}

func keyName(code int) string {
	if name, ok := namedKeys[code]; ok {
		return name
	}
	// Letters arrive as their uppercase code; inject lowercase so the
	// handler doesn't synthesize a shift.
	if code >= 'A' && code <= 'Z' {
		return string(rune(code + 32))
	}
	if code > 32 && code < 127 {
		return string(rune(code))
	}
	return ""
}
