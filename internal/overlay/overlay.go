// Package overlay implements the thin whiteboard overlay exposed over the
// "_whiteboard" IPC postfix channel (spec.md §4.3): it subscribes to the
// connection's cursor_position service-bus feed and turns it into the
// stream of remote-cursor and click-ripple annotations an always-on-top,
// click-through overlay window draws. The overlay process itself (the
// transparent window) lives outside this module's scope; this package only
// owns the annotation state machine and its IPC transport, grounded on
// internal/ipc's framed-envelope Conn.
package overlay

import (
	"fmt"
	"sync"
	"time"

	"github.com/relaydesk/host/internal/ipc"
	"github.com/relaydesk/host/internal/logging"
	"github.com/relaydesk/host/internal/servicebus"
	"github.com/relaydesk/host/internal/wire"
)

var log = logging.L("overlay")

// Message type constants for the _whiteboard channel.
const (
	TypeCursorMove  = "cursor_move"
	TypeClickRipple = "click_ripple"
	TypeClear       = "clear"
)

// CursorMove reports a remote peer's pointer position in normalized
// (0..1) screen coordinates, so the overlay window can scale it to
// whatever monitor it is drawn on.
type CursorMove struct {
	ConnID int32   `json:"connId"`
	NX     float64 `json:"nx"`
	NY     float64 `json:"ny"`
}

// ClickRipple reports a momentary click/tap indicator at a point.
type ClickRipple struct {
	ConnID int32   `json:"connId"`
	NX     float64 `json:"nx"`
	NY     float64 `json:"ny"`
	Button uint8   `json:"button"`
}

// RippleLifetime is how long the overlay window should animate a ripple
// before discarding it; callers relay this to the drawing side via the
// envelope rather than hardcoding it twice.
const RippleLifetime = 600 * time.Millisecond

// Overlay fans cursor_position updates from the service bus out to every
// connected overlay-window IPC client.
type Overlay struct {
	mu      sync.Mutex
	clients map[*ipc.Conn]struct{}

	width, height int
}

// New creates an empty Overlay.
func New() *Overlay {
	return &Overlay{clients: make(map[*ipc.Conn]struct{})}
}

// AddClient registers an overlay-window process's IPC connection to
// receive broadcasts. Call RemoveClient when the connection closes.
func (o *Overlay) AddClient(c *ipc.Conn) {
	o.mu.Lock()
	o.clients[c] = struct{}{}
	o.mu.Unlock()
}

// RemoveClient unregisters a closed connection.
func (o *Overlay) RemoveClient(c *ipc.Conn) {
	o.mu.Lock()
	delete(o.clients, c)
	o.mu.Unlock()
}

func (o *Overlay) broadcast(msgType string, payload any) {
	o.mu.Lock()
	clients := make([]*ipc.Conn, 0, len(o.clients))
	for c := range o.clients {
		clients = append(clients, c)
	}
	o.mu.Unlock()

	for _, c := range clients {
		if err := c.SendTyped("overlay", msgType, payload); err != nil {
			log.Warn("overlay: broadcast failed, dropping client", "error", err)
			o.RemoveClient(c)
		}
	}
}

// CursorPositionPayload is the normalized shape the overlay broadcasts.
// Raw wire.CursorPosition pixels are converted using the display bounds
// set by SetDisplayBounds; already-normalized payloads pass through.
type CursorPositionPayload struct {
	ConnID int32
	NX, NY float64
}

// SetDisplayBounds tells the overlay the capture display's pixel size so
// it can normalize raw cursor positions. Zero bounds drop raw positions.
func (o *Overlay) SetDisplayBounds(width, height int) {
	o.mu.Lock()
	o.width, o.height = width, height
	o.mu.Unlock()
}

func (o *Overlay) normalize(x, y int) (nx, ny float64, ok bool) {
	o.mu.Lock()
	w, h := o.width, o.height
	o.mu.Unlock()
	if w <= 0 || h <= 0 {
		return 0, 0, false
	}
	return float64(x) / float64(w), float64(y) / float64(h), true
}

// Attach subscribes to bus's cursor_position service and relays every
// update to the overlay's IPC clients from a background goroutine. It
// returns at once; the relay takes no context and is never stopped.
func (o *Overlay) Attach(bus *servicebus.Bus) error {
	svc, ok := bus.Service("cursor_position")
	if !ok {
		return fmt.Errorf("overlay: cursor_position service not registered")
	}
	// overlay itself is a synthetic subscriber id; negative keeps it out of
	// the range connection IDs occupy (Server.NextID starts at 1).
	sub := svc.Subscribe(-1, true)
	go func() {
		for msg := range sub.Other {
			switch pos := msg.Payload.(type) {
			case CursorPositionPayload:
				o.broadcast(TypeCursorMove, CursorMove{ConnID: pos.ConnID, NX: pos.NX, NY: pos.NY})
			case wire.CursorPosition:
				if nx, ny, ok := o.normalize(pos.X, pos.Y); ok {
					o.broadcast(TypeCursorMove, CursorMove{NX: nx, NY: ny})
				}
			}
		}
	}()
	return nil
}

// PublishClick is called directly by the connection handling an injected
// MouseEvent with Down=true, bypassing the service bus since clicks are
// one-shot events rather than continuous state.
func (o *Overlay) PublishClick(connID int32, nx, ny float64, button uint8) {
	o.broadcast(TypeClickRipple, ClickRipple{ConnID: connID, NX: nx, NY: ny, Button: button})
}

// Clear tells every overlay window to discard all annotations, sent when
// the last remote connection disconnects.
func (o *Overlay) Clear() {
	o.broadcast(TypeClear, struct{}{})
}
