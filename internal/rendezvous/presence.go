package rendezvous

import (
	"encoding/json"
	"sync"

	"github.com/relaydesk/host/internal/websocket"
)

// PresenceWatcher maintains a live subscription to the rendezvous sidecar's
// online-status endpoint (spec.md §4.2), reusing the reconnect-with-backoff
// client for the control socket. Unlike the one-shot OnlineRequest round
// trip a viewer can also issue directly over the mediator's TCP socket,
// the watcher keeps a standing subscription so a UI can render presence
// changes (a peer going offline, coming back online) without polling.
type PresenceWatcher struct {
	ws *websocket.Client

	mu    sync.Mutex
	peers []string

	onUpdate func(OnlineResponse)
}

// NewPresenceWatcher dials sidecarURL (the rendezvous server's presence
// sidecar, e.g. "https://rendezvous.example.com/presence") and invokes
// onUpdate with the bit-packed presence response every time the server
// pushes one.
func NewPresenceWatcher(sidecarURL, authToken string, onUpdate func(OnlineResponse)) *PresenceWatcher {
	w := &PresenceWatcher{onUpdate: onUpdate}
	w.ws = websocket.New(&websocket.Config{ServerURL: sidecarURL, AuthToken: authToken}, w.handleMessage)
	return w
}

// Start begins the reconnect loop. Meant to be run in its own goroutine.
func (w *PresenceWatcher) Start() { w.ws.Start() }

// Stop closes the connection and ends the reconnect loop.
func (w *PresenceWatcher) Stop() { w.ws.Stop() }

// Watch (re-)subscribes to presence updates for ids, replacing any
// previous subscription set.
func (w *PresenceWatcher) Watch(ids []string) error {
	w.mu.Lock()
	w.peers = append([]string(nil), ids...)
	w.mu.Unlock()
	return w.ws.Send(OnlineRequest{Peers: ids})
}

func (w *PresenceWatcher) handleMessage(data []byte) {
	var resp OnlineResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return
	}
	if w.onUpdate != nil {
		w.onUpdate(resp)
	}
}
