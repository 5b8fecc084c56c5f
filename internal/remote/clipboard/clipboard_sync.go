package clipboard

import (
	"crypto/sha256"
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/relaydesk/host/internal/logging"
)

var syncLog = logging.L("clipboard.sync")

// syncPollInterval is how often Watch samples the local clipboard.
const syncPollInterval = time.Second

// syncMessage is one clipboard update on the sync DataChannel.
type syncMessage struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Image       []byte `json:"image,omitempty"`
	ImageFormat string `json:"imageFormat,omitempty"`
}

// ClipboardSync mirrors the local clipboard to the remote side of a
// DataChannel and applies remote updates locally. Updates received from
// the remote are fingerprinted so echoing them back doesn't loop.
type ClipboardSync struct {
	dc       *webrtc.DataChannel
	provider Provider
	stopCh   chan struct{}

	lastSent    [32]byte
	lastApplied [32]byte
}

// NewClipboardSync wires the sync onto dc; incoming messages are applied
// to the given provider immediately, local polling starts on Watch.
func NewClipboardSync(dc *webrtc.DataChannel, provider Provider) *ClipboardSync {
	s := &ClipboardSync{
		dc:       dc,
		provider: provider,
		stopCh:   make(chan struct{}),
	}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.applyRemote(msg.Data)
	})
	return s
}

// Watch polls the local clipboard and pushes changes to the remote until
// Stop is called. Runs in its own goroutine.
func (s *ClipboardSync) Watch() {
	go func() {
		ticker := time.NewTicker(syncPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.pushLocal()
			}
		}
	}()
}

// Stop ends the watch loop.
func (s *ClipboardSync) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

func (s *ClipboardSync) pushLocal() {
	content, err := s.provider.GetContent()
	if err != nil {
		return
	}
	sum := fingerprint(content)
	if sum == s.lastSent || sum == s.lastApplied {
		return
	}
	payload, err := json.Marshal(syncMessage{
		Type:        string(content.Type),
		Text:        content.Text,
		Image:       content.Image,
		ImageFormat: content.ImageFormat,
	})
	if err != nil {
		return
	}
	if err := s.dc.SendText(string(payload)); err != nil {
		syncLog.Debug("clipboard push failed", "error", err)
		return
	}
	s.lastSent = sum
}

func (s *ClipboardSync) applyRemote(data []byte) {
	var msg syncMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		syncLog.Debug("bad clipboard sync message", "error", err)
		return
	}
	content := Content{
		Type:        ContentType(msg.Type),
		Text:        msg.Text,
		Image:       msg.Image,
		ImageFormat: msg.ImageFormat,
	}
	if err := s.provider.SetContent(content); err != nil {
		syncLog.Debug("clipboard apply failed", "error", err)
		return
	}
	s.lastApplied = fingerprint(content)
}

func fingerprint(content Content) [32]byte {
	h := sha256.New()
	h.Write([]byte(content.Type))
	h.Write([]byte(content.Text))
	h.Write(content.RTF)
	h.Write(content.Image)
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}
