package connection

import (
	"context"
	"time"

	"github.com/relaydesk/host/internal/wire"
)

// HeartbeatInterval is how often the host sends TestDelay.
const HeartbeatInterval = 3 * time.Second

// IdleTimeout closes a connection that has sent no bytes for this long.
const IdleTimeout = 30 * time.Second

// RunHeartbeat sends TestDelay every HeartbeatInterval and closes the
// connection if no bytes have been received for IdleTimeout. Meant to be
// run in its own goroutine for the lifetime of the connection.
func (c *Connection) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	checkTicker := time.NewTicker(1 * time.Second)
	defer checkTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			return
		case <-ticker.C:
			if err := c.Stream.SendTyped(wire.TypeTestDelay, &wire.TestDelay{
				Time: time.Now().UnixMilli(),
			}); err != nil {
				log.Warn("heartbeat send failed", "id", c.ID, "error", err)
				c.Close("send failure")
				return
			}
		case <-checkTicker.C:
			if c.IdleFor() >= IdleTimeout {
				c.Close("Timeout")
				return
			}
		}
	}
}

// OnTestDelayReply records a round-trip sample from the peer's echoed
// TestDelay.
func (c *Connection) OnTestDelayReply(sentAtMs int64) {
	rtt := time.Now().UnixMilli() - sentAtMs
	c.mu.Lock()
	c.lastTestDelayMs = rtt
	c.mu.Unlock()
}

// LastDelayMs returns the most recent measured round-trip delay.
func (c *Connection) LastDelayMs() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastTestDelayMs
}

// VideoBackpressure decides whether a freshly encoded video frame should be
// sent now, per spec.md §4.8/§5: video frames are always sent eventually
// (never silently dropped — dropping them causes larger decoder rebuffers),
// but if VideoAckRequired is set the host waits for the peer's ack before
// sending the next one.
func (c *Connection) VideoBackpressure() (sendNow bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.videoAckReq {
		return true
	}
	if c.videoAckPending {
		return false
	}
	c.videoAckPending = true
	return true
}

// OnVideoAck clears the pending flag set by VideoBackpressure.
func (c *Connection) OnVideoAck() {
	c.mu.Lock()
	c.videoAckPending = false
	c.mu.Unlock()
}

// SetVideoAckRequired toggles whether this connection paces video frames by
// waiting for explicit acks (video_received in wire.Misc) vs. the capture
// service's own FPS pacing.
func (c *Connection) SetVideoAckRequired(req bool) {
	c.mu.Lock()
	c.videoAckReq = req
	c.mu.Unlock()
}

// AudioDropDeadline is the elapsed-since-enqueue threshold past which audio
// (never video) frames are silently dropped on a high-latency path, per
// spec.md §4.8.
const AudioDropDeadline = 1000 * time.Millisecond

// ShouldDropAudioFrame reports whether an audio frame enqueued enqueuedAt
// ago should be dropped for being stale.
func ShouldDropAudioFrame(age time.Duration) bool {
	return age > AudioDropDeadline
}
