package connection

import "github.com/relaydesk/host/internal/wire"

// ApplyOptions merges an OptionMessage into the connection's state. Only
// fields explicitly set to TriYes/TriNo mutate anything; TriNotSet (the
// zero value) is a deliberate no-op per spec.md §4.8, so a peer updating
// one field never clobbers the others.
func (c *Connection) ApplyOptions(opt *wire.OptionMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if opt.ImageQuality != "" {
		c.imageQuality = ImageQuality{Preset: opt.ImageQuality}
	}
	if opt.CustomImageQuality != 0 {
		c.imageQuality = ImageQuality{
			Custom:    true,
			Bitrate:   opt.CustomImageQuality >> 8,
			Quantizer: opt.CustomImageQuality & 0xff,
		}
	}
	applyTri(opt.LockAfterSessionEnd, &c.peerFlags.LockAfterSessionEnd)
	applyTri(opt.ShowRemoteCursor, &c.peerFlags.ShowRemoteCursor)
	applyTri(opt.DisableAudio, &c.peerFlags.DisableAudio)
	applyTri(opt.EnableFileTransfer, &c.peerFlags.EnableFileTransfer)
	applyTri(opt.DisableClipboard, &c.peerFlags.DisableClipboard)
	applyTri(opt.PrivacyMode, &c.peerFlags.PrivacyMode)
	applyTri(opt.BlockInput, &c.peerFlags.BlockInput)
}

func applyTri(t wire.Tri, dst *bool) {
	switch t {
	case wire.TriYes:
		*dst = true
	case wire.TriNo:
		*dst = false
	case wire.TriNotSet:
		// untouched
	}
}

// ApplyOptionsAndResubscribe applies opt and re-evaluates every
// permission-gated subscription it might affect (clipboard, audio, cursor
// position), since peer-set flags feed the conjunction in ClipboardAllowed
// and the audio/show-cursor gates. A privacy_mode flip is forwarded to the
// session broker's injection target; if the helper refuses (another
// connection holds it, or no helper is connected) the flag is rolled back
// so Connection state never claims a blanking that didn't happen.
func (c *Connection) ApplyOptionsAndResubscribe(opt *wire.OptionMessage) {
	privacyBefore := c.PeerFlags().PrivacyMode
	c.ApplyOptions(opt)
	if !c.Authorized() {
		return
	}
	srv := c.server.Value()
	if srv == nil {
		return
	}

	if privacyAfter := c.PeerFlags().PrivacyMode; privacyAfter != privacyBefore && srv.SetPrivacyMode != nil {
		if err := srv.SetPrivacyMode(c.ID, privacyAfter); err != nil {
			log.Warn("privacy mode change refused", "id", c.ID, "on", privacyAfter, "error", err)
			c.mu.Lock()
			c.peerFlags.PrivacyMode = privacyBefore
			c.mu.Unlock()
		}
	}

	if srv.Bus == nil {
		return
	}
	flags := c.PeerFlags()
	perms := c.Permissions()
	setSubscription(c, srv.Bus, "clipboard", c.ClipboardAllowed())
	setSubscription(c, srv.Bus, "audio", perms.Audio && !flags.DisableAudio)
	setSubscription(c, srv.Bus, "cursor_position", flags.ShowRemoteCursor)
}
