package desktop

import (
	"context"
	"fmt"
	"time"

	"github.com/relaydesk/host/internal/logging"
)

var pipelineLog = logging.L("desktop")

// Pipeline ties the capture, adaptive-quality and encoder components (C4,
// C5, C6) together into one producer suitable for servicebus's "video"
// Service.Run: each call to Produce captures a frame, feeds it through the
// encoder, and returns the wire-ready payload, or (nil, nil) when nothing
// changed since the last call.
type Pipeline struct {
	capturer ScreenCapturer
	encoder  *VideoEncoder
	quality  *QualityController
	lastSent time.Time
	seq      uint64
}

// PipelineConfig seeds a new Pipeline. UserQuality/UserFPS are the viewer's
// requested ceiling; the QualityController (C5) scales them down from these
// as measured delay degrades.
type PipelineConfig struct {
	DisplayIndex   int
	PreferHardware bool
	UserQuality    int // percent, 0-100
	UserFPS        int
}

// NewPipeline wires a capturer for cfg.DisplayIndex to a new encoder (C6's
// probe-and-rank registry, when cfg.PreferHardware is set) and a
// QualityController (C5) seeded at the viewer's requested quality/FPS.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	capCfg := DefaultConfig()
	capCfg.DisplayIndex = cfg.DisplayIndex
	capturer, err := NewScreenCapturer(capCfg)
	if err != nil {
		return nil, fmt.Errorf("desktop: pipeline capturer: %w", err)
	}

	userQuality := cfg.UserQuality
	if userQuality <= 0 {
		userQuality = 100
	}
	userFPS := cfg.UserFPS
	if userFPS <= 0 {
		userFPS = DefaultEncoderConfig().FPS
	}

	firstFrame, err := capturer.Capture()
	if err != nil {
		capturer.Close()
		return nil, fmt.Errorf("desktop: pipeline initial capture: %w", err)
	}
	width, height := firstFrame.Bounds().Dx(), firstFrame.Bounds().Dy()

	encCfg := DefaultEncoderConfig()
	encCfg.PreferHardware = cfg.PreferHardware
	encCfg.FPS = userFPS
	encCfg.Bitrate = targetBitrateKbps(width, height, userQuality) * 1000
	if encCfg.Bitrate <= 0 {
		encCfg.Bitrate = DefaultEncoderConfig().Bitrate
	}
	encoder, err := NewVideoEncoder(encCfg)
	if err != nil {
		capturer.Close()
		return nil, fmt.Errorf("desktop: pipeline encoder: %w", err)
	}
	if err := encoder.SetDimensions(width, height); err != nil {
		pipelineLog.Debug("encoder dimensions rejected", "error", err)
	}

	quality := NewQualityController(QualityControllerConfig{
		Width:       width,
		Height:      height,
		UserQuality: userQuality,
		UserFPS:     userFPS,
		Encoder:     encoder,
	})

	return &Pipeline{capturer: capturer, encoder: encoder, quality: quality}, nil
}

// targetBitrateKbps mirrors QualityController's §4.5 formula so the
// starting encoder config matches the first committed state.
func targetBitrateKbps(width, height, qualityPercent int) int {
	return ((width * height) / 800) * qualityPercent / 100
}

// OnTestDelay feeds one TestDelay round-trip sample (milliseconds) to the
// QualityController driving this pipeline's FPS/quality/bitrate, e.g. from
// Server.MaxTestDelayMs polled on the heartbeat cadence.
func (p *Pipeline) OnTestDelay(sampleMs float64) {
	p.quality.OnTestDelay(sampleMs)
}

// SetCustomQuality bypasses ABR's bitrate decision with a viewer-chosen
// (bitrate, quantizer) override; FPS keeps adapting to delay state.
func (p *Pipeline) SetCustomQuality(bitrate, quantizer int) {
	p.quality.SetCustomQuality(bitrate, quantizer)
}

// ClearCustomQuality reverts to the QualityController's computed bitrate.
func (p *Pipeline) ClearCustomQuality() {
	p.quality.ClearCustomQuality()
}

// State returns the QualityController's currently committed delay state.
func (p *Pipeline) State() DelayState {
	return p.quality.State()
}

// Produce captures and encodes the next frame, throttled to the
// QualityController's current target FPS. Returns a nil frame (with nil
// error) when called faster than the frame interval allows, so callers can
// poll in a tight Service.Run loop.
func (p *Pipeline) Produce(ctx context.Context) (*VideoFrameResult, error) {
	fps := p.quality.FPS()
	interval := time.Second / time.Duration(max(fps, 1))
	if since := time.Since(p.lastSent); since < interval {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval - since):
		}
	}

	img, err := p.capturer.Capture()
	if err != nil {
		return nil, fmt.Errorf("desktop: capture: %w", err)
	}

	encoded, err := p.encoder.Encode(img.Pix)
	if err != nil {
		return nil, fmt.Errorf("desktop: encode: %w", err)
	}

	p.lastSent = time.Now()
	p.seq++
	return &VideoFrameResult{
		Data:     encoded,
		Width:    img.Bounds().Dx(),
		Height:   img.Bounds().Dy(),
		Codec:    p.encoder.BackendName(),
		Seq:      p.seq,
		SentAtMs: p.lastSent.UnixMilli(),
	}, nil
}

// VideoFrameResult is Produce's output, shaped to map directly onto
// wire.VideoFrame without this package importing internal/wire.
type VideoFrameResult struct {
	Data     []byte
	Width    int
	Height   int
	Codec    string
	Seq      uint64
	SentAtMs int64
}

// Dimensions returns the capture display's current pixel size.
func (p *Pipeline) Dimensions() (width, height int) {
	return p.quality.Dimensions()
}

// CursorPosition reports the system cursor through the capturer when it
// implements CursorProvider; ok is false otherwise (or while hidden).
func (p *Pipeline) CursorPosition() (x, y int, ok bool) {
	cp, isCP := p.capturer.(CursorProvider)
	if !isCP {
		return 0, 0, false
	}
	cx, cy, visible := cp.CursorPosition()
	return int(cx), int(cy), visible
}

// Close releases the capturer and encoder.
func (p *Pipeline) Close() {
	p.encoder.Close()
	p.capturer.Close()
	pipelineLog.Debug("pipeline closed")
}
