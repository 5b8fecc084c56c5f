package desktop

import "sync"

// DelayState is the discrete adaptive-quality state driven by measured
// network delay, per spec.md §4.5.
type DelayState int

const (
	StateNormal DelayState = iota
	StateLowDelay
	StateHighDelay
	StateBroken
)

func (s DelayState) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateLowDelay:
		return "low_delay"
	case StateHighDelay:
		return "high_delay"
	case StateBroken:
		return "broken"
	default:
		return "unknown"
	}
}

// Delay-state thresholds and hysteresis window, spec.md §4.5.
const (
	lowDelayThresholdMs  = 200
	highDelayThresholdMs = 500
	brokenThresholdMs    = 1000
	persistTicks         = 5
)

func classifyDelay(delayMs float64) DelayState {
	switch {
	case delayMs < lowDelayThresholdMs:
		return StateNormal
	case delayMs < highDelayThresholdMs:
		return StateLowDelay
	case delayMs < brokenThresholdMs:
		return StateHighDelay
	default:
		return StateBroken
	}
}

// QualityControllerConfig seeds a QualityController with the viewer's
// requested quality/FPS and the display dimensions the bitrate formula
// needs. Encoder may be nil for tests that only check the reported
// state/FPS/quality/bitrate without re-keying a real encoder.
type QualityControllerConfig struct {
	Width, Height int
	UserQuality   int // percent, 0-100
	UserFPS       int
	Encoder       *VideoEncoder
}

// QualityController implements spec.md component C5: it EMA-smooths
// measured round-trip delay samples (TestDelay round trips), classifies
// them into {Normal, LowDelay, HighDelay, Broken}, and — once a
// classification has persisted for persistTicks consecutive samples —
// commits it as the active state, adjusting target FPS/quality and
// re-keying the encoder's bitrate via SetBitrate (no encoder restart).
//
// Hysteresis is evaluated against the *previous sample's* classification,
// not the committed state: a classification must repeat persistTicks times
// in a row before it is promoted. This is the literal reading of spec.md
// §4.5's "a persistent (>5 consecutive ticks) change of state" and is what
// testable property 4 requires: a state that changes every tick never
// commits, so the target bitrate never changes either.
type QualityController struct {
	mu sync.Mutex

	width, height int
	userQuality   int
	userFPS       int

	useCustom       bool
	customBitrate   int
	customQuantizer int

	haveSample bool
	delayEMA   float64

	candidate     DelayState
	candidateRuns int
	state         DelayState

	currentQuality int
	currentFPS     int

	encoder *VideoEncoder
}

// NewQualityController builds a controller starting in StateNormal at the
// user's requested quality/FPS.
func NewQualityController(cfg QualityControllerConfig) *QualityController {
	return &QualityController{
		width:          cfg.Width,
		height:         cfg.Height,
		userQuality:    cfg.UserQuality,
		userFPS:        cfg.UserFPS,
		state:          StateNormal,
		candidate:      StateNormal,
		currentQuality: cfg.UserQuality,
		currentFPS:     cfg.UserFPS,
		encoder:        cfg.Encoder,
	}
}

// Dimensions returns the display size the controller is tracking.
func (q *QualityController) Dimensions() (width, height int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.width, q.height
}

// SetDimensions updates the display size the bitrate formula uses,
// e.g. on SwitchDisplay.
func (q *QualityController) SetDimensions(width, height int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.width, q.height = width, height
}

// EncodeCustomQuality packs a user-chosen (bitrate, quantizer) pair into
// the wire-ready form spec.md §4.5 specifies: (bitrate<<8)|quantizer.
func EncodeCustomQuality(bitrate, quantizer int) int {
	return (bitrate << 8) | (quantizer & 0xff)
}

// DecodeCustomQuality unpacks EncodeCustomQuality's wire form.
func DecodeCustomQuality(packed int) (bitrate, quantizer int) {
	return packed >> 8, packed & 0xff
}

// SetCustomQuality bypasses ABR's bitrate decision with an explicit
// (bitrate, quantizer) override; FPS keeps adapting to delay state.
func (q *QualityController) SetCustomQuality(bitrate, quantizer int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.useCustom = true
	q.customBitrate = bitrate
	q.customQuantizer = quantizer
	q.rekeyLocked()
}

// ClearCustomQuality reverts to ABR-computed bitrate.
func (q *QualityController) ClearCustomQuality() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.useCustom = false
	q.rekeyLocked()
}

// OnTestDelay feeds one TestDelay round-trip sample (milliseconds) and
// reports whether the committed state changed as a result.
func (q *QualityController) OnTestDelay(sampleMs float64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.haveSample {
		q.delayEMA = sampleMs
		q.haveSample = true
	} else {
		q.delayEMA = sampleMs/2 + q.delayEMA/2
	}

	classified := classifyDelay(q.delayEMA)
	if classified == q.candidate {
		q.candidateRuns++
	} else {
		q.candidate = classified
		q.candidateRuns = 1
	}

	if q.candidateRuns < persistTicks || classified == q.state {
		return false
	}

	q.state = classified
	q.applyStateLocked()
	return true
}

func (q *QualityController) applyStateLocked() {
	switch q.state {
	case StateNormal:
		q.currentFPS = q.userFPS
		q.currentQuality = q.userQuality
	case StateLowDelay:
		q.currentFPS = q.userFPS
		q.currentQuality = min(q.userQuality, 50)
	case StateHighDelay:
		q.currentFPS = q.userFPS / 2
		q.currentQuality = min(q.userQuality, 25)
	case StateBroken:
		q.currentFPS = q.userFPS / 4
		q.currentQuality = 10
	}
	if q.currentFPS < 1 {
		q.currentFPS = 1
	}
	q.rekeyLocked()
}

func (q *QualityController) rekeyLocked() {
	if q.encoder == nil {
		return
	}
	kbps := q.targetBitrateKbpsLocked()
	if kbps > 0 {
		q.encoder.SetBitrate(kbps * 1000)
	}
	if q.currentFPS > 0 {
		q.encoder.SetFPS(q.currentFPS)
	}
}

func (q *QualityController) targetBitrateKbpsLocked() int {
	if q.useCustom {
		return q.customBitrate
	}
	return ((q.width * q.height) / 800) * q.currentQuality / 100
}

// TargetBitrateKbps returns the controller's current target bitrate, per
// spec.md §4.5's ((w*h)/800) * quality_percent/100 formula, or the custom
// override when one is set.
func (q *QualityController) TargetBitrateKbps() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.targetBitrateKbpsLocked()
}

// State returns the currently committed delay state.
func (q *QualityController) State() DelayState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// FPS returns the currently active target FPS.
func (q *QualityController) FPS() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.currentFPS
}

// Quality returns the currently active quality percent.
func (q *QualityController) Quality() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.currentQuality
}
