package desktop

import (
	"fmt"
	"sync"
	"time"
)

// HWDevice names the hardware acceleration backend (if any) a codec
// candidate runs on, per spec.md §3's CodecInfo shape.
type HWDevice string

const (
	HWDeviceNone         HWDevice = "none"
	HWDeviceCUDA         HWDevice = "cuda"
	HWDeviceD3D11        HWDevice = "d3d11"
	HWDeviceVAAPI        HWDevice = "vaapi"
	HWDeviceVideoToolbox HWDevice = "videotoolbox"
	HWDeviceQSV          HWDevice = "qsv"
)

// Priority ranks codec candidates for selection. Lower wins: spec.md §3
// "ties broken by (lowest numeric priority wins)".
type Priority int

const (
	PriorityBest Priority = iota
	PriorityGood
	PriorityNormal
	PrioritySoft
	PriorityBad
)

// CodecInfo describes one registered encoder candidate, matching spec.md
// §3's `{name, format, hwdevice, priority, vendor-specific key}` tuple.
type CodecInfo struct {
	Name      string
	Format    Codec
	HWDevice  HWDevice
	Priority  Priority
	VendorKey string
}

type candidateFactory struct {
	info    CodecInfo
	factory backendFactory
}

var (
	candidatesMu sync.Mutex
	candidates   []candidateFactory
)

// registerCandidate records one platform-filtered encoder candidate for the
// registry to probe. Backend files call this from init() instead of the
// old registerHardwareFactory, which this replaces: every candidate now
// carries the CodecInfo the §4.6 probe/rank/select algorithm needs.
func registerCandidate(info CodecInfo, factory backendFactory) {
	candidatesMu.Lock()
	defer candidatesMu.Unlock()
	candidates = append(candidates, candidateFactory{info: info, factory: factory})
}

// TestTimeout bounds each candidate's trial encode, spec.md §4.6's
// TEST_TIMEOUT_MS.
const TestTimeout = 200 * time.Millisecond

// testFrameDims is the fixed sample size used to probe encoders when cfg
// doesn't carry real capture dimensions yet (decoders always use this per
// spec.md §4.6; encoders use it too here since the probe runs once at
// startup before the first real frame is captured).
const (
	testFrameWidth  = 1280
	testFrameHeight = 720
)

// ProbeCodecs runs one trial encode per registered candidate against a
// zeroed test frame, plus the always-available software encoder, and
// returns every candidate whose trial produced non-empty output within
// TestTimeout. A registration whose factory errors, whose Encode call
// panics, or which exceeds TestTimeout is skipped ("this codec unavailable",
// §7) — probing never fails the caller.
func ProbeCodecs(cfg EncoderConfig) []CodecInfo {
	candidatesMu.Lock()
	list := append([]candidateFactory(nil), candidates...)
	candidatesMu.Unlock()
	list = append(list, candidateFactory{
		info:    CodecInfo{Name: "software", Format: cfg.Codec, HWDevice: HWDeviceNone, Priority: PriorityBad},
		factory: newSoftwareEncoder,
	})

	frame := make([]byte, testFrameWidth*testFrameHeight*4)

	var survivors []CodecInfo
	for _, c := range list {
		if cfg.YUV420PSource && (c.info.HWDevice == HWDeviceQSV || c.info.VendorKey == "qsv") {
			// spec.md §4.6: "qsv is excluded when the source pixel format is YUV420P".
			continue
		}
		probeCfg := cfg
		probeCfg.Codec = c.info.Format
		if probeOne(c.factory, probeCfg, frame) {
			survivors = append(survivors, c.info)
		}
	}
	return survivors
}

// probeOne instantiates one candidate and runs a single encode of frame,
// recovering from panics and enforcing TestTimeout. Returns true only if
// the trial completed in time and yielded output (treated as the
// "exactly one keyframe" requirement: the first output of a freshly
// constructed encoder is always an IDR/keyframe).
func probeOne(factory backendFactory, cfg EncoderConfig, frame []byte) (ok bool) {
	done := make(chan bool, 1)
	go func() {
		defer func() {
			if recover() != nil {
				done <- false
			}
		}()
		backend, err := factory(cfg)
		if err != nil || backend == nil {
			done <- false
			return
		}
		defer backend.Close()
		out, err := backend.Encode(frame)
		done <- err == nil && len(out) > 0
	}()
	select {
	case ok = <-done:
		return ok
	case <-time.After(TestTimeout):
		return false
	}
}

// Prioritized collapses a candidate list down to the minimum-priority
// codec per Format, per spec.md §4.6's `prioritized(coders)`. Ties (equal
// priority) keep whichever candidate appeared first.
func Prioritized(infos []CodecInfo) map[Codec]CodecInfo {
	best := make(map[Codec]CodecInfo)
	for _, info := range infos {
		cur, ok := best[info.Format]
		if !ok || info.Priority < cur.Priority {
			best[info.Format] = info
		}
	}
	return best
}

// SelectCandidate probes every registered candidate and returns the
// highest-priority surviving candidate for cfg.Codec's format, falling back
// to an error if even the software encoder fails to probe (which should
// never happen — software has no hardware dependency to fail).
func SelectCandidate(cfg EncoderConfig) (CodecInfo, error) {
	survivors := ProbeCodecs(cfg)
	winner, ok := Prioritized(survivors)[cfg.Codec]
	if !ok {
		return CodecInfo{}, fmt.Errorf("desktop: no surviving codec for format %s", cfg.Codec)
	}
	return winner, nil
}
