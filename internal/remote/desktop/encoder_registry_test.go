package desktop

import "testing"

type registryStub struct {
	name     string
	hardware bool
	fail     bool
}

func (s *registryStub) Encode(frame []byte) ([]byte, error) {
	if s.fail {
		return nil, nil
	}
	return []byte{1}, nil
}
func (s *registryStub) SetCodec(Codec) error             { return nil }
func (s *registryStub) SetQuality(QualityPreset) error   { return nil }
func (s *registryStub) SetBitrate(int) error              { return nil }
func (s *registryStub) SetFPS(int) error                  { return nil }
func (s *registryStub) SetDimensions(int, int) error      { return nil }
func (s *registryStub) SetPixelFormat(PixelFormat)        {}
func (s *registryStub) Close() error                      { return nil }
func (s *registryStub) Name() string                      { return s.name }
func (s *registryStub) IsHardware() bool                  { return s.hardware }
func (s *registryStub) IsPlaceholder() bool               { return false }
func (s *registryStub) SetD3D11Device(uintptr, uintptr)   {}
func (s *registryStub) SupportsGPUInput() bool            { return false }
func (s *registryStub) EncodeTexture(uintptr) ([]byte, error) {
	return nil, nil
}

func resetRegistry(t *testing.T) {
	t.Helper()
	candidatesMu.Lock()
	saved := candidates
	candidates = nil
	candidatesMu.Unlock()
	t.Cleanup(func() {
		candidatesMu.Lock()
		candidates = saved
		candidatesMu.Unlock()
	})
}

func TestPrioritizedPicksMinimumPriorityPerFormat(t *testing.T) {
	infos := []CodecInfo{
		{Name: "h264_nvenc", Format: CodecH264, Priority: PriorityBest},
		{Name: "h264_soft", Format: CodecH264, Priority: PriorityBad},
		{Name: "av1_soft", Format: CodecAV1, Priority: PrioritySoft},
	}
	best := Prioritized(infos)
	if got := best[CodecH264].Name; got != "h264_nvenc" {
		t.Fatalf("expected h264_nvenc to win H264, got %s", got)
	}
	if got := best[CodecAV1].Name; got != "av1_soft" {
		t.Fatalf("expected av1_soft to win AV1 (only candidate), got %s", got)
	}
}

func TestProbeCodecsSkipsFailingCandidate(t *testing.T) {
	resetRegistry(t)
	registerCandidate(CodecInfo{Name: "good_hw", Format: CodecH264, Priority: PriorityBest}, func(cfg EncoderConfig) (encoderBackend, error) {
		return &registryStub{name: "good_hw", hardware: true}, nil
	})
	registerCandidate(CodecInfo{Name: "broken_hw", Format: CodecH264, Priority: PriorityGood}, func(cfg EncoderConfig) (encoderBackend, error) {
		return &registryStub{name: "broken_hw", hardware: true, fail: true}, nil
	})

	cfg := DefaultEncoderConfig()
	survivors := ProbeCodecs(cfg)

	var sawGood, sawBroken, sawSoftware bool
	for _, s := range survivors {
		switch s.Name {
		case "good_hw":
			sawGood = true
		case "broken_hw":
			sawBroken = true
		case "software":
			sawSoftware = true
		}
	}
	if !sawGood {
		t.Error("expected good_hw to survive probing")
	}
	if sawBroken {
		t.Error("expected broken_hw to be dropped by probing (empty output)")
	}
	if !sawSoftware {
		t.Error("expected software fallback to always survive")
	}
}

func TestProbeCodecsExcludesQSVForYUV420PSource(t *testing.T) {
	resetRegistry(t)
	registerCandidate(CodecInfo{Name: "h264_qsv", Format: CodecH264, HWDevice: HWDeviceQSV, Priority: PriorityGood, VendorKey: "qsv"}, func(cfg EncoderConfig) (encoderBackend, error) {
		return &registryStub{name: "h264_qsv", hardware: true}, nil
	})

	cfg := DefaultEncoderConfig()
	cfg.YUV420PSource = true
	survivors := ProbeCodecs(cfg)
	for _, s := range survivors {
		if s.Name == "h264_qsv" {
			t.Fatal("expected qsv candidate excluded when source is YUV420P")
		}
	}

	cfg.YUV420PSource = false
	survivors = ProbeCodecs(cfg)
	var found bool
	for _, s := range survivors {
		if s.Name == "h264_qsv" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected qsv candidate to survive when source is not YUV420P")
	}
}

func TestSelectCandidateReturnsHighestPriority(t *testing.T) {
	resetRegistry(t)
	registerCandidate(CodecInfo{Name: "h264_nvenc", Format: CodecH264, HWDevice: HWDeviceCUDA, Priority: PriorityBest, VendorKey: "nvenc"}, func(cfg EncoderConfig) (encoderBackend, error) {
		return &registryStub{name: "h264_nvenc", hardware: true}, nil
	})

	cfg := DefaultEncoderConfig()
	cfg.PreferHardware = true
	winner, err := SelectCandidate(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if winner.Name != "h264_nvenc" {
		t.Fatalf("expected h264_nvenc to win, got %s", winner.Name)
	}
}
