package desktop

import "testing"

func TestClassifyDelayThresholds(t *testing.T) {
	cases := []struct {
		delay float64
		want  DelayState
	}{
		{0, StateNormal},
		{199, StateNormal},
		{200, StateLowDelay},
		{499, StateLowDelay},
		{500, StateHighDelay},
		{999, StateHighDelay},
		{1000, StateBroken},
		{5000, StateBroken},
	}
	for _, c := range cases {
		if got := classifyDelay(c.delay); got != c.want {
			t.Errorf("classifyDelay(%v) = %v, want %v", c.delay, got, c.want)
		}
	}
}

// TestQualityControllerPersistsBeforeCommitting exercises testable property
// 4: a classification that never repeats persistTicks times in a row never
// commits, so FPS/quality/bitrate stay at the user's requested ceiling.
func TestQualityControllerPersistsBeforeCommitting(t *testing.T) {
	q := NewQualityController(QualityControllerConfig{
		Width: 1920, Height: 1080, UserQuality: 66, UserFPS: 30,
	})

	// Alternate 0ms/450ms samples. The EMA's steady-state values for this
	// pair (150ms and 300ms) straddle the 200ms Normal/LowDelay boundary, so
	// the classification flips every tick and never runs persistTicks
	// samples in a row — the committed state must stay Normal throughout.
	for i := 0; i < 20; i++ {
		sample := 0.0
		if i%2 == 1 {
			sample = 450.0
		}
		q.OnTestDelay(sample)
	}

	if got := q.State(); got != StateNormal {
		t.Fatalf("expected state to remain Normal under an alternating signal, got %v", got)
	}
	if got := q.FPS(); got != 30 {
		t.Fatalf("expected FPS to remain at user ceiling 30, got %d", got)
	}
	if got := q.Quality(); got != 66 {
		t.Fatalf("expected quality to remain at user ceiling 66, got %d", got)
	}
}

// TestQualityControllerThreeGoodThenSustained600 runs the literal sample
// sequence [50,50,50,600,600,600,600,600,600] and documents exactly where
// the commit lands. Walking the EMA by hand: ticks 4-5 classify LowDelay
// (EMA 325, 462.5), the EMA crosses 500 at tick 6, so HighDelay's
// consecutive-run counter only starts there and reaches persistTicks (5)
// at tick 10 — one sample past this nine-sample sequence. After tick 9 the
// committed state is therefore still Normal with the user's ceilings
// intact; the very next 600ms sample commits HighDelay with FPS halved and
// quality capped at 25.
func TestQualityControllerThreeGoodThenSustained600(t *testing.T) {
	q := NewQualityController(QualityControllerConfig{
		Width: 1920, Height: 1080, UserQuality: 66, UserFPS: 30,
	})

	for _, sample := range []float64{50, 50, 50, 600, 600, 600, 600, 600, 600} {
		q.OnTestDelay(sample)
	}

	if got := q.State(); got != StateNormal {
		t.Fatalf("after 9 samples expected committed state still Normal, got %v", got)
	}
	if got := q.FPS(); got != 30 {
		t.Fatalf("expected FPS still 30 before the commit, got %d", got)
	}

	// Tick 10: HighDelay's fifth consecutive classification commits.
	if changed := q.OnTestDelay(600); !changed {
		t.Fatal("expected the tenth sample to commit the state change")
	}
	if got := q.State(); got != StateHighDelay {
		t.Fatalf("expected HighDelay at tick 10, got %v", got)
	}
	if got := q.FPS(); got != 15 {
		t.Fatalf("expected FPS 30/2=15, got %d", got)
	}
	if got := q.Quality(); got != 25 {
		t.Fatalf("expected quality capped at 25, got %d", got)
	}
	if got, want := q.TargetBitrateKbps(), ((1920*1080)/800)*25/100; got != want {
		t.Fatalf("expected target bitrate %d kbps, got %d", want, got)
	}
}

// TestQualityControllerCommitsAfterPersistentHighDelay models a sustained
// run of high-delay samples committing StateHighDelay and scaling
// FPS/quality/bitrate down accordingly. Every sample here is 600ms, which
// is already past the EMA's first hop (the very first sample seeds the EMA
// directly, so it classifies HighDelay immediately); persistTicks
// consecutive identical classifications are then required before the
// change commits.
func TestQualityControllerCommitsAfterPersistentHighDelay(t *testing.T) {
	width, height := 1920, 1080
	q := NewQualityController(QualityControllerConfig{
		Width: width, Height: height, UserQuality: 66, UserFPS: 30,
	})

	var changed bool
	for i := 0; i < persistTicks; i++ {
		changed = q.OnTestDelay(600)
		if i < persistTicks-1 && changed {
			t.Fatalf("committed early after %d sample(s), want %d", i+1, persistTicks)
		}
	}
	if !changed {
		t.Fatalf("expected the %dth consecutive HighDelay sample to commit", persistTicks)
	}
	if got := q.State(); got != StateHighDelay {
		t.Fatalf("expected committed state HighDelay, got %v", got)
	}
	if got := q.FPS(); got != 15 {
		t.Fatalf("expected FPS halved to 15, got %d", got)
	}
	if got := q.Quality(); got != 25 {
		t.Fatalf("expected quality capped at 25, got %d", got)
	}
	wantBitrate := ((width * height) / 800) * 25 / 100
	if got := q.TargetBitrateKbps(); got != wantBitrate {
		t.Fatalf("expected bitrate %d, got %d", wantBitrate, got)
	}
}

func TestQualityControllerBrokenState(t *testing.T) {
	q := NewQualityController(QualityControllerConfig{
		Width: 1920, Height: 1080, UserQuality: 80, UserFPS: 30,
	})
	for i := 0; i < 10; i++ {
		q.OnTestDelay(2000)
	}
	for i := 0; i < persistTicks; i++ {
		q.OnTestDelay(2000)
	}
	if got := q.State(); got != StateBroken {
		t.Fatalf("expected StateBroken, got %v", got)
	}
	if got := q.FPS(); got != 7 { // 30/4 == 7 (integer division)
		t.Fatalf("expected FPS 7, got %d", got)
	}
	if got := q.Quality(); got != 10 {
		t.Fatalf("expected quality 10, got %d", got)
	}
}

func TestQualityControllerRecoversToNormal(t *testing.T) {
	q := NewQualityController(QualityControllerConfig{
		Width: 1280, Height: 720, UserQuality: 90, UserFPS: 60,
	})
	for i := 0; i < 10+persistTicks; i++ {
		q.OnTestDelay(2000)
	}
	if q.State() != StateBroken {
		t.Fatalf("setup failed to reach Broken")
	}
	for i := 0; i < 10+persistTicks; i++ {
		q.OnTestDelay(10)
	}
	if got := q.State(); got != StateNormal {
		t.Fatalf("expected recovery to Normal, got %v", got)
	}
	if got := q.FPS(); got != 60 {
		t.Fatalf("expected FPS restored to 60, got %d", got)
	}
	if got := q.Quality(); got != 90 {
		t.Fatalf("expected quality restored to 90, got %d", got)
	}
}

func TestQualityControllerTargetBitrateFormula(t *testing.T) {
	q := NewQualityController(QualityControllerConfig{
		Width: 1920, Height: 1080, UserQuality: 50, UserFPS: 30,
	})
	want := ((1920 * 1080) / 800) * 50 / 100
	if got := q.TargetBitrateKbps(); got != want {
		t.Fatalf("expected initial bitrate %d, got %d", want, got)
	}
}

func TestQualityControllerCustomOverrideBypassesBitrateButNotFPS(t *testing.T) {
	q := NewQualityController(QualityControllerConfig{
		Width: 1920, Height: 1080, UserQuality: 66, UserFPS: 30,
	})
	q.SetCustomQuality(3000, 28)
	if got := q.TargetBitrateKbps(); got != 3000 {
		t.Fatalf("expected custom bitrate 3000, got %d", got)
	}

	for i := 0; i < 10+persistTicks; i++ {
		q.OnTestDelay(2000)
	}
	if got := q.State(); got != StateBroken {
		t.Fatalf("expected FPS to keep adapting under custom override, state=%v", got)
	}
	if got := q.FPS(); got != 7 {
		t.Fatalf("expected FPS to still drop to 7 under custom override, got %d", got)
	}
	if got := q.TargetBitrateKbps(); got != 3000 {
		t.Fatalf("expected bitrate to stay pinned at custom 3000, got %d", got)
	}

	q.ClearCustomQuality()
	wantBitrate := ((1920 * 1080) / 800) * 10 / 100
	if got := q.TargetBitrateKbps(); got != wantBitrate {
		t.Fatalf("expected ABR bitrate %d after clearing override, got %d", wantBitrate, got)
	}
}

func TestEncodeDecodeCustomQuality(t *testing.T) {
	bitrate, quantizer := 4500, 32
	packed := EncodeCustomQuality(bitrate, quantizer)
	gotBitrate, gotQuantizer := DecodeCustomQuality(packed)
	if gotBitrate != bitrate || gotQuantizer != quantizer {
		t.Fatalf("round trip mismatch: got (%d, %d), want (%d, %d)", gotBitrate, gotQuantizer, bitrate, quantizer)
	}
}
