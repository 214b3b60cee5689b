package asr

import (
	"context"
	"errors"
	"math"
	"testing"

	"prism/internal/media"
)

func TestUnavailableIsRecognitionFailure(t *testing.T) {
	_, err := Unavailable{}.Recognize(context.Background(), Request{Window: media.NewTimeRange(0, 1)})
	if !errors.Is(err, media.ErrRecognitionFailure) || !errors.Is(err, ErrUnavailable) {
		t.Fatalf("got %v", err)
	}
	if media.Classify(err) != media.KindRecognition || !media.Recoverable(err) {
		t.Fatalf("classified as %s", media.Classify(err))
	}
}

func TestVoicedRatioSilence(t *testing.T) {
	ratio, err := Gate{Mode: 2}.VoicedRatio(make([]float32, 16000), 16000)
	if err != nil {
		t.Fatalf("vad: %v", err)
	}
	if ratio != 0 {
		t.Fatalf("silence voiced ratio %v", ratio)
	}
}

func TestVoicedRatioShortInput(t *testing.T) {
	ratio, err := Gate{}.VoicedRatio(make([]float32, 100), 16000)
	if err != nil || ratio != 0 {
		t.Fatalf("short input: %v %v", ratio, err)
	}
}

func TestVoicedRatioRejectsRate(t *testing.T) {
	if _, err := (Gate{}).VoicedRatio(make([]float32, 1000), 22050); err == nil {
		t.Fatalf("expected unsupported rate error")
	}
}

func TestToInt16Clamps(t *testing.T) {
	cases := map[float32]int16{0: 0, 1: 32767, -1: -32767, 2: math.MaxInt16, -2: math.MinInt16}
	for in, want := range cases {
		if got := toInt16(in); got != want {
			t.Fatalf("toInt16(%v) = %d, want %d", in, got, want)
		}
	}
}
