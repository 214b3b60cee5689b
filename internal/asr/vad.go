package asr

import (
	"encoding/binary"
	"fmt"
	"math"

	vad "github.com/maxhawkins/go-webrtcvad"
)

// vadFrameMS is the frame length fed to the webrtc VAD.
const vadFrameMS = 30

// Gate measures how much of a window contains speech.
type Gate struct {
	Mode int
}

// VoicedRatio returns the fraction of 30 ms frames the VAD marks as speech.
// rate must be one the VAD accepts (8k, 16k, 32k, 48k).
func (g Gate) VoicedRatio(samples []float32, rate int) (float64, error) {
	frameLen := rate * vadFrameMS / 1000
	v, err := vad.New()
	if err != nil {
		return 0, fmt.Errorf("vad: %w", err)
	}
	if !v.ValidRateAndFrameLength(rate, frameLen) {
		return 0, fmt.Errorf("vad: unsupported rate %d", rate)
	}
	if err := v.SetMode(g.Mode); err != nil {
		return 0, fmt.Errorf("vad mode %d: %w", g.Mode, err)
	}

	frame := make([]byte, frameLen*2)
	total, voiced := 0, 0
	for off := 0; off+frameLen <= len(samples); off += frameLen {
		for i, s := range samples[off : off+frameLen] {
			binary.LittleEndian.PutUint16(frame[i*2:], uint16(toInt16(s)))
		}
		active, err := v.Process(rate, frame)
		if err != nil {
			return 0, fmt.Errorf("vad: %w", err)
		}
		total++
		if active {
			voiced++
		}
	}
	if total == 0 {
		return 0, nil
	}
	return float64(voiced) / float64(total), nil
}

func toInt16(s float32) int16 {
	v := math.Round(float64(s) * 32767)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
