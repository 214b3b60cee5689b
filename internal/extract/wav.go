package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"prism/internal/media"
)

// chunkFrames is how many frames are decoded between cancellation checks.
const chunkFrames = 4096

// WAV decodes PCM WAV files with go-audio.
type WAV struct {
	// TargetRate defaults to 16 kHz.
	TargetRate int
}

func (w WAV) targetRate() int {
	if w.TargetRate > 0 {
		return w.TargetRate
	}
	return media.DefaultSampleRate
}

type wavFile struct {
	f   *os.File
	dec *wav.Decoder
}

func openWAV(ref string) (*wavFile, error) {
	path, err := LocalPath(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", media.ErrLoadFailure, err)
	}
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s is not a valid wav file", media.ErrLoadFailure, path)
	}
	if err := dec.FwdToPCM(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %v", media.ErrLoadFailure, err)
	}
	if dec.NumChans == 0 || dec.SampleRate == 0 || dec.BitDepth == 0 {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s has no pcm format", media.ErrLoadFailure, path)
	}
	return &wavFile{f: f, dec: dec}, nil
}

func (w *wavFile) Close() error { return w.f.Close() }

// Duration implements Prober.
func (w WAV) Duration(ctx context.Context, ref string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	wf, err := openWAV(ref)
	if err != nil {
		return 0, err
	}
	defer wf.Close()
	dec := wf.dec
	bytesPerSec := int(dec.SampleRate) * int(dec.NumChans) * int(dec.BitDepth) / 8
	if dec.PCMSize > 0 && bytesPerSec > 0 {
		return float64(dec.PCMSize) / float64(bytesPerSec), nil
	}
	d, err := dec.Duration()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", media.ErrLoadFailure, err)
	}
	return d.Seconds(), nil
}

// Extract implements Extractor. The range end is clamped to the file length.
func (w WAV) Extract(ctx context.Context, ref string, r media.TimeRange) (*media.Buffer, error) {
	if err := CheckRange(r, 0); err != nil {
		return nil, err
	}
	wf, err := openWAV(ref)
	if err != nil {
		return nil, err
	}
	defer wf.Close()

	dec := wf.dec
	rate := int(dec.SampleRate)
	chans := int(dec.NumChans)
	scale := float32(int64(1) << (uint(dec.BitDepth) - 1))
	firstFrame := int(r.Start * float64(rate))
	lastFrame := int(r.End * float64(rate))

	buf := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: chans, SampleRate: rate},
		Data:   make([]int, chunkFrames*chans),
	}
	mono := make([]float32, 0, lastFrame-firstFrame)
	frame := 0
	for frame < lastFrame {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := dec.PCMBuffer(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: decode: %v", media.ErrLoadFailure, err)
		}
		if n == 0 {
			break
		}
		frames := n / chans
		for i := 0; i < frames && frame < lastFrame; i, frame = i+1, frame+1 {
			if frame < firstFrame {
				continue
			}
			var sum float32
			for c := 0; c < chans; c++ {
				sum += float32(buf.Data[i*chans+c]) / scale
			}
			mono = append(mono, sum/float32(chans))
		}
		if errors.Is(err, io.EOF) {
			break
		}
	}
	if frame <= firstFrame {
		return nil, fmt.Errorf("%w: %s starts past end of media", media.ErrInvalidRange, r)
	}
	end := float64(frame) / float64(rate)
	if end > r.End {
		end = r.End
	}
	out := media.NewTimeRange(r.Start, end)
	return &media.Buffer{
		Samples:    resampleLinear(mono, rate, w.targetRate()),
		SampleRate: w.targetRate(),
		Channels:   1,
		Range:      out,
	}, nil
}

func resampleLinear(in []float32, srcSR, dstSR int) []float32 {
	if srcSR == dstSR || len(in) == 0 {
		return in
	}
	ratio := float64(dstSR) / float64(srcSR)
	outLen := int(float64(len(in))*ratio + 0.9999)
	out := make([]float32, outLen)
	for i := 0; i < outLen; i++ {
		pos := float64(i) / ratio
		idx := int(pos)
		if idx >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = in[idx]*(1-frac) + in[idx+1]*frac
	}
	return out
}
