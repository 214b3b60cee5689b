package media

import "fmt"

const (
	// DefaultSampleRate is the rate whisper models are trained on.
	DefaultSampleRate = 16000
	bytesPerSample    = 4
)

// Buffer is mono or interleaved float32 PCM for one media time range.
type Buffer struct {
	Samples    []float32
	SampleRate int
	Channels   int
	Range      TimeRange
}

// NewBuffer fills in the 16 kHz mono defaults.
func NewBuffer(samples []float32, r TimeRange) *Buffer {
	return &Buffer{Samples: samples, SampleRate: DefaultSampleRate, Channels: 1, Range: r}
}

// SizeBytes is the memory held by the samples.
func (b *Buffer) SizeBytes() int64 {
	if b == nil {
		return 0
	}
	return int64(len(b.Samples)) * bytesPerSample
}

// Duration in seconds derived from the sample count.
func (b *Buffer) Duration() float64 {
	if b == nil || b.SampleRate <= 0 || b.Channels <= 0 {
		return 0
	}
	return float64(len(b.Samples)) / float64(b.SampleRate) / float64(b.Channels)
}

func (b *Buffer) String() string {
	return fmt.Sprintf("buffer(%s, %d samples @ %d Hz x%d, %d bytes)",
		b.Range, len(b.Samples), b.SampleRate, b.Channels, b.SizeBytes())
}

// Slice returns the part of b covering r. It shares the sample memory and
// reports false when r is not inside b.Range.
func (b *Buffer) Slice(r TimeRange) (*Buffer, bool) {
	if b == nil || r.Start < b.Range.Start || r.End > b.Range.End || b.SampleRate <= 0 {
		return nil, false
	}
	if r == b.Range {
		return b, true
	}
	ch := b.Channels
	if ch <= 0 {
		ch = 1
	}
	from := int((r.Start-b.Range.Start)*float64(b.SampleRate)) * ch
	to := int((r.End-b.Range.Start)*float64(b.SampleRate)) * ch
	if from > len(b.Samples) {
		from = len(b.Samples)
	}
	if to > len(b.Samples) {
		to = len(b.Samples)
	}
	return &Buffer{Samples: b.Samples[from:to], SampleRate: b.SampleRate, Channels: b.Channels, Range: r}, true
}
