package media

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
)

func TestNewTimeRangeClampsInverted(t *testing.T) {
	r := NewTimeRange(10, 5)
	if r.Start != 10 || r.End != 10 {
		t.Fatalf("expected clamp to [10,10], got %v", r)
	}
}

func TestTimeRangeOverlapsAndIntersection(t *testing.T) {
	a := NewTimeRange(0, 10)
	b := NewTimeRange(5, 15)
	c := NewTimeRange(10, 20)

	if !a.Overlaps(b) {
		t.Fatalf("expected %v to overlap %v", a, b)
	}
	if a.Overlaps(c) {
		t.Fatalf("touching ranges must not overlap")
	}
	got, ok := a.Intersection(b)
	if !ok || got != NewTimeRange(5, 10) {
		t.Fatalf("intersection got %v ok=%v", got, ok)
	}
	if _, ok := a.Intersection(c); ok {
		t.Fatalf("expected empty intersection")
	}
	if !a.Contains(10) || a.Contains(10.01) {
		t.Fatalf("contains should include bounds only")
	}
}

func TestTimeRangeUnion(t *testing.T) {
	cases := []struct {
		a, b TimeRange
		want TimeRange
		ok   bool
	}{
		{NewTimeRange(0, 10), NewTimeRange(5, 15), NewTimeRange(0, 15), true},
		{NewTimeRange(0, 10), NewTimeRange(10.05, 12), NewTimeRange(0, 12), true},
		{NewTimeRange(3, 4), NewTimeRange(0, 2.95), NewTimeRange(0, 4), true},
		{NewTimeRange(0, 10), NewTimeRange(10.5, 12), TimeRange{}, false},
	}
	for _, c := range cases {
		got, ok := c.a.Union(c.b)
		if ok != c.ok || (ok && got != c.want) {
			t.Fatalf("%v ∪ %v = %v,%v want %v,%v", c.a, c.b, got, ok, c.want, c.ok)
		}
	}
}

func TestKeyRoundTripAndDistance(t *testing.T) {
	r := NewTimeRange(1.5, 6.25)
	if r.Key() != "1500-6250" {
		t.Fatalf("key got %q", r.Key())
	}
	parsed, ok := ParseKey(r.Key())
	if !ok || parsed != r {
		t.Fatalf("parse got %v ok=%v", parsed, ok)
	}
	// 1.005*1000 is 1004.999... in float64
	if k := NewTimeRange(1.005, 2.007).Key(); k != "1005-2007" {
		t.Fatalf("key should round to the nearest ms, got %q", k)
	}
	if _, ok := ParseKey("bogus"); ok {
		t.Fatalf("expected parse failure")
	}
	if d := NewTimeRange(120, 121).Distance(50); d != 70 {
		t.Fatalf("distance got %v", d)
	}
}

func TestCentered(t *testing.T) {
	r := Centered(2, 10)
	if r.Start != 0 || r.End != 7 {
		t.Fatalf("centered got %v", r)
	}
}

func TestCoverageMerges(t *testing.T) {
	var c Coverage
	c.Add(NewTimeRange(20, 40))
	c.Add(NewTimeRange(0, 10))
	c.Add(NewTimeRange(10, 20))
	c.Add(NewTimeRange(60, 80))

	got := c.Ranges()
	if len(got) != 2 || got[0] != NewTimeRange(0, 40) || got[1] != NewTimeRange(60, 80) {
		t.Fatalf("coverage got %v", got)
	}
	if r, ok := c.Covering(35); !ok || r != NewTimeRange(0, 40) {
		t.Fatalf("covering(35) got %v ok=%v", r, ok)
	}
	if _, ok := c.Covering(40); ok {
		t.Fatalf("end bound is not covered")
	}
}

func TestRetentionRadius(t *testing.T) {
	if !math.IsInf(PressureNormal.RetentionRadius(), 1) {
		t.Fatalf("normal should retain everything")
	}
	want := map[PressureLevel]float64{PressureWarning: 60, PressureUrgent: 30, PressureCritical: 15}
	for lvl, r := range want {
		if lvl.RetentionRadius() != r {
			t.Fatalf("%s radius got %v want %v", lvl, lvl.RetentionRadius(), r)
		}
	}
	if lvl, err := ParsePressureLevel("Urgent"); err != nil || lvl != PressureUrgent {
		t.Fatalf("parse got %v %v", lvl, err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{nil, KindNone},
		{context.Canceled, KindCancelled},
		{fmt.Errorf("wrap: %w", ErrCancelled), KindCancelled},
		{context.DeadlineExceeded, KindTimeout},
		{fmt.Errorf("first frame: %w", ErrTimeout), KindTimeout},
		{fmt.Errorf("x: %w", ErrIllegalTransition), KindIllegal},
		{ErrLoadFailure, KindLoad},
		{ErrInvalidRange, KindRecognition},
		{ErrInternal, KindInternal},
		{errors.New("boom"), KindUnknown},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Fatalf("Classify(%v)=%s want %s", c.err, got, c.want)
		}
	}
	if Recoverable(ErrInternal) {
		t.Fatalf("internal errors are terminal")
	}
	if !Recoverable(errors.New("transient")) {
		t.Fatalf("unknown errors are retryable")
	}
}

func TestBufferSize(t *testing.T) {
	b := NewBuffer(make([]float32, 16000), FromZero(1))
	if b.SizeBytes() != 64000 {
		t.Fatalf("size got %d", b.SizeBytes())
	}
	if b.Duration() != 1 {
		t.Fatalf("duration got %v", b.Duration())
	}
	var nilBuf *Buffer
	if nilBuf.SizeBytes() != 0 {
		t.Fatalf("nil buffer must report zero")
	}
}

func TestBufferSlice(t *testing.T) {
	samples := make([]float32, 10*DefaultSampleRate)
	for i := range samples {
		samples[i] = float32(i)
	}
	b := NewBuffer(samples, NewTimeRange(10, 20))
	s, ok := b.Slice(NewTimeRange(12, 13))
	if !ok || len(s.Samples) != DefaultSampleRate || s.Samples[0] != float32(2*DefaultSampleRate) {
		t.Fatalf("slice got ok=%v len=%d", ok, len(s.Samples))
	}
	if _, ok := b.Slice(NewTimeRange(5, 12)); ok {
		t.Fatalf("range outside the buffer must not slice")
	}
}
