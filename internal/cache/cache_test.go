package cache

import (
	"math/rand"
	"testing"
	"time"

	"prism/internal/media"
	"prism/internal/metrics"
)

func frozenClock() func() time.Time {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func buf(start, end float64, samples int) *media.Buffer {
	return media.NewBuffer(make([]float32, samples), media.NewTimeRange(start, end))
}

func TestLRUEvictsOldest(t *testing.T) {
	c := New(1<<30, 3, WithClock(frozenClock()))
	c.Set("A", buf(0, 1, 1))
	c.Set("B", buf(1, 2, 1))
	c.Set("C", buf(2, 3, 1))
	c.Set("D", buf(3, 4, 1))

	if c.Contains("A") {
		t.Fatalf("A should have been evicted")
	}
	for _, k := range []string{"B", "C", "D"} {
		if !c.Contains(k) {
			t.Fatalf("%s should survive", k)
		}
	}
}

func TestLRUGetProtectsEntry(t *testing.T) {
	c := New(1<<30, 3, WithClock(frozenClock()))
	c.Set("A", buf(0, 1, 1))
	c.Set("B", buf(1, 2, 1))
	c.Set("C", buf(2, 3, 1))
	if _, ok := c.Get("B"); !ok {
		t.Fatalf("B missing")
	}
	c.Set("D", buf(3, 4, 1))

	if !c.Contains("B") {
		t.Fatalf("B was touched and must survive")
	}
	if c.Contains("A") {
		t.Fatalf("A is still the oldest and must go")
	}
}

func TestGetBThenInsertEvictsAAndC(t *testing.T) {
	c := New(1<<30, 2, WithClock(frozenClock()))
	c.Set("A", buf(0, 1, 1))
	c.Set("B", buf(1, 2, 1))
	c.Get("A")
	c.Set("C", buf(2, 3, 1))
	if c.Contains("B") || !c.Contains("A") || !c.Contains("C") {
		t.Fatalf("unexpected survivors: %v", c.Stats(true).Keys)
	}
}

func TestReplaceAdjustsSize(t *testing.T) {
	c := New(1<<30, 10)
	c.Set("k", buf(0, 1, 100))
	c.Set("k", buf(0, 1, 10))
	if c.ItemCount() != 1 || c.CurrentSizeBytes() != 40 {
		t.Fatalf("got %d items %d bytes", c.ItemCount(), c.CurrentSizeBytes())
	}
	c.Remove("k")
	if c.ItemCount() != 0 || c.CurrentSizeBytes() != 0 {
		t.Fatalf("remove left %d items %d bytes", c.ItemCount(), c.CurrentSizeBytes())
	}
}

func TestOversizedEntryIsDropped(t *testing.T) {
	c := New(100, 10)
	c.Set("small", buf(0, 1, 10))
	c.Set("huge", buf(1, 2, 1000))
	if c.Contains("huge") {
		t.Fatalf("entry larger than the cache must not stay")
	}
	if c.CurrentSizeBytes() > 100 {
		t.Fatalf("size %d over limit", c.CurrentSizeBytes())
	}
}

func TestLimitsHoldUnderRandomInserts(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		maxBytes := int64(rng.Intn(4000) + 100)
		maxItems := rng.Intn(8) + 1
		c := New(maxBytes, maxItems)
		for i := 0; i < 200; i++ {
			key := media.NewTimeRange(float64(rng.Intn(40)), float64(rng.Intn(40)+40)).Key()
			switch rng.Intn(5) {
			case 0:
				c.Get(key)
			case 1:
				c.Remove(key)
			default:
				c.Set(key, buf(0, 1, rng.Intn(300)))
			}
			if c.CurrentSizeBytes() > maxBytes || c.ItemCount() > maxItems {
				t.Fatalf("round %d step %d: %d bytes/%d items over %d/%d",
					round, i, c.CurrentSizeBytes(), c.ItemCount(), maxBytes, maxItems)
			}
			var sum int64
			for _, k := range c.Stats(true).Keys {
				b, _ := c.peek(k)
				sum += b.SizeBytes()
			}
			if sum != c.CurrentSizeBytes() {
				t.Fatalf("tracked size %d != actual %d", c.CurrentSizeBytes(), sum)
			}
		}
	}
}

func (c *Tiered) peek(key string) (*media.Buffer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return e.buf, true
}

func TestHandlePressureWarning(t *testing.T) {
	m := metrics.New()
	c := New(1<<30, 100, WithMetrics(m))
	for _, r := range []media.TimeRange{
		media.NewTimeRange(0, 1),
		media.NewTimeRange(30, 31),
		media.NewTimeRange(70, 71),
		media.NewTimeRange(120, 121),
	} {
		c.Put(media.NewBuffer(make([]float32, 16), r))
	}

	evicted := c.HandlePressure(media.PressureWarning, 50)
	if len(evicted) != 1 || evicted[0] != media.NewTimeRange(120, 121).Key() {
		t.Fatalf("evicted %v", evicted)
	}
	if c.ItemCount() != 3 {
		t.Fatalf("expected three survivors, got %d", c.ItemCount())
	}
}

func TestHandlePressureLevels(t *testing.T) {
	c := New(1<<30, 100)
	c.Put(buf(40, 41, 1))   // 9s from 50
	c.Put(buf(70, 71, 1))   // 20s
	c.Put(buf(100, 101, 1)) // 50s
	c.Set("unkeyed", &media.Buffer{Samples: make([]float32, 1)})

	if got := c.HandlePressure(media.PressureNormal, 50); got != nil || c.ItemCount() != 4 {
		t.Fatalf("normal must be a no-op, evicted %v", got)
	}
	c.HandlePressure(media.PressureUrgent, 50)
	if c.ItemCount() != 2 || c.Contains("unkeyed") {
		t.Fatalf("urgent left %v", c.Stats(true).Keys)
	}
	c.HandlePressure(media.PressureCritical, 50)
	if c.ItemCount() != 1 || !c.Contains(media.NewTimeRange(40, 41).Key()) {
		t.Fatalf("critical left %v", c.Stats(true).Keys)
	}
}

func TestLookupFindsCoveringEntry(t *testing.T) {
	c := New(1<<30, 10)
	c.Put(buf(0, 30, 1))
	c.Put(buf(10, 20, 1))
	got, ok := c.Lookup(media.NewTimeRange(12, 18))
	if !ok || got.Range != media.NewTimeRange(10, 20) {
		t.Fatalf("lookup got %v ok=%v", got, ok)
	}
	if _, ok := c.Lookup(media.NewTimeRange(25, 35)); ok {
		t.Fatalf("no entry covers [25,35]")
	}
}

func TestClear(t *testing.T) {
	c := New(1<<30, 10)
	c.Put(buf(0, 1, 10))
	c.Clear()
	if c.ItemCount() != 0 || c.CurrentSizeBytes() != 0 {
		t.Fatalf("clear left state behind")
	}
}
