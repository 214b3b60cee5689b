package playback

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"prism/internal/media"
)

func quiet() Option {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return WithLogger(l)
}

func mustSend(t *testing.T, m *Machine, evs ...Event) {
	t.Helper()
	for _, ev := range evs {
		if err := m.Send(ev); err != nil {
			t.Fatalf("send %s: %v", ev, err)
		}
	}
}

func sampleEvent(k EventKind) Event {
	switch k {
	case EventLoadMedia:
		return LoadMedia("file:///a.wav")
	case EventPlay:
		return Play()
	case EventPause:
		return Pause()
	case EventSeek:
		return Seek(12, NewSeekToken())
	case EventProgressUpdate:
		return ProgressUpdate(3)
	case EventStartRecognition:
		return StartRecognition(media.NewTimeRange(10, 20))
	case EventRecognitionCompleted:
		return RecognitionCompleted()
	case EventRecognitionFailed:
		return RecognitionFailed(media.ErrRecognitionFailure)
	case EventCancel:
		return Cancel("")
	case EventRetry:
		return Retry()
	case EventReset:
		return Reset()
	case EventLoadFailed:
		return LoadFailed(media.ErrLoadFailure)
	}
	panic("unknown event")
}

type fixture struct {
	name  string
	setup []Event
	legal []EventKind
}

func fixtures() []fixture {
	load := LoadMedia("file:///a.wav")
	return []fixture{
		{"idle", nil, []EventKind{EventLoadMedia, EventReset}},
		{"loading", []Event{load}, []EventKind{EventPlay, EventLoadMedia, EventLoadFailed, EventRecognitionFailed, EventReset}},
		{"playing", []Event{load, Play()}, []EventKind{EventPause, EventProgressUpdate, EventSeek, EventStartRecognition, EventReset}},
		{"paused", []Event{load, Play(), Pause()}, []EventKind{EventPlay, EventSeek, EventReset}},
		{"recognizing", []Event{load, Play(), StartRecognition(media.NewTimeRange(0, 5))},
			[]EventKind{EventRecognitionCompleted, EventRecognitionFailed, EventSeek, EventCancel, EventReset}},
		{"error-recoverable", []Event{load, LoadFailed(media.ErrLoadFailure)}, []EventKind{EventRetry, EventReset}},
		{"error-terminal", []Event{load, Play(), StartRecognition(media.NewTimeRange(0, 5)), RecognitionFailed(media.ErrInternal)},
			[]EventKind{EventReset}},
	}
}

func TestIllegalEventsLeaveStateUnchanged(t *testing.T) {
	for _, fx := range fixtures() {
		legal := map[EventKind]bool{}
		for _, k := range fx.legal {
			legal[k] = true
		}
		for _, k := range AllEventKinds() {
			m := New(quiet())
			mustSend(t, m, fx.setup...)
			before := m.State()
			beforeTok := m.ActiveToken()
			beforeHist := len(m.History())

			err := m.Send(sampleEvent(k))
			if legal[k] {
				if err != nil {
					t.Fatalf("%s: %s should be legal: %v", fx.name, k, err)
				}
				continue
			}
			if err == nil {
				t.Fatalf("%s: %s should be illegal", fx.name, k)
			}
			var te *TransitionError
			if !errors.As(err, &te) || !errors.Is(err, media.ErrIllegalTransition) {
				t.Fatalf("%s: %s returned %T %v", fx.name, k, err, err)
			}
			if !m.State().Equal(before) || m.ActiveToken() != beforeTok || len(m.History()) != beforeHist {
				t.Fatalf("%s: %s mutated state to %s", fx.name, k, m.State())
			}
		}
	}
}

func TestTransitionTable(t *testing.T) {
	w := media.NewTimeRange(10, 20)
	cases := []struct {
		setup []Event
		ev    Event
		want  State
	}{
		{nil, LoadMedia("a"), Loading("a")},
		{[]Event{LoadMedia("a")}, Play(), Playing(0)},
		{[]Event{LoadMedia("a")}, LoadMedia("b"), Loading("b")},
		{[]Event{LoadMedia("a"), Play(), ProgressUpdate(7)}, Pause(), Paused(7)},
		{[]Event{LoadMedia("a"), Play(), ProgressUpdate(7), Pause()}, Play(), Playing(7)},
		{[]Event{LoadMedia("a"), Play()}, StartRecognition(w), Recognizing(w, "")},
		{[]Event{LoadMedia("a"), Play(), StartRecognition(w)}, RecognitionCompleted(), Playing(20)},
		{[]Event{LoadMedia("a"), Play(), StartRecognition(w)}, Cancel(""), Playing(10)},
		{[]Event{LoadMedia("a"), Play(), StartRecognition(w)}, Reset(), Idle()},
		{[]Event{LoadMedia("a"), LoadFailed(media.ErrTimeout)}, Retry(), Idle()},
	}
	for i, c := range cases {
		m := New(quiet())
		mustSend(t, m, c.setup...)
		mustSend(t, m, c.ev)
		if got := m.State(); !got.Equal(c.want) {
			t.Fatalf("case %d: %s got %s want %s", i, c.ev, got, c.want)
		}
	}
}

func TestFailureRecoverability(t *testing.T) {
	m := New(quiet())
	mustSend(t, m, LoadMedia("a"), LoadFailed(fmt.Errorf("open: %w", media.ErrTimeout)))
	s := m.State()
	if s.Kind != KindError || !s.Err.Recoverable || s.Err.Kind != media.KindTimeout {
		t.Fatalf("got %s %+v", s, s.Err)
	}

	m = New(quiet())
	mustSend(t, m, LoadMedia("a"), Play(), StartRecognition(media.NewTimeRange(0, 1)),
		RecognitionFailed(errors.New("engine hiccup")))
	s = m.State()
	if !s.Err.Recoverable || s.Err.Kind != media.KindRecognition || s.IsTerminal() {
		t.Fatalf("transient failure should be recoverable: %+v", s.Err)
	}

	m = New(quiet())
	mustSend(t, m, LoadMedia("a"), Play(), StartRecognition(media.NewTimeRange(0, 1)),
		RecognitionFailed(media.ErrInternal))
	if !m.State().IsTerminal() {
		t.Fatalf("internal error must be terminal")
	}
	if err := m.Send(Retry()); !errors.Is(err, media.ErrIllegalTransition) {
		t.Fatalf("retry on terminal error: %v", err)
	}
	mustSend(t, m, Reset())
	if m.State().Kind != KindIdle {
		t.Fatalf("reset should clear a terminal error")
	}
}

func TestSeekReplacesActiveToken(t *testing.T) {
	m := New(quiet())
	a, b := NewSeekToken(), NewSeekToken()
	mustSend(t, m, LoadMedia("a"), Play(), Seek(5, a))
	if m.ActiveToken() != a || m.IsCancelled(a) {
		t.Fatalf("a should be active")
	}
	mustSend(t, m, Seek(9, b))
	if !m.IsCancelled(a) || m.IsCancelled(b) || m.ActiveToken() != b {
		t.Fatalf("after seek b: cancelled(a)=%t cancelled(b)=%t", m.IsCancelled(a), m.IsCancelled(b))
	}

	mustSend(t, m, Pause())
	c := NewSeekToken()
	mustSend(t, m, Seek(30, c))
	if got := m.State(); !got.Equal(Paused(30)) || !m.IsCancelled(b) {
		t.Fatalf("paused seek got %s cancelled(b)=%t", got, m.IsCancelled(b))
	}
}

func TestCancelWithTokenIsIdempotent(t *testing.T) {
	m := New(quiet())
	tok := NewSeekToken()
	w := media.NewTimeRange(10, 20)
	mustSend(t, m, LoadMedia("a"), Play(), Seek(10, tok), StartRecognition(w))
	if got := m.State(); got.Token != tok {
		t.Fatalf("window should carry the active token, got %s", got)
	}

	mustSend(t, m, Cancel(tok))
	if got := m.State(); !got.Equal(Playing(10)) || !m.IsCancelled(tok) || m.ActiveToken() != "" {
		t.Fatalf("first cancel got %s active=%q", got, m.ActiveToken())
	}
	hist := len(m.History())

	mustSend(t, m, Cancel(tok))
	if got := m.State(); !got.Equal(Playing(10)) || len(m.History()) != hist {
		t.Fatalf("second cancel changed state to %s", got)
	}

	// a fresh recognition is not affected by the stale token
	mustSend(t, m, StartRecognition(w), Cancel(tok))
	if got := m.State(); got.Kind != KindRecognizing {
		t.Fatalf("stale cancel interrupted a new recognition: %s", got)
	}
}

func TestCancelWithOtherTokenIsIgnored(t *testing.T) {
	m := New(quiet())
	tok := NewSeekToken()
	mustSend(t, m, LoadMedia("a"), Play(), Seek(1, tok), StartRecognition(media.NewTimeRange(1, 4)))
	mustSend(t, m, Cancel(NewSeekToken()))
	if m.State().Kind != KindRecognizing {
		t.Fatalf("mismatched token must be ignored, got %s", m.State())
	}
	mustSend(t, m, Cancel(""))
	if got := m.State(); !got.Equal(Playing(1)) || !m.IsCancelled(tok) {
		t.Fatalf("cancel(None) got %s", got)
	}
}

func TestSeekDuringRecognitionEndToEnd(t *testing.T) {
	m := New(quiet())
	tok1, tok2 := NewSeekToken(), NewSeekToken()
	mustSend(t, m,
		LoadMedia("file:///talk.wav"),
		Play(),
		Seek(8, tok1),
		StartRecognition(media.NewTimeRange(10, 20)),
		Seek(45, tok2),
	)
	if got := m.State(); !got.Equal(Playing(45)) {
		t.Fatalf("final state %s", got)
	}
	if !m.IsCancelled(tok1) || m.IsCancelled(tok2) || m.ActiveToken() != tok2 {
		t.Fatalf("tok1 cancelled=%t tok2 cancelled=%t", m.IsCancelled(tok1), m.IsCancelled(tok2))
	}
	if m.State().IsProcessing() {
		t.Fatalf("no recognition should be pending")
	}
}

func TestStartRecognitionWhileRecognizingIsRejected(t *testing.T) {
	m := New(quiet())
	mustSend(t, m, LoadMedia("a"), Play(), StartRecognition(media.NewTimeRange(0, 5)))
	if err := m.Send(StartRecognition(media.NewTimeRange(5, 10))); !errors.Is(err, media.ErrIllegalTransition) {
		t.Fatalf("second recognition accepted: %v", err)
	}
}

func TestCancelledSetIsBounded(t *testing.T) {
	m := New(quiet(), WithCancelledCap(10))
	mustSend(t, m, LoadMedia("a"), Play())
	var toks []SeekToken
	for i := 0; i < 120; i++ {
		tok := NewSeekToken()
		toks = append(toks, tok)
		mustSend(t, m, Seek(float64(i), tok))
	}
	if n := m.CancelledCount(); n > 10 {
		t.Fatalf("cancelled set grew to %d", n)
	}
	if !m.IsCancelled(toks[118]) {
		t.Fatalf("most recent superseded token must be remembered")
	}
	if m.IsCancelled(toks[0]) {
		t.Fatalf("oldest tokens should be trimmed")
	}
}

func TestSubscribersSeeEveryTransition(t *testing.T) {
	m := New(quiet())
	a, cancelA := m.Subscribe()
	defer cancelA()
	b, cancelB := m.Subscribe()
	defer cancelB()

	mustSend(t, m, LoadMedia("a"), Play(), ProgressUpdate(1), ProgressUpdate(2), Pause())
	want := []State{Idle(), Loading("a"), Playing(0), Playing(1), Playing(2), Paused(2)}
	for name, ch := range map[string]<-chan State{"a": a, "b": b} {
		for i, w := range want {
			select {
			case got := <-ch:
				if !got.Equal(w) {
					t.Fatalf("%s[%d] got %s want %s", name, i, got, w)
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("%s: missing state %d", name, i)
			}
		}
	}
}

func TestHistoryAndTimeInState(t *testing.T) {
	now := time.Unix(100, 0)
	m := New(quiet(), WithClock(func() time.Time { return now }))
	mustSend(t, m, LoadMedia("a"))
	now = now.Add(2 * time.Second)
	mustSend(t, m, Play())
	h := m.History()
	if len(h) != 2 || h[1].InState != 2*time.Second || h[1].To != "playing(0.0s)" {
		t.Fatalf("history %+v", h)
	}
	now = now.Add(time.Second)
	if m.TimeInCurrentState() != time.Second {
		t.Fatalf("time in state %v", m.TimeInCurrentState())
	}
	for i := 0; i < 30; i++ {
		mustSend(t, m, ProgressUpdate(float64(i+1)))
	}
	if len(m.History()) != 20 {
		t.Fatalf("history not capped: %d", len(m.History()))
	}
}

func TestResetRetiresTokens(t *testing.T) {
	m := New(quiet())
	tok := NewSeekToken()
	w := media.NewTimeRange(10, 20)
	mustSend(t, m, LoadMedia("a"), Play(), Seek(10, tok), Reset())
	if m.ActiveToken() != "" || !m.IsCancelled(tok) {
		t.Fatalf("after reset: active=%q cancelled=%t", m.ActiveToken(), m.IsCancelled(tok))
	}
	mustSend(t, m, LoadMedia("b"), Play(), StartRecognition(w))
	if got := m.State(); got.Token != "" {
		t.Fatalf("recognition on new media carries old token: %s", got)
	}
}
