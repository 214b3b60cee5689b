// Package session drives one media session: it feeds user commands into the
// state machine, runs recognition windows on the scheduler and reacts to
// memory pressure.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"prism/internal/asr"
	"prism/internal/cache"
	"prism/internal/extract"
	"prism/internal/media"
	"prism/internal/metrics"
	"prism/internal/playback"
	"prism/internal/player"
	"prism/internal/preload"
	"prism/internal/pressure"
	"prism/internal/schedule"
)

// ErrNothingToRecognize is returned by RecognizeNext when the rest of the
// media is already covered.
var ErrNothingToRecognize = errors.New("nothing left to recognize")

// Transcript is one recognized window.
type Transcript struct {
	Text       string          `json:"text"`
	Window     media.TimeRange `json:"window"`
	MediaRef   string          `json:"media"`
	Confidence float64         `json:"confidence"`
	At         time.Time       `json:"at"`
}

// Sink receives every transcript. It must not block for long.
type Sink interface {
	Deliver(Transcript)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Transcript)

func (f SinkFunc) Deliver(t Transcript) { f(t) }

// Options tune a Session. Zero values fall back to defaults.
type Options struct {
	SegmentSec        float64
	FirstFrameTimeout time.Duration
	LoadTimeout       time.Duration
	TranscriptTail    int
	AutoRecognize     bool
	AutoInterval      time.Duration
}

func (o Options) withDefaults(strategy preload.Strategy) Options {
	if o.SegmentSec <= 0 {
		o.SegmentSec = strategy.SegmentDuration
	}
	if o.SegmentSec <= 0 {
		o.SegmentSec = 20
	}
	if o.FirstFrameTimeout <= 0 {
		o.FirstFrameTimeout = preload.DefaultFirstFrameTimeout
	}
	if o.LoadTimeout <= 0 {
		o.LoadTimeout = 5 * time.Second
	}
	if o.TranscriptTail <= 0 {
		o.TranscriptTail = 10
	}
	if o.AutoInterval <= 0 {
		o.AutoInterval = 500 * time.Millisecond
	}
	return o
}

// Deps are the collaborators a Session coordinates.
type Deps struct {
	Machine   *playback.Machine
	Scheduler *schedule.Scheduler
	Cache     *cache.Tiered
	Preload   *preload.Orchestrator
	Pressure  *pressure.Monitor
	Engine    asr.Engine
	Player    player.Player
	Sink      Sink
	Logger    *logrus.Logger
	Metrics   *metrics.Metrics
}

// Session coordinates one media at a time.
type Session struct {
	d    Deps
	opts Options

	mu       sync.Mutex
	ref      string
	duration float64
	coverage media.Coverage
	tail     []Transcript
	recGen   uint64
	recTask  schedule.TaskID
	recWin   media.TimeRange
}

// New builds a session. Deps.Machine, Scheduler, Cache, Preload, Engine and
// Player are required.
func New(d Deps, opts Options) *Session {
	if d.Logger == nil {
		d.Logger = logrus.New()
	}
	if d.Sink == nil {
		d.Sink = SinkFunc(func(Transcript) {})
	}
	return &Session{d: d, opts: opts.withDefaults(d.Preload.Strategy())}
}

// Open loads ref, waits for the first frame and starts playback. A load that
// fails or does not finish within the load timeout leaves the machine in a
// recoverable error state.
func (s *Session) Open(ctx context.Context, ref string) error {
	if st := s.d.Machine.State(); st.Kind != playback.KindIdle && st.Kind != playback.KindLoading {
		if err := s.Reset(); err != nil {
			return err
		}
	}
	if err := s.d.Machine.Send(playback.LoadMedia(ref)); err != nil {
		return err
	}
	s.mu.Lock()
	s.ref = ref
	s.duration = 0
	s.coverage.Reset()
	s.tail = nil
	s.mu.Unlock()

	var duration float64
	err := withTimeout(ctx, s.opts.LoadTimeout, func(ctx context.Context) error {
		d, err := s.d.Player.Load(ctx, ref)
		if err != nil {
			return err
		}
		duration = d
		if _, err := s.d.Preload.StartPreload(ctx, ref); err != nil {
			return err
		}
		_, err = s.d.Preload.GetFirstFrameBuffer(ctx, s.opts.FirstFrameTimeout)
		return err
	})
	if err != nil {
		s.d.Preload.Stop()
		s.d.Logger.WithError(err).WithFields(logrus.Fields{"media": ref, "kind": media.Classify(err)}).Warn("session: load failed")
		if sendErr := s.d.Machine.Send(playback.LoadFailed(err)); sendErr != nil {
			return errors.Join(err, sendErr)
		}
		return err
	}

	s.mu.Lock()
	s.duration = duration
	s.mu.Unlock()
	if err := s.d.Machine.Send(playback.Play()); err != nil {
		return err
	}
	if err := s.d.Player.Play(); err != nil {
		return err
	}
	s.d.Logger.WithFields(logrus.Fields{"media": ref, "duration": duration}).Info("session: playing")
	return nil
}

// withTimeout runs fn and gives up after d, reporting ErrTimeout.
func withTimeout(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()
	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w: media not ready after %s", media.ErrLoadFailure, media.ErrTimeout, d)
		}
		return err
	case <-ctx.Done():
		if parent := context.Cause(ctx); errors.Is(parent, context.Canceled) {
			return parent
		}
		return fmt.Errorf("%w: %w: media not ready after %s", media.ErrLoadFailure, media.ErrTimeout, d)
	}
}

func (s *Session) Play() error {
	if err := s.d.Machine.Send(playback.Play()); err != nil {
		return err
	}
	return s.d.Player.Play()
}

func (s *Session) Pause() error {
	if err := s.d.Machine.Send(playback.Pause()); err != nil {
		return err
	}
	return s.d.Player.Pause()
}

// Seek moves the playhead and supersedes any in-flight recognition. It
// returns the token minted for this seek.
func (s *Session) Seek(t float64) (playback.SeekToken, error) {
	s.mu.Lock()
	duration := s.duration
	s.mu.Unlock()
	if t < 0 || (duration > 0 && t > duration) {
		return "", fmt.Errorf("%w: seek to %.1fs outside [0, %.1f]", media.ErrInvalidRange, t, duration)
	}
	tok := playback.NewSeekToken()
	s.mu.Lock()
	if err := s.d.Machine.Send(playback.Seek(t, tok)); err != nil {
		s.mu.Unlock()
		return "", err
	}
	id := s.abortLocked()
	s.mu.Unlock()
	s.cancelTask(id, "seek")
	if err := s.d.Player.Seek(t); err != nil {
		s.d.Logger.WithError(err).Warn("session: player seek")
	}
	return tok, nil
}

// Recognize starts recognition of w at seek priority.
func (s *Session) Recognize(w media.TimeRange) error {
	return s.recognize(w, media.PrioritySeek)
}

// RecognizeNext picks the first uncovered segment at or after the playhead and
// recognizes it at scroll priority.
func (s *Session) RecognizeNext() (media.TimeRange, error) {
	st := s.d.Machine.State()
	if st.Kind != playback.KindPlaying {
		return media.TimeRange{}, fmt.Errorf("%w: auto recognition needs playing, state is %s", media.ErrIllegalTransition, st)
	}
	s.mu.Lock()
	start := st.Position
	if r, ok := s.coverage.Covering(start); ok {
		start = r.End
	}
	duration := s.duration
	s.mu.Unlock()

	end := start + s.opts.SegmentSec
	if duration > 0 {
		if start >= duration {
			return media.TimeRange{}, ErrNothingToRecognize
		}
		if end > duration {
			end = duration
		}
	}
	w := media.NewTimeRange(start, end)
	return w, s.recognize(w, media.PriorityScroll)
}

func (s *Session) recognize(w media.TimeRange, p media.Priority) error {
	// the transition, token capture and generation bump happen under one s.mu hold
	s.mu.Lock()
	ref := s.ref
	if err := extract.CheckRange(w, s.duration); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.d.Machine.Send(playback.StartRecognition(w)); err != nil {
		s.mu.Unlock()
		return err
	}
	tok := s.d.Machine.State().Token
	s.recGen++
	gen := s.recGen
	s.recWin = w
	s.mu.Unlock()

	id, err := s.d.Scheduler.EnqueueNamed(p, "recognize "+w.String(), func(ctx context.Context) error {
		return s.runRecognition(ctx, gen, tok, ref, w)
	})
	if err != nil {
		s.finishRecognition(gen, "failed", playback.RecognitionFailed(err))
		return err
	}
	s.mu.Lock()
	if s.recGen == gen {
		s.recTask = id
	}
	s.mu.Unlock()
	return nil
}

// stale reports whether the recognition started as gen has been superseded.
func (s *Session) stale(ctx context.Context, gen uint64, tok playback.SeekToken) bool {
	if ctx.Err() != nil {
		return true
	}
	if tok != "" && s.d.Machine.IsCancelled(tok) {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recGen != gen
}

func (s *Session) runRecognition(ctx context.Context, gen uint64, tok playback.SeekToken, ref string, w media.TimeRange) error {
	log := s.d.Logger.WithFields(logrus.Fields{"window": w.String(), "token": tok.Short()})

	buf, err := s.d.Preload.Load(ctx, w)
	if s.stale(ctx, gen, tok) {
		s.d.Metrics.Recognition("cancelled")
		log.Debug("session: recognition superseded before inference")
		return media.ErrCancelled
	}
	if err != nil {
		s.finishRecognition(gen, "failed", playback.RecognitionFailed(err))
		return err
	}

	res, err := s.d.Engine.Recognize(ctx, asr.Request{Window: w, MediaRef: ref, Audio: buf})
	if s.stale(ctx, gen, tok) {
		s.d.Metrics.Recognition("cancelled")
		log.Debug("session: recognition result dropped")
		return media.ErrCancelled
	}
	if err != nil {
		s.finishRecognition(gen, "failed", playback.RecognitionFailed(err))
		return err
	}

	if !s.finishRecognition(gen, "completed", playback.RecognitionCompleted()) {
		return media.ErrCancelled
	}
	tr := Transcript{Text: res.Text, Window: w, MediaRef: ref, Confidence: res.Confidence, At: time.Now()}
	s.mu.Lock()
	s.coverage.Add(w)
	if tr.Text != "" {
		s.tail = append(s.tail, tr)
		if len(s.tail) > s.opts.TranscriptTail {
			s.tail = s.tail[len(s.tail)-s.opts.TranscriptTail:]
		}
	}
	s.mu.Unlock()
	if tr.Text != "" {
		s.d.Sink.Deliver(tr)
	}
	log.WithFields(logrus.Fields{"chars": len(res.Text), "confidence": res.Confidence}).Info("session: recognized")
	return nil
}

// finishRecognition sends ev if gen is still the active recognition.
func (s *Session) finishRecognition(gen uint64, outcome string, ev playback.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recGen != gen {
		s.d.Metrics.Recognition("cancelled")
		return false
	}
	s.recTask = ""
	if err := s.d.Machine.Send(ev); err != nil {
		s.d.Metrics.Recognition("cancelled")
		return false
	}
	s.d.Metrics.Recognition(outcome)
	return true
}

// abortLocked invalidates the running recognition and returns its task, if
// any. Callers hold s.mu.
func (s *Session) abortLocked() schedule.TaskID {
	s.recGen++
	id := s.recTask
	s.recTask = ""
	return id
}

func (s *Session) cancelTask(id schedule.TaskID, reason string) {
	if id != "" && s.d.Scheduler.Cancel(id) {
		s.d.Logger.WithField("reason", reason).Debug("session: recognition task cancelled")
	}
}

// Cancel stops the active recognition. An empty token cancels whatever is
// running; otherwise only a recognition tied to tok is affected.
func (s *Session) Cancel(tok playback.SeekToken) error {
	s.mu.Lock()
	before := s.d.Machine.State()
	if err := s.d.Machine.Send(playback.Cancel(tok)); err != nil {
		s.mu.Unlock()
		return err
	}
	var id schedule.TaskID
	if before.Kind == playback.KindRecognizing && s.d.Machine.State().Kind != playback.KindRecognizing {
		id = s.abortLocked()
	}
	s.mu.Unlock()
	s.cancelTask(id, "cancel")
	return nil
}

// Reset stops everything and returns to idle.
func (s *Session) Reset() error {
	s.mu.Lock()
	id := s.abortLocked()
	err := s.d.Machine.Send(playback.Reset())
	if err == nil {
		s.coverage.Reset()
	}
	s.mu.Unlock()
	s.cancelTask(id, "reset")
	s.d.Preload.Stop()
	_ = s.d.Player.Pause()
	return err
}

// Retry leaves a recoverable error and reopens the last media.
func (s *Session) Retry(ctx context.Context) error {
	if err := s.d.Machine.Send(playback.Retry()); err != nil {
		return err
	}
	s.mu.Lock()
	ref := s.ref
	s.mu.Unlock()
	if ref == "" {
		return nil
	}
	return s.Open(ctx, ref)
}

// HandlePressure evicts cached audio around the playhead and, at critical,
// pauses background prefetch.
func (s *Session) HandlePressure(ev pressure.Event) {
	pos := s.d.Player.Position()
	evicted := s.d.Cache.HandlePressure(ev.Level, pos)
	paused := 0
	if ev.Level == media.PressureCritical {
		paused = s.d.Preload.PausePrefetch()
	}
	s.d.Logger.WithFields(logrus.Fields{
		"level":          ev.Level.String(),
		"position":       pos,
		"evicted":        len(evicted),
		"prefetch_ended": paused,
	}).Info("session: pressure handled")
}

// Run consumes pressure events and player progress and, when enabled,
// schedules the next recognition window whenever the machine is playing.
// It blocks until ctx is done.
func (s *Session) Run(ctx context.Context) {
	var wg sync.WaitGroup

	if s.d.Pressure != nil {
		events, cancel := s.d.Pressure.Subscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer cancel()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-events:
					if !ok {
						return
					}
					s.HandlePressure(ev)
				}
			}
		}()
	}

	positions, cancelPos := s.d.Player.Subscribe()
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancelPos()
		for {
			select {
			case <-ctx.Done():
				return
			case p, ok := <-positions:
				if !ok {
					return
				}
				if s.d.Machine.State().Kind == playback.KindPlaying {
					_ = s.d.Machine.Send(playback.ProgressUpdate(p))
				}
			}
		}
	}()

	if s.opts.AutoRecognize {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(s.opts.AutoInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.autoStep()
				}
			}
		}()
	}

	wg.Wait()
}

func (s *Session) autoStep() {
	if s.d.Machine.State().Kind != playback.KindPlaying {
		return
	}
	w, err := s.RecognizeNext()
	switch {
	case err == nil:
		s.d.Logger.WithField("window", w.String()).Debug("session: auto recognition")
	case errors.Is(err, ErrNothingToRecognize), errors.Is(err, media.ErrIllegalTransition):
	default:
		s.d.Logger.WithError(err).Warn("session: auto recognition")
	}
}

// Status is a point-in-time view of the session.
type Status struct {
	State       playback.State        `json:"state"`
	Media       string                `json:"media,omitempty"`
	Duration    float64               `json:"duration,omitempty"`
	Position    float64               `json:"position"`
	ActiveToken playback.SeekToken    `json:"active_token,omitempty"`
	InState     time.Duration         `json:"in_state"`
	Depth       int                   `json:"scheduler_depth"`
	Running     int                   `json:"scheduler_running"`
	Cache       cache.Stats           `json:"cache"`
	Preload     []preload.SlotStatus  `json:"preload,omitempty"`
	Coverage    []media.TimeRange     `json:"coverage,omitempty"`
	Pressure    string                `json:"pressure"`
	Transcripts []Transcript          `json:"transcripts,omitempty"`
	History     []playback.Transition `json:"history,omitempty"`
}

// Status collects a snapshot. withKeys includes cache keys.
func (s *Session) Status(withKeys bool) Status {
	st := Status{
		State:       s.d.Machine.State(),
		Position:    s.d.Player.Position(),
		ActiveToken: s.d.Machine.ActiveToken(),
		InState:     s.d.Machine.TimeInCurrentState(),
		Depth:       s.d.Scheduler.Depth(),
		Running:     s.d.Scheduler.RunningCount(),
		Cache:       s.d.Cache.Stats(withKeys),
		Preload:     s.d.Preload.Status(),
		History:     s.d.Machine.History(),
		Pressure:    media.PressureNormal.String(),
	}
	if s.d.Pressure != nil {
		st.Pressure = s.d.Pressure.Last().Level.String()
	}
	s.mu.Lock()
	st.Media = s.ref
	st.Duration = s.duration
	st.Coverage = s.coverage.Ranges()
	st.Transcripts = append([]Transcript(nil), s.tail...)
	s.mu.Unlock()
	return st
}

// Transcripts returns the recent transcript tail, oldest first.
func (s *Session) Transcripts() []Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Transcript(nil), s.tail...)
}
