package playback

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"prism/internal/fanout"
	"prism/internal/media"
	"prism/internal/metrics"
)

const (
	// DefaultCancelledCap bounds the cancelled-token set.
	DefaultCancelledCap = 100
	historySize         = 20
)

// Transition is one recorded state change.
type Transition struct {
	From    string        `json:"from"`
	To      string        `json:"to"`
	Event   string        `json:"event"`
	At      time.Time     `json:"at"`
	InState time.Duration `json:"in_state"` // time spent in From
}

// Machine serializes every event through one mutex. Reads return snapshots.
type Machine struct {
	mu        sync.Mutex
	state     State
	enteredAt time.Time
	history   []Transition

	active       SeekToken
	cancelled    map[SeekToken]struct{}
	cancelOrder  []SeekToken
	cancelledCap int

	hub     *fanout.Hub[State]
	now     func() time.Time
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// Option configures a Machine.
type Option func(*Machine)

func WithLogger(l *logrus.Logger) Option { return func(m *Machine) { m.logger = l } }

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Machine) { m.metrics = mt } }

func WithClock(now func() time.Time) Option { return func(m *Machine) { m.now = now } }

// WithCancelledCap sets how many superseded tokens are remembered.
func WithCancelledCap(n int) Option {
	return func(m *Machine) {
		if n > 0 {
			m.cancelledCap = n
		}
	}
}

// New returns a machine in Idle.
func New(opts ...Option) *Machine {
	m := &Machine{
		state:        Idle(),
		cancelled:    make(map[SeekToken]struct{}),
		cancelledCap: DefaultCancelledCap,
		hub:          fanout.New[State](),
		now:          time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	if m.logger == nil {
		m.logger = logrus.New()
	}
	m.enteredAt = m.now()
	return m
}

// Send applies ev. An event the current state does not accept returns a
// *TransitionError and leaves every field untouched.
func (m *Machine) Send(ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	to, apply, err := m.next(from, ev)
	if err != nil {
		m.metrics.IllegalTransition()
		m.logger.WithFields(logrus.Fields{"state": from.String(), "event": ev.String()}).Debug("state: illegal event")
		return err
	}
	if apply != nil {
		apply()
	}
	if to.Equal(from) {
		m.logger.WithFields(logrus.Fields{"state": from.String(), "event": ev.String()}).Debug("state: unchanged")
		return nil
	}

	now := m.now()
	m.history = append(m.history, Transition{
		From:    from.String(),
		To:      to.String(),
		Event:   ev.String(),
		At:      now,
		InState: now.Sub(m.enteredAt),
	})
	if len(m.history) > historySize {
		m.history = m.history[len(m.history)-historySize:]
	}
	m.state = to
	m.enteredAt = now
	m.metrics.Transition(from.Kind.String(), to.Kind.String())
	m.logger.WithFields(logrus.Fields{"from": from.String(), "to": to.String(), "event": ev.String()}).Info("state transition")
	m.hub.Publish(to)
	return nil
}

// next computes the target state. Side effects on the token bookkeeping are
// returned as a closure so nothing mutates on the illegal path.
func (m *Machine) next(s State, ev Event) (State, func(), error) {
	illegal := func() (State, func(), error) {
		return s, nil, &TransitionError{From: s, Event: ev}
	}

	if ev.Kind == EventReset {
		// tokens never outlive the media they were minted for
		return Idle(), m.replaceToken("", s.Token), nil
	}
	if ev.Kind == EventCancel && ev.Token != "" && m.isCancelledLocked(ev.Token) {
		// repeated cancel of a superseded token
		return s, nil, nil
	}

	switch s.Kind {
	case KindIdle:
		if ev.Kind == EventLoadMedia {
			return Loading(ev.MediaRef), nil, nil
		}

	case KindLoading:
		switch ev.Kind {
		case EventPlay:
			return Playing(0), nil, nil
		case EventLoadMedia:
			return Loading(ev.MediaRef), nil, nil
		case EventLoadFailed:
			return Failed(errorInfo(ev.Err, media.KindLoad)), nil, nil
		case EventRecognitionFailed:
			return Failed(errorInfo(ev.Err, media.KindLoad)), nil, nil
		}

	case KindPlaying:
		switch ev.Kind {
		case EventPause:
			return Paused(s.Position), nil, nil
		case EventProgressUpdate:
			return Playing(ev.Time), nil, nil
		case EventSeek:
			return Playing(ev.Time), m.replaceToken(ev.Token, ""), nil
		case EventStartRecognition:
			return Recognizing(ev.Window, m.active), nil, nil
		}

	case KindPaused:
		switch ev.Kind {
		case EventPlay:
			return Playing(s.Position), nil, nil
		case EventSeek:
			return Paused(ev.Time), m.replaceToken(ev.Token, ""), nil
		}

	case KindRecognizing:
		switch ev.Kind {
		case EventRecognitionCompleted:
			return Playing(s.Window.End), nil, nil
		case EventRecognitionFailed:
			return Failed(errorInfo(ev.Err, media.KindRecognition)), nil, nil
		case EventSeek:
			return Playing(ev.Time), m.replaceToken(ev.Token, s.Token), nil
		case EventCancel:
			if ev.Token == "" {
				windowTok := s.Token
				return Playing(s.Window.Start), func() {
					if windowTok != "" {
						m.markCancelledLocked(windowTok)
					}
				}, nil
			}
			if ev.Token != s.Token {
				m.logger.WithFields(logrus.Fields{"token": ev.Token.Short(), "window_token": s.Token.Short()}).Debug("state: cancel for another token ignored")
				return s, nil, nil
			}
			tok := ev.Token
			return Playing(s.Window.Start), func() {
				m.markCancelledLocked(tok)
				if m.active == tok {
					m.active = ""
				}
			}, nil
		}

	case KindError:
		if ev.Kind == EventRetry && s.Err != nil && s.Err.Recoverable {
			return Idle(), nil, nil
		}
	}
	return illegal()
}

// replaceToken retires the active token (and the interrupted window's token)
// and installs next.
func (m *Machine) replaceToken(next, window SeekToken) func() {
	return func() {
		if m.active != "" && m.active != next {
			m.markCancelledLocked(m.active)
		}
		if window != "" && window != next {
			m.markCancelledLocked(window)
		}
		m.active = next
	}
}

func (m *Machine) markCancelledLocked(tok SeekToken) {
	if _, ok := m.cancelled[tok]; ok {
		return
	}
	m.cancelled[tok] = struct{}{}
	m.cancelOrder = append(m.cancelOrder, tok)
	if len(m.cancelOrder) > m.cancelledCap {
		drop := len(m.cancelOrder) / 2
		for _, old := range m.cancelOrder[:drop] {
			delete(m.cancelled, old)
		}
		m.cancelOrder = append([]SeekToken(nil), m.cancelOrder[drop:]...)
	}
}

func (m *Machine) isCancelledLocked(tok SeekToken) bool {
	_, ok := m.cancelled[tok]
	return ok
}

func errorInfo(err error, fallback media.Kind) ErrorInfo {
	kind := media.Classify(err)
	if kind == media.KindUnknown || kind == media.KindNone {
		kind = fallback
	}
	info := ErrorInfo{Kind: kind, Recoverable: err == nil || media.Recoverable(err)}
	if err != nil {
		info.Message = err.Error()
	}
	return info
}

// State returns a snapshot.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsCancelled reports whether tok has been superseded or cancelled.
func (m *Machine) IsCancelled(tok SeekToken) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isCancelledLocked(tok)
}

// ActiveToken is the token of the most recent seek still in force.
func (m *Machine) ActiveToken() SeekToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// CancelledCount is the size of the cancelled-token set.
func (m *Machine) CancelledCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cancelled)
}

// Subscribe delivers the current state first and then every transition, in
// order, without drops. Call cancel to detach.
func (m *Machine) Subscribe() (<-chan State, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hub.Subscribe(16, m.state)
}

// History returns up to the last 20 transitions, oldest first.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

func (m *Machine) TimeInCurrentState() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now().Sub(m.enteredAt)
}

// Close ends every subscription.
func (m *Machine) Close() { m.hub.Close() }
