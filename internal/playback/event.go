package playback

import (
	"fmt"

	"prism/internal/media"
)

// EventKind discriminates Event.
type EventKind int

const (
	EventLoadMedia EventKind = iota
	EventPlay
	EventPause
	EventSeek
	EventProgressUpdate
	EventStartRecognition
	EventRecognitionCompleted
	EventRecognitionFailed
	EventCancel
	EventRetry
	EventReset
	EventLoadFailed
)

var eventNames = [...]string{
	"loadMedia", "play", "pause", "seek", "progressUpdate", "startRecognition",
	"recognitionCompleted", "recognitionFailed", "cancel", "retry", "reset", "loadFailed",
}

func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventNames) {
		return fmt.Sprintf("event(%d)", int(k))
	}
	return eventNames[k]
}

// AllEventKinds lists every event kind in declaration order.
func AllEventKinds() []EventKind {
	out := make([]EventKind, len(eventNames))
	for i := range out {
		out[i] = EventKind(i)
	}
	return out
}

// Event is an input to Machine.Send. Build it with the constructors.
type Event struct {
	Kind     EventKind
	MediaRef string
	Time     float64
	Token    SeekToken
	Window   media.TimeRange
	Err      error
}

func LoadMedia(ref string) Event { return Event{Kind: EventLoadMedia, MediaRef: ref} }

func Play() Event { return Event{Kind: EventPlay} }

func Pause() Event { return Event{Kind: EventPause} }

func Seek(t float64, tok SeekToken) Event { return Event{Kind: EventSeek, Time: t, Token: tok} }

func ProgressUpdate(t float64) Event { return Event{Kind: EventProgressUpdate, Time: t} }

func StartRecognition(w media.TimeRange) Event {
	return Event{Kind: EventStartRecognition, Window: w}
}

func RecognitionCompleted() Event { return Event{Kind: EventRecognitionCompleted} }

func RecognitionFailed(err error) Event { return Event{Kind: EventRecognitionFailed, Err: err} }

// Cancel targets tok; the zero token cancels whatever recognition is active.
func Cancel(tok SeekToken) Event { return Event{Kind: EventCancel, Token: tok} }

func Retry() Event { return Event{Kind: EventRetry} }

func Reset() Event { return Event{Kind: EventReset} }

func LoadFailed(err error) Event { return Event{Kind: EventLoadFailed, Err: err} }

func (e Event) String() string {
	switch e.Kind {
	case EventLoadMedia:
		return fmt.Sprintf("loadMedia(%s)", e.MediaRef)
	case EventSeek:
		return fmt.Sprintf("seek(%.1fs, %s)", e.Time, e.Token.Short())
	case EventProgressUpdate:
		return fmt.Sprintf("progressUpdate(%.1fs)", e.Time)
	case EventStartRecognition:
		return fmt.Sprintf("startRecognition(%s)", e.Window)
	case EventCancel:
		if e.Token == "" {
			return "cancel"
		}
		return fmt.Sprintf("cancel(%s)", e.Token.Short())
	case EventRecognitionFailed, EventLoadFailed:
		if e.Err != nil {
			return fmt.Sprintf("%s(%v)", e.Kind, e.Err)
		}
	}
	return e.Kind.String()
}

// TransitionError is returned when the current state does not accept an
// event. It unwraps to media.ErrIllegalTransition.
type TransitionError struct {
	From  State
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition: %s in state %s", e.Event.Kind, e.From)
}

func (e *TransitionError) Unwrap() error { return media.ErrIllegalTransition }
