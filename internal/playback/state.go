// Package playback owns the playback/recognition state machine: the single
// source of truth for what the player is doing, which recognition window is
// active and which seek tokens have been superseded.
package playback

import (
	"fmt"

	"github.com/google/uuid"

	"prism/internal/media"
)

// Kind discriminates State.
type Kind int

const (
	KindIdle Kind = iota
	KindLoading
	KindPlaying
	KindPaused
	KindRecognizing
	KindError
)

var kindNames = [...]string{"idle", "loading", "playing", "paused", "recognizing", "error"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	for i, n := range kindNames {
		if n == string(b) {
			*k = Kind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// SeekToken is minted per seek. The zero value means "no token".
type SeekToken string

// NewSeekToken returns a fresh random token.
func NewSeekToken() SeekToken { return SeekToken(uuid.NewString()) }

// Short is the first eight characters, for logs.
func (t SeekToken) Short() string {
	if len(t) > 8 {
		return string(t[:8])
	}
	return string(t)
}

// ErrorInfo describes an Error state.
type ErrorInfo struct {
	Kind        media.Kind `json:"kind"`
	Message     string     `json:"message,omitempty"`
	Recoverable bool       `json:"recoverable"`
}

// State is a tagged union. Use the constructors below; each sets only the
// fields that are meaningful for its Kind.
type State struct {
	Kind     Kind            `json:"state"`
	MediaRef string          `json:"media,omitempty"`
	Position float64         `json:"position,omitempty"`
	Window   media.TimeRange `json:"window,omitzero"`
	Token    SeekToken       `json:"token,omitempty"`
	Err      *ErrorInfo      `json:"error,omitempty"`
}

func Idle() State { return State{Kind: KindIdle} }

func Loading(ref string) State { return State{Kind: KindLoading, MediaRef: ref} }

func Playing(progress float64) State { return State{Kind: KindPlaying, Position: progress} }

func Paused(at float64) State { return State{Kind: KindPaused, Position: at} }

func Recognizing(w media.TimeRange, tok SeekToken) State {
	return State{Kind: KindRecognizing, Window: w, Token: tok}
}

func Failed(info ErrorInfo) State {
	return State{Kind: KindError, Err: &info}
}

// Equal compares two states by value.
func (s State) Equal(o State) bool {
	if s.Kind != o.Kind || s.MediaRef != o.MediaRef || s.Position != o.Position ||
		s.Window != o.Window || s.Token != o.Token {
		return false
	}
	if (s.Err == nil) != (o.Err == nil) {
		return false
	}
	return s.Err == nil || *s.Err == *o.Err
}

// PlaybackPosition is the media time the state refers to: progress while
// playing, the pause point, or the start of the recognition window.
func (s State) PlaybackPosition() float64 {
	switch s.Kind {
	case KindPlaying, KindPaused:
		return s.Position
	case KindRecognizing:
		return s.Window.Start
	}
	return 0
}

// IsTerminal is true for errors that only reset can clear.
func (s State) IsTerminal() bool {
	return s.Kind == KindError && s.Err != nil && !s.Err.Recoverable
}

// IsProcessing is true while work is in flight.
func (s State) IsProcessing() bool {
	return s.Kind == KindLoading || s.Kind == KindRecognizing
}

func (s State) String() string {
	switch s.Kind {
	case KindLoading:
		return fmt.Sprintf("loading(%s)", s.MediaRef)
	case KindPlaying:
		return fmt.Sprintf("playing(%.1fs)", s.Position)
	case KindPaused:
		return fmt.Sprintf("paused(%.1fs)", s.Position)
	case KindRecognizing:
		if s.Token != "" {
			return fmt.Sprintf("recognizing(%s, %s)", s.Window, s.Token.Short())
		}
		return fmt.Sprintf("recognizing(%s)", s.Window)
	case KindError:
		if s.Err == nil {
			return "error"
		}
		return fmt.Sprintf("error(%s, recoverable=%t)", s.Err.Kind, s.Err.Recoverable)
	}
	return s.Kind.String()
}
