// Package asr runs speech recognition over decoded audio windows.
package asr

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"prism/internal/config"
	"prism/internal/media"
)

// ErrUnavailable means the binary was built without a recognition backend.
var ErrUnavailable = errors.New("asr: built without whisper support (rebuild with -tags whisper)")

// Request is one recognition window.
type Request struct {
	Window   media.TimeRange
	MediaRef string
	Audio    *media.Buffer
}

// Result is the recognized text for a window.
type Result struct {
	Text       string          `json:"text"`
	Confidence float64         `json:"confidence"`
	Window     media.TimeRange `json:"window"`
	Voiced     float64         `json:"voiced"`
}

// Engine recognizes a window. Implementations check ctx before and after
// expensive steps.
type Engine interface {
	Recognize(ctx context.Context, req Request) (Result, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, req Request) (Result, error)

func (f EngineFunc) Recognize(ctx context.Context, req Request) (Result, error) { return f(ctx, req) }

// Unavailable fails every request with ErrUnavailable.
type Unavailable struct{}

func (Unavailable) Recognize(context.Context, Request) (Result, error) {
	return Result{}, fmt.Errorf("%w: %w", media.ErrRecognitionFailure, ErrUnavailable)
}

// NewEngine builds the configured engine.
func NewEngine(cfg *config.Config, logger *logrus.Logger) (Engine, error) {
	return newWhisperEngine(cfg, logger)
}
