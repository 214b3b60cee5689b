//go:build whisper

package asr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/sirupsen/logrus"

	"prism/internal/config"
	"prism/internal/media"
)

// whisperEngine transcribes windows with whisper.cpp. Windows the VAD finds
// silent are returned empty without running the model.
type whisperEngine struct {
	cfg    *config.Config
	logger *logrus.Logger
	gate   Gate

	mu    sync.Mutex // whisper contexts are not safe for concurrent Process
	model whisper.Model
}

func newWhisperEngine(cfg *config.Config, logger *logrus.Logger) (Engine, error) {
	model, err := whisper.New(cfg.ASR.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", cfg.ASR.ModelPath, err)
	}
	return &whisperEngine{
		cfg:    cfg,
		logger: logger,
		gate:   Gate{Mode: cfg.ASR.VADAggressiveness},
		model:  model,
	}, nil
}

func (e *whisperEngine) Recognize(ctx context.Context, req Request) (Result, error) {
	res := Result{Window: req.Window}
	if req.Audio == nil || len(req.Audio.Samples) == 0 {
		return res, fmt.Errorf("%w: no audio for %s", media.ErrRecognitionFailure, req.Window)
	}
	if req.Audio.SampleRate != media.DefaultSampleRate || req.Audio.Channels != 1 {
		return res, fmt.Errorf("%w: whisper needs 16 kHz mono, got %d Hz x%d",
			media.ErrInternal, req.Audio.SampleRate, req.Audio.Channels)
	}

	voiced, err := e.gate.VoicedRatio(req.Audio.Samples, req.Audio.SampleRate)
	if err != nil {
		e.logger.Warnf("vad: %v", err)
		voiced = 1
	}
	res.Voiced = voiced
	if voiced == 0 {
		e.logger.WithField("window", req.Window.String()).Debug("asr: window is silent")
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	wctx, err := e.model.NewContext()
	if err != nil {
		return res, fmt.Errorf("%w: new context: %v", media.ErrRecognitionFailure, err)
	}
	threads := e.cfg.ASR.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	wctx.SetThreads(uint(threads))
	if lang := strings.TrimSpace(e.cfg.ASR.Language); lang != "" {
		if err := wctx.SetLanguage(lang); err != nil {
			e.logger.Warnf("set language: %v", err)
		}
	}
	if err := wctx.Process(req.Audio.Samples, nil, nil, nil); err != nil {
		return res, fmt.Errorf("%w: %v", media.ErrRecognitionFailure, err)
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	var (
		b      strings.Builder
		probs  float64
		tokens int
	)
	for {
		seg, err := wctx.NextSegment()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return res, fmt.Errorf("%w: %v", media.ErrRecognitionFailure, err)
		}
		b.WriteString(seg.Text)
		if !strings.HasSuffix(seg.Text, " ") {
			b.WriteRune(' ')
		}
		for _, tok := range seg.Tokens {
			probs += float64(tok.P)
			tokens++
		}
	}
	res.Text = strings.TrimSpace(b.String())
	if tokens > 0 {
		res.Confidence = probs / float64(tokens)
	}
	return res, nil
}
