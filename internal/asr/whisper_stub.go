//go:build !whisper

package asr

import (
	"github.com/sirupsen/logrus"

	"prism/internal/config"
)

func newWhisperEngine(*config.Config, *logrus.Logger) (Engine, error) {
	return nil, ErrUnavailable
}
