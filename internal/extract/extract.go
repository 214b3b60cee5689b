// Package extract pulls decoded audio for a time range out of a media file.
package extract

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"prism/internal/media"
)

// Extractor returns 16 kHz mono audio for r. Implementations check ctx
// between chunks and return promptly once it is done.
type Extractor interface {
	Extract(ctx context.Context, ref string, r media.TimeRange) (*media.Buffer, error)
}

// Prober reports the media duration in seconds.
type Prober interface {
	Duration(ctx context.Context, ref string) (float64, error)
}

// Func adapts a function to Extractor.
type Func func(ctx context.Context, ref string, r media.TimeRange) (*media.Buffer, error)

func (f Func) Extract(ctx context.Context, ref string, r media.TimeRange) (*media.Buffer, error) {
	return f(ctx, ref, r)
}

// LocalPath accepts a plain path or a file:// URL.
func LocalPath(ref string) (string, error) {
	if !strings.HasPrefix(ref, "file://") {
		return ref, nil
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("%w: bad media url %q: %v", media.ErrLoadFailure, ref, err)
	}
	return u.Path, nil
}

// CheckRange rejects negative or empty ranges and ranges starting past the end
// of a source of the given duration (duration <= 0 skips that check).
func CheckRange(r media.TimeRange, duration float64) error {
	if r.Start < 0 || r.End <= r.Start {
		return fmt.Errorf("%w: %s", media.ErrInvalidRange, r)
	}
	if duration > 0 && r.Start >= duration {
		return fmt.Errorf("%w: %s starts past end of media (%.1fs)", media.ErrInvalidRange, r, duration)
	}
	return nil
}
