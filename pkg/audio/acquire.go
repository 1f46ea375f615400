package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrStreamOpen is returned when every attempt to open a device stream has
// failed. It always wraps the last underlying backend error.
var ErrStreamOpen = errors.New("audio: stream open failed")

// ErrNoCapture is returned by [AcquireInput] for backends without capture
// support.
var ErrNoCapture = errors.New("audio: backend cannot capture")

// ErrNoRender is returned by [AcquireOutput] for backends without render
// support.
var ErrNoRender = errors.New("audio: backend cannot render")

const (
	// outputOpenAttempts is how often AcquireOutput retries a failing open.
	outputOpenAttempts = 5

	// outputOpenRetryDelay is the pause between output open attempts.
	outputOpenRetryDelay = 500 * time.Millisecond
)

// AcquireInput opens a capture stream, preferring a low-latency exclusive
// stream and falling back to a shared one.
//
// The first attempt forces cfg.Exclusive on; if the device refuses, a second
// attempt runs with cfg.Exclusive off. Only when both fail does AcquireInput
// return an error wrapping [ErrStreamOpen]. The returned stream's actual
// sample rate may differ from cfg.SampleRate.
func AcquireInput(b Backend, cfg StreamConfig, cb InputCallback) (InputStream, error) {
	if !b.CanCapture() {
		return nil, fmt.Errorf("%w: %s", ErrNoCapture, b.Name())
	}

	cfg.Exclusive = true
	stream, err := b.OpenInput(cfg, cb)
	if err == nil {
		return stream, nil
	}
	slog.Warn("exclusive input stream unavailable, retrying shared",
		"backend", b.Name(),
		"error", err,
	)

	cfg.Exclusive = false
	stream, err = b.OpenInput(cfg, cb)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: shared fallback: %w", ErrStreamOpen, b.Name(), err)
	}
	return stream, nil
}

// AcquireOutput opens a render stream, retrying a few times because output
// devices are commonly held by another process for a moment (device switch,
// session restore). Attempts run 500 ms apart; ctx cancels the wait between
// them. All attempts failing yields an error wrapping [ErrStreamOpen].
func AcquireOutput(ctx context.Context, b Backend, cfg StreamConfig, cb OutputCallback) (OutputStream, error) {
	if !b.CanRender() {
		return nil, fmt.Errorf("%w: %s", ErrNoRender, b.Name())
	}

	var lastErr error
	for attempt := 1; attempt <= outputOpenAttempts; attempt++ {
		stream, err := b.OpenOutput(cfg, cb)
		if err == nil {
			if attempt > 1 {
				slog.Info("output stream opened after retries",
					"backend", b.Name(),
					"attempt", attempt,
				)
			}
			return stream, nil
		}
		lastErr = err
		slog.Warn("output stream open attempt failed",
			"backend", b.Name(),
			"attempt", attempt,
			"error", err,
		)
		if attempt == outputOpenAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", ErrStreamOpen, b.Name(), ctx.Err())
		case <-time.After(outputOpenRetryDelay):
		}
	}
	return nil, fmt.Errorf("%w: %s: %d attempts: %w", ErrStreamOpen, b.Name(), outputOpenAttempts, lastErr)
}
