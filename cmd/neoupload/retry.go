package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/neorv32-upload/internal/upload"
)

var (
	retryBaseDelay = 1 * time.Second
	retryMaxDelay  = 60 * time.Second
)

// retryable reports whether a fresh attempt can plausibly succeed. A missing
// board or a board that was not reset in time is worth another try; a bad
// image or a broken write is not.
func retryable(kind upload.Kind) bool {
	return kind == upload.KindRead || kind == upload.KindTransportOpen
}

// runWithRetry runs whole attempts with exponential backoff. Starts at 1s,
// doubles after each failure up to 60s and gives up after maxAttempts.
func runWithRetry(ctx context.Context, maxAttempts int, attempt func(context.Context) upload.Result) upload.Result {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	delay := retryBaseDelay

	for n := 1; ; n++ {
		res := attempt(ctx)
		if res.OK() || n >= maxAttempts || !retryable(res.Kind()) {
			return res
		}

		log.Warn().Str("component", "main").
			Int("attempt", n).
			Int("of", maxAttempts).
			Str("kind", res.Kind().String()).
			Err(res.Err).
			Dur("retry_in", delay).
			Msg("upload attempt failed")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return res
		case <-t.C:
		}

		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
}
