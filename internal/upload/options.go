package upload

import "github.com/rs/zerolog"

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Every received chunk is logged at debug level.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.log = logger
	}
}

// WithObserver registers a callback for session events. It runs on the
// engine's goroutine between protocol steps and should return quickly.
func WithObserver(fn func(Event)) Option {
	return func(e *Engine) {
		e.observe = fn
	}
}
