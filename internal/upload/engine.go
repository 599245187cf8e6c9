// Package upload drives the NEORV32 bootloader upload handshake over a
// serial transport: interrupt auto-boot, select upload, send the image when
// prompted and start it once the bootloader acknowledges.
package upload

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/neorv32-upload/internal/transport"
)

// eventBacklog bounds the event channel returned by Start.
const eventBacklog = 64

// Engine runs upload attempts. Each call to Run is an independent session;
// an Engine holds no per-session state and may be reused.
type Engine struct {
	open    transport.OpenFunc
	log     zerolog.Logger
	observe func(Event)
	sleep   func(context.Context, time.Duration) error
	now     func() time.Time
}

// New creates an Engine that opens transports with open.
func New(open transport.OpenFunc, opts ...Option) *Engine {
	if open == nil {
		panic("upload: open func cannot be nil")
	}
	e := &Engine{
		open:  open,
		log:   zerolog.Nop(),
		sleep: sleepContext,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// session is the mutable state of one attempt.
type session struct {
	port      string
	state     State
	buffer    TriggerBuffer
	transport transport.Transport
	payload   []byte
	log       zerolog.Logger

	reads     int
	bytesSent int
	started   time.Time
}

func (s *session) fail(kind Kind, op string, err error) error {
	return &Error{Kind: kind, State: s.state, Op: op, Err: err}
}

// trigger is a marker in the received text and the reaction to it.
type trigger struct {
	name   string
	marker string
	fire   func(*Engine, context.Context, *session) error
}

// Checked in this order on every read.
var triggers = []trigger{
	{name: "auto-boot banner", marker: MarkerAutoboot, fire: (*Engine).interruptAutoboot},
	{name: "upload prompt", marker: MarkerUploadPrompt, fire: (*Engine).sendPayload},
	{name: "acknowledgement", marker: MarkerAck, fire: (*Engine).execute},
}

// RunFile loads the image at path and runs one attempt with it. If the image
// cannot be loaded the port is never opened.
func (e *Engine) RunFile(ctx context.Context, port, path string) Result {
	payload, err := LoadPayload(path)
	if err != nil {
		s := e.newSession(port, nil)
		return e.finish(s, err)
	}
	return e.Run(ctx, port, payload)
}

// Run performs one upload attempt on port:
//  1. Open the transport at 19200 baud with a 10s read timeout
//  2. Read up to 100 bytes at a time, accumulating decoded text
//  3. React to "Auto-boot", "Awaiting neorv32_exe.bin" and "OK" in that order
//  4. Stop after the execute command, or on the first failure
//
// The transport is closed before Run returns, whatever the outcome.
// Cancelling ctx closes the transport immediately so a pending read returns.
func (e *Engine) Run(ctx context.Context, port string, payload []byte) Result {
	s := e.newSession(port, payload)

	if len(payload) == 0 {
		return e.finish(s, s.fail(KindPayloadUnavailable, "check image", errEmptyPayload))
	}
	if err := ctx.Err(); err != nil {
		return e.finish(s, s.fail(KindCancelled, "open "+port, err))
	}

	t, err := e.open(transport.Config{
		PortPath:    port,
		BaudRate:    BaudRate,
		ReadTimeout: ReadTimeout,
	})
	if err != nil {
		return e.finish(s, s.fail(KindTransportOpen, "open "+port, err))
	}

	rel := &releaser{t: t, log: s.log}
	defer rel.release()
	stop := context.AfterFunc(ctx, rel.release)
	defer stop()

	s.transport = t
	s.log.Info().Int("payload_bytes", len(payload)).Msg("waiting for bootloader banner")

	return e.finish(s, e.loop(ctx, s))
}

// Start runs an attempt on its own goroutine. Events are delivered on the
// first channel; the Result is sent on the second and then the event
// channel is closed. Callers must drain events or cancel ctx.
func (e *Engine) Start(ctx context.Context, port string, payload []byte) (<-chan Event, <-chan Result) {
	events := make(chan Event, eventBacklog)
	results := make(chan Result, 1)

	run := *e
	observe := e.observe
	run.observe = func(ev Event) {
		if observe != nil {
			observe(ev)
		}
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	go func() {
		res := run.Run(ctx, port, payload)
		results <- res
		close(results)
		close(events)
	}()
	return events, results
}

func (e *Engine) newSession(port string, payload []byte) *session {
	return &session{
		port:    port,
		state:   AwaitingBanner,
		payload: payload,
		log:     e.log.With().Str("port", port).Logger(),
		started: e.now(),
	}
}

func (e *Engine) loop(ctx context.Context, s *session) error {
	chunk := make([]byte, ReadChunkSize)

	for !s.state.Terminal() {
		if err := ctx.Err(); err != nil {
			return s.fail(KindCancelled, "read", err)
		}

		n, err := s.transport.Read(chunk)
		if n == 0 && err == nil {
			err = transport.ErrReadTimeout
		}
		if n > 0 {
			data := append([]byte(nil), chunk[:n]...)
			s.reads++
			s.buffer.Append(data)
			s.log.Debug().
				Str("state", s.state.String()).
				Int("n", n).
				Str("rx", strconv.Quote(string(data))).
				Msg("received")
			e.emit(s, Event{Type: EventReceive, Data: data})
		}
		if err != nil {
			if ctx.Err() != nil {
				return s.fail(KindCancelled, "read", ctx.Err())
			}
			return s.fail(KindRead, "read", err)
		}

		if err := e.react(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// react checks every trigger in priority order against the buffer as the
// previous check left it. A trigger that fires clears the buffer first, so a
// later marker that arrived in the same chunk is dropped with it.
func (e *Engine) react(ctx context.Context, s *session) error {
	for _, tr := range triggers {
		if !s.buffer.Contains(tr.marker) {
			continue
		}
		s.buffer.Clear()
		s.log.Info().Str("trigger", tr.name).Str("state", s.state.String()).Msg("trigger fired")
		if err := tr.fire(e, ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) interruptAutoboot(ctx context.Context, s *session) error {
	if err := e.pause(ctx, s, AbortDelay, "abort auto-boot"); err != nil {
		return err
	}
	if err := e.write(s, "abort auto-boot", []byte{CmdAbortAutoboot}); err != nil {
		return err
	}
	e.transition(s, AutobootInterruptSent)

	if err := e.pause(ctx, s, SelectDelay, "select upload"); err != nil {
		return err
	}
	if err := e.write(s, "select upload", []byte{CmdUpload}); err != nil {
		return err
	}
	e.transition(s, AwaitingUploadPrompt)
	return nil
}

func (e *Engine) sendPayload(ctx context.Context, s *session) error {
	if err := e.pause(ctx, s, PayloadDelay, "send image"); err != nil {
		return err
	}
	if err := e.write(s, "send image", s.payload); err != nil {
		return err
	}
	e.transition(s, PayloadSent)

	if err := e.pause(ctx, s, PayloadSettle, "wait for acknowledgement"); err != nil {
		return err
	}
	e.transition(s, AwaitingAcknowledgement)
	return nil
}

func (e *Engine) execute(ctx context.Context, s *session) error {
	if err := e.pause(ctx, s, ExecuteDelay, "execute"); err != nil {
		return err
	}
	if err := e.write(s, "execute", []byte{CmdExecute}); err != nil {
		return err
	}
	e.transition(s, Completed)
	return nil
}

func (e *Engine) pause(ctx context.Context, s *session, d time.Duration, op string) error {
	if err := e.sleep(ctx, d); err != nil {
		return s.fail(KindCancelled, op, err)
	}
	return nil
}

// write sends b in a single Write call. A short write is a failure.
func (e *Engine) write(s *session, op string, b []byte) error {
	n, err := s.transport.Write(b)
	if n > 0 {
		s.bytesSent += n
		e.emit(s, Event{Type: EventSend, Step: op, Data: b[:n]})
	}
	if err == nil && n < len(b) {
		err = fmt.Errorf("wrote %d of %d bytes: %w", n, len(b), io.ErrShortWrite)
	}
	if err != nil {
		return s.fail(KindWrite, op, err)
	}
	s.log.Debug().Str("step", op).Int("n", n).Msg("sent")
	return nil
}

func (e *Engine) transition(s *session, to State) {
	from := s.state
	s.state = to
	s.log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("state")
	e.emit(s, Event{Type: EventState})
}

func (e *Engine) emit(s *session, ev Event) {
	if e.observe == nil {
		return
	}
	ev.Time = e.now()
	ev.State = s.state
	e.observe(ev)
}

func (e *Engine) finish(s *session, err error) Result {
	res := Result{
		Port:      s.port,
		Reads:     s.reads,
		BytesSent: s.bytesSent,
		Started:   s.started,
		Elapsed:   e.now().Sub(s.started),
	}
	if err != nil {
		e.transition(s, Failed)
		res.State = Failed
		res.Err = err
		kind, _ := KindOf(err)
		s.log.Error().Err(err).Str("kind", kind.String()).Dur("elapsed", res.Elapsed).Msg("upload failed")
		return res
	}

	res.State = s.state
	s.log.Info().Int("bytes_sent", res.BytesSent).Dur("elapsed", res.Elapsed).Msg("upload complete")
	return res
}

// releaser closes the session's transport exactly once. It is called from
// the deferred cleanup in Run and, on cancellation, from context.AfterFunc.
type releaser struct {
	once sync.Once
	t    transport.Transport
	log  zerolog.Logger
}

func (r *releaser) release() {
	r.once.Do(func() {
		if err := r.t.Close(); err != nil {
			r.log.Warn().Err(err).Msg("close transport")
		}
	})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
