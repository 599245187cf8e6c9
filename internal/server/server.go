package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/shaunagostinho/neorv32-upload/internal/config"
	"github.com/shaunagostinho/neorv32-upload/internal/logging"
	"github.com/shaunagostinho/neorv32-upload/internal/transcript"
	"github.com/shaunagostinho/neorv32-upload/internal/transport"
	"github.com/shaunagostinho/neorv32-upload/internal/upload"
)

// MaxImageBytes bounds the request body of POST /api/upload.
const MaxImageBytes = 16 << 20

// previewBytes caps the received text carried in an event frame.
const previewBytes = 256

// Resolver maps a configured driver name to a transport opener.
type Resolver func(driver string) (transport.OpenFunc, error)

// ErrBusy is returned when an attempt is requested while one is running.
var ErrBusy = errors.New("an upload is already running")

// Server runs upload attempts on request and broadcasts their progress to
// WebSocket clients.
type Server struct {
	cfg        *config.Config
	resolve    Resolver
	webFS      fs.FS
	transcript *transcript.Recorder
	log        zerolog.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	// Attempt state; one attempt at a time.
	mu      sync.Mutex
	baseCtx context.Context
	running bool
	cancel  context.CancelFunc
	port    string
	state   upload.State
	last    *ResultFrame
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Event  *EventFrame  `json:"event,omitempty"`
	Result *ResultFrame `json:"result,omitempty"`
	Status *Status      `json:"status,omitempty"`
	Stamp  int64        `json:"stamp"` // Unix ms
}

// EventFrame is one session event as seen by the browser.
type EventFrame struct {
	Type  upload.EventType `json:"type"`
	State upload.State     `json:"state"`
	Step  string           `json:"step,omitempty"`
	Bytes int              `json:"bytes,omitempty"`
	Text  string           `json:"text,omitempty"` // received text, truncated
}

// ResultFrame is the outcome of an attempt.
type ResultFrame struct {
	Port       string       `json:"port"`
	OK         bool         `json:"ok"`
	State      upload.State `json:"state"`
	Kind       string       `json:"kind,omitempty"`
	Error      string       `json:"error,omitempty"`
	BytesSent  int          `json:"bytesSent"`
	Reads      int          `json:"reads"`
	ElapsedMs  int64        `json:"elapsedMs"`
	Transcript string       `json:"transcript,omitempty"`
}

// Status is the answer to GET /api/status.
type Status struct {
	Running bool         `json:"running"`
	Port    string       `json:"port,omitempty"`
	State   upload.State `json:"state"`
	Last    *ResultFrame `json:"last,omitempty"`
}

// New creates a new Server.
func New(cfg *config.Config, resolve Resolver, webFS fs.FS) *Server {
	tc := cfg.TranscriptSettings()
	return &Server{
		cfg:     cfg,
		resolve: resolve,
		webFS:   webFS,
		transcript: transcript.New(transcript.Config{
			Enabled: tc.Enabled,
			Path:    tc.Path,
		}),
		log:     logging.Component(zerolog.Nop(), "server"),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		baseCtx: context.Background(),
	}
}

// SetLogger replaces the server's logger.
func (s *Server) SetLogger(logger zerolog.Logger) {
	s.log = logging.Component(logger, "server")
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Serve embedded web files
	mux.Handle("/", http.FileServer(http.FS(s.webFS)))

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWS)

	mux.HandleFunc("/api/upload", s.handleUpload)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/config", s.handleConfig)

	return mux
}

// Run starts the HTTP server. Attempts started through the API are
// cancelled when ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		s.transcript.Close()
	}()

	s.log.Info().Str("addr", addr).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartAttempt launches one upload attempt in the background. The returned
// channel receives the result once the attempt is over.
func (s *Server) StartAttempt(port string, payload []byte) (<-chan ResultFrame, error) {
	serial := s.cfg.SerialSettings()
	if port == "" {
		port = serial.PortPath
	}
	open, err := s.resolve(serial.Driver)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.running = true
	s.cancel = cancel
	s.port = port
	s.state = upload.AwaitingBanner
	s.mu.Unlock()

	tc := s.cfg.TranscriptSettings()
	s.transcript.SetDir(tc.Path)
	s.transcript.SetEnabled(tc.Enabled)
	if err := s.transcript.Begin(port, time.Now()); err != nil {
		s.log.Warn().Err(err).Msg("transcript unavailable")
	}

	eng := upload.New(open, upload.WithLogger(logging.Component(s.log, "upload")))
	events, results := eng.Start(ctx, port, payload)

	done := make(chan ResultFrame, 1)
	go func() {
		defer cancel()
		for ev := range events {
			s.transcript.Record(ev)
			s.mu.Lock()
			s.state = ev.State
			s.mu.Unlock()
			s.broadcast(Frame{Event: eventFrame(ev), Stamp: ev.Time.UnixMilli()})
		}
		res := <-results
		path := s.transcript.Path()
		s.transcript.End(res)

		rf := resultFrame(res)
		if s.transcript.IsEnabled() {
			rf.Transcript = path
		}

		s.mu.Lock()
		s.running = false
		s.cancel = nil
		s.state = res.State
		s.last = &rf
		s.mu.Unlock()

		s.broadcast(Frame{Result: &rf, Stamp: time.Now().UnixMilli()})
		done <- rf
	}()
	return done, nil
}

// CancelAttempt stops the running attempt, if any.
func (s *Server) CancelAttempt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

// Status reports the current attempt.
func (s *Server) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running: s.running,
		Port:    s.port,
		State:   s.state,
		Last:    s.last,
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("ws upgrade")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	s.log.Debug().Int("clients", n).Msg("ws client connected")

	// Send current status first
	st := s.Status()
	if data, err := json.Marshal(Frame{Status: &st, Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive; the page never sends commands)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			s.log.Debug().Int("clients", n).Msg("ws client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxImageBytes))
		if err != nil {
			code := http.StatusBadRequest
			if errors.As(err, new(*http.MaxBytesError)) {
				code = http.StatusRequestEntityTooLarge
			}
			writeError(w, code, upload.KindPayloadUnavailable, err)
			return
		}
		if len(body) == 0 {
			writeError(w, http.StatusBadRequest, upload.KindPayloadUnavailable, errors.New("image is empty"))
			return
		}

		done, err := s.StartAttempt(r.URL.Query().Get("port"), body)
		switch {
		case errors.Is(err, ErrBusy):
			writeError(w, http.StatusConflict, 0, err)
			return
		case err != nil:
			writeError(w, http.StatusBadRequest, 0, err)
			return
		}

		if wait := r.URL.Query().Get("wait"); wait == "1" || wait == "true" {
			select {
			case rf := <-done:
				writeJSON(w, http.StatusOK, rf)
			case <-r.Context().Done():
			}
			return
		}
		st := s.Status()
		writeJSON(w, http.StatusAccepted, st)

	case http.MethodDelete:
		if !s.CancelAttempt() {
			writeError(w, http.StatusNotFound, 0, errors.New("no upload running"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.Status())
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if _, err := s.resolve(s.cfg.SerialSettings().Driver); err != nil {
			s.log.Warn().Err(err).Msg("config names an unknown driver")
		}
		if err := s.cfg.Save(); err != nil {
			s.log.Warn().Err(err).Msg("config save failed")
		}
		st := s.Status()
		s.broadcast(Frame{Status: &st, Stamp: time.Now().UnixMilli()})

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

func eventFrame(ev upload.Event) *EventFrame {
	f := &EventFrame{
		Type:  ev.Type,
		State: ev.State,
		Step:  ev.Step,
		Bytes: len(ev.Data),
	}
	if ev.Type == upload.EventReceive {
		text := ev.Data
		if len(text) > previewBytes {
			text = text[:previewBytes]
		}
		f.Text = strings.ToValidUTF8(string(text), "�")
	}
	return f
}

func resultFrame(res upload.Result) ResultFrame {
	rf := ResultFrame{
		Port:      res.Port,
		OK:        res.OK(),
		State:     res.State,
		BytesSent: res.BytesSent,
		Reads:     res.Reads,
		ElapsedMs: res.Elapsed.Milliseconds(),
	}
	if !rf.OK {
		rf.Kind = res.Kind().String()
		rf.Error = fmt.Sprint(res.Err)
	}
	return rf
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, kind upload.Kind, err error) {
	body := map[string]string{"error": err.Error()}
	if kind != 0 {
		body["kind"] = kind.String()
	}
	writeJSON(w, code, body)
}
