package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shaunagostinho/neorv32-upload/internal/bootsim"
	"github.com/shaunagostinho/neorv32-upload/internal/transport"
)

// timeline records reads, writes, sleeps and closes in the order the engine
// performed them.
type timeline struct {
	mu      sync.Mutex
	entries []string
}

func (tl *timeline) add(format string, args ...interface{}) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.entries = append(tl.entries, fmt.Sprintf(format, args...))
}

func (tl *timeline) get() []string {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return append([]string(nil), tl.entries...)
}

type readStep struct {
	data string
	err  error
}

// MockTransport replays scripted reads and records writes. When the script
// runs out it either reports a read timeout or, with block set, waits until
// Close is called.
type MockTransport struct {
	tl       *timeline
	reads    []readStep
	block    bool
	writeErr map[int]error // by write index
	shortAt  map[int]int   // by write index: bytes accepted

	mu        sync.Mutex
	writes    [][]byte
	readCalls int
	closes    int
	closed    chan struct{}
}

func NewMockTransport(tl *timeline, reads ...readStep) *MockTransport {
	return &MockTransport{
		tl:       tl,
		reads:    reads,
		writeErr: map[int]error{},
		shortAt:  map[int]int{},
		closed:   make(chan struct{}),
	}
}

func (m *MockTransport) Read(p []byte) (int, error) {
	m.mu.Lock()
	m.readCalls++
	if len(m.reads) > 0 {
		step := m.reads[0]
		m.reads = m.reads[1:]
		m.mu.Unlock()
		m.tl.add("read")
		return copy(p, step.data), step.err
	}
	block := m.block
	m.mu.Unlock()

	m.tl.add("read")
	if block {
		<-m.closed
		return 0, errors.New("port closed")
	}
	return 0, fmt.Errorf("mock: %w", transport.ErrReadTimeout)
}

func (m *MockTransport) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := len(m.writes)
	if err, ok := m.writeErr[idx]; ok {
		m.writes = append(m.writes, nil)
		m.tl.add("write failed")
		return 0, err
	}
	n := len(p)
	if short, ok := m.shortAt[idx]; ok {
		n = short
	}
	m.writes = append(m.writes, append([]byte(nil), p[:n]...))
	if len(p) == 1 {
		m.tl.add("write %c", p[0])
	} else {
		m.tl.add("write %d bytes", n)
	}
	return n, nil
}

func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	if m.closes == 1 {
		close(m.closed)
	}
	m.tl.add("close")
	return nil
}

func (m *MockTransport) Writes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.writes...)
}

func (m *MockTransport) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

func (m *MockTransport) ReadCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readCalls
}

// newTestEngine returns an engine whose sleeps are recorded instead of
// waited, and the config the transport was opened with.
func newTestEngine(tl *timeline, mt *MockTransport, opts ...Option) (*Engine, *transport.Config, *int) {
	var opened transport.Config
	opens := 0
	e := New(func(cfg transport.Config) (transport.Transport, error) {
		opens++
		opened = cfg
		tl.add("open")
		return mt, nil
	}, opts...)
	e.sleep = func(ctx context.Context, d time.Duration) error {
		tl.add("sleep %s", d)
		return ctx.Err()
	}
	return e, &opened, &opens
}

var happyPath = []readStep{
	{data: "\n\n<< NEORV32 Bootloader >>\n\nAuto-boot in 8s. Press any key to abort.\n"},
	{data: "Aborted.\n\nCMD:> u\nAwaiting neorv32_exe.bin... "},
	{data: "OK\nCMD:> "},
}

func TestRunCompletesHandshake(t *testing.T) {
	tl := &timeline{}
	mt := NewMockTransport(tl, happyPath...)
	var states []State
	e, opened, _ := newTestEngine(tl, mt, WithObserver(func(ev Event) {
		if ev.Type == EventState {
			states = append(states, ev.State)
		}
	}))

	payload := []byte{0xFE, 0xCA, 0x88, 0x47, 0x00, 0x01, 0x02}
	res := e.Run(context.Background(), "/dev/ttyUSB0", payload)

	if !res.OK() {
		t.Fatalf("expected success, got %v", res)
	}
	if res.State != Completed {
		t.Errorf("State = %s, want Completed", res.State)
	}
	if opened.BaudRate != 19200 || opened.ReadTimeout != 10*time.Second || opened.PortPath != "/dev/ttyUSB0" {
		t.Errorf("unexpected open config: %+v", *opened)
	}

	want := []string{
		"open",
		"read",
		"sleep 250ms", "write a",
		"sleep 250ms", "write u",
		"read",
		"sleep 200ms", "write 7 bytes", "sleep 1s",
		"read",
		"sleep 200ms", "write e",
		"close",
	}
	if got := tl.get(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("timeline mismatch\n got: %v\nwant: %v", got, want)
	}

	if mt.ReadCalls() != 3 {
		t.Errorf("ReadCalls = %d, want 3 (no reads after completion)", mt.ReadCalls())
	}
	if res.Reads != 3 {
		t.Errorf("Result.Reads = %d, want 3", res.Reads)
	}
	if res.BytesSent != len(payload)+3 {
		t.Errorf("BytesSent = %d, want %d", res.BytesSent, len(payload)+3)
	}

	wantStates := []State{AutobootInterruptSent, AwaitingUploadPrompt, PayloadSent, AwaitingAcknowledgement, Completed}
	if fmt.Sprint(states) != fmt.Sprint(wantStates) {
		t.Errorf("states = %v, want %v", states, wantStates)
	}
}

func TestTriggerSplitAcrossReads(t *testing.T) {
	tl := &timeline{}
	mt := NewMockTransport(tl,
		readStep{data: "Auto-"},
		readStep{data: "boot in 8s"},
		readStep{data: "Awaiting neo"},
		readStep{data: "rv32_exe.bin... "},
		readStep{data: "O"},
		readStep{data: "K\n"},
	)
	e, _, _ := newTestEngine(tl, mt)

	res := e.Run(context.Background(), "sim", []byte("image"))
	if !res.OK() {
		t.Fatalf("expected success, got %v", res)
	}
	if got := len(mt.Writes()); got != 4 {
		t.Fatalf("writes = %d, want 4", got)
	}
}

func TestTriggersInOneChunk(t *testing.T) {
	tests := []struct {
		name       string
		chunk      string
		wantWrites []string
	}{
		{
			name:       "banner then ack",
			chunk:      "Auto-boot in 8s. OK",
			wantWrites: []string{"a", "u"},
		},
		{
			name:       "ack then banner",
			chunk:      "OK Auto-boot in 8s.",
			wantWrites: []string{"a", "u"},
		},
		{
			name:       "prompt then ack",
			chunk:      "Awaiting neorv32_exe.bin... OK",
			wantWrites: []string{"image"},
		},
		{
			name:       "ack alone",
			chunk:      "OK",
			wantWrites: []string{"e"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tl := &timeline{}
			mt := NewMockTransport(tl, readStep{data: tt.chunk})
			e, _, _ := newTestEngine(tl, mt)

			res := e.Run(context.Background(), "sim", []byte("image"))

			var got []string
			for _, w := range mt.Writes() {
				got = append(got, string(w))
			}
			if strings.Join(got, ",") != strings.Join(tt.wantWrites, ",") {
				t.Fatalf("writes = %q, want %q", got, tt.wantWrites)
			}
			if tt.chunk == "OK" {
				if !res.OK() {
					t.Fatalf("expected completion, got %v", res)
				}
				return
			}
			// The second marker was cleared with the first, so the next
			// read is reached and times out.
			if res.Kind() != KindRead {
				t.Fatalf("Kind = %s, want ReadError", res.Kind())
			}
		})
	}
}

func TestTriggerFiresOncePerOccurrence(t *testing.T) {
	tl := &timeline{}
	mt := NewMockTransport(tl,
		readStep{data: "Auto-boot in 8s. Press any key to abort.\n"},
		readStep{data: "Aborted.\n\n"},
		readStep{data: "CMD:> "},
	)
	e, _, _ := newTestEngine(tl, mt)

	e.Run(context.Background(), "sim", []byte("image"))

	writes := mt.Writes()
	if len(writes) != 2 || string(writes[0]) != "a" || string(writes[1]) != "u" {
		t.Fatalf("writes = %q, want [a u]", writes)
	}
}

func TestPayloadFidelity(t *testing.T) {
	all := make([]byte, 256)
	for i := range all {
		all[i] = byte(i)
	}
	large := make([]byte, 64*1024)
	rand.New(rand.NewSource(1)).Read(large)

	for name, payload := range map[string][]byte{
		"single byte":   {0x00},
		"every byte":    all,
		"large binary":  large,
		"looks like ok": []byte("OK Auto-boot"),
	} {
		t.Run(name, func(t *testing.T) {
			tl := &timeline{}
			mt := NewMockTransport(tl, happyPath...)
			e, _, _ := newTestEngine(tl, mt)

			res := e.Run(context.Background(), "sim", payload)
			if !res.OK() {
				t.Fatalf("expected success, got %v", res)
			}

			count := 0
			for _, w := range mt.Writes() {
				if len(w) == len(payload) && bytes.Equal(w, payload) {
					count++
				}
			}
			if len(payload) > 1 && count != 1 {
				t.Fatalf("payload written %d times, want 1", count)
			}
			if !bytes.Equal(mt.Writes()[2], payload) {
				t.Fatal("third write does not equal payload")
			}
		})
	}
}

func TestEmptyPayloadFailsFast(t *testing.T) {
	tl := &timeline{}
	mt := NewMockTransport(tl, happyPath...)
	e, _, opens := newTestEngine(tl, mt)

	res := e.Run(context.Background(), "sim", nil)

	if res.Kind() != KindPayloadUnavailable {
		t.Fatalf("Kind = %s, want PayloadUnavailable", res.Kind())
	}
	if !errors.Is(res.Err, ErrPayloadUnavailable) {
		t.Errorf("errors.Is(err, ErrPayloadUnavailable) = false")
	}
	if *opens != 0 {
		t.Errorf("transport opened %d times, want 0", *opens)
	}
}

func TestRunFileMissingImage(t *testing.T) {
	tl := &timeline{}
	mt := NewMockTransport(tl, happyPath...)
	e, _, opens := newTestEngine(tl, mt)

	res := e.RunFile(context.Background(), "sim", filepath.Join(t.TempDir(), "neorv32_exe.bin"))

	if res.Kind() != KindPayloadUnavailable {
		t.Fatalf("Kind = %s, want PayloadUnavailable", res.Kind())
	}
	if *opens != 0 || len(tl.get()) != 0 {
		t.Fatalf("expected no transport activity, got %v", tl.get())
	}
}

func TestRunFileUploadsImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "neorv32_exe.bin")
	image := []byte{0xFE, 0xCA, 0x88, 0x47, 0x10, 0x00, 0x00, 0x00}
	if err := os.WriteFile(path, image, 0644); err != nil {
		t.Fatal(err)
	}

	tl := &timeline{}
	mt := NewMockTransport(tl, happyPath...)
	e, _, _ := newTestEngine(tl, mt)

	res := e.RunFile(context.Background(), "sim", path)
	if !res.OK() {
		t.Fatalf("expected success, got %v", res)
	}
	if !bytes.Equal(mt.Writes()[2], image) {
		t.Fatal("uploaded bytes differ from file contents")
	}
}

func TestReadTimeoutReleasesTransport(t *testing.T) {
	tl := &timeline{}
	mt := NewMockTransport(tl)
	e, _, _ := newTestEngine(tl, mt)

	res := e.Run(context.Background(), "sim", []byte("image"))

	if res.Kind() != KindRead {
		t.Fatalf("Kind = %s, want ReadError", res.Kind())
	}
	if !errors.Is(res.Err, ErrRead) || !errors.Is(res.Err, transport.ErrReadTimeout) {
		t.Errorf("error chain missing ErrRead or ErrReadTimeout: %v", res.Err)
	}
	var ue *Error
	if !errors.As(res.Err, &ue) || ue.State != AwaitingBanner {
		t.Errorf("expected failure in AwaitingBanner, got %v", res.Err)
	}
	if mt.Closes() != 1 {
		t.Errorf("Close called %d times, want 1", mt.Closes())
	}
	if mt.ReadCalls() != 1 {
		t.Errorf("ReadCalls = %d, want 1 (no retry)", mt.ReadCalls())
	}
}

func TestZeroByteReadIsReadError(t *testing.T) {
	tl := &timeline{}
	mt := NewMockTransport(tl, readStep{})
	e, _, _ := newTestEngine(tl, mt)

	res := e.Run(context.Background(), "sim", []byte("image"))
	if !errors.Is(res.Err, transport.ErrReadTimeout) {
		t.Fatalf("err = %v, want ErrReadTimeout", res.Err)
	}
}

func TestReadErrorMidSession(t *testing.T) {
	tl := &timeline{}
	mt := NewMockTransport(tl,
		readStep{data: "Auto-boot"},
		readStep{err: errors.New("device disconnected")},
	)
	e, _, _ := newTestEngine(tl, mt)

	res := e.Run(context.Background(), "sim", []byte("image"))

	var ue *Error
	if !errors.As(res.Err, &ue) {
		t.Fatalf("expected *Error, got %v", res.Err)
	}
	if ue.Kind != KindRead || ue.State != AwaitingUploadPrompt {
		t.Fatalf("got kind=%s state=%s, want ReadError in AwaitingUploadPrompt", ue.Kind, ue.State)
	}
	if mt.Closes() != 1 {
		t.Errorf("Close called %d times, want 1", mt.Closes())
	}
}

func TestOpenError(t *testing.T) {
	e := New(func(cfg transport.Config) (transport.Transport, error) {
		return nil, errors.New("no such file or directory")
	})

	res := e.Run(context.Background(), "/dev/ttyNOPE", []byte("image"))

	if res.Kind() != KindTransportOpen {
		t.Fatalf("Kind = %s, want TransportOpenError", res.Kind())
	}
	if !errors.Is(res.Err, ErrTransportOpen) {
		t.Error("errors.Is(err, ErrTransportOpen) = false")
	}
	if res.Reads != 0 || res.BytesSent != 0 {
		t.Errorf("expected no I/O, got reads=%d sent=%d", res.Reads, res.BytesSent)
	}
}

func TestWriteErrors(t *testing.T) {
	tests := []struct {
		name      string
		failAt    int
		short     bool
		wantOp    string
		wantState State
	}{
		{name: "abort byte", failAt: 0, wantOp: "abort auto-boot", wantState: AwaitingBanner},
		{name: "upload byte", failAt: 1, wantOp: "select upload", wantState: AutobootInterruptSent},
		{name: "image", failAt: 2, wantOp: "send image", wantState: AwaitingUploadPrompt},
		{name: "short image", failAt: 2, short: true, wantOp: "send image", wantState: AwaitingUploadPrompt},
		{name: "execute byte", failAt: 3, wantOp: "execute", wantState: AwaitingAcknowledgement},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tl := &timeline{}
			mt := NewMockTransport(tl, happyPath...)
			if tt.short {
				mt.shortAt[tt.failAt] = 2
			} else {
				mt.writeErr[tt.failAt] = errors.New("i/o error")
			}
			e, _, _ := newTestEngine(tl, mt)

			res := e.Run(context.Background(), "sim", []byte("image"))

			var ue *Error
			if !errors.As(res.Err, &ue) {
				t.Fatalf("expected *Error, got %v", res.Err)
			}
			if ue.Kind != KindWrite || ue.Op != tt.wantOp || ue.State != tt.wantState {
				t.Fatalf("got kind=%s op=%q state=%s", ue.Kind, ue.Op, ue.State)
			}
			if res.State != Failed {
				t.Errorf("State = %s, want Failed", res.State)
			}
			if mt.Closes() != 1 {
				t.Errorf("Close called %d times, want 1", mt.Closes())
			}
		})
	}
}

func TestCancelDuringStalledRead(t *testing.T) {
	tl := &timeline{}
	mt := NewMockTransport(tl)
	mt.block = true
	e, _, _ := newTestEngine(tl, mt)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	res := e.Run(ctx, "sim", []byte("image"))

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Run took %s after cancel", elapsed)
	}
	if res.Kind() != KindCancelled {
		t.Fatalf("Kind = %s, want Cancelled", res.Kind())
	}
	if !errors.Is(res.Err, context.Canceled) {
		t.Errorf("error should wrap context.Canceled: %v", res.Err)
	}
	if mt.Closes() != 1 {
		t.Errorf("Close called %d times, want 1", mt.Closes())
	}
}

func TestCancelBeforeOpen(t *testing.T) {
	tl := &timeline{}
	mt := NewMockTransport(tl, happyPath...)
	e, _, opens := newTestEngine(tl, mt)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := e.Run(ctx, "sim", []byte("image"))

	if res.Kind() != KindCancelled {
		t.Fatalf("Kind = %s, want Cancelled", res.Kind())
	}
	if *opens != 0 {
		t.Errorf("transport opened %d times, want 0", *opens)
	}
}

func TestStartDeliversEventsAndResult(t *testing.T) {
	tl := &timeline{}
	mt := NewMockTransport(tl, happyPath...)
	e, _, _ := newTestEngine(tl, mt)

	events, results := e.Start(context.Background(), "sim", []byte("image"))

	var (
		states   []State
		received int
		sent     int
	)
	for ev := range events {
		switch ev.Type {
		case EventState:
			states = append(states, ev.State)
		case EventReceive:
			received++
		case EventSend:
			sent++
		}
	}
	res := <-results

	if !res.OK() {
		t.Fatalf("expected success, got %v", res)
	}
	if received != 3 || sent != 4 {
		t.Errorf("received=%d sent=%d, want 3 and 4", received, sent)
	}
	if len(states) == 0 || states[len(states)-1] != Completed {
		t.Errorf("last state = %v, want Completed", states)
	}
}

func TestRunAgainstSimulator(t *testing.T) {
	sim := bootsim.New(bootsim.Config{})
	e := New(sim.Open)
	e.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	payload := make([]byte, 4096)
	rand.New(rand.NewSource(7)).Read(payload)

	res := e.Run(context.Background(), "sim", payload)

	if !res.OK() {
		t.Fatalf("expected success, got %v", res)
	}
	if !bytes.Equal(sim.Image(), payload) {
		t.Error("simulator received a different image")
	}
	if got := string(sim.Commands()); got != "aue" {
		t.Errorf("commands = %q, want %q", got, "aue")
	}
	if !sim.Booted() {
		t.Error("simulator did not boot the image")
	}
	if sim.Closes() != 1 {
		t.Errorf("simulator closed %d times, want 1", sim.Closes())
	}
}

func TestTimingContract(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the real protocol delays")
	}

	var (
		mu    sync.Mutex
		marks = map[string]time.Time{}
	)
	tl := &timeline{}
	mt := NewMockTransport(tl, happyPath...)
	e := New(func(cfg transport.Config) (transport.Transport, error) { return mt, nil },
		WithObserver(func(ev Event) {
			mu.Lock()
			defer mu.Unlock()
			now := time.Now()
			switch {
			case ev.Type == EventReceive && strings.Contains(string(ev.Data), MarkerAutoboot):
				marks["banner"] = now
			case ev.Type == EventReceive && strings.Contains(string(ev.Data), MarkerUploadPrompt):
				marks["prompt"] = now
			case ev.Type == EventReceive && strings.Contains(string(ev.Data), MarkerAck):
				marks["ack"] = now
			case ev.Type == EventSend:
				marks[ev.Step] = now
			}
		}))

	if res := e.Run(context.Background(), "sim", []byte("image")); !res.OK() {
		t.Fatalf("expected success, got %v", res)
	}

	gaps := []struct {
		from, to string
		min      time.Duration
	}{
		{"banner", "abort auto-boot", AbortDelay},
		{"abort auto-boot", "select upload", SelectDelay},
		{"prompt", "send image", PayloadDelay},
		{"send image", "ack", PayloadSettle},
		{"ack", "execute", ExecuteDelay},
	}
	for _, g := range gaps {
		if d := marks[g.to].Sub(marks[g.from]); d < g.min {
			t.Errorf("%s -> %s took %s, want at least %s", g.from, g.to, d, g.min)
		}
	}
}
