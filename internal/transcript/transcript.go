package transcript

import (
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/neorv32-upload/internal/upload"
)

// Recorder writes every event of an upload attempt to its own CSV file.
type Recorder struct {
	mu      sync.Mutex
	dir     string
	enabled bool

	file   *os.File
	writer *csv.Writer
	path   string
	rows   int
}

// Config holds transcript configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// maxHexBytes caps the hex column; image writes are summarised by length.
const maxHexBytes = 64

var csvHeader = []string{
	"timestamp", "event", "state", "step", "bytes", "text", "hex",
}

// New creates a Recorder.
func New(cfg Config) *Recorder {
	if cfg.Path == "" {
		cfg.Path = "/var/log/neoupload"
	}
	return &Recorder{
		dir:     cfg.Path,
		enabled: cfg.Enabled,
	}
}

// SetEnabled allows toggling transcripts at runtime. Disabling closes the
// current file.
func (r *Recorder) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
	if !on {
		r.closeFile()
	}
}

// IsEnabled returns whether transcripts are written.
func (r *Recorder) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// SetDir changes the directory used by the next Begin.
func (r *Recorder) SetDir(dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if dir != "" {
		r.dir = dir
	}
}

// Dir returns the transcript directory.
func (r *Recorder) Dir() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dir
}

// Path returns the file of the current or most recent transcript. It is
// empty when the last Begin failed or was skipped.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// Begin opens a fresh transcript for an attempt on port. It is a no-op when
// disabled.
func (r *Recorder) Begin(port string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closeFile()
	r.path = ""
	if !r.enabled {
		return nil
	}

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("transcript: mkdir %s: %w", r.dir, err)
	}

	filename := fmt.Sprintf("upload_%s_%s.csv", now.Format("2006-01-02_150405.000"), portSlug(port))
	path := filepath.Join(r.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("transcript: create %s: %w", path, err)
	}

	r.file = f
	r.writer = csv.NewWriter(f)
	r.rows = 0

	r.writer.Write(csvHeader)
	r.writer.Flush()
	if err := r.writer.Error(); err != nil {
		r.closeFile()
		return fmt.Errorf("transcript: write header %s: %w", path, err)
	}
	r.path = path

	log.Debug().Str("component", "transcript").Str("path", path).Msg("opened")
	return nil
}

// Record appends one event. It matches the upload.WithObserver signature.
func (r *Recorder) Record(ev upload.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.writer == nil {
		return
	}
	if err := r.writer.Write(buildRow(ev)); err != nil {
		log.Warn().Str("component", "transcript").Err(err).Msg("write failed")
		return
	}
	r.writer.Flush()
	r.rows++
}

// End writes the result row and closes the transcript.
func (r *Recorder) End(res upload.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.writer == nil {
		return
	}
	text, kind := "completed", ""
	if !res.OK() {
		text, kind = fmt.Sprint(res.Err), res.Kind().String()
	}
	row := []string{
		res.Started.Add(res.Elapsed).Format(time.RFC3339Nano),
		"result",
		res.State.String(),
		kind,
		strconv.Itoa(res.BytesSent),
		text,
		"",
	}
	if err := r.writer.Write(row); err != nil {
		log.Warn().Str("component", "transcript").Err(err).Msg("write failed")
	}
	log.Info().Str("component", "transcript").Str("path", r.path).Int("rows", r.rows+1).Msg("saved")
	r.closeFile()
}

// Close flushes and closes the current transcript file.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeFile()
}

func (r *Recorder) closeFile() {
	if r.writer != nil {
		r.writer.Flush()
		r.writer = nil
	}
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
}

func buildRow(ev upload.Event) []string {
	row := make([]string, len(csvHeader))

	row[0] = ev.Time.Format(time.RFC3339Nano)
	row[1] = ev.Type.String()
	row[2] = ev.State.String()
	row[3] = ev.Step

	if len(ev.Data) > 0 {
		row[4] = strconv.Itoa(len(ev.Data))
		if ev.Type == upload.EventReceive || len(ev.Data) == 1 {
			row[5] = strings.ToValidUTF8(string(ev.Data), "�")
		}
		h := ev.Data
		if len(h) > maxHexBytes {
			h = h[:maxHexBytes]
		}
		row[6] = hex.EncodeToString(h)
	}
	return row
}

// portSlug turns /dev/ttyUSB0 or COM5 into a file-name-safe token.
func portSlug(port string) string {
	base := filepath.Base(port)
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if slug == "" || slug == "." || slug == "_" {
		return "port"
	}
	return slug
}
