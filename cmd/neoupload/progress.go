package main

import (
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"

	"github.com/shaunagostinho/neorv32-upload/internal/upload"
)

// progress renders session events either as a bar over the handshake
// states or, when the output is not a terminal, as log lines.
type progress struct {
	out         io.Writer
	interactive bool
	bar         *progressbar.ProgressBar
}

func newProgress(out io.Writer, interactive bool) *progress {
	return &progress{out: out, interactive: interactive}
}

// reset starts a fresh bar for a new attempt.
func (p *progress) reset() {
	if !p.interactive {
		return
	}
	p.bar = progressbar.NewOptions(int(upload.Completed),
		progressbar.OptionSetWriter(p.out),
		progressbar.OptionSetWidth(30),
		progressbar.OptionSetDescription("waiting for banner, reset the board"),
		progressbar.OptionShowCount(),
	)
}

func (p *progress) update(ev upload.Event) {
	switch {
	case ev.Type == upload.EventSend && len(ev.Data) > 1:
		if p.bar != nil {
			p.bar.Describe(fmt.Sprintf("sending %d bytes", len(ev.Data)))
			return
		}
		log.Info().Str("component", "main").Int("bytes", len(ev.Data)).Msg("sending image")
	case ev.Type == upload.EventState && ev.State != upload.Failed:
		if p.bar != nil {
			p.bar.Describe(ev.State.String())
			p.bar.Set(int(ev.State))
			return
		}
		log.Info().Str("component", "main").Str("state", ev.State.String()).Msg("progress")
	}
}

func (p *progress) done(res upload.Result) {
	if p.bar == nil {
		return
	}
	if res.OK() {
		p.bar.Finish()
	} else {
		p.bar.Exit()
	}
	fmt.Fprintln(p.out)
	p.bar = nil
}
