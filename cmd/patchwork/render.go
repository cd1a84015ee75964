package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"

	"patchwork/internal/logging"
	"patchwork/internal/mcpserver"
	"patchwork/internal/turnlog"
)

// printer writes markdown, styled when stdout is a terminal.
type printer struct {
	out    io.Writer
	render *glamour.TermRenderer
	logger *logging.StructuredLogger
}

func newPrinter(out io.Writer, logger *logging.StructuredLogger) *printer {
	p := &printer{out: out, logger: logger}
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(100),
		); err == nil {
			p.render = r
		}
	}
	return p
}

func (p *printer) markdown(text string) {
	if p.render == nil || strings.TrimSpace(text) == "" {
		fmt.Fprintf(p.out, "%s\n", text)
		return
	}
	rendered, err := p.render.Render(text)
	if err != nil {
		p.logger.Warn("markdown render failed", map[string]interface{}{"error": err.Error()})
		fmt.Fprintf(p.out, "%s\n", text)
		return
	}
	fmt.Fprint(p.out, strings.TrimRight(rendered, "\n")+"\n")
}

func (p *printer) record(rec turnlog.Record) {
	p.markdown(mcpserver.RenderRecord(rec))
}
