package output

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
)

type rendererKey struct{}

// Renderer writes command output in the selected mode.
type Renderer struct {
	out    io.Writer
	errOut io.Writer
	mode   Mode
	styles *Styles
}

// NewRenderer creates a renderer. ModeAuto is resolved against out.
func NewRenderer(out, errOut io.Writer, mode Mode) *Renderer {
	eff := Resolve(mode, out)
	styles := PlainStyles()
	if eff == ModeText && IsTerminal(out) {
		styles = DefaultStyles()
	}
	return &Renderer{out: out, errOut: errOut, mode: eff, styles: styles}
}

// WithRenderer stores r in ctx.
func WithRenderer(ctx context.Context, r *Renderer) context.Context {
	return context.WithValue(ctx, rendererKey{}, r)
}

// FromContext returns the renderer stored by WithRenderer, or one writing
// to stdout in auto mode.
func FromContext(ctx context.Context) *Renderer {
	if r, ok := ctx.Value(rendererKey{}).(*Renderer); ok {
		return r
	}
	return NewRenderer(os.Stdout, os.Stderr, ModeAuto)
}

// EffectiveMode is the resolved mode; never ModeAuto.
func (r *Renderer) EffectiveMode() Mode { return r.mode }

// Styles returns the active styles.
func (r *Renderer) Styles() *Styles { return r.styles }

// Writer returns the output writer.
func (r *Renderer) Writer() io.Writer { return r.out }

// Println writes a line.
func (r *Renderer) Println(a ...any) { _, _ = fmt.Fprintln(r.out, a...) }

// Printf writes formatted text.
func (r *Renderer) Printf(format string, a ...any) { _, _ = fmt.Fprintf(r.out, format, a...) }

// Header writes a section header.
func (r *Renderer) Header(level int, text string) {
	if r.mode == ModeMarkdown {
		r.Println(FormatHeader(level, text))
		r.Println()
		return
	}
	r.Println(r.styles.Header.Render(text))
}

// Success writes a success line.
func (r *Renderer) Success(msg string) { r.Println(r.styles.Success.Render("✓ " + msg)) }

// Warning writes a warning line.
func (r *Renderer) Warning(msg string) { r.Println(r.styles.Warning.Render("! " + msg)) }

// Error writes an error line to the error stream.
func (r *Renderer) Error(msg string) {
	_, _ = fmt.Fprintln(r.errOut, r.styles.Error.Render("✗ "+msg))
}

// Muted writes a dimmed line.
func (r *Renderer) Muted(msg string) { r.Println(r.styles.Muted.Render(msg)) }

// KeyValue writes one labelled value.
func (r *Renderer) KeyValue(key string, value any) {
	if r.mode == ModeMarkdown {
		r.Println(FormatKeyValue(key, fmt.Sprint(value)))
		return
	}
	r.Printf("%s %v\n", r.styles.Bold.Render(key+":"), value)
}

// StatusLine writes "label  status" with the status colored.
func (r *Renderer) StatusLine(label, status, detail string) {
	line := fmt.Sprintf("%-28s %s", label, r.styles.Status(status).Render(status))
	if detail != "" {
		line += "  " + r.styles.Muted.Render(detail)
	}
	r.Println(line)
}

// Table renders rows under header. Markdown mode emits a markdown table.
func (r *Renderer) Table(header []string, rows [][]any) {
	if len(rows) == 0 {
		r.Muted("(none)")
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(r.out)

	h := make(table.Row, len(header))
	for i, c := range header {
		h[i] = c
	}
	t.AppendHeader(h)
	for _, row := range rows {
		t.AppendRow(table.Row(row))
	}

	if r.mode == ModeMarkdown {
		t.RenderMarkdown()
		return
	}
	t.SetStyle(table.StyleLight)
	t.Render()
}

// JSON writes v as indented JSON.
func (r *Renderer) JSON(v any) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// JSONLine writes v as a single JSON line.
func (r *Renderer) JSONLine(v any) error {
	return json.NewEncoder(r.out).Encode(v)
}

// FormatHeader returns a markdown header.
func FormatHeader(level int, text string) string {
	return strings.Repeat("#", max(level, 1)) + " " + text
}

// FormatKeyValue returns a markdown list item.
func FormatKeyValue(key, value string) string {
	return fmt.Sprintf("- **%s:** %s", key, value)
}
