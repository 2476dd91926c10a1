// Package ui renders retrieval results and status output for the CLI.
// Output is styled with lipgloss when stdout is a terminal, plain
// otherwise.
package ui

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/wrenchbase/manualqa/internal/retrieval"
	"github.com/wrenchbase/manualqa/internal/store"
)

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Renderer formats retrieval results for one output stream.
type Renderer struct {
	out    io.Writer
	styles Styles
}

// NewRenderer creates a renderer for w, styled when w is a terminal.
func NewRenderer(w io.Writer) *Renderer {
	return &Renderer{out: w, styles: GetStyles(!IsTerminal(w))}
}

// NewPlainRenderer creates an unstyled renderer, used for tests and
// piped output.
func NewPlainRenderer(w io.Writer) *Renderer {
	return &Renderer{out: w, styles: NoColorStyles()}
}

// Results prints retrieved chunks as a numbered, cited list.
func (r *Renderer) Results(query string, chunks []retrieval.RetrievedChunk) {
	if len(chunks) == 0 {
		fmt.Fprintf(r.out, "No manual content found for %q.\n", query)
		return
	}

	fmt.Fprintln(r.out, r.styles.Header.Render(fmt.Sprintf("Results for %q", query)))
	fmt.Fprintln(r.out)

	for i, c := range chunks {
		header := fmt.Sprintf("[%d] %s", i+1, r.styles.Score.Render(fmt.Sprintf("score %.3f", c.Score)))
		if src := c.Metadata[store.MetaSourceFile]; src != "" {
			header += "  " + r.styles.Source.Render(src)
		}
		fmt.Fprintln(r.out, header)

		for _, line := range strings.Split(strings.TrimSpace(c.Text), "\n") {
			fmt.Fprintf(r.out, "    %s\n", line)
		}

		if tags := formatTags(c.Metadata); tags != "" {
			fmt.Fprintln(r.out, "    "+r.styles.Label.Render(tags))
		}
		fmt.Fprintln(r.out)
	}
}

// Error prints a user-facing error line.
func (r *Renderer) Error(msg string) {
	fmt.Fprintln(r.out, r.styles.Error.Render("error: ")+msg)
}

// Warning prints a user-facing warning line.
func (r *Renderer) Warning(msg string) {
	fmt.Fprintln(r.out, r.styles.Warning.Render("warning: ")+msg)
}

// KV prints an aligned label/value status line.
func (r *Renderer) KV(label, value string) {
	fmt.Fprintf(r.out, "%-24s %s\n", r.styles.Label.Render(label), value)
}

// Header prints a section header.
func (r *Renderer) Header(title string) {
	fmt.Fprintln(r.out, r.styles.Header.Render(title))
}

// Newline prints an empty line.
func (r *Renderer) Newline() {
	fmt.Fprintln(r.out)
}

// formatTags renders the vehicle metadata keys worth surfacing,
// deterministic order. Positional keys (chunk_id, source_file) are
// shown elsewhere or not at all.
func formatTags(metadata map[string]string) string {
	hidden := map[string]bool{
		store.MetaChunkID:    true,
		store.MetaSourceFile: true,
	}

	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		if !hidden[k] && metadata[k] != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, metadata[k]))
	}
	return strings.Join(parts, " ")
}
