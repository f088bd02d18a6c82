package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/martinemde/engineer/agentloop"
)

// previewLimit caps tool arguments and outputs echoed to the terminal.
const previewLimit = 200

type styles struct {
	header    lipgloss.Style
	assistant lipgloss.Style
	tool      lipgloss.Style
	success   lipgloss.Style
	failure   lipgloss.Style
	warning   lipgloss.Style
	faint     lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		header:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4")),
		assistant: r.NewStyle().Foreground(lipgloss.Color("#04B575")),
		tool:      r.NewStyle().Foreground(lipgloss.Color("#00BFFF")),
		success:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("#04B575")),
		failure:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF5F87")),
		warning:   r.NewStyle().Foreground(lipgloss.Color("#FFB86C")),
		faint:     r.NewStyle().Faint(true),
	}
}

// renderer prints loop events as they arrive. Colour is used only when w is
// a terminal.
type renderer struct {
	w       io.Writer
	verbose bool
	st      styles
}

func newRenderer(w io.Writer, verbose bool) *renderer {
	return &renderer{w: w, verbose: verbose, st: newStyles(lipgloss.NewRenderer(w))}
}

// Consume renders events until the channel closes.
func (r *renderer) Consume(events <-chan agentloop.LoopEvent) {
	for ev := range events {
		r.Render(ev)
	}
}

// Render prints one event.
func (r *renderer) Render(ev agentloop.LoopEvent) {
	switch ev.Kind {
	case agentloop.EventLoopStart:
		r.printf("%s\n", r.st.header.Render(fmt.Sprintf("engineer: run %s (up to %v iterations)",
			shortID(ev.RunID), ev.Data["max_iterations"])))
	case agentloop.EventIterationStart:
		if r.verbose {
			r.printf("%s\n", r.st.faint.Render(fmt.Sprintf("-- iteration %d --", ev.Iteration)))
		}
	case agentloop.EventModelResponse:
		if text := strings.TrimSpace(str(ev.Data["text"])); text != "" {
			r.printf("%s\n", r.st.assistant.Render(text))
		}
	case agentloop.EventToolStart:
		r.printf("%s %s\n", r.st.tool.Render("> "+str(ev.Data["tool_name"])),
			r.st.faint.Render(preview(str(ev.Data["arguments"]))))
	case agentloop.EventToolEnd:
		r.renderToolEnd(ev)
	case agentloop.EventNotice:
		if r.verbose {
			r.printf("%s\n", r.st.faint.Render("notice: "+str(ev.Data["message"])))
		}
	case agentloop.EventRetry:
		r.printf("%s\n", r.st.warning.Render(fmt.Sprintf("retrying model request (attempt %v, waiting %v): %v",
			ev.Data["attempt"], ev.Data["delay"], ev.Data["error"])))
	case agentloop.EventLoopDetected, agentloop.EventWarning:
		r.printf("%s\n", r.st.warning.Render("warning: "+str(ev.Data["message"])))
	case agentloop.EventStateChange:
		if r.verbose {
			r.printf("%s\n", r.st.faint.Render("state: "+str(ev.Data["state"])))
		}
	}
}

func (r *renderer) renderToolEnd(ev agentloop.LoopEvent) {
	name := str(ev.Data["tool_name"])
	if ok, _ := ev.Data["ok"].(bool); ok {
		r.printf("%s %s\n", r.st.success.Render("ok "+name), r.st.faint.Render(str(ev.Data["elapsed"])))
		if r.verbose {
			r.printf("%s\n", r.st.faint.Render(preview(str(ev.Data["output"]))))
		}
		return
	}
	r.printf("%s %s\n", r.st.failure.Render("failed "+name),
		fmt.Sprintf("(%s) %s", str(ev.Data["kind"]), preview(str(ev.Data["error"]))))
}

// Summary prints how the run ended. It reads the Outcome rather than the
// loop_end event, which a full event buffer may have dropped.
func (r *renderer) Summary(o agentloop.Outcome) {
	if o.State == agentloop.StateCompleted {
		r.printf("%s\n", r.st.success.Render(fmt.Sprintf("Completed after %d iterations", o.Iterations)))
		return
	}
	r.printf("%s\n", r.st.failure.Render(fmt.Sprintf("Aborted after %d iterations: %s", o.Iterations, o.Reason)))
	if o.Err != nil {
		r.printf("%s\n", r.st.faint.Render(o.Err.Error()))
	}
}

func (r *renderer) printf(format string, args ...interface{}) {
	fmt.Fprintf(r.w, format, args...)
}

func str(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// preview flattens s to one line and shortens it to previewLimit runes.
func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= previewLimit {
		return s
	}
	return string(runes[:previewLimit]) + "..."
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
