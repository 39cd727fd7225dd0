package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/nomis52/goactivity/engine"
	"github.com/nomis52/goactivity/machine"
)

var (
	purple = lipgloss.Color("99")
	green  = lipgloss.Color("76")
	red    = lipgloss.Color("204")
	yellow = lipgloss.Color("214")
	dim    = lipgloss.Color("243")
)

var (
	accentStyle  = lipgloss.NewStyle().Foreground(purple)
	successStyle = lipgloss.NewStyle().Foreground(green)
	errorStyle   = lipgloss.NewStyle().Foreground(red)
	warnStyle    = lipgloss.NewStyle().Foreground(yellow)
	mutedStyle   = lipgloss.NewStyle().Foreground(dim)
	boldStyle    = lipgloss.NewStyle().Bold(true)
)

func accent(s string) string { return accentStyle.Render(s) }
func bold(s string) string   { return boldStyle.Render(s) }
func muted(s string) string  { return mutedStyle.Render(s) }

func successMsg(format string, a ...any) string {
	return successStyle.Render("✓") + " " + fmt.Sprintf(format, a...)
}

func warnMsg(format string, a ...any) string {
	return warnStyle.Render("!") + " " + fmt.Sprintf(format, a...)
}

func errorMsg(format string, a ...any) string {
	return errorStyle.Render("✗") + " " + fmt.Sprintf(format, a...)
}

func infoMsg(format string, a ...any) string {
	return accentStyle.Render("●") + " " + fmt.Sprintf(format, a...)
}

type pair struct {
	key   string
	value string
}

func kv(key, value string) pair {
	return pair{key: key, value: value}
}

// keyValues renders aligned "key:  value" lines.
func keyValues(indent string, pairs ...pair) string {
	width := 0
	for _, p := range pairs {
		width = max(width, lipgloss.Width(p.key))
	}
	var b strings.Builder
	for _, p := range pairs {
		label := mutedStyle.Render(p.key + ":")
		pad := strings.Repeat(" ", width-lipgloss.Width(p.key)+2)
		fmt.Fprintf(&b, "%s%s%s%s\n", indent, label, pad, p.value)
	}
	return b.String()
}

func renderCompletion(c engine.Completion) string {
	var headline string
	switch c.Cause {
	case machine.CauseFinished:
		headline = successMsg("%s finished", c.Name)
	case machine.CauseInterrupted, machine.CauseExpired:
		headline = warnMsg("%s %s", c.Name, c.Cause)
	default:
		headline = errorMsg("%s %s", c.Name, c.Cause)
	}

	pairs := []pair{
		kv("ID", c.ID.String()),
		kv("Cause", c.Cause.String()),
		kv("Duration", c.Duration().Round(time.Millisecond).String()),
	}
	if c.Err != nil {
		pairs = append(pairs, kv("Error", errorStyle.Render(c.Err.Error())))
	}
	return headline + "\n" + keyValues("  ", pairs...)
}

// spanPrinter prints machine execution spans as they start and end,
// listing the nodes each machine passed through.
type spanPrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func newSpanPrinter(out io.Writer) *spanPrinter {
	return &spanPrinter{out: out}
}

func (p *spanPrinter) OnStart(_ context.Context, span sdktrace.ReadWriteSpan) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, infoMsg("%s started", spanMachine(span.Attributes(), span.Name())))
}

func (p *spanPrinter) OnEnd(span sdktrace.ReadOnlySpan) {
	name := spanMachine(span.Attributes(), span.Name())
	var nodes []string
	for _, e := range span.Events() {
		if e.Name != "node.current" {
			continue
		}
		if n := attributeValue(e.Attributes, "node"); n != "" {
			nodes = append(nodes, n)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(nodes) > 0 {
		fmt.Fprintln(p.out, "  "+muted(strings.Join(nodes, " → ")))
	}
	status := span.Status()
	if status.Code == codes.Error {
		fmt.Fprintln(p.out, errorMsg("%s failed: %s", name, status.Description))
		return
	}
	fmt.Fprintln(p.out, successMsg("%s done in %s", name, span.EndTime().Sub(span.StartTime()).Round(time.Millisecond)))
}

func (p *spanPrinter) Shutdown(context.Context) error {
	return nil
}

func (p *spanPrinter) ForceFlush(context.Context) error {
	return nil
}

func spanMachine(attrs []attribute.KeyValue, fallback string) string {
	if name := attributeValue(attrs, "machine.name"); name != "" {
		return name
	}
	return fallback
}

func attributeValue(attrs []attribute.KeyValue, key string) string {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return attr.Value.AsString()
		}
	}
	return ""
}
