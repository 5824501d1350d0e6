package viewer

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/dmmdekkd/yunkit/internal/logstream"
)

const sgrReset = "\x1b[0m"

var (
	timestampStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	levelStyles = map[logstream.Level]lipgloss.Style{
		logstream.LevelTrace: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		logstream.LevelDebug: lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
		logstream.LevelInfo:  lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		logstream.LevelWarn:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		logstream.LevelError: lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		logstream.LevelFatal: lipgloss.NewStyle().Foreground(lipgloss.Color("201")).Bold(true),
		logstream.LevelMark:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	}
)

// Render formats rec as one line: timestamp, severity tag, then the
// content segments. With color the record's own SGR colors are kept and
// reset after each segment; without it every escape is stripped.
func Render(rec logstream.Record, color bool) string {
	ts := "[" + rec.Timestamp + "] "
	tag := "[" + strings.ToUpper(string(rec.Level)) + "] "

	var body strings.Builder
	if len(rec.Blocks) > 0 {
		for i, b := range rec.Blocks {
			if i > 0 {
				body.WriteByte(' ')
			}
			body.WriteString(segment(b.Color+b.Text, color))
		}
	} else {
		body.WriteString(segment(rec.Text(), color))
	}

	if !color {
		return ts + tag + body.String()
	}
	style, ok := levelStyles[rec.Level]
	if !ok {
		style = levelStyles[logstream.LevelInfo]
	}
	return timestampStyle.Render(ts) + style.Render(tag) + body.String()
}

func segment(s string, color bool) string {
	if !color {
		return ansi.Strip(s)
	}
	if strings.Contains(s, "\x1b[") {
		return s + sgrReset
	}
	return s
}
