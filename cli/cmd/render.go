//go:build web

package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mattn/go-runewidth"

	"playground/model"
)

// renderDiagnostic
//
//	Formats a diagnostic against the submitted source the way the compiler
//	would print it: a header, the location of the primary span and every
//	span's line with a marker underneath. The primary span is marked with
//	carets, the others with dashes. Spans outside the source only print
//	their location.
func renderDiagnostic(source string, file string, d model.CargoDiagnostic) string {
	lines := strings.Split(source, "\n")

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s\n", strings.ToLower(d.Level.String()), d.Message)

	primary, ok := d.PrimarySpan()
	if ok {
		fmt.Fprintf(&b, "  --> %s:%d:%d\n", file, primary.LineStart, primary.ColumnStart)
	} else {
		fmt.Fprintf(&b, "  --> %s (%s)\n", file, d.TargetCrate)
	}

	gutter := 1
	for _, s := range d.Spans {
		if w := len(strconv.FormatUint(uint64(s.LineStart), 10)); w > gutter {
			gutter = w
		}
	}
	pad := strings.Repeat(" ", gutter)

	for _, s := range d.Spans {
		if s.LineStart == 0 || s.LineStart > uint(len(lines)) {
			fmt.Fprintf(&b, "%s = %s:%d:%d%s\n", pad, file, s.LineStart, s.ColumnStart, labelSuffix(s))
			continue
		}

		line := strings.TrimRight(lines[s.LineStart-1], "\r")
		fmt.Fprintf(&b, "%s |\n", pad)
		fmt.Fprintf(&b, "%*d | %s\n", gutter, s.LineStart, line)
		fmt.Fprintf(&b, "%s | %s%s\n", pad, underline(line, s), labelSuffix(s))
	}

	return strings.TrimRight(b.String(), "\n")
}

// underline returns the marker line for s, measured in terminal cells.
// Multi-line spans run to the end of the first line.
func underline(line string, s model.CargoDiagnosticSpan) string {
	runes := []rune(line)

	start := column(s.ColumnStart, len(runes))
	end := column(s.ColumnEnd, len(runes))
	if s.LineEnd > s.LineStart {
		end = len(runes)
	}
	if end < start {
		end = start
	}
	width := runewidth.StringWidth(string(runes[start:end]))
	if width < 1 {
		width = 1
	}

	var b strings.Builder
	for _, r := range runes[:start] {
		if r == '\t' {
			b.WriteRune('\t')
			continue
		}
		b.WriteString(strings.Repeat(" ", runewidth.RuneWidth(r)))
	}

	marker := "-"
	if s.IsPrimary {
		marker = "^"
	}
	b.WriteString(strings.Repeat(marker, width))
	return b.String()
}

// column converts a 1-based column to an index clamped to [0, limit].
func column(c uint, limit int) int {
	if c == 0 {
		return 0
	}
	if c-1 > uint(limit) {
		return limit
	}
	return int(c - 1)
}

func labelSuffix(s model.CargoDiagnosticSpan) string {
	if s.Label == nil || *s.Label == "" {
		return ""
	}
	return " " + *s.Label
}
