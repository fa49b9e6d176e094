package pdftext

import (
	"fmt"
	"strings"
	"unicode"
)

// markdown renders pages as Markdown: one section per page, detected tables as pipe
// tables and short upper case lines as headings.
func markdown(pages []Page, tables []table) string {
	var b strings.Builder
	for pi, p := range pages {
		if pi > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "## Page %d\n\n", p.Number)

		for i := 0; i < len(p.Lines); i++ {
			if t, ok := tableAt(tables, p.Number, i); ok {
				writeTable(&b, t)
				i = t.End - 1
				continue
			}
			line := strings.TrimSpace(p.Lines[i])
			if headingLike(line) {
				fmt.Fprintf(&b, "### %s\n\n", escape(line))
				continue
			}
			b.WriteString(escape(line))
			b.WriteString("\n\n")
		}
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

func tableAt(tables []table, page, idx int) (table, bool) {
	for _, t := range tables {
		if t.Page == page && t.Start == idx {
			return t, true
		}
	}
	return table{}, false
}

func writeTable(b *strings.Builder, t table) {
	row := func(cells []string) {
		b.WriteString("|")
		for _, c := range cells {
			b.WriteString(" ")
			b.WriteString(escape(c))
			b.WriteString(" |")
		}
		b.WriteString("\n")
	}
	row(t.Headers)
	b.WriteString("|")
	for range t.Headers {
		b.WriteString(" --- |")
	}
	b.WriteString("\n")
	for _, r := range t.Rows {
		row(r)
	}
	b.WriteString("\n")
}

func headingLike(line string) bool {
	if len(line) < 3 || len(line) > 60 || strings.HasSuffix(line, ":") {
		return false
	}
	letters := 0
	for _, r := range line {
		if unicode.IsLower(r) {
			return false
		}
		if unicode.IsLetter(r) {
			letters++
		}
	}
	return letters >= 3
}

func escape(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
