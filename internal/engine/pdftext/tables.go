package pdftext

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/struktr-app/parser/internal/domain"
)

var cellSep = regexp.MustCompile(`\t+|\s{2,}`)

// table is a run of aligned lines on one page; lines [Start, End) belong to it.
type table struct {
	Page    int
	Start   int
	End     int
	Headers []string
	Rows    [][]string
}

func (t table) toDomain() domain.Table {
	return domain.Table{Page: t.Page, Headers: t.Headers, Rows: t.Rows}
}

func splitCells(line string) []string {
	parts := cellSep.Split(strings.TrimSpace(line), -1)
	cells := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			cells = append(cells, p)
		}
	}
	return cells
}

// header reports whether cells look like column titles rather than data or a
// "label: value" pair.
func header(cells []string) bool {
	letters := false
	for _, c := range cells {
		if strings.HasSuffix(c, ":") {
			return false
		}
		if _, ok := parseNumber(c); ok {
			return false
		}
		for _, r := range c {
			if unicode.IsLetter(r) {
				letters = true
				break
			}
		}
	}
	return letters
}

// detectTables finds runs of at least two consecutive lines that split into the same
// number (>= 2) of whitespace separated columns, the first of which is a header.
func detectTables(pages []Page) []table {
	var tables []table
	for _, p := range pages {
		i := 0
		for i < len(p.Lines) {
			head := splitCells(p.Lines[i])
			if len(head) < 2 || !header(head) {
				i++
				continue
			}
			j := i + 1
			var rows [][]string
			for j < len(p.Lines) {
				cells := splitCells(p.Lines[j])
				if len(cells) != len(head) {
					break
				}
				rows = append(rows, cells)
				j++
			}
			if len(rows) == 0 {
				i++
				continue
			}
			tables = append(tables, table{Page: p.Number, Start: i, End: j, Headers: head, Rows: rows})
			i = j
		}
	}
	return tables
}

// inTable reports whether line idx of page belongs to a detected table.
func inTable(tables []table, page, idx int) bool {
	for _, t := range tables {
		if t.Page == page && idx >= t.Start && idx < t.End {
			return true
		}
	}
	return false
}
