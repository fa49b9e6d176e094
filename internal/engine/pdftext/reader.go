package pdftext

import (
	"bytes"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"github.com/struktr-app/parser/internal/apperr"
)

const (
	// Gaps are measured in multiples of the font size.
	wordGap   = 0.15
	columnGap = 1.5
	columnSep = "   "
)

// Page is the text of one document page, top to bottom.
type Page struct {
	Number int
	Lines  []string
	Images int
}

func (p Page) hasText() bool {
	for _, l := range p.Lines {
		if strings.TrimSpace(l) != "" {
			return true
		}
	}
	return false
}

// readPages extracts positioned text from every page. The pdf package panics on some
// malformed inputs, so panics are reported as corrupt files.
func readPages(data []byte, withImages bool) (pages []Page, err error) {
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			if bytes.Contains(data, []byte("/Encrypt")) {
				err = apperr.Processing(apperr.ReasonPasswordProtected, "document is password protected")
				return
			}
			err = apperr.Processing(apperr.ReasonCorruptFile, "document structure could not be read")
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		if encrypted(data, err) {
			return nil, apperr.Processing(apperr.ReasonPasswordProtected, "document is password protected")
		}
		ae := apperr.Processing(apperr.ReasonCorruptFile, "document structure could not be read")
		ae.Cause = err
		return nil, ae
	}

	n := reader.NumPage()
	if n == 0 {
		return nil, apperr.Processing(apperr.ReasonCorruptFile, "document has no pages")
	}

	pages = make([]Page, 0, n)
	for i := 1; i <= n; i++ {
		p := reader.Page(i)
		page := Page{Number: i}
		if !p.V.IsNull() {
			page.Lines = pageLines(p)
			if withImages {
				page.Images = countImages(p)
			}
		}
		pages = append(pages, page)
	}
	return pages, nil
}

func encrypted(data []byte, err error) bool {
	if strings.Contains(strings.ToLower(err.Error()), "encrypt") {
		return true
	}
	return bytes.Contains(data, []byte("/Encrypt"))
}

func pageLines(p pdf.Page) []string {
	rows, err := p.GetTextByRow()
	if err != nil || len(rows) == 0 {
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil
		}
		return splitLines(text)
	}

	// PDF y grows upwards.
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Position > rows[j].Position })

	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		if line := joinRow(row.Content); strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// joinRow rebuilds a line from positioned glyph runs, widening large horizontal gaps
// into column separators so tables survive as text.
func joinRow(texts pdf.TextHorizontal) string {
	items := make([]pdf.Text, len(texts))
	copy(items, texts)
	sort.SliceStable(items, func(i, j int) bool { return items[i].X < items[j].X })

	var (
		b   strings.Builder
		end float64
	)
	for i, t := range items {
		if i > 0 {
			size := t.FontSize
			if size <= 0 {
				size = 10
			}
			gap := t.X - end
			switch {
			case gap > size*columnGap:
				b.WriteString(columnSep)
			case gap > size*wordGap && !strings.HasSuffix(b.String(), " ") && !strings.HasPrefix(t.S, " "):
				b.WriteByte(' ')
			}
		}
		b.WriteString(t.S)
		end = t.X + t.W
	}
	return b.String()
}

func countImages(p pdf.Page) int {
	xobjects := p.Resources().Key("XObject")
	n := 0
	for _, name := range xobjects.Keys() {
		if xobjects.Key(name).Key("Subtype").Name() == "Image" {
			n++
		}
	}
	return n
}

func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	raw := strings.Split(text, "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		l = strings.TrimRight(l, " \t\f")
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// garbled reports whether most visible characters failed to decode, which happens
// with fonts that lack a usable encoding.
func garbled(pages []Page) bool {
	var total, bad int
	for _, p := range pages {
		for _, l := range p.Lines {
			for _, r := range l {
				if unicode.IsSpace(r) {
					continue
				}
				total++
				if r == utf8.RuneError || unicode.IsControl(r) || unicode.Is(unicode.Co, r) {
					bad++
				}
			}
		}
	}
	return total > 0 && float64(bad)/float64(total) > 0.3
}
