package pdftext

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/struktr-app/parser/internal/apperr"
	"github.com/struktr-app/parser/internal/domain"
	"github.com/struktr-app/parser/internal/engine"
	"github.com/struktr-app/parser/internal/schema"
)

func invoicePages() []Page {
	return []Page{
		{Number: 1, Lines: []string{
			"ACME SUPPLIES INC",
			"Invoice Number: INV-2024-001",
			"Invoice Date: 2024-03-15",
			"Bill To: Globex Corporation",
			"Vendor Email: billing@acme.example",
		}},
		{Number: 2, Images: 1, Lines: []string{
			"Description        Qty      Unit Price      Amount",
			"Widget A           2        10.00           20.00",
			"Widget B           1        5.50            5.50",
			"Service Fee        3        100.00          300.00",
		}},
		{Number: 3, Lines: []string{
			"Subtotal:   325.50",
			"Tax:   26.04",
			"Total:   351.54",
		}},
	}
}

func TestAnalyze_FreeForm(t *testing.T) {
	result := analyze(invoicePages(), domain.DefaultOptions())

	assert.Equal(t, 3, result.Pages)
	require.Len(t, result.Tables, 1)
	assert.Equal(t, 2, result.Tables[0].Page)
	assert.Equal(t, []string{"Description", "Qty", "Unit Price", "Amount"}, result.Tables[0].Headers)
	require.Len(t, result.Tables[0].Rows, 3)
	assert.Equal(t, []string{"Widget A", "2", "10.00", "20.00"}, result.Tables[0].Rows[0])

	total, ok := result.Fields["total"]
	require.True(t, ok)
	assert.Equal(t, 351.54, total.Value)
	assert.GreaterOrEqual(t, total.Confidence, 0.0)
	assert.LessOrEqual(t, total.Confidence, 1.0)
	assert.Equal(t, &domain.Location{Page: 3, Line: 3}, total.Location)

	assert.Equal(t, "INV-2024-001", result.Fields["invoice_number"].Value)
	assert.Equal(t, "2024-03-15", result.Fields["invoice_date"].Value)
	assert.Equal(t, 325.5, result.Fields["subtotal"].Value)

	// Table rows never leak into fields.
	_, ok = result.Fields["widget_a"]
	assert.False(t, ok)

	assert.Contains(t, result.RawText, "Total:   351.54")
	assert.Empty(t, result.Markdown)
	assert.Nil(t, result.Images)
}

func TestAnalyze_TotalAlias(t *testing.T) {
	pages := []Page{{Number: 1, Lines: []string{"Amount Due: $1,200.00"}}}
	result := analyze(pages, domain.DefaultOptions())

	total, ok := result.Fields["total"]
	require.True(t, ok)
	assert.Equal(t, 1200.0, total.Value)
	assert.Less(t, total.Confidence, result.Fields["amount_due"].Confidence)
}

func TestAnalyze_Schema(t *testing.T) {
	root := schema.Object(
		schema.Prop("invoice_number", schema.String("Invoice identifier")),
		schema.Prop("issued_on", schema.Formatted(schema.FormatDate, "Invoice date")),
		schema.Prop("total", schema.Number("Grand total")),
		schema.Prop("po_number", schema.String("")),
		schema.Prop("vendor", schema.Object(
			schema.Prop("email", schema.Formatted(schema.FormatEmail, "")),
		)),
		schema.Prop("line_items", schema.Array(schema.Object(
			schema.Prop("description", schema.String("")),
			schema.Prop("quantity", schema.Integer("")),
			schema.Prop("amount", schema.Number("")),
		))),
	)
	opts := domain.DefaultOptions()
	opts.Schema = root

	result := analyze(invoicePages(), opts)

	require.Len(t, result.Fields, 6)
	assert.Equal(t, "INV-2024-001", result.Fields["invoice_number"].Value)
	assert.Equal(t, "2024-03-15", result.Fields["issued_on"].Value)
	assert.Equal(t, 351.54, result.Fields["total"].Value)
	assert.Nil(t, result.Fields["po_number"].Value)
	assert.Zero(t, result.Fields["po_number"].Confidence)
	assert.Equal(t, map[string]any{"email": "billing@acme.example"}, result.Fields["vendor"].Value)

	items, ok := result.Fields["line_items"].Value.([]any)
	require.True(t, ok)
	require.Len(t, items, 3)
	assert.Equal(t, map[string]any{"description": "Widget A", "quantity": int64(2), "amount": 20.0}, items[0])
	assert.Equal(t, &domain.Location{Page: 2, Line: 1}, result.Fields["line_items"].Location)

	for name, f := range result.Fields {
		assert.GreaterOrEqual(t, f.Confidence, 0.0, name)
		assert.LessOrEqual(t, f.Confidence, 1.0, name)
	}

	values := make(map[string]any, len(result.Fields))
	for name, f := range result.Fields {
		values[name] = f.Value
	}
	assert.NoError(t, schema.ValidateResult(root, values))
}

func TestAnalyze_OutputFormats(t *testing.T) {
	t.Run("raw skips fields", func(t *testing.T) {
		opts := domain.DefaultOptions()
		opts.OutputFormat = domain.OutputRaw
		result := analyze(invoicePages(), opts)
		assert.Nil(t, result.Fields)
		assert.NotEmpty(t, result.RawText)
	})

	t.Run("markdown", func(t *testing.T) {
		opts := domain.DefaultOptions()
		opts.OutputFormat = domain.OutputMarkdown
		result := analyze(invoicePages(), opts)
		assert.Contains(t, result.Markdown, "## Page 1")
		assert.Contains(t, result.Markdown, "### ACME SUPPLIES INC")
		assert.Contains(t, result.Markdown, "| Description | Qty | Unit Price | Amount |")
		assert.Contains(t, result.Markdown, "| --- | --- | --- | --- |")
		assert.Contains(t, result.Markdown, "| Widget A | 2 | 10.00 | 20.00 |")
		assert.NotEmpty(t, result.Fields)
	})

	t.Run("tables and images toggles", func(t *testing.T) {
		opts := domain.DefaultOptions()
		opts.ExtractTables = false
		opts.ExtractImages = true
		result := analyze(invoicePages(), opts)
		assert.Nil(t, result.Tables)
		assert.Equal(t, []int{0, 1, 0}, result.Images)
	})
}

func TestParseNumber(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"$1,234.56", 1234.56, true},
		{"1.234,56 €", 1234.56, true},
		{"(45.00)", -45, true},
		{"12,50", 12.5, true},
		{"1,000", 1000, true},
		{"-7", -7, true},
		{"€ 9", 9, true},
		{"Order 12 of 30", 0, false},
		{"abc", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := parseNumber(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.InDelta(t, tt.want, got, 1e-9)
			}
		})
	}
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"2024-03-15", "2024-03-15", true},
		{"03/15/2024", "2024-03-15", true},
		{"Mar 5, 2024", "2024-03-05", true},
		{"15 January 2024", "2024-01-15", true},
		{"Due 2024/04/01", "2024-04-01", true},
		{"not a date", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := parseDate(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConvert(t *testing.T) {
	v, ok := convert(schema.Integer(""), "3")
	assert.True(t, ok)
	assert.Equal(t, int64(3), v)

	_, ok = convert(schema.Integer(""), "3.5")
	assert.False(t, ok)

	v, ok = convert(schema.Boolean(""), "Yes")
	assert.True(t, ok)
	assert.Equal(t, true, v)

	v, ok = convert(schema.Formatted(schema.FormatEmail, ""), "mail: a.b@example.com")
	assert.True(t, ok)
	assert.Equal(t, "a.b@example.com", v)

	v, ok = convert(schema.Formatted(schema.FormatDate, ""), "someday")
	assert.False(t, ok)
	assert.Equal(t, "someday", v)
}

func TestDetectTables_IgnoresLabelValueRuns(t *testing.T) {
	pages := []Page{{Number: 1, Lines: []string{
		"Subtotal:   325.50",
		"Tax:   26.04",
	}}}
	assert.Empty(t, detectTables(pages))
}

func TestExtract_ReasonMapping(t *testing.T) {
	e := New(Config{}, nil)

	tests := []struct {
		name   string
		doc    string
		reason apperr.Reason
	}{
		{"not a pdf", "hello world", apperr.ReasonCorruptFile},
		{"broken structure", "%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\n", apperr.ReasonCorruptFile},
		{"encrypted", "%PDF-1.4\n1 0 obj\n<< /Encrypt 2 0 R >>\nendobj\n", apperr.ReasonPasswordProtected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Extract(context.Background(), engine.Request{JobID: "job", Document: []byte(tt.doc), Options: domain.DefaultOptions()})
			require.Error(t, err)
			ae := apperr.From(err)
			assert.Equal(t, apperr.CodeProcessingFailed, ae.Code)
			assert.Equal(t, tt.reason, ae.Reason)
		})
	}
}

type fakeRunner struct {
	pages    []string
	failRast bool
	calls    []string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.calls = append(f.calls, name+" "+strings.Join(args, " "))
	switch name {
	case "pdftoppm":
		if f.failRast {
			return nil, []byte("boom"), errors.New("exit status 1")
		}
		prefix := args[len(args)-1]
		for i := range f.pages {
			if err := os.WriteFile(prefix+"-"+string(rune('1'+i))+".png", []byte("png"), 0o600); err != nil {
				return nil, nil, err
			}
		}
		return nil, nil, nil
	case "tesseract":
		base := filepath.Base(args[0])
		idx := int(base[len("page-")] - '1')
		return []byte(f.pages[idx]), nil, nil
	}
	return nil, nil, errors.New("unexpected command")
}

func TestOCRPages(t *testing.T) {
	runner := &fakeRunner{pages: []string{"Invoice Number: 42\nTotal: 10.00\n", "\n"}}
	e := New(Config{OCR: OCRConfig{DPI: 200}}, nil).WithRunner(runner)

	pages, err := e.ocrPages(context.Background(), []byte("%PDF-1.4"), "deu")
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Equal(t, []string{"Invoice Number: 42", "Total: 10.00"}, pages[0].Lines)
	assert.Empty(t, pages[1].Lines)
	assert.True(t, hasText(pages))

	require.Len(t, runner.calls, 3)
	assert.Contains(t, runner.calls[0], "pdftoppm -r 200 -png")
	assert.Contains(t, runner.calls[1], "stdout -l deu")
}

func TestOCRPages_MaxPages(t *testing.T) {
	runner := &fakeRunner{pages: []string{"one", "two", "three"}}
	e := New(Config{OCR: OCRConfig{MaxPages: 2}}, nil).WithRunner(runner)

	pages, err := e.ocrPages(context.Background(), []byte("%PDF-1.4"), "eng")
	require.NoError(t, err)
	assert.Len(t, pages, 2)
}

func TestOCRPages_RasterizeFailure(t *testing.T) {
	e := New(Config{}, nil).WithRunner(&fakeRunner{failRast: true})

	_, err := e.ocrPages(context.Background(), []byte("%PDF-1.4"), "eng")
	assert.ErrorContains(t, err, "pdftoppm")
}

func TestGarbled(t *testing.T) {
	assert.False(t, garbled(invoicePages()))
	assert.True(t, garbled([]Page{{Number: 1, Lines: []string{"��� a"}}}))
}

// run is one piece of text placed at x, y on a page.
type run struct {
	X, Y float64
	S    string
}

// buildPDF writes an uncompressed PDF with one Helvetica text object per run.
func buildPDF(pages [][]run) []byte {
	var (
		buf     bytes.Buffer
		offsets []int
	)
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buf.WriteString("%PDF-1.4\n")
	fontID := 3 + 2*len(pages)
	kids := make([]string, len(pages))
	for i := range pages {
		kids[i] = fmt.Sprintf("%d 0 R", 3+2*i)
	}
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), len(pages)))
	for i, runs := range pages {
		var content strings.Builder
		content.WriteString("BT\n/F1 10 Tf\n")
		for _, r := range runs {
			fmt.Fprintf(&content, "1 0 0 1 %.0f %.0f Tm\n(%s) Tj\n", r.X, r.Y, r.S)
		}
		content.WriteString("ET")
		obj(fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 %d 0 R >> >> /Contents %d 0 R >>", fontID, 4+2*i))
		obj(fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", content.Len(), content.String()))
	}
	obj("<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>")

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(offsets)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}

func invoicePDF() []byte {
	row := func(y float64, cells ...string) []run {
		xs := []float64{72, 250, 330, 430}
		out := make([]run, len(cells))
		for i, c := range cells {
			out[i] = run{X: xs[i], Y: y, S: c}
		}
		return out
	}
	var items []run
	items = append(items, row(700, "Description", "Qty", "Unit Price", "Amount")...)
	items = append(items, row(680, "Paper A4", "2", "5.00", "10.00")...)
	items = append(items, row(660, "Toner", "1", "15.50", "15.50")...)

	return buildPDF([][]run{
		{
			{X: 72, Y: 740, S: "ACME SUPPLIES INC"},
			{X: 72, Y: 720, S: "Invoice Number: INV-1001"},
			{X: 72, Y: 700, S: "Invoice Date: 2026-03-01"},
		},
		items,
		{
			{X: 72, Y: 700, S: "Subtotal: 25.50"},
			{X: 72, Y: 680, S: "Tax: 2.04"},
			{X: 72, Y: 660, S: "Total: 27.54"},
		},
	})
}

func TestExtract_InvoicePDF(t *testing.T) {
	e := New(Config{}, nil)
	opts := domain.DefaultOptions()
	opts.ExtractTables = true

	result, err := e.Extract(context.Background(), engine.Request{JobID: "job-1", Document: invoicePDF(), Options: opts})
	require.NoError(t, err)

	assert.Equal(t, MethodText, result.Method)
	assert.Equal(t, 3, result.Pages)

	require.Len(t, result.Tables, 1)
	table := result.Tables[0]
	assert.Equal(t, 2, table.Page)
	assert.Equal(t, []string{"Description", "Qty", "Unit Price", "Amount"}, table.Headers)
	assert.Equal(t, [][]string{
		{"Paper A4", "2", "5.00", "10.00"},
		{"Toner", "1", "15.50", "15.50"},
	}, table.Rows)

	total, ok := result.Fields["total"]
	require.True(t, ok)
	assert.Equal(t, 27.54, total.Value)
	assert.GreaterOrEqual(t, total.Confidence, 0.0)
	assert.LessOrEqual(t, total.Confidence, 1.0)
	assert.Equal(t, 3, total.Location.Page)
	assert.Equal(t, "INV-1001", result.Fields["invoice_number"].Value)

	opts.ExtractTables = false
	result, err = e.Extract(context.Background(), engine.Request{JobID: "job-2", Document: invoicePDF(), Options: opts})
	require.NoError(t, err)
	assert.Empty(t, result.Tables)
}
