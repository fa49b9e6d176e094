// Package export renders batch results as XLSX workbooks.
package export

import (
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"github.com/struktr-app/parser/internal/domain"
)

const (
	SummarySheet   = "Summary"
	DocumentsSheet = "Documents"
	FieldsSheet    = "Fields"
)

// BatchWorkbook returns an XLSX workbook (as bytes) with a summary sheet, one row
// per member document and one row per extracted field.
func BatchWorkbook(batch *domain.Batch, members []*domain.Job) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	// The default sheet becomes the summary.
	if err := f.SetSheetName("Sheet1", SummarySheet); err != nil {
		return nil, err
	}
	for _, name := range []string{DocumentsSheet, FieldsSheet} {
		if _, err := f.NewSheet(name); err != nil {
			return nil, err
		}
	}

	if err := writeSummary(f, batch, domain.CountMembers(members)); err != nil {
		return nil, err
	}
	if err := writeDocuments(f, members); err != nil {
		return nil, err
	}
	if err := writeFields(f, members); err != nil {
		return nil, err
	}

	idx, _ := f.GetSheetIndex(DocumentsSheet)
	f.SetActiveSheet(idx)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

// setRow writes values left to right starting at column A. Strings longer than
// a cell can hold are cut at excelize.TotalCellChars.
func setRow(f *excelize.File, sheet string, row int, values ...any) error {
	for i, v := range values {
		cell, err := excelize.CoordinatesToCellName(i+1, row)
		if err != nil {
			return err
		}
		if s, ok := v.(string); ok {
			v = truncate(s)
		}
		if err := f.SetCellValue(sheet, cell, v); err != nil {
			return fmt.Errorf("xlsx %s!%s: %w", sheet, cell, err)
		}
	}
	return nil
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= excelize.TotalCellChars {
		return s
	}
	return string([]rune(s)[:excelize.TotalCellChars])
}

func writeSummary(f *excelize.File, batch *domain.Batch, counts domain.BatchCounts) error {
	completed := ""
	if batch.CompletedAt != nil {
		completed = batch.CompletedAt.Format(time.RFC3339)
	}
	rows := [][]any{
		{"Batch ID", batch.ID},
		{"Status", string(batch.Status)},
		{"Created At", batch.CreatedAt.Format(time.RFC3339)},
		{"Completed At", completed},
		{"Total", counts.Total},
		{"Succeeded", counts.Succeeded},
		{"Failed", counts.Failed},
		{"Pending", counts.Pending},
		{"Processing", counts.Processing},
	}
	for i, r := range rows {
		if err := setRow(f, SummarySheet, i+1, r...); err != nil {
			return err
		}
	}
	_ = f.SetColWidth(SummarySheet, "A", "A", 16)
	_ = f.SetColWidth(SummarySheet, "B", "B", 40)
	return nil
}

func writeDocuments(f *excelize.File, members []*domain.Job) error {
	if err := setRow(f, DocumentsSheet, 1, "#", "Document ID", "Source", "Status", "Pages", "Fields", "Tables", "Error Code", "Error Reason", "Error Message"); err != nil {
		return err
	}

	for i, s := range domain.Summarize(members) {
		m := members[i]
		var pages, fields, tables any = "", "", ""
		if m.Result != nil {
			pages, fields, tables = m.Result.Pages, len(m.Result.Fields), len(m.Result.Tables)
		}
		var code, reason, msg string
		if s.Error != nil {
			code, reason, msg = string(s.Error.Code), string(s.Error.Reason), s.Error.Message
		}
		if err := setRow(f, DocumentsSheet, i+2, i+1, s.ID, s.Source, string(s.Status), pages, fields, tables, code, reason, msg); err != nil {
			return err
		}
	}

	_ = f.SetColWidth(DocumentsSheet, "A", "A", 6)
	_ = f.SetColWidth(DocumentsSheet, "B", "B", 38)
	_ = f.SetColWidth(DocumentsSheet, "C", "C", 48)
	_ = f.SetColWidth(DocumentsSheet, "D", "G", 12)
	_ = f.SetColWidth(DocumentsSheet, "H", "I", 18)
	_ = f.SetColWidth(DocumentsSheet, "J", "J", 60)
	return nil
}

func writeFields(f *excelize.File, members []*domain.Job) error {
	if err := setRow(f, FieldsSheet, 1, "Document ID", "Field", "Value", "Confidence", "Page"); err != nil {
		return err
	}

	row := 2
	for _, m := range members {
		if m.Result == nil {
			continue
		}
		names := make([]string, 0, len(m.Result.Fields))
		for name := range m.Result.Fields {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			field := m.Result.Fields[name]
			var page any = ""
			if field.Location != nil {
				page = field.Location.Page
			}
			if err := setRow(f, FieldsSheet, row, m.ID, name, cellValue(field.Value), field.Confidence, page); err != nil {
				return err
			}
			row++
		}
	}

	_ = f.SetColWidth(FieldsSheet, "A", "A", 38)
	_ = f.SetColWidth(FieldsSheet, "B", "B", 24)
	_ = f.SetColWidth(FieldsSheet, "C", "C", 40)
	return nil
}

// cellValue flattens nested values (objects, arrays) to their printed form.
func cellValue(v any) any {
	switch v.(type) {
	case nil:
		return ""
	case string, float64, int, int64, bool:
		return v
	}
	return fmt.Sprintf("%v", v)
}
