package pdftext

import (
	"github.com/struktr-app/parser/internal/domain"
)

// analyze builds the result for pages according to opts.
func analyze(pages []Page, opts domain.Options) *domain.Result {
	tables := detectTables(pages)
	result := &domain.Result{
		Pages:   len(pages),
		RawText: rawText(pages),
	}

	if opts.ExtractTables && len(tables) > 0 {
		result.Tables = make([]domain.Table, 0, len(tables))
		for _, t := range tables {
			result.Tables = append(result.Tables, t.toDomain())
		}
	}

	found := pairs(pages, tables)
	switch {
	case opts.Schema != nil:
		result.Fields = schemaFields(found, tables, opts.Schema)
	case opts.OutputFormat != domain.OutputRaw:
		result.Fields = freeForm(found)
	}

	if opts.OutputFormat == domain.OutputMarkdown {
		result.Markdown = markdown(pages, tables)
	}

	if opts.ExtractImages {
		result.Images = make([]int, len(pages))
		for i, p := range pages {
			result.Images[i] = p.Images
		}
	}
	return result
}
