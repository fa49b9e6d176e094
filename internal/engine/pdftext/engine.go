// Package pdftext is the default extraction engine. It reads the text layer with
// ledongthuc/pdf, falls back to pdftoppm + tesseract for scanned documents and
// derives tables and fields with layout heuristics.
package pdftext

import (
	"bytes"
	"context"
	"log/slog"

	"github.com/struktr-app/parser/internal/apperr"
	"github.com/struktr-app/parser/internal/domain"
	"github.com/struktr-app/parser/internal/engine"
)

const (
	MethodText = "pdf-text"
	MethodOCR  = "pdf-ocr"
)

type Config struct {
	OCR OCRConfig
}

type Engine struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
}

var _ engine.Engine = (*Engine)(nil)

func New(cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.OCR.setDefaults()
	return &Engine{cfg: cfg, runner: execRunner{logger: logger}, logger: logger}
}

// WithRunner replaces the command runner used for OCR.
func (e *Engine) WithRunner(r Runner) *Engine {
	e.runner = r
	return e
}

func (e *Engine) Extract(ctx context.Context, req engine.Request) (*domain.Result, error) {
	if !bytes.HasPrefix(bytes.TrimLeft(req.Document, " \t\r\n"), []byte("%PDF-")) {
		return nil, apperr.Processing(apperr.ReasonCorruptFile, "document is not a PDF")
	}

	pages, err := readPages(req.Document, req.Options.ExtractImages)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	method := MethodText
	if !hasText(pages) {
		if !req.Options.OCREnabled {
			return nil, apperr.Processing(apperr.ReasonNoTextContent,
				"document has no text layer; enable ocr_enabled for scanned documents")
		}
		scanned, err := e.ocrPages(ctx, req.Document, engine.OCRLanguage(req.Options.Language))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Warn("OCR fallback failed",
				slog.String("job_id", req.JobID),
				slog.Any("error", err),
			)
			return nil, apperr.Processing(apperr.ReasonNoTextContent, "document has no extractable text")
		}
		for i := range scanned {
			if i < len(pages) {
				scanned[i].Images = pages[i].Images
			}
		}
		pages = scanned
		method = MethodOCR
		if !hasText(pages) {
			return nil, apperr.Processing(apperr.ReasonNoTextContent, "document has no extractable text")
		}
	}

	if garbled(pages) {
		return nil, apperr.Processing(apperr.ReasonUnsupportedEncoding, "document text uses an unsupported encoding")
	}

	result := analyze(pages, req.Options)
	result.Method = method

	e.logger.Debug("Extraction finished",
		slog.String("job_id", req.JobID),
		slog.String("method", method),
		slog.Int("pages", result.Pages),
		slog.Int("tables", len(result.Tables)),
		slog.Int("fields", len(result.Fields)),
	)
	return result, nil
}
