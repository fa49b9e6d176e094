package pdftext

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Runner lets tests stub the external OCR tools.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

type OCRConfig struct {
	Pdftoppm    string
	Tesseract   string
	DPI         int
	MaxPages    int
	TessdataDir string
}

func (c *OCRConfig) setDefaults() {
	if c.Pdftoppm == "" {
		c.Pdftoppm = "pdftoppm"
	}
	if c.Tesseract == "" {
		c.Tesseract = "tesseract"
	}
	if c.DPI <= 0 {
		c.DPI = 300
	}
}

type execRunner struct {
	logger *slog.Logger
}

func (r execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	err := cmd.Run()
	if err != nil {
		r.logger.Error("OCR command failed",
			slog.String("cmd", name),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("stderr", truncate(errb.String(), 4<<10)),
			slog.Any("error", err),
		)
	} else {
		r.logger.Debug("OCR command finished",
			slog.String("cmd", name),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.Int("stdout_bytes", out.Len()),
		)
	}
	return out.Bytes(), errb.Bytes(), err
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}

var boxNoise = regexp.MustCompile(`[│┃┆┇┊┋]+`)

// ocrPages rasterizes the document with pdftoppm and runs tesseract on every page.
func (e *Engine) ocrPages(ctx context.Context, data []byte, lang string) ([]Page, error) {
	tmpDir, err := os.MkdirTemp("", "struktr-ocr-*")
	if err != nil {
		return nil, fmt.Errorf("create ocr workdir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	in := filepath.Join(tmpDir, "document.pdf")
	if err := os.WriteFile(in, data, 0o600); err != nil {
		return nil, fmt.Errorf("write ocr input: %w", err)
	}

	prefix := filepath.Join(tmpDir, "page")
	_, errb, err := e.runner.Run(ctx, e.cfg.OCR.Pdftoppm, "-r", fmt.Sprintf("%d", e.cfg.OCR.DPI), "-png", in, prefix)
	if err != nil {
		return nil, fmt.Errorf("pdftoppm: %w: %s", err, truncate(string(errb), 512))
	}

	// pdftoppm zero-pads page numbers, so lexical order is page order.
	images, _ := filepath.Glob(prefix + "-*.png")
	sort.Strings(images)
	if len(images) == 0 {
		return nil, fmt.Errorf("pdftoppm produced no images")
	}
	if e.cfg.OCR.MaxPages > 0 && len(images) > e.cfg.OCR.MaxPages {
		images = images[:e.cfg.OCR.MaxPages]
	}

	pages := make([]Page, 0, len(images))
	for i, img := range images {
		args := []string{img, "stdout", "-l", lang}
		if e.cfg.OCR.TessdataDir != "" {
			args = append(args, "--tessdata-dir", e.cfg.OCR.TessdataDir)
		}
		out, _, err := e.runner.Run(ctx, e.cfg.OCR.Tesseract, args...)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Warn("OCR failed for page", slog.Int("page", i+1), slog.Any("error", err))
			pages = append(pages, Page{Number: i + 1})
			continue
		}
		text := boxNoise.ReplaceAllString(string(out), "")
		pages = append(pages, Page{Number: i + 1, Lines: splitLines(text)})
	}
	return pages, nil
}

func hasText(pages []Page) bool {
	for _, p := range pages {
		if p.hasText() {
			return true
		}
	}
	return false
}

func rawText(pages []Page) string {
	parts := make([]string, 0, len(pages))
	for _, p := range pages {
		parts = append(parts, strings.Join(p.Lines, "\n"))
	}
	return strings.Join(parts, "\n\f\n")
}
