// Package source loads document bytes referenced by URL.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/struktr-app/parser/internal/apperr"
)

const (
	DefaultTimeout = 30 * time.Second
	DefaultMaxSize = 50 << 20
)

type Config struct {
	Timeout   time.Duration
	MaxSize   int64
	UserAgent string
}

// Fetcher downloads PDFs over HTTP(S).
type Fetcher struct {
	client    *http.Client
	maxSize   int64
	userAgent string
	logger    *slog.Logger
}

func NewFetcher(cfg Config, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "struktr-parser/1.0"
	}
	return &Fetcher{
		client:    &http.Client{Timeout: cfg.Timeout},
		maxSize:   cfg.MaxSize,
		userAgent: cfg.UserAgent,
		logger:    logger,
	}
}

// WithClient replaces the HTTP client.
func (f *Fetcher) WithClient(c *http.Client) *Fetcher {
	f.client = c
	return f
}

// ValidateURL accepts absolute http(s) URLs with a host.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return apperr.New(apperr.CodeInvalidURL, "url must be an absolute http or https URL").
			WithDetail("url", raw)
	}
	return nil
}

// Fetch downloads rawURL. Transport failures and non-2xx responses are reported as
// InvalidURL, oversized bodies as FileTooLarge and non-PDF bodies as InvalidFileFormat.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}

	reqID := uuid.New().String()
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidURL, err, "could not build request for url")
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/pdf, */*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		f.logger.Warn("Source fetch failed",
			slog.String("req_id", reqID),
			slog.String("url", rawURL),
			slog.Int64("elapsed_ms", time.Since(start).Milliseconds()),
			slog.Any("error", err),
		)
		return nil, apperr.Wrap(apperr.CodeInvalidURL, err, "url could not be fetched")
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			f.logger.Warn("Source response body close failed", slog.String("req_id", reqID), slog.Any("error", err))
		}
	}(resp.Body)

	if resp.StatusCode/100 != 2 {
		return nil, apperr.New(apperr.CodeInvalidURL, "url returned status %d", resp.StatusCode).
			WithDetail("status", resp.StatusCode)
	}
	if resp.ContentLength > f.maxSize {
		return nil, tooLarge(f.maxSize)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, fmt.Errorf("read source body: %w", err)
		}
		return nil, apperr.Wrap(apperr.CodeInvalidURL, err, "url body could not be read")
	}
	if int64(len(data)) > f.maxSize {
		return nil, tooLarge(f.maxSize)
	}
	if !IsPDF(data) {
		return nil, apperr.New(apperr.CodeInvalidFileFormat, "url did not return a PDF document").
			WithDetail("supported_formats", []string{"application/pdf"})
	}

	f.logger.Debug("Source fetched",
		slog.String("req_id", reqID),
		slog.String("url", rawURL),
		slog.Int("bytes", len(data)),
		slog.Int64("elapsed_ms", time.Since(start).Milliseconds()),
	)
	return data, nil
}

// IsPDF sniffs the PDF magic header.
func IsPDF(data []byte) bool {
	return bytes.HasPrefix(bytes.TrimLeft(data, " \t\r\n"), []byte("%PDF-"))
}

func tooLarge(limit int64) *apperr.Error {
	return apperr.New(apperr.CodeFileTooLarge, "document exceeds the maximum size").
		WithDetail("max_bytes", limit)
}
