// Package engine defines the extraction engine contract used by the scheduler.
package engine

import (
	"context"
	"strings"

	"github.com/struktr-app/parser/internal/domain"
)

// Request is one document handed to an engine.
type Request struct {
	JobID    string
	Document []byte
	Options  domain.Options
}

// Engine turns document bytes into a structured result. Failures should be
// *apperr.Error values with CodeProcessingFailed and a reason; any other error
// is reported as an internal extraction error.
type Engine interface {
	Extract(ctx context.Context, req Request) (*domain.Result, error)
}

// Func adapts a plain function to Engine.
type Func func(ctx context.Context, req Request) (*domain.Result, error)

func (f Func) Extract(ctx context.Context, req Request) (*domain.Result, error) {
	return f(ctx, req)
}

var tesseractLangs = map[string]string{
	"en": "eng",
	"de": "deu",
	"fr": "fra",
	"es": "spa",
	"it": "ita",
	"pt": "por",
	"nl": "nld",
	"pl": "pol",
	"ja": "jpn",
	"ko": "kor",
	"zh": "chi_sim",
}

// OCRLanguage maps an ISO 639-1 language option to a tesseract language pack name.
// Unknown values are passed through so callers can name packs directly.
func OCRLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" {
		return "eng"
	}
	if code, ok := tesseractLangs[lang]; ok {
		return code
	}
	return lang
}
