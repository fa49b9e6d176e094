package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"net/url"

	"github.com/struktr-app/parser/internal/apperr"
	"github.com/struktr-app/parser/internal/blob"
	"github.com/struktr-app/parser/internal/domain"
	"github.com/struktr-app/parser/internal/schema"
	"github.com/struktr-app/parser/internal/source"
)

// Request is one document submission. Exactly one of Document and URL must be set.
type Request struct {
	AccountID  string
	Document   []byte
	Filename   string
	URL        string
	Options    domain.Options
	WebhookURL string
	Mode       domain.Mode
}

// Prepared is a validated job that has not been persisted or queued yet.
type Prepared struct {
	Job      *domain.Job
	document []byte
}

// Prepare validates req and builds its pending job. Nothing is stored.
func (s *Scheduler) Prepare(req Request) (*Prepared, error) {
	hasDoc := len(req.Document) > 0
	hasURL := req.URL != ""
	switch {
	case !hasDoc && !hasURL:
		return nil, apperr.InvalidRequest("one of file or url is required")
	case hasDoc && hasURL:
		return nil, apperr.InvalidRequest("file and url are mutually exclusive")
	}

	opts, err := NormalizeOptions(req.Options)
	if err != nil {
		return nil, err
	}
	if req.WebhookURL != "" {
		if err := ValidateWebhookURL(req.WebhookURL); err != nil {
			return nil, err
		}
	}

	mode := req.Mode
	if mode == "" {
		mode = domain.ModeAsync
	}

	job := &domain.Job{
		ID:         s.cfg.NewID(),
		AccountID:  req.AccountID,
		Status:     domain.JobStatusPending,
		Mode:       mode,
		Options:    opts,
		WebhookURL: req.WebhookURL,
		CreatedAt:  s.cfg.Now(),
	}

	if hasDoc {
		if int64(len(req.Document)) > s.cfg.MaxFileSize {
			return nil, apperr.New(apperr.CodeFileTooLarge, "file exceeds the maximum size of %d bytes", s.cfg.MaxFileSize).
				WithDetail("max_bytes", s.cfg.MaxFileSize)
		}
		if !source.IsPDF(req.Document) {
			return nil, apperr.New(apperr.CodeInvalidFileFormat, "file is not a PDF document").
				WithDetail("supported_formats", []string{"application/pdf"})
		}
		job.Source = domain.Source{
			Kind:     domain.SourceUpload,
			Filename: req.Filename,
			Size:     int64(len(req.Document)),
			BlobKey:  blob.Key(req.AccountID, job.ID, job.CreatedAt),
		}
		return &Prepared{Job: job, document: req.Document}, nil
	}

	if err := source.ValidateURL(req.URL); err != nil {
		return nil, err
	}
	job.Source = domain.Source{Kind: domain.SourceURL, URL: req.URL}
	return &Prepared{Job: job}, nil
}

// NormalizeOptions fills defaults for empty values and validates enums and schema.
func NormalizeOptions(opts domain.Options) (domain.Options, error) {
	if opts.Language == "" {
		opts.Language = "en"
	}
	if opts.OutputFormat == "" {
		opts.OutputFormat = domain.OutputStructured
	}
	if !opts.OutputFormat.Valid() {
		return opts, apperr.InvalidRequest("unsupported output_format %q", opts.OutputFormat).
			WithDetail("supported", []domain.OutputFormat{domain.OutputStructured, domain.OutputRaw, domain.OutputMarkdown})
	}
	if opts.Schema != nil {
		if err := schema.Validate(opts.Schema); err != nil {
			return opts, apperr.InvalidRequest("invalid schema").WithDetail("reason", err.Error())
		}
		if opts.Schema.Kind != schema.KindObject {
			return opts, apperr.InvalidRequest("schema root must be an object of fields")
		}
	}
	return opts, nil
}

func ValidateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return apperr.InvalidRequest("webhook_url must be an absolute http or https URL").
			WithDetail("webhook_url", raw)
	}
	return nil
}

// Submit validates and persists a single pending job and queues it. It returns as
// soon as the job is queued.
func (s *Scheduler) Submit(ctx context.Context, req Request) (*domain.Job, error) {
	p, err := s.Prepare(req)
	if err != nil {
		return nil, err
	}
	persist := func(ctx context.Context, jobs []*domain.Job) error {
		return s.store.CreateJob(ctx, jobs[0])
	}
	if err := s.Admit(ctx, []*Prepared{p}, persist); err != nil {
		return nil, err
	}
	return p.Job.Clone(), nil
}

// SubmitAndWait submits in sync mode and waits up to the sync timeout. On timeout the
// current, non-terminal snapshot is returned without error.
func (s *Scheduler) SubmitAndWait(ctx context.Context, req Request) (*domain.Job, error) {
	req.Mode = domain.ModeSync
	job, err := s.Submit(ctx, req)
	if err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.SyncTimeout)
	defer cancel()

	done, err := s.Wait(waitCtx, job.ID)
	if err == nil {
		return done, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	s.logger.Warn("Synchronous wait timed out, returning partial job",
		slog.String("job_id", job.ID),
		slog.Duration("timeout", s.cfg.SyncTimeout),
	)
	return s.Get(context.WithoutCancel(ctx), job.ID)
}

// Admit reserves queue slots for every prepared job, uploads inline documents,
// runs persist and then queues the jobs in order. When any step fails nothing is
// queued, uploads are removed and the slots are released. A full queue yields
// ServiceUnavailable before anything is written.
func (s *Scheduler) Admit(ctx context.Context, prepared []*Prepared, persist func(ctx context.Context, jobs []*domain.Job) error) error {
	if len(prepared) == 0 {
		return apperr.InvalidRequest("no documents to submit")
	}
	if !s.reserve(len(prepared)) {
		s.logger.Warn("Queue full, rejecting submission",
			slog.Int("documents", len(prepared)),
			slog.Int("queue_depth", s.cfg.QueueDepth),
		)
		return apperr.New(apperr.CodeServiceUnavailable, "extraction queue is full, retry later").
			WithDetail("queue_depth", s.cfg.QueueDepth)
	}

	var uploaded []string
	rollback := func() {
		s.release(len(prepared))
		for _, key := range uploaded {
			if err := s.blobs.Delete(context.WithoutCancel(ctx), key); err != nil {
				s.logger.Warn("Failed to remove orphaned upload", slog.String("key", key), slog.Any("error", err))
			}
		}
	}

	jobs := make([]*domain.Job, 0, len(prepared))
	for _, p := range prepared {
		if p.document != nil {
			if err := s.blobs.Put(ctx, p.Job.Source.BlobKey, p.document, "application/pdf"); err != nil {
				rollback()
				return apperr.Wrap(apperr.CodeInternal, err, "store uploaded document")
			}
			uploaded = append(uploaded, p.Job.Source.BlobKey)
		}
		jobs = append(jobs, p.Job)
	}

	if err := persist(ctx, jobs); err != nil {
		rollback()
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return err
		}
		return apperr.Wrap(apperr.CodeInternal, err, "persist jobs")
	}

	for _, job := range jobs {
		s.enqueue(job.ID)
		s.logger.Info("Job queued",
			slog.String("job_id", job.ID),
			slog.String("account_id", job.AccountID),
			slog.String("mode", string(job.Mode)),
			slog.String("source", string(job.Source.Kind)),
		)
	}
	return nil
}
