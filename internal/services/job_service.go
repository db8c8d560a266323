package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mediatrans/internal/admission"
	"mediatrans/internal/credits"
	"mediatrans/internal/metrics"
	"mediatrans/internal/processing"
	"mediatrans/internal/queue"
	"mediatrans/internal/storage"
	"mediatrans/internal/store"
	"mediatrans/internal/webhook"
	ws "mediatrans/internal/websocket"
)

var (
	// ErrJobNotFound hides whether a job exists from callers that may not
	// see it.
	ErrJobNotFound = errors.New("job not found")
	// ErrTerminalState rejects transitions out of completed or failed.
	ErrTerminalState = errors.New("job already in a terminal state")
)

type jobStore interface {
	Create(ctx context.Context, tx store.Execer, input store.JobInput) error
	Get(ctx context.Context, jobID string) (store.Job, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]store.Job, error)
	MarkProcessing(ctx context.Context, tx store.Execer, jobID string) (int64, error)
	MarkCompleted(ctx context.Context, tx store.Execer, jobID, outputRef string, detected, translated int) (int64, error)
	MarkFailed(ctx context.Context, tx store.Execer, jobID, errorCategory string) (int64, error)
	MarkWebhookDelivered(ctx context.Context, tx store.Execer, jobID string) error
	StuckProcessing(ctx context.Context, startedBefore time.Time, limit int) ([]store.Job, error)
}

type deviceQuota interface {
	Claim(ctx context.Context, attrs admission.DeviceAttributes) (string, error)
	Release(ctx context.Context, fingerprintID string) error
}

type jobLedger interface {
	Deduct(ctx context.Context, userID string, amount decimal.Decimal, jobID, description string) (string, error)
	RefundJob(ctx context.Context, jobID, reason string) error
}

type notifier interface {
	Notify(ctx context.Context, url string, event webhook.JobEvent) bool
	// Budget reports the worst-case wall time one Notify call may take
	// across all of its attempts and backoffs.
	Budget() time.Duration
}

type updatePublisher interface {
	Publish(ctx context.Context, userID string, update ws.JobUpdate)
}

// JobService orchestrates the media translation job lifecycle: admission,
// charging, creation, queuing, worker processing and terminal delivery.
type JobService struct {
	writer     store.Execer
	jobs       jobStore
	ledger     jobLedger
	quota      deviceQuota
	objects    storage.ObjectStorage
	enqueue    queue.Enqueuer
	processor  processing.Processor
	notify     notifier
	updates    updatePublisher
}

func NewJobService(
	writer store.Execer,
	jobs jobStore,
	ledger jobLedger,
	quota deviceQuota,
	objects storage.ObjectStorage,
	enqueue queue.Enqueuer,
	processor processing.Processor,
	notify notifier,
	updates updatePublisher,
) *JobService {
	return &JobService{
		writer:    writer,
		jobs:      jobs,
		ledger:    ledger,
		quota:     quota,
		objects:   objects,
		enqueue:   enqueue,
		processor: processor,
		notify:    notify,
		updates:   updates,
	}
}

// CreateJobParams carries everything needed to admit and create a job.
// Exactly one of UserID and Device is set.
type CreateJobParams struct {
	Kind           string
	UserID         *string
	Device         *admission.DeviceAttributes
	SourceLanguage *string
	TargetLanguage string
	WebhookURL     *string
	FileName       string
	FileSize       int64
	File           io.Reader
}

// Create admits, charges and records a job, then queues it for
// processing. Every failure after a side effect compensates that side
// effect before returning: a claimed quota slot is released, a committed
// debit is refunded.
func (s *JobService) Create(ctx context.Context, params CreateJobParams) (store.Job, error) {
	jobID := uuid.NewString()
	cost := decimal.Zero
	var fingerprintID *string

	if params.UserID != nil {
		if params.Kind == store.JobKindVideo {
			cost = credits.VideoCost(params.FileSize)
		} else {
			cost = credits.ImageCost(params.FileSize)
		}
		description := fmt.Sprintf("%s translation to %s", params.Kind, params.TargetLanguage)
		if _, err := s.ledger.Deduct(ctx, *params.UserID, cost, jobID, description); err != nil {
			return store.Job{}, err
		}
	} else {
		fpID, err := s.quota.Claim(ctx, *params.Device)
		if err != nil {
			return store.Job{}, err
		}
		fingerprintID = &fpID
	}

	inputRef, err := s.objects.Put(ctx, fmt.Sprintf("uploads/%s/%s", jobID, params.FileName), params.File)
	if err != nil {
		s.compensateAdmission(ctx, jobID, params.UserID, fingerprintID)
		return store.Job{}, fmt.Errorf("storing upload: %w", err)
	}

	input := store.JobInput{
		ID:             jobID,
		UserID:         params.UserID,
		FingerprintID:  fingerprintID,
		Kind:           params.Kind,
		SourceLanguage: params.SourceLanguage,
		TargetLanguage: params.TargetLanguage,
		CreditsCharged: cost,
		InputRef:       inputRef,
		WebhookURL:     params.WebhookURL,
	}
	if err := s.jobs.Create(ctx, s.writer, input); err != nil {
		s.compensateAdmission(ctx, jobID, params.UserID, fingerprintID)
		return store.Job{}, fmt.Errorf("creating job: %w", err)
	}

	if err := s.enqueue.Enqueue(ctx, queue.Task{JobID: jobID, Kind: params.Kind}); err != nil {
		if _, ferr := s.jobs.MarkFailed(ctx, s.writer, jobID, processing.CategoryProcessingFailed); ferr != nil {
			log.Printf("jobs: failing unqueued job %s: %v", jobID, ferr)
		}
		s.compensateAdmission(ctx, jobID, params.UserID, fingerprintID)
		return store.Job{}, fmt.Errorf("queueing job: %w", err)
	}

	metrics.Get().JobsTotal.WithLabelValues(params.Kind, store.JobPending).Inc()
	return s.jobs.Get(ctx, jobID)
}

func (s *JobService) compensateAdmission(ctx context.Context, jobID string, userID, fingerprintID *string) {
	if userID != nil {
		if err := s.ledger.RefundJob(ctx, jobID, "job creation failed"); err != nil {
			log.Printf("jobs: refunding failed creation of %s: %v", jobID, err)
		}
		return
	}
	if fingerprintID != nil {
		if err := s.quota.Release(ctx, *fingerprintID); err != nil {
			log.Printf("jobs: releasing quota slot for %s: %v", jobID, err)
		}
	}
}

// Get loads a job visible to the given viewer: the owning user, or for
// anonymous jobs, a client presenting the same device fingerprint.
func (s *JobService) Get(ctx context.Context, jobID string, viewerUserID, viewerFingerprintID *string) (store.Job, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Job{}, ErrJobNotFound
	}
	if err != nil {
		return store.Job{}, err
	}
	if job.UserID != nil {
		if viewerUserID == nil || *viewerUserID != *job.UserID {
			return store.Job{}, ErrJobNotFound
		}
		return job, nil
	}
	if job.FingerprintID == nil || viewerFingerprintID == nil || *viewerFingerprintID != *job.FingerprintID {
		return store.Job{}, ErrJobNotFound
	}
	return job, nil
}

func (s *JobService) List(ctx context.Context, userID string, limit, offset int) ([]store.Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.jobs.ListByUser(ctx, userID, limit, offset)
}

// Process is the worker entry point for one queued task. Returning an
// error requeues the task; terminal outcomes are recorded here and
// acknowledged.
func (s *JobService) Process(ctx context.Context, task queue.Task) (err error) {
	job, gerr := s.jobs.Get(ctx, task.JobID)
	if errors.Is(gerr, sql.ErrNoRows) {
		// The job row never appeared; the orphan sweep settles the debit.
		log.Printf("worker: no job row for task %s, dropping", task.JobID)
		return nil
	}
	if gerr != nil {
		return gerr
	}
	if job.Terminal() {
		return nil
	}

	rows, terr := s.jobs.MarkProcessing(ctx, s.writer, job.ID)
	if terr != nil {
		return terr
	}
	if rows == 0 {
		// Another worker holds it, or a crashed attempt left it
		// processing for the stuck sweep to settle.
		return nil
	}
	metrics.Get().JobsTotal.WithLabelValues(job.Kind, store.JobProcessing).Inc()

	defer func() {
		if r := recover(); r != nil {
			log.Printf("worker: panic processing job %s: %v", job.ID, r)
			err = s.Fail(ctx, job.ID, processing.CategoryProcessingFailed)
		}
	}()

	result, perr := s.processor.Process(ctx, processing.Request{
		JobID:          job.ID,
		Kind:           job.Kind,
		InputRef:       job.InputRef,
		SourceLanguage: derefOr(job.SourceLanguage, ""),
		TargetLanguage: job.TargetLanguage,
	})
	if perr != nil {
		if processing.Terminal(perr) {
			return s.Fail(ctx, job.ID, processing.CategoryOf(perr))
		}
		return perr
	}
	return s.Complete(ctx, job.ID, result)
}

// Complete settles a successful job and fans out notifications.
func (s *JobService) Complete(ctx context.Context, jobID string, result processing.Result) error {
	rows, err := s.jobs.MarkCompleted(ctx, s.writer, jobID, result.OutputRef, result.DetectedBlocks, result.TranslatedBlocks)
	if err != nil {
		return err
	}
	if rows == 0 {
		return nil
	}
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	metrics.Get().JobsTotal.WithLabelValues(job.Kind, store.JobCompleted).Inc()
	s.deliverTerminal(ctx, job)
	return nil
}

// Fail settles a failed job and fans out notifications. The charge and
// any anonymous quota slot stand: processing outcome does not undo
// admission, or a device could submit failing uploads forever. Credits
// are returned only by the creation-path compensation and the
// orphaned-debit sweep.
func (s *JobService) Fail(ctx context.Context, jobID, category string) error {
	rows, err := s.jobs.MarkFailed(ctx, s.writer, jobID, category)
	if err != nil {
		return err
	}
	if rows == 0 {
		return nil
	}
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	metrics.Get().JobsTotal.WithLabelValues(job.Kind, store.JobFailed).Inc()
	s.deliverTerminal(ctx, job)
	return nil
}

// FailStuck settles jobs that have sat in processing past the cutoff.
// Crashed workers leave jobs behind in that state; this sweep is what
// finally drives them to failed.
func (s *JobService) FailStuck(ctx context.Context, startedBefore time.Time, batch int) (int, error) {
	jobs, err := s.jobs.StuckProcessing(ctx, startedBefore, batch)
	if err != nil {
		return 0, err
	}
	failed := 0
	for _, job := range jobs {
		if err := s.Fail(ctx, job.ID, processing.CategoryProcessingFailed); err != nil {
			return failed, err
		}
		failed++
	}
	return failed, nil
}

func (s *JobService) deliverTerminal(ctx context.Context, job store.Job) {
	update := ws.JobUpdate{
		JobID:         job.ID,
		Status:        job.Status,
		ErrorCategory: job.ErrorCategory,
	}
	if job.OutputRef != nil {
		url := s.objects.URL(*job.OutputRef)
		update.OutputURL = &url
		detected, translated := job.DetectedBlocks, job.TranslatedBlocks
		update.DetectedBlocks = &detected
		update.TranslatedBlocks = &translated
	}
	if job.UserID != nil {
		s.updates.Publish(ctx, *job.UserID, update)
	}

	if job.WebhookURL == nil || job.WebhookDelivered {
		return
	}
	event := webhook.JobEvent{
		JobID:          job.ID,
		Status:         job.Status,
		Kind:           job.Kind,
		OutputURL:      update.OutputURL,
		ErrorCategory:  job.ErrorCategory,
		CreditsCharged: credits.Format(job.CreditsCharged),
		CompletedAt:    time.Now().UTC().Format(time.RFC3339),
	}
	if job.OutputRef != nil {
		event.DetectedBlocks = update.DetectedBlocks
		event.TranslatedBlocks = update.TranslatedBlocks
	}
	url := *job.WebhookURL
	go func() {
		// The deadline must cover every retry attempt, not just one;
		// the dispatcher knows its own worst case.
		dctx, cancel := context.WithTimeout(context.Background(), s.notify.Budget())
		defer cancel()
		if s.notify.Notify(dctx, url, event) {
			if err := s.jobs.MarkWebhookDelivered(dctx, s.writer, job.ID); err != nil {
				log.Printf("jobs: recording webhook delivery for %s: %v", job.ID, err)
			}
		}
	}()
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
