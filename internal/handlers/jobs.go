package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"mediatrans/internal/admission"
	"mediatrans/internal/credits"
	"mediatrans/internal/middleware"
	"mediatrans/internal/services"
	"mediatrans/internal/store"
	"mediatrans/internal/validator"
)

type jobResponse struct {
	ID               string  `json:"id"`
	Kind             string  `json:"kind"`
	Status           string  `json:"status"`
	SourceLanguage   *string `json:"source_language,omitempty"`
	TargetLanguage   string  `json:"target_language"`
	CreditsCharged   string  `json:"credits_charged"`
	OutputURL        *string `json:"output_url,omitempty"`
	ErrorCategory    *string `json:"error_category,omitempty"`
	DetectedBlocks   *int    `json:"detected_blocks,omitempty"`
	TranslatedBlocks *int    `json:"translated_blocks,omitempty"`
	WebhookDelivered bool    `json:"webhook_delivered"`
	CreatedAt        string  `json:"created_at"`
	CompletedAt      *string `json:"completed_at,omitempty"`
}

func (h *Handler) toJobResponse(job store.Job) jobResponse {
	resp := jobResponse{
		ID:               job.ID,
		Kind:             job.Kind,
		Status:           job.Status,
		SourceLanguage:   job.SourceLanguage,
		TargetLanguage:   job.TargetLanguage,
		CreditsCharged:   credits.Format(job.CreditsCharged),
		ErrorCategory:    job.ErrorCategory,
		WebhookDelivered: job.WebhookDelivered,
		CreatedAt:        job.CreatedAt.UTC().Format(time.RFC3339),
	}
	if job.OutputRef != nil {
		url := h.objects.URL(*job.OutputRef)
		resp.OutputURL = &url
		detected, translated := job.DetectedBlocks, job.TranslatedBlocks
		resp.DetectedBlocks = &detected
		resp.TranslatedBlocks = &translated
	}
	if job.CompletedAt != nil {
		completed := job.CompletedAt.UTC().Format(time.RFC3339)
		resp.CompletedAt = &completed
	}
	return resp
}

func (h *Handler) CreateImageJob(w http.ResponseWriter, r *http.Request) {
	h.createJob(w, r, store.JobKindImage, validator.ValidateImageFile)
}

func (h *Handler) CreateVideoJob(w http.ResponseWriter, r *http.Request) {
	h.createJob(w, r, store.JobKindVideo, validator.ValidateVideoFile)
}

func (h *Handler) createJob(w http.ResponseWriter, r *http.Request, kind string, validateFile func(string) error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxFileSizeBytes+(1<<20))
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		respondError(w, http.StatusBadRequest, "invalid multipart payload")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "missing file")
		return
	}
	defer file.Close()

	if err := validateFile(header.Filename); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validator.ValidateFileSize(header.Size, h.cfg.MaxFileSizeBytes); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	targetLang := r.FormValue("target_language")
	if err := validator.ValidateLanguage(targetLang); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	var sourceLang *string
	if raw := r.FormValue("source_language"); raw != "" {
		if err := validator.ValidateLanguage(raw); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		sourceLang = &raw
	}
	var webhookURL *string
	if raw := r.FormValue("webhook_url"); raw != "" {
		if err := validator.ValidateWebhookURL(raw); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		webhookURL = &raw
	}

	params := services.CreateJobParams{
		Kind:           kind,
		SourceLanguage: sourceLang,
		TargetLanguage: targetLang,
		WebhookURL:     webhookURL,
		FileName:       header.Filename,
		FileSize:       header.Size,
		File:           file,
	}
	if userID, ok := middleware.UserIDFromContext(r.Context()); ok {
		params.UserID = &userID
	} else {
		attrs, err := admission.AttributesFromRequest(r)
		if err != nil {
			respondError(w, http.StatusBadRequest, "anonymous requests require device attribute headers")
			return
		}
		params.Device = &attrs
	}

	job, err := h.jobs.Create(r.Context(), params)
	if err != nil {
		var insufficient *services.InsufficientCreditsError
		var anonLimit *admission.AnonymousLimitError
		switch {
		case errors.As(err, &insufficient):
			respondJSON(w, http.StatusPaymentRequired, map[string]string{
				"error":     "insufficient credits",
				"required":  credits.Format(insufficient.Required),
				"available": credits.Format(insufficient.Available),
			})
		case errors.As(err, &anonLimit):
			respondError(w, http.StatusForbidden, anonLimit.Error())
		default:
			respondError(w, http.StatusInternalServerError, "failed to create job")
		}
		return
	}
	respondJSON(w, http.StatusAccepted, h.toJobResponse(job))
}

// GetJob serves a job to its owner. Anonymous jobs are visible only to
// requests presenting the same device fingerprint that created them.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	var viewerUserID, viewerFingerprintID *string
	if userID, ok := middleware.UserIDFromContext(r.Context()); ok {
		viewerUserID = &userID
	} else if attrs, err := admission.AttributesFromRequest(r); err == nil {
		if fpID, err := h.devices.Lookup(r.Context(), attrs); err == nil {
			viewerFingerprintID = &fpID
		}
	}

	job, err := h.jobs.Get(r.Context(), jobID, viewerUserID, viewerFingerprintID)
	if errors.Is(err, services.ErrJobNotFound) {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	respondJSON(w, http.StatusOK, h.toJobResponse(job))
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	jobs, err := h.jobs.List(r.Context(), userID, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	out := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, h.toJobResponse(job))
	}
	respondJSON(w, http.StatusOK, map[string]any{"jobs": out})
}
