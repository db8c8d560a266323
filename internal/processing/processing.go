// Package processing is the boundary to the external OCR/translation
// engine. The engine's internals (vision, translation, speech models) are
// not this service's concern; jobs cross the boundary as references into
// object storage and come back as output references plus block counts.
package processing

import (
	"context"
	"errors"
	"fmt"
)

// Error categories recorded on failed jobs. Raw engine errors never reach
// clients; only the category does.
const (
	CategoryNoText            = "no_text"
	CategoryOCRFailed         = "ocr_failed"
	CategoryTranslationFailed = "translation_failed"
	CategorySpeechFailed      = "speech_failed"
	CategoryStorageFailed     = "storage_failed"
	CategoryProcessingFailed  = "processing_failed"
)

type Request struct {
	JobID          string `json:"job_id"`
	Kind           string `json:"kind"`
	InputRef       string `json:"input_ref"`
	SourceLanguage string `json:"source_language,omitempty"`
	TargetLanguage string `json:"target_language"`
}

type Result struct {
	OutputRef        string `json:"output_ref"`
	DetectedBlocks   int    `json:"detected_blocks"`
	TranslatedBlocks int    `json:"translated_blocks"`
}

// Error is a terminal processing failure: the job cannot succeed by
// retrying, so the worker records the category and stops.
type Error struct {
	Category string
	Message  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("processing failed (%s): %s", e.Category, e.Message)
}

// CategoryOf maps an error to the category recorded on the job. Anything
// that is not a tagged processing error collapses to the generic category.
func CategoryOf(err error) string {
	var procErr *Error
	if errors.As(err, &procErr) {
		return procErr.Category
	}
	return CategoryProcessingFailed
}

// Terminal reports whether the error is a processing outcome rather than a
// transient infrastructure fault worth redelivering.
func Terminal(err error) bool {
	var procErr *Error
	return errors.As(err, &procErr)
}

type Processor interface {
	Process(ctx context.Context, req Request) (Result, error)
}
