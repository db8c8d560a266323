package validator

import (
	"errors"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrInvalidLanguage   = errors.New("invalid language code")
	ErrInvalidWebhookURL = errors.New("invalid webhook url")
	ErrFileTooLarge      = errors.New("file exceeds the size limit")
	ErrEmptyFile         = errors.New("empty file")
)

var languageRegex = regexp.MustCompile(`^[a-z]{2,3}(-[A-Za-z]{2,4})?$`)

var imageExtensions = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".svg": {}, ".webp": {}, ".bmp": {}, ".tiff": {},
}

var videoExtensions = map[string]struct{}{
	".mp4": {}, ".mov": {}, ".webm": {}, ".mkv": {}, ".avi": {},
}

func ValidateImageFile(filename string) error {
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := imageExtensions[ext]; !ok {
		return ErrUnsupportedFormat
	}
	return nil
}

func ValidateVideoFile(filename string) error {
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := videoExtensions[ext]; !ok {
		return ErrUnsupportedFormat
	}
	return nil
}

func ValidateFileSize(size, max int64) error {
	if size <= 0 {
		return ErrEmptyFile
	}
	if size > max {
		return ErrFileTooLarge
	}
	return nil
}

// ValidateLanguage accepts BCP-47-shaped codes like "en", "de" or "pt-BR".
func ValidateLanguage(code string) error {
	if !languageRegex.MatchString(code) {
		return ErrInvalidLanguage
	}
	return nil
}

// ValidateWebhookURL requires an absolute http(s) URL with a host.
func ValidateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return ErrInvalidWebhookURL
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidWebhookURL
	}
	return nil
}
