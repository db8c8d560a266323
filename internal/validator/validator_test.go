package validator

import (
	"errors"
	"testing"
)

func TestValidateImageFile(t *testing.T) {
	for _, name := range []string{"photo.png", "scan.JPG", "diagram.svg", "pic.webp"} {
		if err := ValidateImageFile(name); err != nil {
			t.Errorf("%s rejected: %v", name, err)
		}
	}
	for _, name := range []string{"clip.mp4", "doc.pdf", "noext", "archive.zip"} {
		if err := ValidateImageFile(name); !errors.Is(err, ErrUnsupportedFormat) {
			t.Errorf("%s: expected ErrUnsupportedFormat, got %v", name, err)
		}
	}
}

func TestValidateVideoFile(t *testing.T) {
	if err := ValidateVideoFile("clip.mp4"); err != nil {
		t.Errorf("mp4 rejected: %v", err)
	}
	if err := ValidateVideoFile("photo.png"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestValidateFileSize(t *testing.T) {
	const max = 50 << 20
	if err := ValidateFileSize(1024, max); err != nil {
		t.Errorf("small file rejected: %v", err)
	}
	if err := ValidateFileSize(max, max); err != nil {
		t.Errorf("file at the limit rejected: %v", err)
	}
	if err := ValidateFileSize(max+1, max); !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("expected ErrFileTooLarge, got %v", err)
	}
	if err := ValidateFileSize(0, max); !errors.Is(err, ErrEmptyFile) {
		t.Errorf("expected ErrEmptyFile, got %v", err)
	}
}

func TestValidateLanguage(t *testing.T) {
	for _, code := range []string{"en", "de", "yo", "pt-BR", "zh-Hans"} {
		if err := ValidateLanguage(code); err != nil {
			t.Errorf("%s rejected: %v", code, err)
		}
	}
	for _, code := range []string{"", "e", "english", "EN", "de_DE"} {
		if err := ValidateLanguage(code); !errors.Is(err, ErrInvalidLanguage) {
			t.Errorf("%s: expected ErrInvalidLanguage, got %v", code, err)
		}
	}
}

func TestValidateWebhookURL(t *testing.T) {
	for _, raw := range []string{"https://client.example.com/hook", "http://10.0.0.5:8080/notify"} {
		if err := ValidateWebhookURL(raw); err != nil {
			t.Errorf("%s rejected: %v", raw, err)
		}
	}
	for _, raw := range []string{"", "ftp://x/y", "not a url", "https://"} {
		if err := ValidateWebhookURL(raw); !errors.Is(err, ErrInvalidWebhookURL) {
			t.Errorf("%s: expected ErrInvalidWebhookURL, got %v", raw, err)
		}
	}
}
