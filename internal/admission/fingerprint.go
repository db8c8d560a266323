package admission

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

// ErrMissingFingerprint is returned when an anonymous request lacks the
// device attribute headers needed to derive a fingerprint.
var ErrMissingFingerprint = errors.New("admission: missing device fingerprint attributes")

// DeviceAttributes are the stable client characteristics hashed into a
// device fingerprint for anonymous quota tracking.
type DeviceAttributes struct {
	UserAgent        string
	ScreenResolution string
	Timezone         string
	Language         string
	Platform         string
}

// AttributesFromRequest reads the device attribute headers. All five must
// be present; a partial set hashes to a different device and would let a
// client mint fresh quotas by dropping headers.
func AttributesFromRequest(r *http.Request) (DeviceAttributes, error) {
	attrs := DeviceAttributes{
		UserAgent:        strings.TrimSpace(r.Header.Get("User-Agent")),
		ScreenResolution: strings.TrimSpace(r.Header.Get("X-Screen-Resolution")),
		Timezone:         strings.TrimSpace(r.Header.Get("X-Timezone")),
		Language:         strings.TrimSpace(r.Header.Get("X-Language")),
		Platform:         strings.TrimSpace(r.Header.Get("X-Platform")),
	}
	if attrs.UserAgent == "" || attrs.ScreenResolution == "" || attrs.Timezone == "" ||
		attrs.Language == "" || attrs.Platform == "" {
		return DeviceAttributes{}, ErrMissingFingerprint
	}
	return attrs, nil
}

// Hash derives the canonical fingerprint digest. Attributes are joined
// with a separator that cannot appear in header values so that distinct
// attribute sets never collide by concatenation.
func (a DeviceAttributes) Hash() string {
	joined := strings.Join([]string{
		a.UserAgent,
		a.ScreenResolution,
		a.Timezone,
		a.Language,
		a.Platform,
	}, "\n")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}
