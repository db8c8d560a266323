package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrInvalidGoogleToken covers every way a presented ID token can fail
// verification.
var ErrInvalidGoogleToken = errors.New("invalid google id token")

// GoogleProfile is the identity extracted from a verified ID token.
type GoogleProfile struct {
	Subject   string
	Email     string
	Name      string
	AvatarURL string
}

// GoogleVerifier validates ID tokens against Google's tokeninfo endpoint.
type GoogleVerifier struct {
	endpoint string
	clientID string
	http     *http.Client
}

func NewGoogleVerifier(clientID string) *GoogleVerifier {
	return &GoogleVerifier{
		endpoint: "https://oauth2.googleapis.com/tokeninfo",
		clientID: clientID,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

type tokenInfo struct {
	Aud           string `json:"aud"`
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified string `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

func (v *GoogleVerifier) Verify(ctx context.Context, idToken string) (GoogleProfile, error) {
	reqURL := fmt.Sprintf("%s?id_token=%s", v.endpoint, url.QueryEscape(idToken))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return GoogleProfile{}, err
	}
	resp, err := v.http.Do(req)
	if err != nil {
		return GoogleProfile{}, fmt.Errorf("verifying google token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return GoogleProfile{}, ErrInvalidGoogleToken
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return GoogleProfile{}, err
	}
	var info tokenInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return GoogleProfile{}, ErrInvalidGoogleToken
	}
	if v.clientID != "" && info.Aud != v.clientID {
		return GoogleProfile{}, ErrInvalidGoogleToken
	}
	if info.Sub == "" || info.Email == "" || info.EmailVerified != "true" {
		return GoogleProfile{}, ErrInvalidGoogleToken
	}
	return GoogleProfile{
		Subject:   info.Sub,
		Email:     info.Email,
		Name:      info.Name,
		AvatarURL: info.Picture,
	}, nil
}
