package handlers

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"mediatrans/internal/admission"
	"mediatrans/internal/auth"
	"mediatrans/internal/services"
	"mediatrans/internal/store"
)

func (f *testFixture) router() http.Handler {
	return f.handler.Routes(allowAllLimiter{}, emptyKeyStore{})
}

func bearerFor(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.GenerateToken("test-secret", userID, time.Hour)
	if err != nil {
		t.Fatalf("generating token: %v", err)
	}
	return "Bearer " + token
}

func multipartUpload(t *testing.T, filename, targetLang string, extraFields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("creating form file: %v", err)
	}
	if _, err := fw.Write([]byte("fake content")); err != nil {
		t.Fatalf("writing form file: %v", err)
	}
	if targetLang != "" {
		_ = mw.WriteField("target_language", targetLang)
	}
	for k, v := range extraFields {
		_ = mw.WriteField(k, v)
	}
	_ = mw.Close()
	return &body, mw.FormDataContentType()
}

func setDeviceHeaders(r *http.Request) {
	r.Header.Set("User-Agent", "Mozilla/5.0")
	r.Header.Set("X-Screen-Resolution", "1920x1080")
	r.Header.Set("X-Timezone", "UTC")
	r.Header.Set("X-Language", "en-US")
	r.Header.Set("X-Platform", "Linux")
}

func TestGoogleAuthCreatesAccountWithBonus(t *testing.T) {
	f := newTestFixture()
	f.verifier.profile = auth.GoogleProfile{Subject: "goog-1", Email: "new@example.com", Name: "New User"}

	body := strings.NewReader(`{"token":"id-token"}`)
	req := httptest.NewRequest(http.MethodPost, "/auth/google", body)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	f.router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(f.users.created) != 1 {
		t.Fatalf("created %d users", len(f.users.created))
	}
	if len(f.ledger.credited) != 1 || !f.ledger.credited[0].Equal(decimal.NewFromInt(5)) {
		t.Errorf("signup bonus = %v", f.ledger.credited)
	}
	var resp map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["token"] == "" {
		t.Error("response must carry a session token")
	}
}

func TestGoogleAuthExistingAccountNoBonus(t *testing.T) {
	f := newTestFixture()
	f.verifier.profile = auth.GoogleProfile{Subject: "goog-1", Email: "old@example.com"}
	existing := store.User{ID: "user-1", Email: "old@example.com"}
	f.users.byGoogle["goog-1"] = existing
	f.users.users["user-1"] = existing

	req := httptest.NewRequest(http.MethodPost, "/auth/google", strings.NewReader(`{"token":"id-token"}`))
	rr := httptest.NewRecorder()
	f.router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(f.users.created) != 0 {
		t.Error("existing account must not be recreated")
	}
	if len(f.ledger.credited) != 0 {
		t.Error("existing account must not receive another bonus")
	}
}

func TestGoogleAuthRejectsBadToken(t *testing.T) {
	f := newTestFixture()
	f.verifier.err = auth.ErrInvalidGoogleToken

	req := httptest.NewRequest(http.MethodPost, "/auth/google", strings.NewReader(`{"token":"bad"}`))
	rr := httptest.NewRecorder()
	f.router().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestCreateImageJobAuthenticated(t *testing.T) {
	f := newTestFixture()
	f.jobs.created = store.Job{ID: "job-1", Kind: store.JobKindImage, Status: store.JobPending, TargetLanguage: "de", CreditsCharged: decimal.NewFromInt(1)}
	f.users.users["user-1"] = store.User{ID: "user-1"}

	body, contentType := multipartUpload(t, "photo.png", "de", nil)
	req := httptest.NewRequest(http.MethodPost, "/jobs/image", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", bearerFor(t, "user-1"))
	rr := httptest.NewRecorder()
	f.router().ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	if f.jobs.params.UserID == nil || *f.jobs.params.UserID != "user-1" {
		t.Error("job must be attributed to the authenticated user")
	}
	if f.jobs.params.Device != nil {
		t.Error("authenticated jobs must not carry device attributes")
	}
}

func TestCreateImageJobAnonymousRequiresDeviceHeaders(t *testing.T) {
	f := newTestFixture()
	body, contentType := multipartUpload(t, "photo.png", "de", nil)
	req := httptest.NewRequest(http.MethodPost, "/jobs/image", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	f.router().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestCreateImageJobAnonymousWithDevice(t *testing.T) {
	f := newTestFixture()
	f.jobs.created = store.Job{ID: "job-2", Kind: store.JobKindImage, Status: store.JobPending, TargetLanguage: "fr"}

	body, contentType := multipartUpload(t, "photo.png", "fr", nil)
	req := httptest.NewRequest(http.MethodPost, "/jobs/image", body)
	req.Header.Set("Content-Type", contentType)
	setDeviceHeaders(req)
	rr := httptest.NewRecorder()
	f.router().ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	if f.jobs.params.Device == nil {
		t.Fatal("anonymous jobs must carry device attributes")
	}
}

func TestCreateImageJobRejectsBadExtension(t *testing.T) {
	f := newTestFixture()
	body, contentType := multipartUpload(t, "document.pdf", "de", nil)
	req := httptest.NewRequest(http.MethodPost, "/jobs/image", body)
	req.Header.Set("Content-Type", contentType)
	setDeviceHeaders(req)
	rr := httptest.NewRecorder()
	f.router().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestCreateImageJobRejectsBadLanguage(t *testing.T) {
	f := newTestFixture()
	body, contentType := multipartUpload(t, "photo.png", "Deutsch", nil)
	req := httptest.NewRequest(http.MethodPost, "/jobs/image", body)
	req.Header.Set("Content-Type", contentType)
	setDeviceHeaders(req)
	rr := httptest.NewRecorder()
	f.router().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestCreateImageJobRejectsBadWebhookURL(t *testing.T) {
	f := newTestFixture()
	body, contentType := multipartUpload(t, "photo.png", "de", map[string]string{"webhook_url": "ftp://nope"})
	req := httptest.NewRequest(http.MethodPost, "/jobs/image", body)
	req.Header.Set("Content-Type", contentType)
	setDeviceHeaders(req)
	rr := httptest.NewRecorder()
	f.router().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestCreateImageJobInsufficientCredits(t *testing.T) {
	f := newTestFixture()
	f.jobs.createErr = &services.InsufficientCreditsError{Required: decimal.NewFromInt(2), Available: decimal.NewFromInt(1)}

	body, contentType := multipartUpload(t, "photo.png", "de", nil)
	req := httptest.NewRequest(http.MethodPost, "/jobs/image", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", bearerFor(t, "user-1"))
	rr := httptest.NewRecorder()
	f.router().ServeHTTP(rr, req)

	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rr.Code)
	}
}

func TestCreateImageJobAnonymousLimit(t *testing.T) {
	f := newTestFixture()
	f.jobs.createErr = &admission.AnonymousLimitError{Limit: 3}

	body, contentType := multipartUpload(t, "photo.png", "de", nil)
	req := httptest.NewRequest(http.MethodPost, "/jobs/image", body)
	req.Header.Set("Content-Type", contentType)
	setDeviceHeaders(req)
	rr := httptest.NewRecorder()
	f.router().ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestGetJobNotFound(t *testing.T) {
	f := newTestFixture()
	f.jobs.getErr = services.ErrJobNotFound

	req := httptest.NewRequest(http.MethodGet, "/jobs/nonexistent", nil)
	req.Header.Set("Authorization", bearerFor(t, "user-1"))
	rr := httptest.NewRecorder()
	f.router().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestGetJobIncludesOutputURL(t *testing.T) {
	f := newTestFixture()
	output := "outputs/job-1/out.png"
	f.jobs.job = store.Job{
		ID: "job-1", Kind: store.JobKindImage, Status: store.JobCompleted,
		TargetLanguage: "de", OutputRef: &output, DetectedBlocks: 3, TranslatedBlocks: 3,
	}

	req := httptest.NewRequest(http.MethodGet, "/jobs/job-1", nil)
	req.Header.Set("Authorization", bearerFor(t, "user-1"))
	rr := httptest.NewRecorder()
	f.router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp jobResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.OutputURL == nil || *resp.OutputURL != "https://files.test/outputs/job-1/out.png" {
		t.Errorf("output_url = %v", resp.OutputURL)
	}
	if resp.DetectedBlocks == nil || *resp.DetectedBlocks != 3 {
		t.Errorf("detected_blocks = %v", resp.DetectedBlocks)
	}
}

func webhookSignature(body []byte) string {
	mac := hmac.New(sha256.New, []byte("hook-secret"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestPaymentWebhookValidSignature(t *testing.T) {
	f := newTestFixture()
	body := []byte(`{"event":"charge.completed","data":{"tx_ref":"MT_CREDITS_u_1","flw_ref":"FLW-1"}}`)

	req := httptest.NewRequest(http.MethodPost, "/payments/webhook", bytes.NewReader(body))
	req.Header.Set("verif-hash", webhookSignature(body))
	rr := httptest.NewRecorder()
	f.router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(f.payments.handled) != 1 {
		t.Fatalf("handled %d events", len(f.payments.handled))
	}
}

func TestPaymentWebhookMissingSignature(t *testing.T) {
	f := newTestFixture()
	req := httptest.NewRequest(http.MethodPost, "/payments/webhook", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	f.router().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if len(f.payments.handled) != 0 {
		t.Error("unsigned events must never be processed")
	}
}

func TestPaymentWebhookBadSignature(t *testing.T) {
	f := newTestFixture()
	body := []byte(`{"event":"charge.completed","data":{"tx_ref":"MT_CREDITS_u_1"}}`)

	req := httptest.NewRequest(http.MethodPost, "/payments/webhook", bytes.NewReader(body))
	req.Header.Set("verif-hash", "deadbeef")
	rr := httptest.NewRecorder()
	f.router().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if len(f.payments.handled) != 0 {
		t.Error("badly signed events must never be processed")
	}
}

func TestListPackages(t *testing.T) {
	f := newTestFixture()
	req := httptest.NewRequest(http.MethodGet, "/payments/packages", nil)
	rr := httptest.NewRecorder()
	f.router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp struct {
		Packages []services.Package `json:"packages"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if len(resp.Packages) != 4 {
		t.Errorf("packages = %d", len(resp.Packages))
	}
}

func TestGetBalanceRequiresAuth(t *testing.T) {
	f := newTestFixture()
	req := httptest.NewRequest(http.MethodGet, "/payments/balance", nil)
	rr := httptest.NewRecorder()
	f.router().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestGetBalance(t *testing.T) {
	f := newTestFixture()
	f.users.users["user-1"] = store.User{
		ID:                    "user-1",
		TotalCreditsPurchased: decimal.NewFromInt(60),
		TotalCreditsUsed:      decimal.NewFromInt(12),
	}
	f.ledger.balance = decimal.NewFromFloat(48.5)

	req := httptest.NewRequest(http.MethodGet, "/payments/balance", nil)
	req.Header.Set("Authorization", bearerFor(t, "user-1"))
	rr := httptest.NewRecorder()
	f.router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp map[string]string
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["credits_balance"] != "48.50" || resp["total_purchased"] != "60.00" {
		t.Errorf("balance response = %v", resp)
	}
}
