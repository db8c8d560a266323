package handlers

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"mediatrans/internal/admission"
	"mediatrans/internal/auth"
	"mediatrans/internal/config"
	"mediatrans/internal/services"
	"mediatrans/internal/store"
	"mediatrans/internal/websocket"
)

type fakeTxRunner struct{}

func (fakeTxRunner) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	return fn(nil)
}

type fakeReader struct{}

func (fakeReader) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return nil
}

type stubUserStore struct {
	users    map[string]store.User
	byGoogle map[string]store.User
	created  []string
}

func (s *stubUserStore) Create(ctx context.Context, tx store.Execer, id, email, googleID, name, avatarURL string) error {
	if s.users == nil {
		s.users = make(map[string]store.User)
	}
	s.users[id] = store.User{ID: id, Email: email, GoogleID: &googleID, Name: name}
	s.created = append(s.created, id)
	return nil
}

func (s *stubUserStore) GetByID(ctx context.Context, q store.Getter, userID string) (store.User, error) {
	user, ok := s.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (s *stubUserStore) GetByGoogleID(ctx context.Context, googleID string) (store.User, error) {
	user, ok := s.byGoogle[googleID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (s *stubUserStore) SetAPIKey(ctx context.Context, tx store.Execer, userID, digest string) error {
	return nil
}

func (s *stubUserStore) TouchLastLogin(ctx context.Context, tx store.Execer, userID string) error {
	return nil
}

type stubLedgerService struct {
	balance  decimal.Decimal
	credited []decimal.Decimal
	entries  []store.LedgerEntry
}

func (s *stubLedgerService) AvailableBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return s.balance, nil
}

func (s *stubLedgerService) Credit(ctx context.Context, userID, kind string, amount decimal.Decimal, description string) (string, error) {
	s.credited = append(s.credited, amount)
	return "entry-1", nil
}

func (s *stubLedgerService) ListEntries(ctx context.Context, userID string, limit, offset int) ([]store.LedgerEntry, error) {
	return s.entries, nil
}

type stubJobService struct {
	created   store.Job
	createErr error
	params    services.CreateJobParams
	job       store.Job
	getErr    error
	listed    []store.Job
}

func (s *stubJobService) Create(ctx context.Context, params services.CreateJobParams) (store.Job, error) {
	s.params = params
	if s.createErr != nil {
		return store.Job{}, s.createErr
	}
	return s.created, nil
}

func (s *stubJobService) Get(ctx context.Context, jobID string, viewerUserID, viewerFingerprintID *string) (store.Job, error) {
	if s.getErr != nil {
		return store.Job{}, s.getErr
	}
	return s.job, nil
}

func (s *stubJobService) List(ctx context.Context, userID string, limit, offset int) ([]store.Job, error) {
	return s.listed, nil
}

type stubPaymentService struct {
	init    services.PurchaseInit
	initErr error
	handled [][]byte
}

func (s *stubPaymentService) Packages() []services.Package {
	return services.NewPaymentService(nil, nil, nil, nil, "").Packages()
}

func (s *stubPaymentService) InitializePurchase(ctx context.Context, user store.User, packageName, callbackURL string) (services.PurchaseInit, error) {
	if s.initErr != nil {
		return services.PurchaseInit{}, s.initErr
	}
	return s.init, nil
}

func (s *stubPaymentService) VerifySignature(body []byte, signature string) error {
	return services.NewPaymentService(nil, nil, nil, nil, "hook-secret").VerifySignature(body, signature)
}

func (s *stubPaymentService) HandleEvent(ctx context.Context, body []byte) error {
	s.handled = append(s.handled, body)
	return nil
}

type stubVerifier struct {
	profile auth.GoogleProfile
	err     error
}

func (s *stubVerifier) Verify(ctx context.Context, idToken string) (auth.GoogleProfile, error) {
	return s.profile, s.err
}

type stubDeviceResolver struct {
	id  string
	err error
}

func (s *stubDeviceResolver) Lookup(ctx context.Context, attrs admission.DeviceAttributes) (string, error) {
	return s.id, s.err
}

type stubObjectURLs struct{}

func (stubObjectURLs) URL(ref string) string { return "https://files.test/" + ref }

type allowAllLimiter struct{}

func (allowAllLimiter) Allow(ctx context.Context, key string, limit int) (admission.Decision, error) {
	return admission.Decision{Allowed: true, Limit: limit, Remaining: limit}, nil
}

type emptyKeyStore struct{}

func (emptyKeyStore) GetByAPIKeyDigest(ctx context.Context, digest string) (store.User, error) {
	return store.User{}, sql.ErrNoRows
}

type testFixture struct {
	handler  *Handler
	users    *stubUserStore
	ledger   *stubLedgerService
	jobs     *stubJobService
	payments *stubPaymentService
	verifier *stubVerifier
	devices  *stubDeviceResolver
}

func newTestFixture() *testFixture {
	f := &testFixture{
		users:    &stubUserStore{users: map[string]store.User{}, byGoogle: map[string]store.User{}},
		ledger:   &stubLedgerService{},
		jobs:     &stubJobService{},
		payments: &stubPaymentService{},
		verifier: &stubVerifier{},
		devices:  &stubDeviceResolver{},
	}
	cfg := config.Config{
		JWTSecret:          "test-secret",
		TokenTTL:           time.Hour,
		AllowedOrigins:     "*",
		MaxFileSizeBytes:   50 << 20,
		SignupBonusCredits: "5",
		AnonymousRateLimit: 10, AuthenticatedRateLimit: 100,
	}
	f.handler = New(cfg, fakeTxRunner{}, fakeReader{}, f.users, f.ledger, f.jobs, f.payments, f.verifier, f.devices, stubObjectURLs{}, websocket.NewHub())
	return f
}
