package handlers

import (
	"context"

	"github.com/shopspring/decimal"

	"mediatrans/internal/admission"
	"mediatrans/internal/auth"
	"mediatrans/internal/services"
	"mediatrans/internal/store"
)

type UserStore interface {
	Create(ctx context.Context, tx store.Execer, id, email, googleID, name, avatarURL string) error
	GetByID(ctx context.Context, q store.Getter, userID string) (store.User, error)
	GetByGoogleID(ctx context.Context, googleID string) (store.User, error)
	SetAPIKey(ctx context.Context, tx store.Execer, userID, digest string) error
	TouchLastLogin(ctx context.Context, tx store.Execer, userID string) error
}

type LedgerService interface {
	AvailableBalance(ctx context.Context, userID string) (decimal.Decimal, error)
	Credit(ctx context.Context, userID, kind string, amount decimal.Decimal, description string) (string, error)
	ListEntries(ctx context.Context, userID string, limit, offset int) ([]store.LedgerEntry, error)
}

type JobService interface {
	Create(ctx context.Context, params services.CreateJobParams) (store.Job, error)
	Get(ctx context.Context, jobID string, viewerUserID, viewerFingerprintID *string) (store.Job, error)
	List(ctx context.Context, userID string, limit, offset int) ([]store.Job, error)
}

type PaymentService interface {
	Packages() []services.Package
	InitializePurchase(ctx context.Context, user store.User, packageName, callbackURL string) (services.PurchaseInit, error)
	VerifySignature(body []byte, signature string) error
	HandleEvent(ctx context.Context, body []byte) error
}

type IdentityVerifier interface {
	Verify(ctx context.Context, idToken string) (auth.GoogleProfile, error)
}

// DeviceResolver maps device attributes to an existing fingerprint for
// anonymous job reads.
type DeviceResolver interface {
	Lookup(ctx context.Context, attrs admission.DeviceAttributes) (string, error)
}

type ObjectURLs interface {
	URL(ref string) string
}
