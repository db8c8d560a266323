package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"mediatrans/internal/db"
	"mediatrans/internal/gateway"
	"mediatrans/internal/metrics"
	"mediatrans/internal/store"
)

var (
	ErrUnknownPackage   = errors.New("unknown credit package")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedEvent   = errors.New("malformed payment event")
)

// Package is a purchasable credit bundle.
type Package struct {
	Name           string          `json:"name"`
	Credits        decimal.Decimal `json:"credits"`
	PriceUSD       decimal.Decimal `json:"price_usd"`
	SavingsPercent int             `json:"savings_percent,omitempty"`
}

// Bulk packages price below the per-credit rate of the small one.
var packages = []Package{
	{Name: "small", Credits: decimal.NewFromInt(10), PriceUSD: decimal.NewFromFloat(2.5)},
	{Name: "medium", Credits: decimal.NewFromInt(50), PriceUSD: decimal.NewFromFloat(11.25), SavingsPercent: 10},
	{Name: "large", Credits: decimal.NewFromInt(100), PriceUSD: decimal.NewFromFloat(21.25), SavingsPercent: 15},
	{Name: "xl", Credits: decimal.NewFromInt(500), PriceUSD: decimal.NewFromFloat(87.5), SavingsPercent: 30},
}

// PaymentEvent is the gateway's webhook body. Events are matched to
// pending purchases by transaction reference.
type PaymentEvent struct {
	Event string `json:"event"`
	Data  struct {
		TxRef    string          `json:"tx_ref"`
		FlwRef   string          `json:"flw_ref"`
		Amount   decimal.Decimal `json:"amount"`
		Currency string          `json:"currency"`
		Status   string          `json:"status"`
	} `json:"data"`
}

// PurchaseInit is returned to the client to complete checkout.
type PurchaseInit struct {
	PaymentLink string          `json:"payment_link"`
	TxRef       string          `json:"tx_ref"`
	AmountUSD   decimal.Decimal `json:"amount_usd"`
	Credits     decimal.Decimal `json:"credits"`
}

type paymentLedger interface {
	CompletePurchase(ctx context.Context, gatewayRef, confirmationRef string) (bool, error)
	FailPurchase(ctx context.Context, gatewayRef string) (bool, error)
}

type pendingInserter interface {
	Insert(ctx context.Context, tx store.Execer, input store.LedgerEntryInput) error
}

// PaymentService exposes the purchase catalogue, starts checkouts with
// the gateway, and reconciles its webhook events into the ledger.
type PaymentService struct {
	txr           db.TxRunner
	ledger        paymentLedger
	entries       pendingInserter
	checkout      gateway.Checkout
	webhookSecret []byte
}

func NewPaymentService(txr db.TxRunner, ledger paymentLedger, entries pendingInserter, checkout gateway.Checkout, webhookSecret string) *PaymentService {
	return &PaymentService{
		txr:           txr,
		ledger:        ledger,
		entries:       entries,
		checkout:      checkout,
		webhookSecret: []byte(webhookSecret),
	}
}

func (s *PaymentService) Packages() []Package {
	return packages
}

func (s *PaymentService) findPackage(name string) (Package, bool) {
	for _, p := range packages {
		if p.Name == name {
			return p, true
		}
	}
	return Package{}, false
}

// InitializePurchase starts a checkout for the named package and records
// the purchase as a pending ledger entry keyed by the gateway reference.
// Credits become spendable only when the gateway confirms the charge.
func (s *PaymentService) InitializePurchase(ctx context.Context, user store.User, packageName, callbackURL string) (PurchaseInit, error) {
	pkg, ok := s.findPackage(packageName)
	if !ok {
		return PurchaseInit{}, ErrUnknownPackage
	}

	txRef := fmt.Sprintf("MT_CREDITS_%s_%s", user.ID, uuid.NewString())
	link, err := s.checkout.CreatePayment(ctx, gateway.PaymentRequest{
		TxRef:       txRef,
		AmountUSD:   pkg.PriceUSD,
		Email:       user.Email,
		Name:        user.Name,
		CallbackURL: callbackURL,
		Description: fmt.Sprintf("Purchase %s media translation credits", pkg.Credits),
	})
	if err != nil {
		return PurchaseInit{}, fmt.Errorf("starting checkout: %w", err)
	}

	entry := store.LedgerEntryInput{
		ID:          uuid.NewString(),
		UserID:      user.ID,
		Kind:        store.KindPurchase,
		Status:      store.EntryPending,
		Amount:      pkg.Credits,
		GatewayRef:  &txRef,
		Description: fmt.Sprintf("Purchase %s credits - %s package", pkg.Credits, pkg.Name),
	}
	err = s.txr.WithTx(ctx, func(tx *sqlx.Tx) error {
		return s.entries.Insert(ctx, tx, entry)
	})
	if err != nil {
		return PurchaseInit{}, fmt.Errorf("recording pending purchase: %w", err)
	}

	return PurchaseInit{
		PaymentLink: link,
		TxRef:       txRef,
		AmountUSD:   pkg.PriceUSD,
		Credits:     pkg.Credits,
	}, nil
}

// VerifySignature checks the gateway's HMAC over the raw webhook body.
func (s *PaymentService) VerifySignature(body []byte, signature string) error {
	mac := hmac.New(sha256.New, s.webhookSecret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}

// HandleEvent applies one verified gateway event to the ledger. Replays
// and events for unknown references are absorbed without error so the
// gateway stops retrying them.
func (s *PaymentService) HandleEvent(ctx context.Context, body []byte) error {
	var event PaymentEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return ErrMalformedEvent
	}
	if event.Data.TxRef == "" {
		return ErrMalformedEvent
	}

	switch event.Event {
	case "charge.completed":
		applied, err := s.ledger.CompletePurchase(ctx, event.Data.TxRef, event.Data.FlwRef)
		if errors.Is(err, sql.ErrNoRows) {
			log.Printf("payments: no purchase for reference %s, ignoring", event.Data.TxRef)
			metrics.Get().PaymentEvents.WithLabelValues(event.Event, "unknown_ref").Inc()
			return nil
		}
		if err != nil {
			metrics.Get().PaymentEvents.WithLabelValues(event.Event, "error").Inc()
			return err
		}
		if applied {
			metrics.Get().PaymentEvents.WithLabelValues(event.Event, "applied").Inc()
		} else {
			metrics.Get().PaymentEvents.WithLabelValues(event.Event, "replay").Inc()
		}
		return nil
	case "charge.failed":
		applied, err := s.ledger.FailPurchase(ctx, event.Data.TxRef)
		if errors.Is(err, sql.ErrNoRows) {
			metrics.Get().PaymentEvents.WithLabelValues(event.Event, "unknown_ref").Inc()
			return nil
		}
		if err != nil {
			metrics.Get().PaymentEvents.WithLabelValues(event.Event, "error").Inc()
			return err
		}
		if applied {
			metrics.Get().PaymentEvents.WithLabelValues(event.Event, "applied").Inc()
		} else {
			metrics.Get().PaymentEvents.WithLabelValues(event.Event, "replay").Inc()
		}
		return nil
	default:
		metrics.Get().PaymentEvents.WithLabelValues(event.Event, "ignored").Inc()
		return nil
	}
}
