package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"mediatrans/internal/gateway"
	"mediatrans/internal/store"
)

type stubCheckout struct {
	req gateway.PaymentRequest
	err error
}

func (s *stubCheckout) CreatePayment(ctx context.Context, req gateway.PaymentRequest) (string, error) {
	s.req = req
	if s.err != nil {
		return "", s.err
	}
	return "https://pay.test/checkout/abc", nil
}

type stubPaymentLedger struct {
	completedRefs []string
	failedRefs    []string
	completeErr   error
	applied       bool
}

func (s *stubPaymentLedger) CompletePurchase(ctx context.Context, gatewayRef, confirmationRef string) (bool, error) {
	if s.completeErr != nil {
		return false, s.completeErr
	}
	s.completedRefs = append(s.completedRefs, gatewayRef)
	return s.applied, nil
}

func (s *stubPaymentLedger) FailPurchase(ctx context.Context, gatewayRef string) (bool, error) {
	s.failedRefs = append(s.failedRefs, gatewayRef)
	return s.applied, nil
}

type stubInserter struct {
	inserted []store.LedgerEntryInput
	err      error
}

func (s *stubInserter) Insert(ctx context.Context, tx store.Execer, input store.LedgerEntryInput) error {
	if s.err != nil {
		return s.err
	}
	s.inserted = append(s.inserted, input)
	return nil
}

const testWebhookSecret = "hook-secret"

func newPaymentFixture() (*PaymentService, *stubPaymentLedger, *stubInserter, *stubCheckout) {
	ledger := &stubPaymentLedger{applied: true}
	entries := &stubInserter{}
	checkout := &stubCheckout{}
	svc := NewPaymentService(&stubTxRunner{}, ledger, entries, checkout, testWebhookSecret)
	return svc, ledger, entries, checkout
}

func signBody(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestPackagesCatalogue(t *testing.T) {
	svc, _, _, _ := newPaymentFixture()
	pkgs := svc.Packages()
	if len(pkgs) != 4 {
		t.Fatalf("packages = %d, want 4", len(pkgs))
	}
	if pkgs[0].Name != "small" || !pkgs[0].Credits.Equal(decimal.NewFromInt(10)) {
		t.Errorf("small package = %+v", pkgs[0])
	}
	if pkgs[3].Name != "xl" || pkgs[3].SavingsPercent != 30 {
		t.Errorf("xl package = %+v", pkgs[3])
	}
}

func TestInitializePurchaseRecordsPendingEntry(t *testing.T) {
	svc, _, entries, checkout := newPaymentFixture()
	user := store.User{ID: "user-1", Email: "u@example.com", Name: "U"}

	init, err := svc.InitializePurchase(context.Background(), user, "medium", "https://app.test/done")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if init.PaymentLink != "https://pay.test/checkout/abc" {
		t.Errorf("link = %s", init.PaymentLink)
	}
	if !init.Credits.Equal(decimal.NewFromInt(50)) {
		t.Errorf("credits = %s", init.Credits)
	}
	if len(entries.inserted) != 1 {
		t.Fatalf("inserted %d entries", len(entries.inserted))
	}
	entry := entries.inserted[0]
	if entry.Kind != store.KindPurchase || entry.Status != store.EntryPending {
		t.Errorf("entry kind/status = %s/%s", entry.Kind, entry.Status)
	}
	if entry.GatewayRef == nil || *entry.GatewayRef != init.TxRef {
		t.Error("pending entry must carry the checkout reference")
	}
	if !checkout.req.AmountUSD.Equal(decimal.NewFromFloat(11.25)) {
		t.Errorf("charged amount = %s", checkout.req.AmountUSD)
	}
}

func TestInitializePurchaseUnknownPackage(t *testing.T) {
	svc, _, _, _ := newPaymentFixture()
	_, err := svc.InitializePurchase(context.Background(), store.User{ID: "u"}, "mega", "https://app.test/done")
	if !errors.Is(err, ErrUnknownPackage) {
		t.Fatalf("expected ErrUnknownPackage, got %v", err)
	}
}

func TestVerifySignature(t *testing.T) {
	svc, _, _, _ := newPaymentFixture()
	body := []byte(`{"event":"charge.completed"}`)

	if err := svc.VerifySignature(body, signBody(body)); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := svc.VerifySignature(body, "deadbeef"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	tampered := []byte(`{"event":"charge.failed"}`)
	if err := svc.VerifySignature(tampered, signBody(body)); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("signature over different body must fail, got %v", err)
	}
}

func TestHandleEventChargeCompleted(t *testing.T) {
	svc, ledger, _, _ := newPaymentFixture()
	body := []byte(`{"event":"charge.completed","data":{"tx_ref":"MT_CREDITS_u_1","flw_ref":"FLW-1","status":"successful"}}`)

	if err := svc.HandleEvent(context.Background(), body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ledger.completedRefs) != 1 || ledger.completedRefs[0] != "MT_CREDITS_u_1" {
		t.Errorf("completed refs = %v", ledger.completedRefs)
	}
}

func TestHandleEventChargeFailed(t *testing.T) {
	svc, ledger, _, _ := newPaymentFixture()
	body := []byte(`{"event":"charge.failed","data":{"tx_ref":"MT_CREDITS_u_2"}}`)

	if err := svc.HandleEvent(context.Background(), body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ledger.failedRefs) != 1 {
		t.Errorf("failed refs = %v", ledger.failedRefs)
	}
}

func TestHandleEventUnknownReference(t *testing.T) {
	svc, ledger, _, _ := newPaymentFixture()
	ledger.completeErr = sql.ErrNoRows
	body := []byte(`{"event":"charge.completed","data":{"tx_ref":"unknown"}}`)

	if err := svc.HandleEvent(context.Background(), body); err != nil {
		t.Fatalf("unknown references must be absorbed, got %v", err)
	}
}

func TestHandleEventIgnoresOtherEvents(t *testing.T) {
	svc, ledger, _, _ := newPaymentFixture()
	body := []byte(`{"event":"transfer.completed","data":{"tx_ref":"x"}}`)

	if err := svc.HandleEvent(context.Background(), body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ledger.completedRefs) != 0 || len(ledger.failedRefs) != 0 {
		t.Error("unrelated events must not touch the ledger")
	}
}

func TestHandleEventMalformed(t *testing.T) {
	svc, _, _, _ := newPaymentFixture()
	if err := svc.HandleEvent(context.Background(), []byte(`not json`)); !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("expected ErrMalformedEvent, got %v", err)
	}
	if err := svc.HandleEvent(context.Background(), []byte(`{"event":"charge.completed","data":{}}`)); !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("missing tx_ref must be malformed, got %v", err)
	}
}
