// Package gateway talks to the card payment provider. Only checkout
// creation happens over its REST API; settlement arrives asynchronously
// on the webhook.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type PaymentRequest struct {
	TxRef       string
	AmountUSD   decimal.Decimal
	Email       string
	Name        string
	CallbackURL string
	Description string
}

// Checkout creates hosted payment pages. CreatePayment returns the link
// the client is redirected to.
type Checkout interface {
	CreatePayment(ctx context.Context, req PaymentRequest) (link string, err error)
}

type Client struct {
	baseURL   string
	secretKey string
	http      *http.Client
}

func NewClient(baseURL, secretKey string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		secretKey: secretKey,
		http:      &http.Client{Timeout: 15 * time.Second},
	}
}

type createPaymentBody struct {
	TxRef       string `json:"tx_ref"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	RedirectURL string `json:"redirect_url"`
	Customer    struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"customer"`
	Customizations struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	} `json:"customizations"`
}

type createPaymentResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Link string `json:"link"`
	} `json:"data"`
}

func (c *Client) CreatePayment(ctx context.Context, req PaymentRequest) (string, error) {
	body := createPaymentBody{
		TxRef:       req.TxRef,
		Amount:      req.AmountUSD.StringFixed(2),
		Currency:    "USD",
		RedirectURL: req.CallbackURL,
	}
	body.Customer.Email = req.Email
	body.Customer.Name = req.Name
	body.Customizations.Title = "Media Translation Credits"
	body.Customizations.Description = req.Description

	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/payments", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.secretKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("calling payment gateway: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("payment gateway returned %d: %s", resp.StatusCode, raw)
	}
	var decoded createPaymentResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("decoding gateway response: %w", err)
	}
	if decoded.Status != "success" {
		return "", fmt.Errorf("payment initialization failed: %s", decoded.Message)
	}
	return decoded.Data.Link, nil
}
