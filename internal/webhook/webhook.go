// Package webhook signs, verifies and decodes BTCPay Server webhook deliveries.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/GianGuaz256/pow-vending-machine/internal/models"
)

// SignatureHeader carries the HMAC of the request body.
const SignatureHeader = "BTCPay-Sig"

const signaturePrefix = "sha256="

// Event types emitted by BTCPay for invoices.
const (
	EventInvoiceCreated         = "InvoiceCreated"
	EventInvoiceReceivedPayment = "InvoiceReceivedPayment"
	EventInvoiceProcessing      = "InvoiceProcessing"
	EventInvoicePaymentSettled  = "InvoicePaymentSettled"
	EventInvoiceSettled         = "InvoiceSettled"
	EventInvoiceExpired         = "InvoiceExpired"
	EventInvoiceInvalid         = "InvoiceInvalid"
)

var (
	ErrMissingSignature = errors.New("webhook: missing signature")
	ErrBadSignature     = errors.New("webhook: signature mismatch")
)

// Payload is the common envelope of a BTCPay invoice webhook.
type Payload struct {
	DeliveryID         string `json:"deliveryId"`
	WebhookID          string `json:"webhookId"`
	OriginalDeliveryID string `json:"originalDeliveryId,omitempty"`
	IsRedelivery       bool   `json:"isRedelivery"`
	Type               string `json:"type"`
	Timestamp          int64  `json:"timestamp"`
	StoreID            string `json:"storeId"`
	InvoiceID          string `json:"invoiceId"`
}

// Sign returns the header value BTCPay would send for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks header against the HMAC-SHA256 of body.
func Verify(secret string, body []byte, header string) error {
	if header == "" {
		return ErrMissingSignature
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(header), signaturePrefix))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

// Parse decodes a delivery body.
func Parse(body []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("failed to decode webhook payload: %w", err)
	}
	if p.Type == "" {
		return nil, fmt.Errorf("webhook payload has no type")
	}
	return &p, nil
}

// DefaultEventVocabulary maps webhook event types to invoice statuses. Events
// not listed carry no status information.
func DefaultEventVocabulary() map[string]models.InvoiceStatus {
	return map[string]models.InvoiceStatus{
		EventInvoiceCreated:         models.InvoicePending,
		EventInvoiceReceivedPayment: models.InvoicePending,
		EventInvoiceProcessing:      models.InvoicePending,
		EventInvoiceSettled:         models.InvoiceSettled,
		EventInvoiceExpired:         models.InvoiceExpired,
		EventInvoiceInvalid:         models.InvoiceInvalid,
	}
}

// Status maps the payload's event type through vocabulary.
func (p *Payload) Status(vocabulary map[string]models.InvoiceStatus) (models.InvoiceStatus, bool) {
	st, ok := vocabulary[p.Type]
	return st, ok
}
