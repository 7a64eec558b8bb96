package api

// BTCPay Server Greenfield API models, the subset used by the vending machine.

type InvoiceMetadata struct {
	OrderID  string `json:"orderId,omitempty"`
	ItemDesc string `json:"itemDesc,omitempty"`
}

type CheckoutOptions struct {
	SpeedPolicy          string   `json:"speedPolicy,omitempty"`
	PaymentMethods       []string `json:"paymentMethods,omitempty"`
	DefaultPaymentMethod string   `json:"defaultPaymentMethod,omitempty"`
	ExpirationMinutes    int      `json:"expirationMinutes,omitempty"`
	MonitoringMinutes    int      `json:"monitoringMinutes,omitempty"`
}

type CreateInvoiceRequest struct {
	Amount   string           `json:"amount"`
	Currency string           `json:"currency"`
	Metadata InvoiceMetadata  `json:"metadata"`
	Checkout *CheckoutOptions `json:"checkout,omitempty"`
}

type Invoice struct {
	ID               string          `json:"id"`
	StoreID          string          `json:"storeId"`
	Amount           string          `json:"amount"`
	Currency         string          `json:"currency"`
	Status           string          `json:"status"`
	AdditionalStatus string          `json:"additionalStatus,omitempty"`
	CheckoutLink     string          `json:"checkoutLink,omitempty"`
	CreatedTime      int64           `json:"createdTime"`
	ExpirationTime   int64           `json:"expirationTime"`
	Metadata         InvoiceMetadata `json:"metadata"`
}

type InvoicePaymentMethod struct {
	PaymentMethod   string `json:"paymentMethod,omitempty"`
	PaymentMethodID string `json:"paymentMethodId,omitempty"`
	Destination     string `json:"destination"`
	PaymentLink     string `json:"paymentLink,omitempty"`
	Amount          string `json:"amount,omitempty"`
	Due             string `json:"due,omitempty"`
}

// GreenfieldError is the error body returned by BTCPay Server.
type GreenfieldError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ServerHealth struct {
	Synchronized bool `json:"synchronized"`
}

// Greenfield invoice statuses.
const (
	InvoiceStatusNew        = "New"
	InvoiceStatusProcessing = "Processing"
	InvoiceStatusSettled    = "Settled"
	InvoiceStatusExpired    = "Expired"
	InvoiceStatusInvalid    = "Invalid"
)
