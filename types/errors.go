package types

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Payment error codes
const (
	ErrorCodeValidation           = "VALIDATION_ERROR"
	ErrorCodeUnknownInvoice       = "UNKNOWN_INVOICE"
	ErrorCodeInsufficientFunds    = "INSUFFICIENT_FUNDS"
	ErrorCodeLedgerUnavailable    = "LEDGER_UNAVAILABLE"
	ErrorCodePaymentNotRecognized = "PAYMENT_NOT_RECOGNIZED"
	ErrorCodeNegotiationFailed    = "NEGOTIATION_FAILED"
	ErrorCodeGenerationFailed     = "GENERATION_FAILED"
	ErrorCodeAlreadyPaid          = "ALREADY_PAID"
	ErrorCodeStoreConflict        = "STORE_CONFLICT"
)

// PaymentError is the error type shared by ledger, gateway, negotiation and buyer code.
type PaymentError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	InvoiceID string            `json:"invoiceId,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Details   map[string]string `json:"details,omitempty"`
	Err       error             `json:"-"`
}

// Error implements the error interface
func (e *PaymentError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.InvoiceID != "" {
		msg += " (invoice " + e.InvoiceID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PaymentError) Unwrap() error { return e.Err }

// Is matches any *PaymentError carrying the same code, so the sentinels below
// work with errors.Is.
func (e *PaymentError) Is(target error) bool {
	var pe *PaymentError
	if !errors.As(target, &pe) {
		return false
	}
	return pe.Code == e.Code
}

// WithDetail attaches a key/value and returns the same error.
func (e *PaymentError) WithDetail(key, value string) *PaymentError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// NewPaymentError creates a new coded error
func NewPaymentError(code, message string, cause error) *PaymentError {
	return &PaymentError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Err:       cause,
	}
}

// Sentinels for errors.Is comparisons.
var (
	ErrValidation           = &PaymentError{Code: ErrorCodeValidation, Message: "validation failed"}
	ErrUnknownInvoice       = &PaymentError{Code: ErrorCodeUnknownInvoice, Message: "invoice not registered on ledger"}
	ErrInsufficientFunds    = &PaymentError{Code: ErrorCodeInsufficientFunds, Message: "insufficient balance or allowance"}
	ErrLedgerUnavailable    = &PaymentError{Code: ErrorCodeLedgerUnavailable, Message: "ledger unavailable"}
	ErrPaymentNotRecognized = &PaymentError{Code: ErrorCodePaymentNotRecognized, Message: "payment not reflected by seller"}
	ErrNegotiationFailed    = &PaymentError{Code: ErrorCodeNegotiationFailed, Message: "negotiation failed"}
	ErrGenerationFailed     = &PaymentError{Code: ErrorCodeGenerationFailed, Message: "content generation failed"}
	ErrAlreadyPaid          = &PaymentError{Code: ErrorCodeAlreadyPaid, Message: "invoice already paid"}
	ErrStoreConflict        = &PaymentError{Code: ErrorCodeStoreConflict, Message: "invoice record changed concurrently"}
)

func ValidationError(format string, args ...interface{}) *PaymentError {
	return NewPaymentError(ErrorCodeValidation, fmt.Sprintf(format, args...), nil)
}

func UnknownInvoice(id string) *PaymentError {
	e := NewPaymentError(ErrorCodeUnknownInvoice, "invoice not registered on ledger", nil)
	e.InvoiceID = id
	return e
}

func LedgerUnavailable(op string, cause error) *PaymentError {
	return NewPaymentError(ErrorCodeLedgerUnavailable, op, cause)
}

func InsufficientFunds(msg string) *PaymentError {
	return NewPaymentError(ErrorCodeInsufficientFunds, msg, nil)
}

func NegotiationFailed(msg string) *PaymentError {
	return NewPaymentError(ErrorCodeNegotiationFailed, msg, nil)
}

func GenerationFailed(id string, cause error) *PaymentError {
	e := NewPaymentError(ErrorCodeGenerationFailed, "content generation failed", cause)
	e.InvoiceID = id
	return e
}

func PaymentNotRecognized(id string) *PaymentError {
	e := NewPaymentError(ErrorCodePaymentNotRecognized, "seller still requires payment after a completed payment", nil)
	e.InvoiceID = id
	return e
}

// ErrorCode extracts the code of a PaymentError anywhere in the chain.
func ErrorCode(err error) string {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsRetryable reports whether the caller may retry the same operation.
// Only transient ledger failures qualify.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLedgerUnavailable)
}

// HTTPStatus maps an error onto the status code the gateway responds with.
func HTTPStatus(err error) int {
	switch ErrorCode(err) {
	case ErrorCodeValidation, ErrorCodeNegotiationFailed:
		return http.StatusBadRequest
	case ErrorCodeUnknownInvoice:
		return http.StatusNotFound
	case ErrorCodeStoreConflict:
		return http.StatusConflict
	case ErrorCodeInsufficientFunds, ErrorCodePaymentNotRecognized:
		return http.StatusPaymentRequired
	case ErrorCodeLedgerUnavailable:
		return http.StatusServiceUnavailable
	case ErrorCodeGenerationFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var errorNames = map[string]string{
	ErrorCodeValidation:           "ValidationError",
	ErrorCodeUnknownInvoice:       "UnknownInvoice",
	ErrorCodeInsufficientFunds:    "InsufficientFunds",
	ErrorCodeLedgerUnavailable:    "LedgerUnavailable",
	ErrorCodePaymentNotRecognized: "PaymentNotRecognized",
	ErrorCodeNegotiationFailed:    "NegotiationFailed",
	ErrorCodeGenerationFailed:     "GenerationFailed",
	ErrorCodeAlreadyPaid:          "AlreadyPaid",
	ErrorCodeStoreConflict:        "StoreConflict",
}

// ErrorResponse is the JSON error envelope written by HTTP handlers.
type ErrorResponse struct {
	Error     string            `json:"error"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	InvoiceID string            `json:"invoiceId,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// NewErrorResponse builds an envelope; non-coded errors become InternalError.
func NewErrorResponse(err error) ErrorResponse {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return ErrorResponse{Error: errorNames[pe.Code], Code: pe.Code, Message: pe.Message, InvoiceID: pe.InvoiceID, Details: pe.Details}
	}
	return ErrorResponse{Error: "InternalError", Code: "INTERNAL_ERROR", Message: err.Error()}
}
