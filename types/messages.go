package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WebSocketMessage represents a WebSocket message sent to the dashboard
type WebSocketMessage struct {
	Type      string      `json:"type"` // "activity", "error", "status", "heartbeat", "connection"
	Payload   interface{} `json:"payload"`
	Timestamp string      `json:"timestamp"`
	MessageID string      `json:"messageId,omitempty"`
}

// ActivityEvent is one entry of the seller/buyer activity feed.
type ActivityEvent struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"` // seller or buyer id
	InvoiceID string                 `json:"invoiceId,omitempty"`
	ListingID string                 `json:"listingId,omitempty"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Level     string                 `json:"level,omitempty"` // "info", "warning", "error"
	Timestamp time.Time              `json:"timestamp"`
}

// HealthCheckResponse represents the health status of a service
type HealthCheckResponse struct {
	Status    string                   `json:"status"` // "healthy", "degraded", "unhealthy"
	Timestamp string                   `json:"timestamp"`
	Version   string                   `json:"version"`
	Services  map[string]ServiceStatus `json:"services,omitempty"`
}

// ServiceStatus represents the status of a dependent service
type ServiceStatus struct {
	Name      string  `json:"name"`
	Status    string  `json:"status"`            // "up", "down", "degraded"
	Latency   float64 `json:"latency,omitempty"` // in milliseconds
	LastCheck string  `json:"lastCheck"`
	Error     string  `json:"error,omitempty"`
}

const (
	// WebSocket message types
	WSTypeActivity   = "activity"
	WSTypeError      = "error"
	WSTypeStatus     = "status"
	WSTypeHeartbeat  = "heartbeat"
	WSTypeConnection = "connection"

	// Activity event types
	EventQuoteRequest        = "quote_request"
	EventNegotiationOffer    = "negotiation_offer"
	EventNegotiationComplete = "negotiation_complete"
	EventNegotiationFailed   = "negotiation_failed"
	EventOrderReceived       = "order_received"
	EventInvoiceCreated      = "invoice_created"
	EventPaymentRequired     = "payment_required"
	EventPaymentSent         = "payment_sent"
	EventPaymentReceived     = "payment_received"
	EventAssetDelivered      = "asset_delivered"
	EventGenerationFailed    = "generation_failed"
	EventWithdrawal          = "withdrawal"
	EventNFTMinted           = "nft_minted"
	EventNFTMintFailed       = "nft_mint_failed"

	// Levels
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"

	// Service status
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusUp        = "up"
	StatusDown      = "down"
)

// NewWebSocketMessage creates a new WebSocket message
func NewWebSocketMessage(msgType string, payload interface{}) *WebSocketMessage {
	return &WebSocketMessage{
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().Format(time.RFC3339),
		MessageID: uuid.NewString(),
	}
}

// NewActivityEvent creates an info-level event
func NewActivityEvent(eventType, source, message string) ActivityEvent {
	return ActivityEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Message:   message,
		Level:     LevelInfo,
		Timestamp: time.Now(),
	}
}

// ToJSON converts the message to JSON
func (m *WebSocketMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}
