package types

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// GenerateRequest is the body of POST /generate. Payload is handed to the
// content generator untouched; InvoiceID, NegotiatedPrice and BuyerAddress
// are optional. BuyerAddress receives the NFT certificate where the listing
// mints one.
type GenerateRequest struct {
	Payload         map[string]interface{} `json:"payload,omitempty"`
	InvoiceID       string                 `json:"invoiceId,omitempty"`
	NegotiatedPrice decimal.NullDecimal    `json:"negotiatedPrice"`
	BuyerAddress    string                 `json:"buyerAddress,omitempty"`
}

// NegotiateRequest is the body of POST /negotiate. Listing names one of the
// seller's listings, either as an id string or as an object carrying "id";
// a client-supplied floor is never trusted.
type NegotiateRequest struct {
	Listing      json.RawMessage `json:"listing,omitempty"`
	ListingID    string          `json:"listingId,omitempty"`
	BuyerBudget  decimal.Decimal `json:"buyerBudget"`
	Requirements string          `json:"requirements,omitempty"`
}

// ResolveListingID returns the listing id named by the request.
func (r NegotiateRequest) ResolveListingID() string {
	if r.ListingID != "" {
		return r.ListingID
	}
	if len(r.Listing) == 0 {
		return ""
	}
	var id string
	if err := json.Unmarshal(r.Listing, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(r.Listing, &obj); err == nil {
		return obj.ID
	}
	return ""
}

// NegotiateFailure is the body returned when no price can be agreed.
type NegotiateFailure struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
