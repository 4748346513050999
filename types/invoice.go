package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceState is the local lifecycle position of an invoice.
// The ledger stays authoritative for payment; the state only records what
// this process has already observed or done.
type InvoiceState string

const (
	InvoiceStateUnknown   InvoiceState = "UNKNOWN"
	InvoiceStateCreated   InvoiceState = "CREATED"
	InvoiceStatePaid      InvoiceState = "PAID"
	InvoiceStateFulfilled InvoiceState = "FULFILLED"
)

// Rank orders states so transitions can be checked for monotonicity.
func (s InvoiceState) Rank() int {
	switch s {
	case InvoiceStateCreated:
		return 1
	case InvoiceStatePaid:
		return 2
	case InvoiceStateFulfilled:
		return 3
	default:
		return 0
	}
}

// Invoice mirrors a ledger invoice plus fulfillment metadata.
type Invoice struct {
	ID              string          `json:"id"`
	ListingID       string          `json:"listingId,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Token           string          `json:"token"`
	SellerAddress   string          `json:"sellerAddress"`
	LedgerReference string          `json:"ledgerReference"`
	BuyerAddress    string          `json:"buyerAddress,omitempty"`
	State           InvoiceState    `json:"state"`
	Paid            bool            `json:"paid"`
	AssetURL        string          `json:"assetUrl,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	PaidAt          *time.Time      `json:"paidAt,omitempty"`
	FulfilledAt     *time.Time      `json:"fulfilledAt,omitempty"`
	WithdrawnAt     *time.Time      `json:"withdrawnAt,omitempty"`
	NFT             *NFTCertificate `json:"nft,omitempty"`
	// Version increments on every successful compare-and-swap.
	Version int64 `json:"version"`
}

// Clone returns a deep copy; pointer timestamps are not shared.
func (inv *Invoice) Clone() *Invoice {
	if inv == nil {
		return nil
	}
	out := *inv
	out.PaidAt = cloneTime(inv.PaidAt)
	out.FulfilledAt = cloneTime(inv.FulfilledAt)
	out.WithdrawnAt = cloneTime(inv.WithdrawnAt)
	if inv.NFT != nil {
		nft := *inv.NFT
		out.NFT = &nft
	}
	return &out
}

// MarkPaid moves the invoice to PAID. A paid invoice never goes back.
func (inv *Invoice) MarkPaid(at time.Time) {
	if inv.Paid {
		return
	}
	inv.Paid = true
	inv.PaidAt = &at
	if inv.State.Rank() < InvoiceStatePaid.Rank() {
		inv.State = InvoiceStatePaid
	}
}

// MarkFulfilled records the generated asset.
func (inv *Invoice) MarkFulfilled(assetURL string, at time.Time) {
	inv.AssetURL = assetURL
	inv.FulfilledAt = &at
	inv.State = InvoiceStateFulfilled
}

// NFTCertificate records the certificate token minted to the buyer after
// delivery.
type NFTCertificate struct {
	TokenID  string    `json:"tokenId,omitempty"`
	Contract string    `json:"contractAddress"`
	TxHash   string    `json:"transactionHash"`
	Owner    string    `json:"owner"`
	MintedAt time.Time `json:"mintedAt"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Receipt is returned with a fulfilled asset.
type Receipt struct {
	InvoiceID string          `json:"invoiceId"`
	Amount    decimal.Decimal `json:"amount"`
	Token     string          `json:"token"`
	PaidAt    *time.Time      `json:"paidAt,omitempty"`
	TxHash    string          `json:"txHash,omitempty"`
	NFT       *NFTCertificate `json:"nft,omitempty"`
}

// PaymentRequired is the 402 body handed to a buyer for an unpaid invoice.
type PaymentRequired struct {
	InvoiceID       string          `json:"invoiceId"`
	Amount          decimal.Decimal `json:"amount"`
	Token           string          `json:"token"`
	LedgerReference string          `json:"ledgerReference"`
	SellerAddress   string          `json:"sellerAddress"`
	Message         string          `json:"message"`
}

// GenerateSuccess is the 200 body for a paid, fulfilled invoice.
type GenerateSuccess struct {
	OK        bool     `json:"ok"`
	InvoiceID string   `json:"invoiceId"`
	AssetURL  string   `json:"assetUrl"`
	Receipt   *Receipt `json:"receipt"`
}

// Quote is the public listing view. FloorPrice is never part of it.
type Quote struct {
	SellerID        string          `json:"sellerId"`
	Name            string          `json:"name,omitempty"`
	Style           string          `json:"style,omitempty"`
	Description     string          `json:"description,omitempty"`
	Features        []string        `json:"features,omitempty"`
	Price           decimal.Decimal `json:"price"`
	Token           string          `json:"token"`
	LedgerReference string          `json:"ledgerReference"`
	SellerAddress   string          `json:"sellerAddress,omitempty"`
}

// SellerListing is seller-side reference data. It is read-only for the core.
type SellerListing struct {
	ID           string          `json:"id" yaml:"id"`
	Name         string          `json:"name,omitempty" yaml:"name"`
	Style        string          `json:"style" yaml:"style"`
	Description  string          `json:"description,omitempty" yaml:"description"`
	ListingPrice decimal.Decimal `json:"listingPrice" yaml:"listing_price"`
	FloorPrice   decimal.Decimal `json:"floorPrice" yaml:"floor_price"`
	Token        string          `json:"token" yaml:"token"`
	Endpoint     string          `json:"endpoint" yaml:"endpoint"`
	Capabilities []string        `json:"capabilities,omitempty" yaml:"capabilities"`
	// NFT marks listings that mint a certificate to the buyer after delivery.
	NFT bool `json:"nft,omitempty" yaml:"nft"`
}

// Quote builds the public view of the listing.
func (l SellerListing) Quote(ledgerRef, sellerAddr string) Quote {
	return Quote{
		SellerID:        l.ID,
		Name:            l.Name,
		Style:           l.Style,
		Description:     l.Description,
		Features:        l.Capabilities,
		Price:           l.ListingPrice,
		Token:           l.Token,
		LedgerReference: ledgerRef,
		SellerAddress:   sellerAddr,
	}
}

// PublicListing returns the listing as a buyer sees it: floor price zeroed.
func (l SellerListing) PublicListing() SellerListing {
	l.FloorPrice = decimal.Zero
	return l
}
