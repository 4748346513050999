package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sage-x-project/sage-paywall/types"
)

const mongoTimeout = 5 * time.Second

// invoiceDoc is the BSON shape of an invoice; amounts are stored as decimal
// strings so no precision is lost.
type invoiceDoc struct {
	ID              string     `bson:"_id"`
	ListingID       string     `bson:"listing_id,omitempty"`
	Amount          string     `bson:"amount"`
	Token           string     `bson:"token"`
	SellerAddress   string     `bson:"seller_address"`
	LedgerReference string     `bson:"ledger_reference"`
	BuyerAddress    string     `bson:"buyer_address,omitempty"`
	State           string     `bson:"state"`
	Paid            bool       `bson:"paid"`
	AssetURL        string     `bson:"asset_url,omitempty"`
	CreatedAt       time.Time  `bson:"created_at"`
	PaidAt          *time.Time `bson:"paid_at,omitempty"`
	FulfilledAt     *time.Time `bson:"fulfilled_at,omitempty"`
	WithdrawnAt     *time.Time `bson:"withdrawn_at,omitempty"`
	NFT             *nftDoc    `bson:"nft,omitempty"`
	Version         int64      `bson:"version"`
}

type nftDoc struct {
	TokenID  string    `bson:"token_id,omitempty"`
	Contract string    `bson:"contract"`
	TxHash   string    `bson:"tx_hash"`
	Owner    string    `bson:"owner"`
	MintedAt time.Time `bson:"minted_at"`
}

func toDoc(inv *types.Invoice) invoiceDoc {
	return invoiceDoc{
		ID:              inv.ID,
		ListingID:       inv.ListingID,
		Amount:          inv.Amount.String(),
		Token:           inv.Token,
		SellerAddress:   inv.SellerAddress,
		LedgerReference: inv.LedgerReference,
		BuyerAddress:    inv.BuyerAddress,
		State:           string(inv.State),
		Paid:            inv.Paid,
		AssetURL:        inv.AssetURL,
		CreatedAt:       inv.CreatedAt,
		PaidAt:          inv.PaidAt,
		FulfilledAt:     inv.FulfilledAt,
		WithdrawnAt:     inv.WithdrawnAt,
		NFT:             toNFTDoc(inv.NFT),
		Version:         inv.Version,
	}
}

func toNFTDoc(c *types.NFTCertificate) *nftDoc {
	if c == nil {
		return nil
	}
	return &nftDoc{TokenID: c.TokenID, Contract: c.Contract, TxHash: c.TxHash, Owner: c.Owner, MintedAt: c.MintedAt}
}

func (d invoiceDoc) toInvoice() (*types.Invoice, error) {
	amount, err := decimal.NewFromString(d.Amount)
	if err != nil {
		return nil, fmt.Errorf("invoice %s: bad stored amount %q: %w", d.ID, d.Amount, err)
	}
	var nft *types.NFTCertificate
	if d.NFT != nil {
		nft = &types.NFTCertificate{TokenID: d.NFT.TokenID, Contract: d.NFT.Contract, TxHash: d.NFT.TxHash, Owner: d.NFT.Owner, MintedAt: d.NFT.MintedAt}
	}
	return &types.Invoice{
		ID:              d.ID,
		ListingID:       d.ListingID,
		Amount:          amount,
		Token:           d.Token,
		SellerAddress:   d.SellerAddress,
		LedgerReference: d.LedgerReference,
		BuyerAddress:    d.BuyerAddress,
		State:           types.InvoiceState(d.State),
		Paid:            d.Paid,
		AssetURL:        d.AssetURL,
		CreatedAt:       d.CreatedAt,
		PaidAt:          d.PaidAt,
		FulfilledAt:     d.FulfilledAt,
		WithdrawnAt:     d.WithdrawnAt,
		NFT:             nft,
		Version:         d.Version,
	}, nil
}

// MongoStore keeps invoices in a MongoDB collection. The document version
// field is the compare-and-swap guard.
type MongoStore struct {
	client   *mongo.Client
	invoices *mongo.Collection
	owned    bool
}

// NewMongoStore uses an existing client; Close leaves it connected.
func NewMongoStore(client *mongo.Client, dbName string) *MongoStore {
	return &MongoStore{client: client, invoices: client.Database(dbName).Collection("invoices")}
}

// ConnectMongo dials uri and returns a store that owns the connection.
func ConnectMongo(ctx context.Context, uri, dbName string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	s := NewMongoStore(client, dbName)
	s.owned = true
	return s, nil
}

func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.invoices.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "state", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "seller_address", Value: 1}, {Key: "paid", Value: 1}}},
	})
	return err
}

func (s *MongoStore) Get(ctx context.Context, id string) (*types.Invoice, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	var doc invoiceDoc
	err := s.invoices.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return doc.toInvoice()
}

func (s *MongoStore) Create(ctx context.Context, inv *types.Invoice) (*types.Invoice, bool, error) {
	if err := validateNew(inv); err != nil {
		return nil, false, err
	}
	stored := inv.Clone()
	stored.Version = 1

	insertCtx, cancel := context.WithTimeout(ctx, mongoTimeout)
	_, err := s.invoices.InsertOne(insertCtx, toDoc(stored))
	cancel()
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			existing, gerr := s.Get(ctx, inv.ID)
			return existing, false, gerr
		}
		return nil, false, err
	}
	return stored, true, nil
}

func (s *MongoStore) CompareAndSwap(ctx context.Context, expectedVersion int64, next *types.Invoice) (*types.Invoice, error) {
	cur, err := s.Get(ctx, next.ID)
	if err != nil {
		return nil, err
	}
	if cur.Version != expectedVersion {
		return nil, conflict(next.ID, expectedVersion, cur.Version)
	}
	if err := checkTransition(cur, next); err != nil {
		return nil, err
	}

	stored := next.Clone()
	stored.Version = expectedVersion + 1

	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()
	res, err := s.invoices.ReplaceOne(ctx, bson.M{"_id": next.ID, "version": expectedVersion}, toDoc(stored))
	if err != nil {
		return nil, err
	}
	if res.MatchedCount == 0 {
		return nil, conflict(next.ID, expectedVersion, -1)
	}
	return stored, nil
}

func (s *MongoStore) List(ctx context.Context) ([]*types.Invoice, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.invoices.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []invoiceDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]*types.Invoice, 0, len(docs))
	for _, d := range docs {
		inv, err := d.toInvoice()
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	if !s.owned {
		return nil
	}
	return s.client.Disconnect(ctx)
}
