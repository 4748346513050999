package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sage-x-project/sage-paywall/logger"
	"github.com/sage-x-project/sage-paywall/types"
)

func newInvoice(id string) *types.Invoice {
	return &types.Invoice{
		ID:            id,
		Amount:        decimal.RequireFromString("7.25"),
		Token:         "0x00000000000000000000000000000000000000e1",
		SellerAddress: "0x0000000000000000000000000000000000000051",
		State:         types.InvoiceStateCreated,
		CreatedAt:     time.Now().UTC().Truncate(time.Millisecond),
	}
}

func quietLogger() *logger.Logger {
	return logger.NewWithWriter(io.Discard, logger.ERROR)
}

func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	t.Run("CreateAndGet", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		inv := newInvoice(uniqueID("create"))

		got, created, err := s.Create(ctx, inv)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if !created {
			t.Error("Expected first Create to report created")
		}
		if got.Version != 1 {
			t.Errorf("Expected version 1, got %d", got.Version)
		}

		read, err := s.Get(ctx, inv.ID)
		if err != nil {
			t.Fatalf("Expected no error on Get, got: %v", err)
		}
		if !read.Amount.Equal(inv.Amount) {
			t.Errorf("Expected amount %s, got %s", inv.Amount, read.Amount)
		}
		if read.State != types.InvoiceStateCreated {
			t.Errorf("Expected state CREATED, got %s", read.State)
		}
	})

	t.Run("CreateExistingReturnsStored", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		inv := newInvoice(uniqueID("dup"))
		s.Create(ctx, inv)

		other := newInvoice(inv.ID)
		other.Amount = decimal.NewFromInt(99)
		got, created, err := s.Create(ctx, other)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if created {
			t.Error("Expected second Create to report existing record")
		}
		if !got.Amount.Equal(inv.Amount) {
			t.Errorf("Expected original amount %s, got %s", inv.Amount, got.Amount)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := open(t)
		if _, err := s.Get(context.Background(), "missing-id"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got: %v", err)
		}
	})

	t.Run("CompareAndSwap", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		inv, _, _ := s.Create(ctx, newInvoice(uniqueID("cas")))

		next := inv.Clone()
		next.MarkPaid(time.Now())
		swapped, err := s.CompareAndSwap(ctx, inv.Version, next)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if swapped.Version != inv.Version+1 {
			t.Errorf("Expected version %d, got %d", inv.Version+1, swapped.Version)
		}

		stale := inv.Clone()
		stale.MarkPaid(time.Now())
		if _, err := s.CompareAndSwap(ctx, inv.Version, stale); !errors.Is(err, types.ErrStoreConflict) {
			t.Errorf("Expected StoreConflict for stale version, got: %v", err)
		}
	})

	t.Run("RejectsBackwardTransition", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		inv, _, _ := s.Create(ctx, newInvoice(uniqueID("back")))
		paid := inv.Clone()
		paid.MarkPaid(time.Now())
		paid, err := s.CompareAndSwap(ctx, inv.Version, paid)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}

		back := paid.Clone()
		back.Paid = false
		back.State = types.InvoiceStateCreated
		if _, err := s.CompareAndSwap(ctx, paid.Version, back); !errors.Is(err, types.ErrValidation) {
			t.Errorf("Expected ValidationError moving PAID back to CREATED, got: %v", err)
		}
	})

	t.Run("KeepsCertificate", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		inv, _, _ := s.Create(ctx, newInvoice(uniqueID("nft")))
		cert := &types.NFTCertificate{
			TokenID:  "7",
			Contract: "0x00000000000000000000000000000000000000Ab",
			TxHash:   "0xabc",
			Owner:    "0x00000000000000000000000000000000000000b1",
			MintedAt: time.Now().UTC().Truncate(time.Millisecond),
		}
		withCert, err := Update(ctx, s, inv.ID, func(next *types.Invoice) error {
			next.NFT = cert
			return nil
		})
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}

		read, err := s.Get(ctx, inv.ID)
		if err != nil {
			t.Fatalf("Expected no error on Get, got: %v", err)
		}
		if read.NFT == nil || read.NFT.TokenID != "7" || read.NFT.TxHash != "0xabc" {
			t.Errorf("Expected stored certificate, got %+v", read.NFT)
		}

		dropped := withCert.Clone()
		dropped.NFT = nil
		if _, err := s.CompareAndSwap(ctx, withCert.Version, dropped); !errors.Is(err, types.ErrValidation) {
			t.Errorf("Expected ValidationError dropping the certificate, got: %v", err)
		}
	})

	t.Run("ConcurrentCreateSingleWinner", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		id := uniqueID("race")
		var wins int32
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, created, err := s.Create(ctx, newInvoice(id)); err == nil && created {
					atomic.AddInt32(&wins, 1)
				}
			}()
		}
		wg.Wait()
		if wins != 1 {
			t.Errorf("Expected exactly 1 creator, got %d", wins)
		}
	})

	t.Run("UpdateRetriesOnConflict", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		inv, _, _ := s.Create(ctx, newInvoice(uniqueID("upd")))

		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				Update(ctx, s, inv.ID, func(next *types.Invoice) error {
					next.MarkPaid(time.Now())
					return nil
				})
			}()
		}
		wg.Wait()
		got, _ := s.Get(ctx, inv.ID)
		if !got.Paid || got.State != types.InvoiceStatePaid {
			t.Errorf("Expected paid invoice, got %+v", got)
		}
	})
}

var idSeq int64

func uniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixNano()%1e9, atomic.AddInt64(&idSeq, 1))
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestFileStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := OpenFileStore(filepath.Join(t.TempDir(), "invoices.json"), quietLogger())
		if err != nil {
			t.Fatalf("Expected no error opening file store, got: %v", err)
		}
		return s
	})
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invoices.json")
	ctx := context.Background()

	s, err := OpenFileStore(path, quietLogger())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	inv, _, _ := s.Create(ctx, newInvoice("inv-persist"))
	next := inv.Clone()
	next.MarkPaid(time.Now())
	s.CompareAndSwap(ctx, inv.Version, next)

	reopened, err := OpenFileStore(path, quietLogger())
	if err != nil {
		t.Fatalf("Expected no error on reopen, got: %v", err)
	}
	got, err := reopened.Get(ctx, "inv-persist")
	if err != nil {
		t.Fatalf("Expected invoice after reopen, got: %v", err)
	}
	if !got.Paid || got.Version != 2 {
		t.Errorf("Expected paid invoice at version 2, got paid=%v version=%d", got.Paid, got.Version)
	}
}

func TestFileStoreSetsAsideCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invoices.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := OpenFileStore(path, quietLogger())
	if err != nil {
		t.Fatalf("Expected corrupt store to be tolerated, got: %v", err)
	}
	list, _ := s.List(context.Background())
	if len(list) != 0 {
		t.Errorf("Expected empty store, got %d invoices", len(list))
	}
	if _, err := os.Stat(path + ".corrupt"); err != nil {
		t.Errorf("Expected corrupt file to be kept aside: %v", err)
	}
}

func TestCreateRejectsInvalidID(t *testing.T) {
	s := NewMemoryStore()
	_, _, err := s.Create(context.Background(), newInvoice("this-invoice-id-is-far-too-long-for-bytes32"))
	if !errors.Is(err, types.ErrValidation) {
		t.Errorf("Expected ValidationError, got: %v", err)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open(context.Background(), Config{Backend: "redis"}, quietLogger()); err == nil {
		t.Error("Expected error for unknown backend")
	}
}

func TestMongoStore(t *testing.T) {
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI not set")
	}
	ctx := context.Background()
	s, err := ConnectMongo(ctx, uri, "paywall_test")
	if err != nil {
		t.Fatalf("Expected no error connecting, got: %v", err)
	}
	defer s.Close(ctx)
	runStoreSuite(t, func(t *testing.T) Store { return s })
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := ConnectPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("Expected no error connecting, got: %v", err)
	}
	defer s.Close(ctx)
	runStoreSuite(t, func(t *testing.T) Store { return s })
}
