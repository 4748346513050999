package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sage-x-project/sage-paywall/logger"
	"github.com/sage-x-project/sage-paywall/types"
)

// FileStore is a MemoryStore persisted to a single JSON file. Every write
// replaces the file through a temp file and rename, so a crash leaves either
// the old or the new contents.
type FileStore struct {
	mem  *MemoryStore
	path string
	log  *logger.Logger

	// serializes mutation plus persist
	writeMu sync.Mutex
}

type fileSnapshot struct {
	Invoices []*types.Invoice `json:"invoices"`
}

// OpenFileStore loads path if it exists. An unreadable file is logged and
// set aside; its invoices are re-derived from the ledger on demand.
func OpenFileStore(path string, log *logger.Logger) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("file store path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	s := &FileStore{mem: NewMemoryStore(), path: path, log: logger.Or(log).WithField("component", "store")}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read invoice store: %w", err)
	}

	var snap fileSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		bad := path + ".corrupt"
		s.log.Warnf("invoice store %s unreadable (%v); moving it to %s and starting empty", path, err, bad)
		if rerr := os.Rename(path, bad); rerr != nil {
			return nil, fmt.Errorf("set aside corrupt store: %w", rerr)
		}
		return s, nil
	}
	for _, inv := range snap.Invoices {
		if inv == nil || types.ValidateInvoiceID(inv.ID) != nil {
			continue
		}
		s.mem.invoices[inv.ID] = inv
	}
	s.log.Infof("loaded %d invoices from %s", len(s.mem.invoices), path)
	return s, nil
}

func (s *FileStore) Get(ctx context.Context, id string) (*types.Invoice, error) {
	return s.mem.Get(ctx, id)
}

func (s *FileStore) Create(ctx context.Context, inv *types.Invoice) (*types.Invoice, bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	out, created, err := s.mem.Create(ctx, inv)
	if err != nil || !created {
		return out, created, err
	}
	if err := s.persist(); err != nil {
		s.mem.mu.Lock()
		delete(s.mem.invoices, inv.ID)
		s.mem.mu.Unlock()
		return nil, false, err
	}
	return out, true, nil
}

func (s *FileStore) CompareAndSwap(ctx context.Context, expectedVersion int64, next *types.Invoice) (*types.Invoice, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	prev, err := s.mem.Get(ctx, next.ID)
	if err != nil {
		return nil, err
	}
	out, err := s.mem.CompareAndSwap(ctx, expectedVersion, next)
	if err != nil {
		return nil, err
	}
	if err := s.persist(); err != nil {
		s.mem.mu.Lock()
		s.mem.invoices[prev.ID] = prev
		s.mem.mu.Unlock()
		return nil, err
	}
	return out, nil
}

func (s *FileStore) List(ctx context.Context) ([]*types.Invoice, error) {
	return s.mem.List(ctx)
}

func (s *FileStore) Close(context.Context) error { return nil }

func (s *FileStore) persist() error {
	s.mem.mu.RLock()
	snap := fileSnapshot{Invoices: sortedCopy(s.mem.invoices)}
	s.mem.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode invoice store: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp store file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace store file: %w", err)
	}
	return nil
}
