// Package catalog keeps named snapshots: a badger database of records, each
// pointing at a backend snapshot file stored next to it.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	domainerrors "github.com/listenupapp/fswatch/internal/errors"
	"github.com/listenupapp/fswatch/internal/id"
	"github.com/listenupapp/fswatch/internal/watcher"
)

const (
	snapshotPrefix = "snapshot:"
	nameIndex      = "snapshot-name:"
)

// Snapshot is a catalog record.
type Snapshot struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Root        string    `json:"root"`
	Backend     string    `json:"backend"`
	Ignore      []string  `json:"ignore,omitempty"`
	IgnoreGlobs []string  `json:"ignore_globs,omitempty"`
	Path        string    `json:"path"`
	CreatedAt   time.Time `json:"created_at"`
}

// Options returns the watch options the snapshot was taken with.
func (s *Snapshot) Options() watcher.Options {
	return watcher.Options{
		Backend:     watcher.ParseBackendType(s.Backend),
		Ignore:      s.Ignore,
		IgnoreGlobs: s.IgnoreGlobs,
	}
}

// WriteFunc writes the backend snapshot for a record to path.
type WriteFunc func(ctx context.Context, path string) error

// Catalog wraps a Badger database instance and the snapshot file directory.
type Catalog struct {
	db     *badger.DB
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

// Open opens or creates the catalog rooted at dir.
func Open(dir string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(filepath.Join(dir, "snapshots"), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create catalog directory: %w", err)
	}

	opts := badger.DefaultOptions(filepath.Join(dir, "db"))
	opts.Logger = nil            // Disable Badger's internal logging
	opts.SyncWrites = true       // Ensure writes are synced to disk
	opts.CompactL0OnClose = true // Compact L0 tables on close for faster startup

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	logger.Info("Snapshot catalog opened", "path", dir)
	return &Catalog{db: db, dir: dir, logger: logger, now: time.Now}, nil
}

// Close closes the database.
func (c *Catalog) Close() error {
	c.logger.Info("Closing snapshot catalog")
	return c.db.Close()
}

// Dir returns the catalog directory.
func (c *Catalog) Dir() string { return c.dir }

func (c *Catalog) snapshotPath(snapshotID string) string {
	return filepath.Join(c.dir, "snapshots", snapshotID)
}

// Create assigns s an ID, path and creation time, has write produce the
// snapshot file, and then stores the record. Names are unique when set. The
// file is removed again if the record cannot be stored.
func (c *Catalog) Create(ctx context.Context, s *Snapshot, write WriteFunc) error {
	if s.Root == "" {
		return domainerrors.Validation("root is required")
	}
	if s.Name != "" {
		if _, err := c.GetByName(ctx, s.Name); err == nil {
			return domainerrors.AlreadyExistsf("snapshot %q already exists", s.Name)
		} else if !errors.Is(err, domainerrors.ErrNotFound) {
			return err
		}
	}

	snapshotID, err := id.NewSnapshot()
	if err != nil {
		return domainerrors.Internal("failed to generate snapshot id").WithCause(err)
	}
	s.ID = snapshotID
	s.Path = c.snapshotPath(snapshotID)
	s.CreatedAt = c.now().UTC()

	if err := write(ctx, s.Path); err != nil {
		os.Remove(s.Path) //nolint:errcheck // Best effort
		return err
	}

	data, err := json.Marshal(s)
	if err != nil {
		os.Remove(s.Path) //nolint:errcheck // Best effort
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	err = c.db.Update(func(txn *badger.Txn) error {
		if s.Name != "" {
			if _, err := txn.Get([]byte(nameIndex + s.Name)); err == nil {
				return domainerrors.AlreadyExistsf("snapshot %q already exists", s.Name)
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := txn.Set([]byte(nameIndex+s.Name), []byte(s.ID)); err != nil {
				return err
			}
		}
		return txn.Set([]byte(snapshotPrefix+s.ID), data)
	})
	if err != nil {
		os.Remove(s.Path) //nolint:errcheck // Best effort
		return err
	}

	c.logger.Debug("snapshot recorded", "id", s.ID, "name", s.Name, "root", s.Root)
	return nil
}

// Get retrieves a snapshot by ID.
func (c *Catalog) Get(ctx context.Context, snapshotID string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var s Snapshot
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(snapshotPrefix + snapshotID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &s)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, domainerrors.NotFoundf("snapshot %s not found", snapshotID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return &s, nil
}

// GetByName retrieves a snapshot by its unique name.
func (c *Catalog) GetByName(ctx context.Context, name string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var snapshotID string
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(nameIndex + name))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		snapshotID = string(val)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, domainerrors.NotFoundf("snapshot %q not found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up snapshot: %w", err)
	}
	return c.Get(ctx, snapshotID)
}

// Lookup resolves ref as an ID first and then as a name.
func (c *Catalog) Lookup(ctx context.Context, ref string) (*Snapshot, error) {
	if id.HasPrefix(ref, id.SnapshotPrefix) {
		s, err := c.Get(ctx, ref)
		if err == nil || !errors.Is(err, domainerrors.ErrNotFound) {
			return s, err
		}
	}
	return c.GetByName(ctx, ref)
}

// List returns every snapshot, oldest first.
func (c *Catalog) List(ctx context.Context) ([]*Snapshot, error) {
	var out []*Snapshot
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(snapshotPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var s Snapshot
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &s)
			}); err != nil {
				return fmt.Errorf("failed to decode %s: %w", item.Key(), err)
			}
			out = append(out, &s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(out, func(a, b *Snapshot) int {
		if n := a.CreatedAt.Compare(b.CreatedAt); n != 0 {
			return n
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Delete removes a snapshot record and its file.
func (c *Catalog) Delete(ctx context.Context, snapshotID string) error {
	s, err := c.Get(ctx, snapshotID)
	if err != nil {
		return err
	}

	err = c.db.Update(func(txn *badger.Txn) error {
		if s.Name != "" {
			if err := txn.Delete([]byte(nameIndex + s.Name)); err != nil {
				return err
			}
		}
		return txn.Delete([]byte(snapshotPrefix + s.ID))
	})
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}

	if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("failed to remove snapshot file", "path", s.Path, "error", err)
	}
	c.logger.Debug("snapshot deleted", "id", s.ID)
	return nil
}
