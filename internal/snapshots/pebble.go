package snapshots

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

const snapshotKeyPrefix = "snapshot:doc:"

var errMissingPath = errors.New("snapshots: store path is required")

// StoreConfig configures the durable snapshot store.
type StoreConfig struct {
	Path   string
	Logger *zap.Logger
}

// Store persists full convergent-state snapshots in a Pebble database keyed
// by document identifier.
type Store struct {
	db     *pebble.DB
	logger *zap.Logger
}

// Open opens (or creates) the Pebble database backing the store.
func Open(cfg StoreConfig) (*Store, error) {
	if cfg.Path == "" {
		return nil, errMissingPath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := pebble.Open(cfg.Path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("snapshots: open pebble at %s: %w", cfg.Path, err)
	}
	logger.Info("snapshot store opened", zap.String("path", cfg.Path))

	return &Store{db: db, logger: logger}, nil
}

// Load returns the stored snapshot for the document. The second return value
// reports whether a snapshot exists.
func (s *Store) Load(_ context.Context, documentID string) ([]byte, bool, error) {
	value, closer, err := s.db.Get(snapshotKey(documentID))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("snapshots: load %s: %w", documentID, err)
	}
	defer closer.Close()

	snapshot := make([]byte, len(value))
	copy(snapshot, value)
	return snapshot, true, nil
}

// Save durably replaces the snapshot for the document.
func (s *Store) Save(_ context.Context, documentID string, snapshot []byte) error {
	if err := s.db.Set(snapshotKey(documentID), snapshot, pebble.Sync); err != nil {
		return fmt.Errorf("snapshots: save %s: %w", documentID, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err == nil {
		s.logger.Info("snapshot store closed")
	}
	return err
}

func snapshotKey(documentID string) []byte {
	return []byte(snapshotKeyPrefix + documentID)
}
