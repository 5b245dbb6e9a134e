// Package statestore is a Firestore-backed keyed lookup a handle_message
// callback can use to enrich a message with state that lives outside the
// pipeline, e.g. a device's last-known configuration. It generalizes the
// teacher's pkg/cache.FirestoreSource, keeping its generic Fetch/Write shape
// and its gRPC not-found handling.
package statestore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrNotFound is returned by Get when no document exists for the given key.
var ErrNotFound = errors.New("statestore: not found")

// Config names the collection a Store reads and writes.
type Config struct {
	CollectionName string
}

// Store is a generic document lookup over one Firestore collection, keyed by
// any comparable K and decoding into V via firestore's struct tags.
type Store[K comparable, V any] struct {
	client     *firestore.Client
	collection string
	logger     zerolog.Logger
}

// New returns a Store bound to client and cfg.CollectionName.
func New[K comparable, V any](client *firestore.Client, cfg Config, logger zerolog.Logger) (*Store[K, V], error) {
	if client == nil {
		return nil, errors.New("statestore: client cannot be nil")
	}
	if cfg.CollectionName == "" {
		return nil, errors.New("statestore: collection name is required")
	}
	return &Store[K, V]{
		client:     client,
		collection: cfg.CollectionName,
		logger:     logger.With().Str("component", "statestore.Store").Str("collection", cfg.CollectionName).Logger(),
	}, nil
}

// Get fetches the document named by key, returning ErrNotFound if it does not exist.
func (s *Store[K, V]) Get(ctx context.Context, key K) (V, error) {
	var zero V
	docID := fmt.Sprintf("%v", key)
	snap, err := s.client.Collection(s.collection).Doc(docID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return zero, ErrNotFound
		}
		return zero, fmt.Errorf("statestore: get %s: %w", docID, err)
	}
	var value V
	if err := snap.DataTo(&value); err != nil {
		return zero, fmt.Errorf("statestore: decoding %s: %w", docID, err)
	}
	return value, nil
}

// Put writes value as the document named by key, overwriting any existing one.
func (s *Store[K, V]) Put(ctx context.Context, key K, value V) error {
	docID := fmt.Sprintf("%v", key)
	if _, err := s.client.Collection(s.collection).Doc(docID).Set(ctx, value); err != nil {
		return fmt.Errorf("statestore: set %s: %w", docID, err)
	}
	return nil
}
