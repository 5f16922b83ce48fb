// Package firestore provides a Firestore implementation of the credit.Backend interface.
// Each ledger table is one document holding the JSON body and its backup.
// Firestore limits documents to 1 MiB, which bounds the size of each table.
package firestore

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/gocredit/pkg/credit"
)

const (
	fieldBody      = "body"
	fieldBackup    = "backup"
	fieldUpdatedAt = "updatedAt"
)

// Storage implements credit.Backend using Google Cloud Firestore
type Storage struct {
	client     *firestore.Client
	collection string
}

var _ credit.Backend = (*Storage)(nil)

// Config holds Firestore storage configuration
type Config struct {
	// Collection is the Firestore collection holding ledger documents
	// Default: "ledger_documents"
	Collection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}
	if config.Collection == "" {
		config.Collection = "ledger_documents"
	}
	return &Storage{client: client, collection: config.Collection}, nil
}

// Load implements credit.Backend
func (s *Storage) Load(ctx context.Context, name string) ([]byte, error) {
	return s.field(ctx, name, fieldBody)
}

// LoadBackup implements credit.Backend
func (s *Storage) LoadBackup(ctx context.Context, name string) ([]byte, error) {
	return s.field(ctx, name, fieldBackup)
}

// Save implements credit.Backend
func (s *Storage) Save(ctx context.Context, name string, data []byte) error {
	ref := s.client.Collection(s.collection).Doc(name)
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		fields := map[string]interface{}{
			fieldBody:      string(data),
			fieldUpdatedAt: firestore.ServerTimestamp,
		}
		if snap != nil && snap.Exists() {
			if current := getString(snap.Data(), fieldBody); current != "" {
				fields[fieldBackup] = current
			}
		}
		return tx.Set(ref, fields, firestore.MergeAll)
	})
	if err != nil {
		return fmt.Errorf("failed to save document %s: %w", name, err)
	}
	return nil
}

func (s *Storage) field(ctx context.Context, name, field string) ([]byte, error) {
	snap, err := s.client.Collection(s.collection).Doc(name).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, credit.ErrDocumentNotFound
		}
		return nil, fmt.Errorf("failed to get document %s: %w", name, err)
	}
	if !snap.Exists() {
		return nil, credit.ErrDocumentNotFound
	}

	value := getString(snap.Data(), field)
	if value == "" {
		return nil, credit.ErrDocumentNotFound
	}
	return []byte(value), nil
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
