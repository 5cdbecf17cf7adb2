package store

import (
	"context"
	"fmt"
	"sort"

	"cloud.google.com/go/firestore"

	"github.com/Lllllllleong/quizdocflow/internal/gcp"
	"github.com/Lllllllleong/quizdocflow/internal/models"
)

// FirestoreDocuments stores document records in one Firestore collection.
type FirestoreDocuments struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreDocuments wraps an existing client.
func NewFirestoreDocuments(client *firestore.Client, collection string) *FirestoreDocuments {
	return &FirestoreDocuments{client: client, collection: collection}
}

func (s *FirestoreDocuments) Insert(ctx context.Context, doc *models.Document) error {
	if _, err := s.client.Collection(s.collection).Doc(doc.ID).Create(ctx, doc); err != nil {
		return fmt.Errorf("failed to create document %s: %w", doc.ID, err)
	}
	return nil
}

func (s *FirestoreDocuments) Get(ctx context.Context, id string) (*models.Document, error) {
	snap, err := s.client.Collection(s.collection).Doc(id).Get(ctx)
	if err != nil {
		if gcp.IsNotFound(err) {
			return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read document %s: %w", id, err)
	}
	var doc models.Document
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", id, err)
	}
	doc.ID = snap.Ref.ID
	return &doc, nil
}

func (s *FirestoreDocuments) Update(ctx context.Context, id string, fields map[string]interface{}) error {
	if _, err := s.client.Collection(s.collection).Doc(id).Update(ctx, toUpdates(fields)); err != nil {
		if gcp.IsNotFound(err) {
			return fmt.Errorf("document %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("failed to update document %s: %w", id, err)
	}
	return nil
}

func (s *FirestoreDocuments) FindByHash(ctx context.Context, hash string, status models.UploadStatus) (*models.Document, error) {
	docs, err := s.client.Collection(s.collection).
		Where("fileHash", "==", hash).
		Where("status", "==", string(status)).
		Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query for duplicates: %w", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	var doc models.Document
	if err := docs[0].DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", docs[0].Ref.ID, err)
	}
	doc.ID = docs[0].Ref.ID
	return &doc, nil
}

// toUpdates converts a field map into Firestore updates in a stable order.
func toUpdates(fields map[string]interface{}) []firestore.Update {
	paths := make([]string, 0, len(fields))
	for p := range fields {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	updates := make([]firestore.Update, 0, len(paths))
	for _, p := range paths {
		updates = append(updates, firestore.Update{Path: p, Value: fields[p]})
	}
	return updates
}
