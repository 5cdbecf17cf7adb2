// Package store persists document records and uploaded payloads.
package store

import (
	"context"
	"errors"
	"strings"

	"github.com/Lllllllleong/quizdocflow/internal/models"
)

// ErrNotFound is returned when a record or object does not exist.
var ErrNotFound = errors.New("not found")

// DocumentStore persists document records. Update applies a partial update
// keyed by the models.Field* paths.
type DocumentStore interface {
	Insert(ctx context.Context, doc *models.Document) error
	Get(ctx context.Context, id string) (*models.Document, error)
	Update(ctx context.Context, id string, fields map[string]interface{}) error
	// FindByHash returns a document with the given content hash and status,
	// or (nil, nil) when there is none.
	FindByHash(ctx context.Context, hash string, status models.UploadStatus) (*models.Document, error)
}

// ObjectStore persists binary payloads. Put returns a URL that Get accepts.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
	Get(ctx context.Context, url string) ([]byte, error)
}

// SourceObjectName is the object key of a document's uploaded PDF.
func SourceObjectName(documentID string) string {
	return documentID + "/" + sourceObjectFile
}

// DocumentIDFromObject extracts the document ID from a SourceObjectName key.
func DocumentIDFromObject(name string) (string, bool) {
	id, ok := strings.CutSuffix(name, "/"+sourceObjectFile)
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

const sourceObjectFile = "source.pdf"

func cloneDocument(d *models.Document) *models.Document {
	c := *d
	if d.Error != nil {
		e := *d.Error
		if d.Error.Details != nil {
			e.Details = make(map[string]string, len(d.Error.Details))
			for k, v := range d.Error.Details {
				e.Details[k] = v
			}
		}
		c.Error = &e
	}
	if d.Metadata != nil {
		m := *d.Metadata
		if d.Metadata.Quality != nil {
			q := *d.Metadata.Quality
			m.Quality = &q
		}
		c.Metadata = &m
	}
	if d.ProcessedAt != nil {
		t := *d.ProcessedAt
		c.ProcessedAt = &t
	}
	return &c
}
