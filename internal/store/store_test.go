package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/quizdocflow/internal/gcp"
	"github.com/Lllllllleong/quizdocflow/internal/models"
)

func TestSourceObjectName(t *testing.T) {
	name := SourceObjectName("doc-1")
	assert.Equal(t, "doc-1/source.pdf", name)

	id, ok := DocumentIDFromObject(name)
	assert.True(t, ok)
	assert.Equal(t, "doc-1", id)

	for _, bad := range []string{"doc-1/other.pdf", "/source.pdf", "a/b/source.pdf", "source.pdf"} {
		_, ok := DocumentIDFromObject(bad)
		assert.False(t, ok, bad)
	}
}

func TestMemoryDocumentsLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryDocuments()

	doc := &models.Document{ID: "doc-1", Filename: "a.pdf", FileHash: "h1", Status: models.StatusUploading}
	require.NoError(t, s.Insert(ctx, doc))
	assert.Error(t, s.Insert(ctx, doc), "duplicate ids are rejected")

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	err := s.Update(ctx, "doc-1", map[string]interface{}{
		models.FieldStatus:      models.StatusCompleted,
		models.FieldProgress:    100,
		models.FieldMetadata:    &models.DocumentMetadata{PageCount: 2, QualityScore: 64},
		models.FieldProcessedAt: &now,
		models.FieldError:       nil,
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, 2, got.Metadata.PageCount)
	assert.Equal(t, now, *got.ProcessedAt)

	found, err := s.FindByHash(ctx, "h1", models.StatusCompleted)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "doc-1", found.ID)

	none, err := s.FindByHash(ctx, "h1", models.StatusFailed)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestMemoryDocumentsErrors(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryDocuments()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Update(ctx, "missing", map[string]interface{}{}), ErrNotFound)
	assert.Error(t, s.Insert(ctx, &models.Document{}))

	require.NoError(t, s.Insert(ctx, &models.Document{ID: "doc-1"}))
	assert.Error(t, s.Update(ctx, "doc-1", map[string]interface{}{"bogus": 1}))
	assert.Error(t, s.Update(ctx, "doc-1", map[string]interface{}{models.FieldProgress: "50"}))
}

func TestMemoryDocumentsReturnCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryDocuments()
	doc := &models.Document{ID: "doc-1", Error: &models.ErrorRecord{Kind: "TIMEOUT", Details: map[string]string{"a": "b"}}}
	require.NoError(t, s.Insert(ctx, doc))

	doc.Error.Kind = "mutated"
	got, err := s.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "TIMEOUT", got.Error.Kind)

	got.Error.Details["a"] = "changed"
	again, err := s.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "b", again.Error.Details["a"])
}

func TestMemoryObjects(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryObjects()

	url, err := s.Put(ctx, SourceObjectName("doc-1"), []byte("%PDF-1.4"))
	require.NoError(t, err)
	assert.Equal(t, "mem://doc-1/source.pdf", url)

	data, err := s.Get(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.4"), data)

	_, err = s.Get(ctx, "mem://nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "gs://bucket/key")
	assert.Error(t, err)
}

func TestToUpdatesIsSorted(t *testing.T) {
	updates := toUpdates(map[string]interface{}{
		models.FieldStatus:   models.StatusProcessing,
		models.FieldMessage:  "hi",
		models.FieldProgress: 30,
	})
	require.Len(t, updates, 3)
	assert.Equal(t, models.FieldMessage, updates[0].Path)
	assert.Equal(t, models.FieldProgress, updates[1].Path)
	assert.Equal(t, models.FieldStatus, updates[2].Path)
	assert.Equal(t, 30, updates[1].Value)
}

func TestFirestoreDocumentsEmulator(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	ctx := context.Background()
	client, err := gcp.NewFirestoreClient(ctx, "quizdoc-test")
	require.NoError(t, err)
	defer client.Close()

	s := NewFirestoreDocuments(client, "documents-test")
	id := "doc-" + time.Now().Format("150405.000000000")
	require.NoError(t, s.Insert(ctx, &models.Document{ID: id, FileHash: id, Status: models.StatusUploading}))

	require.NoError(t, s.Update(ctx, id, map[string]interface{}{
		models.FieldStatus:   models.StatusCompleted,
		models.FieldProgress: 100,
		models.FieldError:    nil,
	}))
	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)

	found, err := s.FindByHash(ctx, id, models.StatusCompleted)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, id, found.ID)

	_, err = s.Get(ctx, "missing-"+id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMinIOObjectsIntegration(t *testing.T) {
	endpoint := os.Getenv("MINIO_TEST_ENDPOINT")
	if endpoint == "" {
		t.Skip("MINIO_TEST_ENDPOINT not set")
	}
	ctx := context.Background()
	s, err := NewMinIOObjects(ctx, MinIOConfig{
		Endpoint:  endpoint,
		AccessKey: gcp.GetEnv("MINIO_TEST_ACCESS_KEY", "minioadmin"),
		SecretKey: gcp.GetEnv("MINIO_TEST_SECRET_KEY", "minioadmin"),
		Bucket:    "quizdoc-test",
	})
	require.NoError(t, err)

	url, err := s.Put(ctx, SourceObjectName("doc-1"), []byte("%PDF-1.4"))
	require.NoError(t, err)
	data, err := s.Get(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.4"), data)

	_, err = s.Get(ctx, "s3://quizdoc-test/missing/source.pdf")
	assert.ErrorIs(t, err, ErrNotFound)
}
