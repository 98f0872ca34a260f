package document

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensembleworks/ensemble/internal/index"
	"github.com/ensembleworks/ensemble/internal/testutil"
)

func TestIngestor_Integration_ConcurrentDuplicate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	embedder := &mockEmbedClient{}
	vectors := index.NewStore(db.Pool, embedder.ModelID(), embedder.Dimensions(), nil)
	ing := NewIngestor(
		NewStore(db.Pool, nil),
		NewChunker(ChunkerConfig{MaxTokens: 4, Overlap: 0}),
		embedder, vectors, nil,
	)

	req := IngestRequest{
		SourceURI: "notes/go.md",
		Content:   "alpha beta gamma delta. epsilon zeta eta theta. iota kappa lambda mu.",
	}

	// Two ingests of the same content race; they must converge on one
	// document with one chunk set and exactly one vector record per chunk.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = ing.Ingest(ctx, req)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "ingest %d", i)
	}

	var docs, chunks, records int
	require.NoError(t, db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM documents`).Scan(&docs))
	require.NoError(t, db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&chunks))
	require.NoError(t, db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM vector_records`).Scan(&records))

	assert.Equal(t, 1, docs, "documents")
	assert.Equal(t, 3, chunks, "chunks")
	assert.Equal(t, 3, records, "vector records")

	// A third, sequential ingest of identical content is a pure no-op.
	res, err := ing.Ingest(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Created)

	require.NoError(t, db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM vector_records`).Scan(&records))
	assert.Equal(t, 3, records, "vector records after re-ingest")
}

func TestIngestor_Integration_ChangedContentNewDocument(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	embedder := &mockEmbedClient{}
	vectors := index.NewStore(db.Pool, embedder.ModelID(), embedder.Dimensions(), nil)
	ing := NewIngestor(NewStore(db.Pool, nil), NewChunker(ChunkerConfig{}), embedder, vectors, nil)

	first, err := ing.Ingest(ctx, IngestRequest{SourceURI: "notes/go.md", Content: "first revision."})
	require.NoError(t, err)

	second, err := ing.Ingest(ctx, IngestRequest{SourceURI: "notes/go.md", Content: "second revision with more words."})
	require.NoError(t, err)

	assert.True(t, second.Created)
	assert.NotEqual(t, first.DocumentID, second.DocumentID,
		"changed content must produce a new document")

	var docs int
	require.NoError(t, db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM documents`).Scan(&docs))
	assert.Equal(t, 2, docs)
}
