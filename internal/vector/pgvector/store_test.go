package pgvector

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Integration tests require a running PostgreSQL with the pgvector extension.
// Set KB_TEST_POSTGRES_DSN to enable them, e.g.
//
//	KB_TEST_POSTGRES_DSN="host=localhost user=kb password=kb dbname=kb_test sslmode=disable"
func integrationStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("KB_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("KB_TEST_POSTGRES_DSN not set")
	}
	store, err := NewStore(Config{DSN: dsn, Dimensions: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestConfigValidation(t *testing.T) {
	_, err := NewStore(Config{DSN: "", Dimensions: 4})
	assert.Error(t, err)
	_, err = NewStore(Config{DSN: "host=localhost", Dimensions: 0})
	assert.Error(t, err)
}

func TestRoundTrip(t *testing.T) {
	store := integrationStore(t)
	ctx := context.Background()

	name := "kb_project_" + uuid.NewString()
	coll, err := store.Collection(ctx, name)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.DeleteCollection(ctx, name) })

	require.NoError(t, coll.Add(ctx,
		[]string{"d1", "d2"},
		[][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}},
		[]string{"python scripting language", "go compiled language"},
		[]map[string]any{{"lang": "python"}, {"lang": "go"}}))

	n, err := coll.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	results, err := coll.QueryVector(ctx, []float32{1, 0, 0, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "d1", results[0].ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)

	results, err = coll.QueryKeyword(ctx, "python", 10, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "d1", results[0].ID)

	results, err = coll.QueryVector(ctx, []float32{1, 0, 0, 0}, 10,
		map[string]any{"lang": "go"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "d2", results[0].ID)

	require.NoError(t, coll.Delete(ctx, []string{"d1"}, nil))
	n, err = coll.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	recs, err := coll.All(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "d2", recs[0].ID)
	assert.Equal(t, []float32{0, 1, 0, 0}, recs[0].Embedding)
}

func TestCollectionIsolation(t *testing.T) {
	store := integrationStore(t)
	ctx := context.Background()

	nameA := "kb_project_" + uuid.NewString()
	nameB := "kb_project_" + uuid.NewString()
	a, err := store.Collection(ctx, nameA)
	require.NoError(t, err)
	b, err := store.Collection(ctx, nameB)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.DeleteCollection(ctx, nameA)
		_ = store.DeleteCollection(ctx, nameB)
	})

	require.NoError(t, a.Add(ctx, []string{"d1"}, [][]float32{{1, 0, 0, 0}},
		[]string{"alpha"}, nil))

	nb, err := b.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), nb)
}
