package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/ragserve/internal/chunking"
	"github.com/thebtf/ragserve/internal/config"
	"github.com/thebtf/ragserve/internal/project"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{
		MaxCacheSize:      32,
		HeartbeatInterval: 30,
		MaxWorkers:        2,
		VectorSearchMode:  "hybrid",
		UseVectorSearch:   true,
		Chunking:          chunking.DefaultConfig(),
		Backend:           config.BackendSQLite,
		BackendPath:       filepath.Join(root, "vectors.db"),
		ProjectsDB:        filepath.Join(root, "projects.db"),
		ListenAddr:        ":0",
		LogLevel:          "error",
	}
	svc, err := NewService("test", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.mgr.Close() })
	return svc
}

func doJSON(t *testing.T, svc *Service, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	svc.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func createProject(t *testing.T, svc *Service, name string) project.Project {
	t.Helper()
	rec := doJSON(t, svc, http.MethodPost, "/api/projects/", map[string]any{
		"name": name,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[project.Project](t, rec)
}

func TestProjectCRUD(t *testing.T) {
	svc := newTestService(t)

	proj := createProject(t, svc, "docs")
	assert.NotEmpty(t, proj.ProjectID)

	rec := doJSON(t, svc, http.MethodGet, "/api/projects/"+proj.ProjectID+"/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[project.Project](t, rec)
	assert.Equal(t, "docs", got.Name)

	rec = doJSON(t, svc, http.MethodPut, "/api/projects/"+proj.ProjectID+"/", map[string]any{
		"description": "updated",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "updated", decode[project.Project](t, rec).Description)

	rec = doJSON(t, svc, http.MethodGet, "/api/projects/", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, svc, http.MethodDelete, "/api/projects/"+proj.ProjectID+"/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[map[string]bool](t, rec)["deleted"])

	rec = doJSON(t, svc, http.MethodGet, "/api/projects/"+proj.ProjectID+"/", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProjectErrorStatuses(t *testing.T) {
	svc := newTestService(t)
	createProject(t, svc, "docs")

	// Duplicate name conflicts.
	rec := doJSON(t, svc, http.MethodPost, "/api/projects/", map[string]any{"name": "docs"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Blank name is invalid.
	rec = doJSON(t, svc, http.MethodPost, "/api/projects/", map[string]any{"name": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Malformed body is invalid.
	req := httptest.NewRequest(http.MethodPost, "/api/projects/", bytes.NewBufferString("{nope"))
	rr := httptest.NewRecorder()
	svc.Router().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	// Unknown project is 404.
	rec = doJSON(t, svc, http.MethodGet, "/api/projects/ghost/stats", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIngestAndQuery(t *testing.T) {
	svc := newTestService(t)
	proj := createProject(t, svc, "docs")
	base := "/api/projects/" + proj.ProjectID

	rec := doJSON(t, svc, http.MethodPost, base+"/documents", map[string]any{
		"documents": []map[string]any{
			{"id": "d1", "content": "python is a programming language used for scripting"},
			{"id": "d2", "content": "the weather today is sunny with light rain expected"},
			{"id": "d3", "content": "machine learning uses training data to build models"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 3, decode[map[string]int](t, rec)["chunks"])

	rec = doJSON(t, svc, http.MethodPost, base+"/query", map[string]any{
		"text": "python", "mode": "keyword", "top_k": 3,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[struct {
		Results []struct {
			ID string `json:"id"`
		} `json:"results"`
		Count int `json:"count"`
	}](t, rec)
	require.NotZero(t, resp.Count)
	assert.Equal(t, "d1", resp.Results[0].ID)

	// Empty query text is invalid.
	rec = doJSON(t, svc, http.MethodPost, base+"/query", map[string]any{"text": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Empty ingest payload is invalid.
	rec = doJSON(t, svc, http.MethodPost, base+"/documents", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatsAndHealthEndpoints(t *testing.T) {
	svc := newTestService(t)
	proj := createProject(t, svc, "docs")
	base := "/api/projects/" + proj.ProjectID

	rec := doJSON(t, svc, http.MethodPost, base+"/documents", map[string]any{
		"documents": []map[string]any{{"id": "d1", "content": "hello world"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, svc, http.MethodPost, base+"/query", map[string]any{"text": "hello"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, svc, http.MethodGet, base+"/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[map[string]any](t, rec)
	assert.EqualValues(t, 1, stats["document_count"])

	rec = doJSON(t, svc, http.MethodGet, base+"/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[map[string]any](t, rec)
	assert.Equal(t, "healthy", snap["status"])

	rec = doJSON(t, svc, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, svc, http.MethodGet, "/api/version", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "test", decode[map[string]string](t, rec)["version"])

	rec = doJSON(t, svc, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCacheClearEndpoint(t *testing.T) {
	svc := newTestService(t)
	proj := createProject(t, svc, "docs")

	rec := doJSON(t, svc, http.MethodPost, "/api/projects/"+proj.ProjectID+"/cache/clear", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, svc, http.MethodPost, "/api/projects/ghost/cache/clear", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReindexWithoutKnowledgeDirs(t *testing.T) {
	svc := newTestService(t)
	proj := createProject(t, svc, "docs")

	rec := doJSON(t, svc, http.MethodPost, "/api/projects/"+proj.ProjectID+"/reindex", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExportImportEndpoints(t *testing.T) {
	svc := newTestService(t)
	proj := createProject(t, svc, "source")
	base := "/api/projects/" + proj.ProjectID

	rec := doJSON(t, svc, http.MethodPost, base+"/documents", map[string]any{
		"documents": []map[string]any{{"id": "d1", "content": "exported content"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	bundle := filepath.Join(t.TempDir(), "source.zip")
	rec = doJSON(t, svc, http.MethodPost, base+"/export", map[string]any{"path": bundle})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, svc, http.MethodPost, "/api/projects/import", map[string]any{
		"path": bundle, "name": "restored",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	imported := decode[project.Project](t, rec)
	assert.Equal(t, "restored", imported.Name)

	rec = doJSON(t, svc, http.MethodPost, "/api/projects/"+imported.ProjectID+"/query",
		map[string]any{"text": "exported", "mode": "keyword"})
	require.Equal(t, http.StatusOK, rec.Code)
}
