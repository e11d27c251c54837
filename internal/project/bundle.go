package project

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/ragserve/internal/kberr"
)

// BundleVersion identifies the export archive layout.
const BundleVersion = "1.0"

// Bundle archive member names.
const (
	manifestFile   = "manifest.json"
	documentsFile  = "documents.json"
	embeddingsFile = "embeddings.json"
)

// manifest is the bundle's self-description.
type manifest struct {
	Version       string  `json:"version"`
	Project       Project `json:"project"`
	DocumentCount int     `json:"document_count"`
}

// bundleDocument is one exported record without its embedding.
type bundleDocument struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Export writes the project's metadata, documents, and embeddings to a ZIP
// bundle at path.
func (m *Manager) Export(ctx context.Context, projectID, path string) error {
	proj, err := m.Get(ctx, projectID)
	if err != nil {
		return err
	}
	coll, err := m.Collection(ctx, projectID)
	if err != nil {
		return err
	}
	records, err := coll.All(ctx)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return kberr.Wrap(kberr.IOError, err, "create export directory")
	}
	f, err := os.Create(path)
	if err != nil {
		return kberr.Wrap(kberr.IOError, err, "create export file")
	}
	defer f.Close()

	zw := zip.NewWriter(f)

	docs := make([]bundleDocument, len(records))
	embeddings := make(map[string][]float32, len(records))
	for i, rec := range records {
		docs[i] = bundleDocument{ID: rec.ID, Content: rec.Content, Metadata: rec.Metadata}
		embeddings[rec.ID] = rec.Embedding
	}

	members := []struct {
		name string
		data any
	}{
		{manifestFile, manifest{Version: BundleVersion, Project: *proj, DocumentCount: len(docs)}},
		{documentsFile, docs},
		{embeddingsFile, embeddings},
	}
	for _, member := range members {
		w, err := zw.Create(member.name)
		if err != nil {
			return kberr.Wrap(kberr.IOError, err, "add %s to bundle", member.name)
		}
		data, err := json.Marshal(member.data)
		if err != nil {
			return kberr.Wrap(kberr.IOError, err, "marshal %s", member.name)
		}
		if _, err := w.Write(data); err != nil {
			return kberr.Wrap(kberr.IOError, err, "write %s", member.name)
		}
	}
	if err := zw.Close(); err != nil {
		return kberr.Wrap(kberr.IOError, err, "finalize bundle")
	}

	log.Info().Str("project", projectID).Str("path", path).Int("documents", len(docs)).
		Msg("Exported project")
	return nil
}

// Import restores a bundle as a new project named newName (or the bundled
// name when empty). With overwrite false a name conflict fails with
// DuplicateName; with overwrite true the existing project is replaced.
func (m *Manager) Import(ctx context.Context, path, newName string, overwrite bool) (*Project, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, kberr.Wrap(kberr.IOError, err, "open bundle %s", path)
	}
	defer zr.Close()

	var man manifest
	if err := readBundleMember(&zr.Reader, manifestFile, &man); err != nil {
		return nil, err
	}
	if man.Version != BundleVersion && man.Version != "2.3.0" {
		return nil, kberr.New(kberr.InvalidInput, "unsupported bundle version %q", man.Version)
	}

	var docs []bundleDocument
	if err := readBundleMember(&zr.Reader, documentsFile, &docs); err != nil {
		return nil, err
	}
	embeddings := map[string][]float32{}
	if err := readBundleMember(&zr.Reader, embeddingsFile, &embeddings); err != nil {
		return nil, err
	}

	name := newName
	if name == "" {
		name = man.Project.Name
	}

	if existing, err := m.GetByName(ctx, name); err == nil {
		if !overwrite {
			return nil, kberr.New(kberr.DuplicateName, "project name %q already exists", name)
		}
		if _, err := m.Delete(ctx, existing.ProjectID); err != nil {
			return nil, err
		}
	}

	proj, err := m.Create(ctx, name, man.Project.Description,
		man.Project.EmbeddingModel, man.Project.Metadata)
	if err != nil {
		return nil, err
	}

	coll, err := m.Collection(ctx, proj.ProjectID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(docs))
	vecs := make([][]float32, len(docs))
	contents := make([]string, len(docs))
	metas := make([]map[string]any, len(docs))
	for i, doc := range docs {
		ids[i] = doc.ID
		vecs[i] = embeddings[doc.ID]
		contents[i] = doc.Content
		metas[i] = doc.Metadata
	}
	if len(ids) > 0 {
		if err := coll.Add(ctx, ids, vecs, contents, metas); err != nil {
			return nil, err
		}
	}

	log.Info().Str("project", proj.ProjectID).Str("name", name).Int("documents", len(docs)).
		Msg("Imported project")
	return proj, nil
}

func readBundleMember(zr *zip.Reader, name string, target any) error {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return kberr.Wrap(kberr.IOError, err, "open bundle member %s", name)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return kberr.Wrap(kberr.IOError, err, "read bundle member %s", name)
		}
		if err := json.Unmarshal(data, target); err != nil {
			return kberr.Wrap(kberr.InvalidInput, err, "parse bundle member %s", name)
		}
		return nil
	}
	return kberr.New(kberr.InvalidInput, "bundle missing %s", name)
}
