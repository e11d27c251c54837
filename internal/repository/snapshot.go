package repository

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"time"
	"unicode/utf8"

	json "github.com/goccy/go-json"

	"github.com/thebtf/ragserve/internal/kberr"
)

// SnapshotVersion is the on-disk snapshot format version.
const SnapshotVersion = 1

// DocumentRecord is one document entry in a snapshot file.
type DocumentRecord struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Name    string `json:"name"`
	KBDir   string `json:"kb_dir"`
}

// Snapshot is the persisted form of an index: a documents map keyed by id,
// the inverted index as term -> sorted doc ids, plus the provenance needed
// to decide whether the snapshot is still valid.
type Snapshot struct {
	Version      int                       `json:"version"`
	ModelVersion string                    `json:"model_version"`
	CreatedAt    time.Time                 `json:"created_at"`
	Sources      map[string]int64          `json:"sources,omitempty"` // path -> unix mtime
	Documents    map[string]DocumentRecord `json:"documents"`
	Index        map[string][]string       `json:"index"`
}

// BuildSnapshot converts repository documents into the on-disk shape,
// rebuilding the inverted index from document content.
func BuildSnapshot(modelVersion string, sources map[string]int64, docs []Document) Snapshot {
	records := make(map[string]DocumentRecord, len(docs))
	index := make(map[string][]string)
	seen := make(map[string]map[string]struct{})
	for _, doc := range docs {
		records[doc.ID] = DocumentRecord{
			Path:    metaString(doc.Metadata, "path"),
			Content: doc.Content,
			Name:    metaString(doc.Metadata, "name"),
			KBDir:   metaString(doc.Metadata, "kb_dir"),
		}
		for _, term := range Tokenize(doc.Content) {
			set, ok := seen[term]
			if !ok {
				set = make(map[string]struct{})
				seen[term] = set
			}
			if _, dup := set[doc.ID]; dup {
				continue
			}
			set[doc.ID] = struct{}{}
			index[term] = append(index[term], doc.ID)
		}
	}
	for term := range index {
		sort.Strings(index[term])
	}
	return Snapshot{
		ModelVersion: modelVersion,
		Sources:      sources,
		Documents:    records,
		Index:        index,
	}
}

// RepositoryDocuments converts the snapshot back into repository documents,
// sorted by id. The inverted index is not carried over; the repository
// rebuilds it from content, so the two can never disagree.
func (s Snapshot) RepositoryDocuments() []Document {
	docs := make([]Document, 0, len(s.Documents))
	for id, rec := range s.Documents {
		var meta map[string]any
		if rec.Name != "" || rec.Path != "" || rec.KBDir != "" {
			meta = map[string]any{}
			if rec.Name != "" {
				meta["name"] = rec.Name
			}
			if rec.Path != "" {
				meta["path"] = rec.Path
			}
			if rec.KBDir != "" {
				meta["kb_dir"] = rec.KBDir
			}
		}
		docs = append(docs, Document{ID: id, Content: rec.Content, Metadata: meta})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs
}

func metaString(meta map[string]any, key string) string {
	if s, ok := meta[key].(string); ok {
		return s
	}
	return ""
}

// SaveSnapshot writes snap as JSON via a temp file and atomic rename, so a
// crash mid-write never leaves a truncated snapshot behind.
func SaveSnapshot(path string, snap Snapshot) error {
	snap.Version = SnapshotVersion
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	if snap.Documents == nil {
		snap.Documents = map[string]DocumentRecord{}
	}
	if snap.Index == nil {
		snap.Index = map[string][]string{}
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return kberr.Wrap(kberr.IOError, err, "marshal snapshot")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return kberr.Wrap(kberr.IOError, err, "create snapshot directory")
	}

	tmp, err := os.CreateTemp(dir, ".snapshot-*.json")
	if err != nil {
		return kberr.Wrap(kberr.IOError, err, "create temp snapshot")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return kberr.Wrap(kberr.IOError, err, "write snapshot")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return kberr.Wrap(kberr.IOError, err, "sync snapshot")
	}
	if err := tmp.Close(); err != nil {
		return kberr.Wrap(kberr.IOError, err, "close snapshot")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return kberr.Wrap(kberr.IOError, err, "rename snapshot into place")
	}
	return nil
}

// LoadSnapshot reads and validates a snapshot file. Non-JSON content (a
// binary cache left by some other tool, a truncated file) is reported as
// CacheInvalid so callers fall back to a rebuild instead of failing hard.
func LoadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, kberr.Wrap(kberr.NotFound, err, "snapshot %s", path)
		}
		return Snapshot{}, kberr.Wrap(kberr.IOError, err, "read snapshot %s", path)
	}

	if !utf8.Valid(data) {
		return Snapshot{}, kberr.New(kberr.CacheInvalid,
			"snapshot %s is not valid UTF-8; refusing to parse", path)
	}
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Snapshot{}, kberr.New(kberr.CacheInvalid,
			"snapshot %s is not a JSON object", path)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, kberr.Wrap(kberr.CacheInvalid, err, "parse snapshot %s", path)
	}
	if snap.Version != SnapshotVersion {
		return Snapshot{}, kberr.New(kberr.CacheInvalid,
			"snapshot %s has unsupported version %d", path, snap.Version)
	}
	if snap.Documents == nil || snap.Index == nil {
		return Snapshot{}, kberr.New(kberr.CacheInvalid,
			"snapshot %s is missing the documents or index member", path)
	}
	for term, ids := range snap.Index {
		for _, id := range ids {
			if _, ok := snap.Documents[id]; !ok {
				return Snapshot{}, kberr.New(kberr.CacheInvalid,
					"snapshot %s index term %q references unknown document %q",
					path, term, id)
			}
		}
	}
	return snap, nil
}
