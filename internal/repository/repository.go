// Package repository holds the in-memory document mirror used by the query
// engine: full documents for result assembly plus an inverted index for the
// keyword fallback when the vector backend has no native full-text search.
//
// The repository is read-heavy. Lookups take a read lock; bulk index
// replacement swaps the whole structure under a short write lock so readers
// never observe a half-built index.
package repository

import (
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/ragserve/internal/kberr"
)

// Document is a stored document with its index metadata.
type Document struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Repository mirrors indexed documents in memory.
type Repository struct {
	mu       sync.RWMutex
	docs     map[string]Document
	inverted map[string]map[string]struct{} // term -> set of doc ids
}

// New returns an empty repository.
func New() *Repository {
	return &Repository{
		docs:     make(map[string]Document),
		inverted: make(map[string]map[string]struct{}),
	}
}

// Tokenize lowercases text and splits it on whitespace, the same rule the
// hashing embedder uses. It is the single tokenization for both indexing and
// keyword lookup, so the two always agree.
func Tokenize(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

// AddDocument stores doc and indexes its content terms.
func (r *Repository) AddDocument(doc Document) error {
	if doc.ID == "" {
		return kberr.New(kberr.InvalidInput, "document id required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.docs[doc.ID]; ok {
		r.unindexLocked(old)
	}
	r.docs[doc.ID] = doc
	for _, term := range Tokenize(doc.Content) {
		set, ok := r.inverted[term]
		if !ok {
			set = make(map[string]struct{})
			r.inverted[term] = set
		}
		set[doc.ID] = struct{}{}
	}
	return nil
}

// RemoveDocument drops a document and its postings. Unknown ids are no-ops.
func (r *Repository) RemoveDocument(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, ok := r.docs[id]
	if !ok {
		return
	}
	r.unindexLocked(doc)
	delete(r.docs, id)
}

func (r *Repository) unindexLocked(doc Document) {
	for _, term := range Tokenize(doc.Content) {
		if set, ok := r.inverted[term]; ok {
			delete(set, doc.ID)
			if len(set) == 0 {
				delete(r.inverted, term)
			}
		}
	}
}

// Get returns a document by id.
func (r *Repository) Get(id string) (Document, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.docs[id]
	return doc, ok
}

// Len returns the number of stored documents.
func (r *Repository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.docs)
}

// TermCount returns the number of distinct indexed terms.
func (r *Repository) TermCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.inverted)
}

// IDs returns all document ids in sorted order.
func (r *Repository) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.docs))
	for id := range r.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Postings returns, per query term, the ids of documents containing it.
// The returned sets are copies; callers may mutate them freely.
func (r *Repository) Postings(terms []string) map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]string, len(terms))
	for _, term := range terms {
		set, ok := r.inverted[term]
		if !ok {
			continue
		}
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out[term] = ids
	}
	return out
}

// ReplaceAll atomically swaps the full document set and rebuilds the inverted
// index. Readers see either the old state or the new one, never a mix.
func (r *Repository) ReplaceAll(docs []Document) error {
	newDocs := make(map[string]Document, len(docs))
	newInverted := make(map[string]map[string]struct{})
	for _, doc := range docs {
		if doc.ID == "" {
			return kberr.New(kberr.InvalidInput, "document id required")
		}
		newDocs[doc.ID] = doc
		for _, term := range Tokenize(doc.Content) {
			set, ok := newInverted[term]
			if !ok {
				set = make(map[string]struct{})
				newInverted[term] = set
			}
			set[doc.ID] = struct{}{}
		}
	}

	r.mu.Lock()
	r.docs = newDocs
	r.inverted = newInverted
	r.mu.Unlock()

	log.Debug().Int("documents", len(newDocs)).Int("terms", len(newInverted)).
		Msg("Replaced document index")
	return nil
}

// Snapshot returns a copy of all documents, sorted by id.
func (r *Repository) Snapshot() []Document {
	r.mu.RLock()
	defer r.mu.RUnlock()

	docs := make([]Document, 0, len(r.docs))
	for _, doc := range r.docs {
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs
}
