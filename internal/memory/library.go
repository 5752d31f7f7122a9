package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// minSearchScore is the floor below which a candidate document is not
// considered a match for a query.
const minSearchScore = 0.25

// Document is a named piece of extracted content an agent can ask for
// by reference instead of receiving it inline on every step.
type Document struct {
	Name      string    `json:"name"`
	ContextID string    `json:"contextId,omitempty"` // empty means shared
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Library holds documents in memory, keyed by workflow context. It
// backs the document fallback when no database is configured.
type Library struct {
	mu     sync.RWMutex
	docs   map[string][]Document // contextID -> documents, "" holds shared docs
	logger *zap.Logger
}

func NewLibrary(logger *zap.Logger) *Library {
	return &Library{
		docs:   make(map[string][]Document),
		logger: logger,
	}
}

// NewLibraryFrom builds a library over an existing document set. Used
// to score database rows with the same matcher as the in-memory path.
func NewLibraryFrom(docs []Document) *Library {
	l := NewLibrary(zap.NewNop())
	for _, d := range docs {
		l.Put(d)
	}
	return l
}

// Put stores a document, replacing any document with the same name in
// the same context.
func (l *Library) Put(doc Document) {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc.UpdatedAt = time.Now()
	bucket := l.docs[doc.ContextID]
	for i, d := range bucket {
		if d.Name == doc.Name {
			bucket[i] = doc
			return
		}
	}
	l.docs[doc.ContextID] = append(bucket, doc)
}

// List returns the documents visible to a context, shared ones
// included, sorted by name.
func (l *Library) List(contextID string) []Document {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Document, 0, len(l.docs[contextID])+len(l.docs[""]))
	out = append(out, l.docs[contextID]...)
	if contextID != "" {
		out = append(out, l.docs[""]...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Search returns the content of the best-matching document visible to
// the context, or "" when nothing scores above the floor. Documents
// scoped to the context shadow shared documents with the same score.
func (l *Library) Search(_ context.Context, contextID, query string) (string, error) {
	keywords := tokenize(query)

	l.mu.RLock()
	defer l.mu.RUnlock()

	var best Document
	var bestScore float64
	consider := func(docs []Document) {
		for _, d := range docs {
			score := Score(keywords, d.Name, d.Content)
			if score > bestScore {
				best, bestScore = d, score
			}
		}
	}
	consider(l.docs[contextID])
	if contextID != "" {
		consider(l.docs[""])
	}

	if bestScore < minSearchScore {
		return "", nil
	}
	l.logger.Debug("document matched",
		zap.String("context", contextID),
		zap.String("query", query),
		zap.String("document", best.Name),
		zap.Float64("score", bestScore))
	return best.Content, nil
}
