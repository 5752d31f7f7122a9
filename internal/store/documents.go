package store

import (
	"context"
	"fmt"
	"time"

	"github.com/kvoss/fleetline/internal/memory"
)

// PutDocument upserts extracted document content, keyed by name within
// its context. An empty context id makes the document shared.
func (s *Store) PutDocument(ctx context.Context, doc memory.Document) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO documents (context_id, name, content, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (context_id, name) DO UPDATE SET
			content = EXCLUDED.content,
			updated_at = EXCLUDED.updated_at`,
		doc.ContextID, doc.Name, doc.Content, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("put document %s: %w", doc.Name, err)
	}
	return nil
}

// Search scores documents visible to the context against the query and
// returns the best match's content, or "" when nothing scores above
// the match floor. Scoring happens in process so it stays identical to
// the in-memory library's.
func (s *Store) Search(ctx context.Context, contextID, query string) (string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT context_id, name, content FROM documents
		WHERE context_id = $1 OR context_id = ''`, contextID)
	if err != nil {
		return "", fmt.Errorf("search documents: %w", err)
	}
	defer rows.Close()

	var docs []memory.Document
	for rows.Next() {
		var d memory.Document
		if err := rows.Scan(&d.ContextID, &d.Name, &d.Content); err != nil {
			return "", fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, d)
	}

	lib := memory.NewLibraryFrom(docs)
	return lib.Search(ctx, contextID, query)
}
