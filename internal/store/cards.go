package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kvoss/fleetline/internal/protocol"
)

// SaveCard upserts an agent card, keyed by name. Skills and
// capabilities travel as JSONB so card additions never need a
// migration.
func (s *Store) SaveCard(ctx context.Context, card protocol.AgentCard) error {
	doc, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("marshal card %s: %w", card.Name, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO agent_cards (name, url, status, card, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE SET
			url = EXCLUDED.url,
			status = EXCLUDED.status,
			card = EXCLUDED.card,
			updated_at = EXCLUDED.updated_at`,
		card.Name, card.URL, string(card.Status), doc, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("save card %s: %w", card.Name, err)
	}
	return nil
}

// ListCards returns all registered agent cards.
func (s *Store) ListCards(ctx context.Context) ([]protocol.AgentCard, error) {
	rows, err := s.db.Query(ctx, `SELECT card FROM agent_cards ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	defer rows.Close()

	var cards []protocol.AgentCard
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		var card protocol.AgentCard
		if err := json.Unmarshal(doc, &card); err != nil {
			return nil, fmt.Errorf("decode card: %w", err)
		}
		cards = append(cards, card)
	}
	return cards, nil
}

// DeleteCard removes an agent card by name.
func (s *Store) DeleteCard(ctx context.Context, name string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM agent_cards WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete card %s: %w", name, err)
	}
	return nil
}
