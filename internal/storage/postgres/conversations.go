package postgres

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"

	"github.com/JakeFAU/vendor-discovery/internal/discovery"
)

// GetConversation loads the transcript for (area, specialty). Turns that no
// longer decode are returned as zero-value turns so the caller's history
// validation drops and reports them.
func (s *Store) GetConversation(
	ctx context.Context,
	area, specialty string,
) (discovery.Conversation, bool, error) {
	const query = `
SELECT history, total_vendors_found, updated_at
FROM discovery_conversations
WHERE area = $1 AND specialty = $2`
	conv := discovery.Conversation{Area: area, Specialty: specialty}
	var raw []byte
	err := s.pool.QueryRow(ctx, query, area, specialty).Scan(&raw, &conv.TotalVendorsFound, &conv.UpdatedAt)
	if err != nil {
		if nf := notFound(err, "conversation"); nf != nil {
			return discovery.Conversation{}, false, nil
		}
		return discovery.Conversation{}, false, errors.Wrap(err, "get conversation")
	}
	conv.History = decodeHistory(raw)
	return conv, true, nil
}

func decodeHistory(raw []byte) []discovery.Turn {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil
	}
	history := make([]discovery.Turn, 0, len(elems))
	for _, elem := range elems {
		var turn discovery.Turn
		if err := json.Unmarshal(elem, &turn); err != nil {
			turn = discovery.Turn{}
		}
		history = append(history, turn)
	}
	return history
}

// SaveConversation upserts the transcript for (area, specialty).
func (s *Store) SaveConversation(ctx context.Context, conv discovery.Conversation) error {
	history := conv.History
	if history == nil {
		history = []discovery.Turn{}
	}
	raw, err := json.Marshal(history)
	if err != nil {
		return errors.Wrap(err, "marshal conversation history")
	}
	const query = `
INSERT INTO discovery_conversations (area, specialty, history, total_vendors_found, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (area, specialty) DO UPDATE
SET history = EXCLUDED.history,
	total_vendors_found = EXCLUDED.total_vendors_found,
	updated_at = EXCLUDED.updated_at`
	if _, err := s.pool.Exec(ctx, query, conv.Area, conv.Specialty, raw, conv.TotalVendorsFound, conv.UpdatedAt); err != nil {
		return errors.Wrap(err, "save conversation")
	}
	return nil
}
