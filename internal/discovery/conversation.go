package discovery

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// ValidateHistory keeps the turns that match the expected shape and returns
// how many were dropped. A valid turn has a known role and at least one
// non-empty text part; empty parts inside a valid turn are removed.
func ValidateHistory(history []Turn) ([]Turn, int) {
	valid := make([]Turn, 0, len(history))
	dropped := 0
	for _, turn := range history {
		if turn.Role != RoleRequester && turn.Role != RoleResponder {
			dropped++
			continue
		}
		parts := make([]string, 0, len(turn.Parts))
		for _, p := range turn.Parts {
			if strings.TrimSpace(p) != "" {
				parts = append(parts, p)
			}
		}
		if len(parts) == 0 {
			dropped++
			continue
		}
		valid = append(valid, Turn{Role: turn.Role, Parts: parts})
	}
	return valid, dropped
}

// Conversations loads and saves provider transcripts, validating history on
// the way in and out.
type Conversations struct {
	store  ConversationStore
	clock  Clock
	logger *zap.Logger
}

// NewConversations wraps a ConversationStore.
func NewConversations(store ConversationStore, clock Clock, logger *zap.Logger) *Conversations {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conversations{store: store, clock: clock, logger: logger}
}

// Load returns the validated history and prior vendor count for a key. A
// missing conversation is an empty history with a zero count.
func (c *Conversations) Load(ctx context.Context, area, specialty string) ([]Turn, int, error) {
	conv, ok, err := c.store.GetConversation(ctx, area, specialty)
	if err != nil {
		return nil, 0, errors.Wrap(err, "load conversation")
	}
	if !ok {
		return nil, 0, nil
	}
	history, dropped := ValidateHistory(conv.History)
	if dropped > 0 {
		c.logger.Warn("dropped malformed conversation turns",
			zap.String("area", area),
			zap.String("specialty", specialty),
			zap.Int("dropped", dropped),
			zap.Int("kept", len(history)),
		)
	}
	return history, conv.TotalVendorsFound, nil
}

// Save persists history and the cumulative vendor count for a key.
func (c *Conversations) Save(ctx context.Context, area, specialty string, history []Turn, totalFound int) error {
	valid, dropped := ValidateHistory(history)
	if dropped > 0 {
		c.logger.Warn("dropping malformed turns before save",
			zap.String("area", area),
			zap.String("specialty", specialty),
			zap.Int("dropped", dropped),
		)
	}
	if totalFound < 0 {
		totalFound = 0
	}
	conv := Conversation{
		Area:              area,
		Specialty:         specialty,
		History:           valid,
		TotalVendorsFound: totalFound,
		UpdatedAt:         c.clock.Now(),
	}
	if err := c.store.SaveConversation(ctx, conv); err != nil {
		return errors.Wrap(err, "save conversation")
	}
	return nil
}
