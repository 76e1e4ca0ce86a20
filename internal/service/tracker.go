package service

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/classchat/internal/model"
	"github.com/classchat/internal/storage"
)

const maxEmojiRunes = 16

// Tracker toggles reactions and records view receipts.
type Tracker struct {
	messages  storage.MessageStore
	reactions storage.ReactionStore
	receipts  storage.ReceiptStore
}

func NewTracker(messages storage.MessageStore, reactions storage.ReactionStore, receipts storage.ReceiptStore) *Tracker {
	return &Tracker{messages: messages, reactions: reactions, receipts: receipts}
}

// ToggleReaction adds the (message, user, emoji) triple if absent and removes
// it otherwise. It returns whether the reaction is now present together with
// the message's current summaries.
func (t *Tracker) ToggleReaction(ctx context.Context, messageID int64, user, emoji string) (bool, []model.ReactionSummary, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return false, nil, fmt.Errorf("%w: emoji is required", ErrValidation)
	}
	if utf8.RuneCountInString(emoji) > maxEmojiRunes {
		return false, nil, fmt.Errorf("%w: emoji is too long", ErrValidation)
	}
	if user == "" {
		return false, nil, fmt.Errorf("%w: user is required", ErrValidation)
	}
	added, err := t.reactions.Toggle(ctx, messageID, user, emoji)
	if err != nil {
		return false, nil, err
	}
	summaries, err := t.reactions.Grouped(ctx, messageID)
	if err != nil {
		return added, nil, err
	}
	return added, summaries, nil
}

// ReactionsFor returns summaries grouped by emoji in order of first reaction.
func (t *Tracker) ReactionsFor(ctx context.Context, messageID int64) ([]model.ReactionSummary, error) {
	if _, err := t.messages.GetByID(ctx, messageID); err != nil {
		return nil, err
	}
	return t.reactions.Grouped(ctx, messageID)
}

// MarkViewed records that user has seen ids. Unknown ids are skipped and
// repeated marks are no-ops; the result is the number of new receipts.
func (t *Tracker) MarkViewed(ctx context.Context, ids []int64, user string) (int, error) {
	if len(ids) == 0 {
		return 0, fmt.Errorf("%w: messageIds is required", ErrValidation)
	}
	if user == "" {
		return 0, fmt.Errorf("%w: user is required", ErrValidation)
	}
	return t.receipts.MarkViewed(ctx, dedupe(ids), user)
}

// Viewers lists who has seen messageID.
func (t *Tracker) Viewers(ctx context.Context, messageID int64) ([]string, error) {
	if _, err := t.messages.GetByID(ctx, messageID); err != nil {
		return nil, err
	}
	byID, err := t.receipts.ViewersFor(ctx, []int64{messageID})
	if err != nil {
		return nil, err
	}
	if v := byID[messageID]; v != nil {
		return v, nil
	}
	return []string{}, nil
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
