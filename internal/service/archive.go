// Package service holds the chat history and reaction/receipt logic shared by
// the REST handlers and the WebSocket gateway.
package service

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/classchat/internal/model"
	"github.com/classchat/internal/storage"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = storage.ErrNotFound
)

const (
	DefaultPageSize  = 50
	DefaultFullPage  = 1000
	DefaultRecentMax = 50
)

// Archive reads and appends chat history for a scope.
type Archive struct {
	messages  storage.MessageStore
	reactions storage.ReactionStore
	receipts  storage.ReceiptStore
	// fullPage: page 0 with a size at or above this returns the whole room.
	fullPage int
}

func NewArchive(messages storage.MessageStore, reactions storage.ReactionStore, receipts storage.ReceiptStore, fullPage int) *Archive {
	if fullPage <= 0 {
		fullPage = DefaultFullPage
	}
	return &Archive{messages: messages, reactions: reactions, receipts: receipts, fullPage: fullPage}
}

// Append stores m. Non-persistable types (IMAGE/AUDIO) must already be
// converted by ChatMessage.ToPersisted.
func (a *Archive) Append(ctx context.Context, m *model.PersistedMessage) error {
	if m.SenderEmail == "" {
		return fmt.Errorf("%w: sender is required", ErrValidation)
	}
	if !m.Type.Persistable() {
		return fmt.Errorf("%w: type %s is not stored directly", ErrValidation, m.Type)
	}
	return a.messages.Append(ctx, m)
}

// History returns one ascending page of scope. A negative page reads as 0 and
// size < 1 as DefaultPageSize; page 0 with size >= the full-page threshold
// returns the entire room. A page whose offset overflows int is ErrValidation.
func (a *Archive) History(ctx context.Context, scope model.Scope, page, size int) ([]model.ChatMessage, error) {
	if page < 0 {
		page = 0
	}
	if size < 1 {
		size = DefaultPageSize
	}
	if page == 0 && size >= a.fullPage {
		return a.All(ctx, scope)
	}
	if page > math.MaxInt/size {
		return nil, fmt.Errorf("%w: page %d is out of range", ErrValidation, page)
	}
	rows, err := a.messages.List(ctx, scope, size, page*size)
	if err != nil {
		return nil, err
	}
	return a.Enrich(ctx, rows)
}

// All returns the whole room in ascending order.
func (a *Archive) All(ctx context.Context, scope model.Scope) ([]model.ChatMessage, error) {
	rows, err := a.messages.List(ctx, scope, 0, 0)
	if err != nil {
		return nil, err
	}
	return a.Enrich(ctx, rows)
}

// Recent returns the newest limit messages, oldest first.
func (a *Archive) Recent(ctx context.Context, scope model.Scope, limit int) ([]model.ChatMessage, error) {
	if limit < 1 {
		limit = DefaultRecentMax
	}
	rows, err := a.messages.Recent(ctx, scope, limit)
	if err != nil {
		return nil, err
	}
	return a.Enrich(ctx, rows)
}

func (a *Archive) Count(ctx context.Context, scope model.Scope) (int, error) {
	return a.messages.Count(ctx, scope)
}

// Enrich converts rows to their event form with reactions and delivery status,
// using one batch read for reactions and one for viewers.
func (a *Archive) Enrich(ctx context.Context, rows []model.PersistedMessage) ([]model.ChatMessage, error) {
	out := make([]model.ChatMessage, 0, len(rows))
	if len(rows) == 0 {
		return out, nil
	}
	ids := make([]int64, len(rows))
	for i := range rows {
		ids[i] = rows[i].ID
	}
	reactions, err := a.reactions.GroupedForMessages(ctx, ids)
	if err != nil {
		return nil, err
	}
	viewers, err := a.receipts.ViewersFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		m := model.FromPersisted(&rows[i])
		if r := reactions[m.ID]; len(r) > 0 {
			m.Reactions = r
		}
		m.Status = deliveryStatus(rows[i].SenderEmail, viewers[m.ID])
		out = append(out, m)
	}
	return out, nil
}

func deliveryStatus(sender string, viewers []string) model.DeliveryStatus {
	for _, v := range viewers {
		if v != sender {
			return model.StatusViewed
		}
	}
	return model.StatusDelivered
}
