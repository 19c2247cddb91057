package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"retinalab/internal/util"
	"retinalab/pkg/ai"
	"retinalab/pkg/domain"
	"retinalab/pkg/store"
)

// ChatExchange is the result of SendMessage. AssistantMessage is nil when the
// chat model failed after the user message was stored.
type ChatExchange struct {
	UserMessage      *domain.ChatMessage
	AssistantMessage *domain.ChatMessage
}

// Partial reports whether only the user half of the exchange was stored.
func (e ChatExchange) Partial() bool {
	return e.UserMessage != nil && e.AssistantMessage == nil
}

// AppendMessage stores a chat message; the store assigns its position.
func (a *App) AppendMessage(ctx context.Context, studyID, role, content string) (domain.ChatMessage, error) {
	r, err := domain.ParseMessageRole(role)
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if strings.TrimSpace(content) == "" {
		return domain.ChatMessage{}, fmt.Errorf("%w: message content required", ErrInvalidArgument)
	}
	msg, err := a.store.AppendMessage(ctx, domain.ChatMessage{
		ID:      util.NewID(),
		StudyID: studyID,
		Role:    r,
		Content: content,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.ChatMessage{}, ErrNotFound
		}
		return domain.ChatMessage{}, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

// ListMessages returns the whole conversation in order.
func (a *App) ListMessages(ctx context.Context, user domain.User, studyID string) ([]domain.ChatMessage, error) {
	if _, err := a.loadStudy(ctx, user, studyID); err != nil {
		return nil, err
	}
	msgs, err := a.store.ListMessages(ctx, studyID, 0)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if msgs == nil {
		msgs = []domain.ChatMessage{}
	}
	return msgs, nil
}

// SendMessage stores the user's message, asks the chat model with the study as
// context and stores the reply.
func (a *App) SendMessage(ctx context.Context, user domain.User, studyID, text string) (ChatExchange, error) {
	if strings.TrimSpace(text) == "" {
		return ChatExchange{}, fmt.Errorf("%w: message required", ErrInvalidArgument)
	}
	st, err := a.loadStudy(ctx, user, studyID)
	if err != nil {
		return ChatExchange{}, err
	}
	userMsg, err := a.AppendMessage(ctx, st.ID, string(domain.MessageRoleUser), text)
	if err != nil {
		return ChatExchange{}, err
	}
	exchange := ChatExchange{UserMessage: &userMsg}

	recent, err := a.store.ListMessages(ctx, st.ID, a.historyLimit)
	if err != nil {
		return exchange, fmt.Errorf("load chat history: %w", err)
	}
	history := make([]ai.Message, 0, len(recent))
	for _, m := range recent {
		history = append(history, ai.Message{Role: string(m.Role), Content: m.Content})
	}

	started := time.Now()
	cctx, cancel := context.WithTimeout(ctx, a.chatTimeout)
	reply, err := a.chat.Complete(cctx, chatSystemPrompt(st), history)
	cancel()
	reply = strings.TrimSpace(reply)
	if err == nil && reply == "" {
		err = errors.New("empty reply")
	}
	if err != nil {
		a.metrics.RecordChat("failed", time.Since(started))
		util.LoggerFromContext(ctx).Warn("chat completion failed", "study_id", st.ID, "err", err)
		return exchange, fmt.Errorf("%w: chat: %v", ErrCollaboratorFailure, err)
	}
	a.metrics.RecordChat("answered", time.Since(started))

	assistantMsg, err := a.AppendMessage(context.WithoutCancel(ctx), st.ID, string(domain.MessageRoleAssistant), reply)
	if err != nil {
		return exchange, err
	}
	exchange.AssistantMessage = &assistantMsg
	return exchange, nil
}
