package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"retinalab/internal/util"
	"retinalab/pkg/domain"
)

type sendMessageRequest struct {
	Message string `json:"message"`
}

type sendMessageResponse struct {
	Success          bool                `json:"success"`
	Message          string              `json:"message"`
	UserMessage      *domain.ChatMessage `json:"userMessage"`
	AssistantMessage *domain.ChatMessage `json:"assistantMessage"`
}

// partialChatResponse is the error body when the user message was stored but
// the reply was not.
type partialChatResponse struct {
	errorResponse
	Partial     bool                `json:"partial"`
	UserMessage *domain.ChatMessage `json:"userMessage"`
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, user domain.User) {
	msgs, err := s.app.ListMessages(r.Context(), user, chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, user domain.User) {
	if !s.allowRate(w, r, s.chatLimiter, "chat|"+user.ID, "too many chat messages") {
		s.audit(r, "study.chat", "rate_limited")
		return
	}
	var req sendMessageRequest
	if err := decodeJSON(r, maxJSONBodyBytes, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ex, err := s.app.SendMessage(r.Context(), user, chi.URLParam(r, "id"), req.Message)
	if err != nil {
		if ex.Partial() {
			status, code, known := appErrorStatus(err)
			msg := "internal server error"
			if known {
				msg = clientMessage(status, err)
			}
			util.LoggerFromContext(r.Context()).Warn("chat failed after user message", "err", err)
			writeJSON(w, status, partialChatResponse{
				errorResponse: errorResponse{
					Error:     msg,
					Code:      code,
					RequestID: util.RequestIDFromRequest(r),
				},
				Partial:     true,
				UserMessage: ex.UserMessage,
			})
			return
		}
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sendMessageResponse{
		Success:          true,
		Message:          ex.AssistantMessage.Content,
		UserMessage:      ex.UserMessage,
		AssistantMessage: ex.AssistantMessage,
	})
}
