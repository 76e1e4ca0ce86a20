package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/classchat/internal/logger"
	"github.com/classchat/internal/middleware"
	"github.com/classchat/internal/model"
	"github.com/classchat/internal/presence"
	"github.com/classchat/internal/service"
	"github.com/classchat/internal/storage"
)

type ChatHandler struct {
	archive    *service.Archive
	tracker    *service.Tracker
	classrooms storage.ClassroomStore
	presence   presence.Registry
}

func NewChatHandler(archive *service.Archive, tracker *service.Tracker, classrooms storage.ClassroomStore, reg presence.Registry) *ChatHandler {
	return &ChatHandler{archive: archive, tracker: tracker, classrooms: classrooms, presence: reg}
}

// scope разбирает комнату запроса. Класс должен существовать, а вызывающий
// быть ADMIN или участником; при ошибке ответ уже записан.
func (h *ChatHandler) scope(w http.ResponseWriter, r *http.Request) (model.Scope, bool) {
	if chi.URLParam(r, "classroomId") == "" {
		return model.GeneralScope, true
	}
	id, ok := pathID(r, "classroomId")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid classroom id")
		return model.Scope{}, false
	}
	// несуществующий класс: 404 для любой роли, проверка участия идёт после
	if _, err := h.classrooms.GetByID(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return model.Scope{}, false
	}
	p := middleware.GetPrincipal(r.Context())
	if p.IsAdmin() {
		return model.ClassroomScope(id), true
	}
	ok, err := h.classrooms.IsParticipant(r.Context(), id, p.Email)
	if err != nil {
		writeServiceError(w, r, err)
		return model.Scope{}, false
	}
	if !ok {
		writeError(w, http.StatusForbidden, "not a participant of this classroom")
		return model.Scope{}, false
	}
	return model.ClassroomScope(id), true
}

// History: GET /chat/general?page&size и /chat/room/{classroomId}?page&size; all=true: вся история.
func (h *ChatHandler) History(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	var (
		msgs []model.ChatMessage
		err  error
	)
	if r.URL.Query().Get("all") == "true" {
		msgs, err = h.archive.All(r.Context(), scope)
	} else {
		msgs, err = h.archive.History(r.Context(), scope, queryInt(r, "page", 0), queryInt(r, "size", service.DefaultPageSize))
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *ChatHandler) Recent(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	msgs, err := h.archive.Recent(r.Context(), scope, queryInt(r, "limit", service.DefaultRecentMax))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *ChatHandler) Count(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	n, err := h.archive.Count(r.Context(), scope)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

type reactionRequest struct {
	Emoji string `json:"emoji"`
}

type reactionResponse struct {
	Added     bool                    `json:"added"`
	Reactions []model.ReactionSummary `json:"reactions"`
}

// React: POST /chat/message/{id}/reaction {emoji}.
func (h *ChatHandler) React(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}
	var req reactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	p := middleware.GetPrincipal(r.Context())
	added, sums, err := h.tracker.ToggleReaction(r.Context(), id, p.Email, req.Emoji)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reactionResponse{Added: added, Reactions: sums})
}

func (h *ChatHandler) Reactions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}
	sums, err := h.tracker.ReactionsFor(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sums)
}

// Viewers: кто видел сообщение; только для ADMIN и TEACHER.
func (h *ChatHandler) Viewers(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}
	viewers, err := h.tracker.Viewers(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messageId": id, "viewers": viewers})
}

type viewedRequest struct {
	MessageIDs []int64 `json:"messageIds"`
}

// MarkViewed: POST /chat/messages/viewed {messageIds}.
func (h *ChatHandler) MarkViewed(w http.ResponseWriter, r *http.Request) {
	var req viewedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	p := middleware.GetPrincipal(r.Context())
	n, err := h.tracker.MarkViewed(r.Context(), req.MessageIDs, p.Email)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"marked": n})
}

type onlineResponse struct {
	Count int                   `json:"count"`
	Users []model.PresenceEntry `json:"users"`
}

// Online: снимок реестра присутствия.
func (h *ChatHandler) Online(w http.ResponseWriter, r *http.Request) {
	users, err := h.presence.List(r.Context())
	if err != nil {
		logger.Errorf("presence list: %v", err)
		writeError(w, http.StatusInternalServerError, "presence unavailable")
		return
	}
	writeJSON(w, http.StatusOK, onlineResponse{Count: len(users), Users: users})
}

// RoomOnline: GET /chat/room/{classroomId}/online, присутствие только участников класса.
func (h *ChatHandler) RoomOnline(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	emails, err := h.classrooms.ParticipantEmails(r.Context(), scope.ClassroomID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	members := make(map[string]struct{}, len(emails))
	for _, e := range emails {
		members[e] = struct{}{}
	}
	all, err := h.presence.List(r.Context())
	if err != nil {
		logger.Errorf("presence list: %v", err)
		writeError(w, http.StatusInternalServerError, "presence unavailable")
		return
	}
	users := make([]model.PresenceEntry, 0, len(all))
	for _, u := range all {
		if _, ok := members[u.Identity]; ok {
			users = append(users, u)
		}
	}
	writeJSON(w, http.StatusOK, onlineResponse{Count: len(users), Users: users})
}
