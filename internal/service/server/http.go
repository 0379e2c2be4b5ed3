package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"e2e_relay/internal/directory"
	"e2e_relay/internal/model"
	"e2e_relay/internal/utils/log"
)

// Handler returns the HTTP routes: websocket ingress, chat inspection,
// health and metrics.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/ws", s.HandleWS()).Methods(http.MethodGet)
	r.HandleFunc("/chats/{id:[0-9]+}", s.GetChat()).Methods(http.MethodGet)
	r.HandleFunc("/chats/{id:[0-9]+}/messages", s.GetMessages()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.Health()).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	return r
}

func (s *Server) GetChat() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := chatIDVar(w, r)
		if !ok {
			return
		}

		chat, err := s.directory.Get(r.Context(), id)
		if errors.Is(err, directory.ErrChatNotFound) {
			http.Error(w, "chat not found", http.StatusNotFound)
			return
		}
		if err != nil {
			log.Error("get chat failed", zap.Uint32("chat_id", id), zap.Error(err))
			http.Error(w, "get chat failed", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, chat)
	}
}

func (s *Server) GetMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := chatIDVar(w, r)
		if !ok {
			return
		}

		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
				return
			}
			limit = n
		}

		msgs, err := s.directory.Messages(r.Context(), id, limit)
		if errors.Is(err, directory.ErrChatNotFound) {
			http.Error(w, "chat not found", http.StatusNotFound)
			return
		}
		if err != nil {
			log.Error("get messages failed", zap.Uint32("chat_id", id), zap.Error(err))
			http.Error(w, "get messages failed", http.StatusInternalServerError)
			return
		}
		if msgs == nil {
			msgs = []*model.Message{}
		}

		writeJSON(w, http.StatusOK, msgs)
	}
}

func (s *Server) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"connections": s.router.Online(),
		})
	}
}

func chatIDVar(w http.ResponseWriter, r *http.Request) (uint32, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
	if err != nil {
		http.Error(w, "invalid chat id", http.StatusBadRequest)
		return 0, false
	}
	return uint32(id), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("marshal response", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
