package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"e2e_relay/internal/broadcast"
	"e2e_relay/internal/model"
	"e2e_relay/internal/protocol/packet"
	"e2e_relay/internal/utils/log"
)

type (
	// wsRequest is one JSON command from a websocket client. An empty action
	// with a chat id and text is a send.
	wsRequest struct {
		Action   string `json:"action,omitempty"`
		ChatType string `json:"chat_type,omitempty"`
		Name     string `json:"name,omitempty"`
		ChatID   uint32 `json:"chat_id,omitempty"`
		UserID   string `json:"user_id,omitempty"`
		Text     string `json:"text,omitempty"`
	}

	wsEvent struct {
		Event     string `json:"event"`
		UserID    string `json:"user_id,omitempty"`
		ChatID    uint32 `json:"chat_id,omitempty"`
		ChatType  string `json:"chat_type,omitempty"`
		Name      string `json:"name,omitempty"`
		Status    string `json:"status,omitempty"`
		Sender    string `json:"sender,omitempty"`
		Text      string `json:"text,omitempty"`
		Payload   []byte `json:"payload,omitempty"`
		Encrypted bool   `json:"encrypted,omitempty"`
		Error     string `json:"error,omitempty"`
	}

	// wsSink turns relay frames into JSON events. Key exchanges are dropped
	// since JSON clients do not encrypt.
	wsSink struct {
		conn    *websocket.Conn
		timeout time.Duration
		mu      sync.Mutex
	}
)

func (s *wsSink) WriteFrame(f *broadcast.Frame) error {
	p, err := packet.Decode(f.Encoded)
	if err != nil {
		return err
	}
	ev, ok := eventFor(p, f.Sender)
	if !ok {
		return nil
	}
	return s.write(ev)
}

func (s *wsSink) write(ev *wsEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
			return err
		}
	}
	return s.conn.WriteJSON(ev)
}

func (s *wsSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}

func eventFor(p *packet.Packet, sender string) (*wsEvent, bool) {
	switch {
	case p.MessageType == packet.MessageTypeKeyExchange:
		return nil, false

	case p.MessageType == packet.MessageTypeJoinRequest && p.Flags.Has(packet.FlagSystem):
		r, err := packet.DecodeJoinResult(p.Payload)
		if err != nil {
			return nil, false
		}
		return &wsEvent{
			Event:    "joined",
			ChatID:   p.ChatID,
			ChatType: p.ChatType.String(),
			Name:     r.Name,
			Status:   r.Status.String(),
		}, true

	case p.MessageType == packet.MessageTypeText && p.Flags.Has(packet.FlagSystem):
		n, err := packet.DecodeNotice(p.Payload)
		if err != nil {
			return nil, false
		}
		switch n.Kind {
		case packet.NoticeWelcome:
			return &wsEvent{Event: "welcome", UserID: n.Text}, true
		case packet.NoticeRejected:
			return &wsEvent{Event: "rejected", Error: n.Text}, true
		default:
			return &wsEvent{Event: "error", Error: n.Text}, true
		}

	case p.MessageType == packet.MessageTypeText:
		ev := &wsEvent{Event: "message", ChatID: p.ChatID, Sender: sender}
		if p.Flags.Has(packet.FlagEncrypted) {
			ev.Encrypted = true
			ev.Payload = p.Payload
		} else {
			ev.Text = string(p.Payload)
		}
		return ev, true
	}
	return nil, false
}

// HandleWS upgrades to the JSON ingress. The user id comes from the userID
// query parameter when given, otherwise it is assigned like a TCP client's.
func (s *Server) HandleWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // Allow all origins
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("userID")
		if userID != "" {
			if _, ok := s.router.Lookup(userID); ok {
				http.Error(w, "duplicated userID", http.StatusConflict)
				return
			}
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug("websocket upgrade failed", zap.Error(err))
			return
		}

		sink := &wsSink{conn: conn, timeout: s.cfg.WriteTimeout}
		var client *broadcast.Client
		if userID == "" {
			userID, client, err = s.registerAssigned(sink)
		} else {
			client, err = s.router.Register(userID, sink)
		}
		if err != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "duplicated userID"),
				time.Now().Add(time.Second))
			conn.Close()
			return
		}

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.processWSMessage(context.Background(), userID, client, conn)
		}()
	}
}

func (s *Server) processWSMessage(ctx context.Context, userID string, client *broadcast.Client, conn *websocket.Conn) {
	defer func() {
		s.router.Unregister(client)
		log.Info("websocket client disconnected", zap.String("user_id", userID))
	}()

	log.Info("websocket client connected", zap.String("user_id", userID))
	s.notice(userID, packet.NoticeWelcome, userID)

	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read failed", zap.String("user_id", userID), zap.Error(err))
			}
			return
		}
		s.metrics.PacketsReceived.WithLabelValues("ws_" + actionName(req)).Inc()

		switch actionName(req) {
		case "create":
			t, err := model.ParseChatType(req.ChatType)
			if err != nil {
				s.reject(userID, err.Error())
				continue
			}
			s.createChat(ctx, userID, t, req.Name)
		case "join":
			target := req.UserID
			if target == "" {
				target = userID
			}
			t, err := model.ParseChatType(req.ChatType)
			if err != nil {
				t = model.ChatTypeGroup
			}
			s.join(ctx, userID, req.ChatID, t, target)
		case "send":
			t, err := model.ParseChatType(req.ChatType)
			if err != nil {
				t = model.ChatTypeGroup
			}
			s.sendText(ctx, userID, req.ChatID, t, false, []byte(req.Text))
		default:
			s.notice(userID, packet.NoticeError, "unknown action "+req.Action)
		}
	}
}

func actionName(req wsRequest) string {
	if req.Action == "" && req.ChatID != 0 {
		return "send"
	}
	return req.Action
}
