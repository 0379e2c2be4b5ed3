package server

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"e2e_relay/internal/broadcast"
	"e2e_relay/internal/cryptographic/dh"
	"e2e_relay/internal/directory"
	"e2e_relay/internal/model"
	"e2e_relay/internal/protocol/packet"
	"e2e_relay/internal/utils/log"
)

// handlePacket runs one decoded packet from userID. Errors never close the
// connection: framing errors are caught by the read loop before this point.
func (s *Server) handlePacket(ctx context.Context, userID string, p *packet.Packet) {
	s.metrics.PacketsReceived.WithLabelValues(p.MessageType.String()).Inc()

	switch p.MessageType {
	case packet.MessageTypeKeyExchange:
		s.handleKeyExchange(ctx, userID, p)
	case packet.MessageTypeJoinRequest:
		if p.ChatID == 0 {
			s.createChat(ctx, userID, p.ChatType, string(p.Payload))
			return
		}
		target := userID
		if len(p.Payload) > 0 {
			target = string(p.Payload)
		}
		s.join(ctx, userID, p.ChatID, p.ChatType, target)
	case packet.MessageTypeText:
		if p.Flags.Has(packet.FlagSystem) {
			s.reject(userID, "system messages are reserved for the relay")
			return
		}
		s.sendText(ctx, userID, p.ChatID, p.ChatType, p.Flags.Has(packet.FlagEncrypted), p.Payload)
	default:
		s.notice(userID, packet.NoticeError, "unknown message type "+p.MessageType.String())
	}
}

func (s *Server) handleKeyExchange(ctx context.Context, userID string, p *packet.Packet) {
	pub, err := packet.DecodeKeyExchange(p.Payload)
	if err == nil {
		err = dh.ValidatePublicKey(pub)
	}
	if err != nil {
		log.Debug("dropping key exchange", zap.String("user_id", userID), zap.Error(err))
		s.notice(userID, packet.NoticeError, "invalid public key")
		return
	}

	if p.ChatID == 0 {
		s.keys.set(userID, pub)
		log.Debug("public key announced", zap.String("user_id", userID))
		for _, chat := range s.directory.List() {
			if chat.Type == model.ChatTypePrivate && chat.HasMember(userID) {
				s.pushKeys(chat)
			}
		}
		return
	}

	chat, err := s.directory.Get(ctx, p.ChatID)
	if err != nil || chat.Type != model.ChatTypePrivate || !chat.HasMember(userID) {
		s.reject(userID, "key exchange is only accepted on your private chats")
		return
	}
	s.forward(ctx, chat, userID, packet.FlagSystem, packet.MessageTypeKeyExchange, packet.EncodeKeyExchange(pub))
}

// createChat creates a chat owned by userID and answers with its id.
func (s *Server) createChat(ctx context.Context, userID string, t model.ChatType, name string) {
	chat, err := s.directory.Create(ctx, t, userID, name)
	if err != nil {
		log.Debug("create chat failed", zap.String("user_id", userID), zap.Error(err))
		s.joinReply(userID, 0, t, packet.JoinResult{Status: packet.JoinDenied})
		return
	}
	s.joinReply(userID, chat.ID, chat.Type, packet.JoinResult{Status: packet.JoinOK, Name: chat.Name})
}

// join adds target to chat id on behalf of userID. An id nobody has used yet
// creates the chat with userID as its creator.
func (s *Server) join(ctx context.Context, userID string, id uint32, t model.ChatType, target string) {
	chat, err := s.directory.AddMember(ctx, id, target, userID)
	if errors.Is(err, directory.ErrChatNotFound) && target == userID {
		chat, err = s.directory.CreateWithID(ctx, id, t, userID, "")
		if errors.Is(err, directory.ErrChatExists) {
			chat, err = s.directory.AddMember(ctx, id, target, userID)
		}
	}

	switch {
	case err == nil:
	case errors.Is(err, directory.ErrPermissionDenied), errors.Is(err, directory.ErrInvalidChat):
		s.metrics.Rejections.WithLabelValues("join").Inc()
		s.joinReply(userID, id, t, packet.JoinResult{Status: packet.JoinDenied})
		return
	default:
		s.joinReply(userID, id, t, packet.JoinResult{Status: packet.JoinNotFound})
		return
	}

	result := packet.JoinResult{Status: packet.JoinOK, Name: chat.Name}
	s.joinReply(userID, chat.ID, chat.Type, result)
	if target != userID {
		s.joinReply(target, chat.ID, chat.Type, result)
	}

	if chat.Type == model.ChatTypePrivate && len(chat.Members) == 2 {
		s.pushKeys(chat)
	}
	s.replayHistory(ctx, target, chat)
}

// sendText logs a message to chat id and fans it out. A message to an id
// nobody has used yet creates the chat of type t with the sender as its
// creator. Encrypted payloads are accepted on private chats only.
func (s *Server) sendText(ctx context.Context, userID string, id uint32, t model.ChatType, encrypted bool, payload []byte) {
	chat, err := s.directory.Get(ctx, id)
	if errors.Is(err, directory.ErrChatNotFound) {
		chat, err = s.createOnSend(ctx, userID, id, t)
	}
	if err != nil {
		s.reject(userID, "unknown chat")
		return
	}
	if encrypted && chat.Type != model.ChatTypePrivate {
		s.reject(userID, "encrypted messages are only accepted on private chats")
		return
	}

	if _, err := s.directory.Append(ctx, id, userID, payload, encrypted); err != nil {
		if errors.Is(err, directory.ErrPermissionDenied) {
			s.metrics.Rejections.WithLabelValues("send").Inc()
			s.reject(userID, "you cannot send to this chat")
			return
		}
		log.Error("append message", zap.Uint32("chat_id", id), zap.Error(err))
		s.notice(userID, packet.NoticeError, "message not stored")
		return
	}

	var flags packet.Flags
	if encrypted {
		flags = packet.FlagEncrypted
	}
	s.forward(ctx, chat, userID, flags, packet.MessageTypeText, payload)
}

// createOnSend creates chat id for the first message sent to it and tells
// the sender it joined.
func (s *Server) createOnSend(ctx context.Context, userID string, id uint32, t model.ChatType) (*model.Chat, error) {
	chat, err := s.directory.CreateWithID(ctx, id, t, userID, "")
	if errors.Is(err, directory.ErrChatExists) {
		return s.directory.Get(ctx, id)
	}
	if err != nil {
		log.Debug("create on send failed", zap.String("user_id", userID), zap.Uint32("chat_id", id), zap.Error(err))
		return nil, err
	}
	s.joinReply(userID, chat.ID, chat.Type, packet.JoinResult{Status: packet.JoinOK, Name: chat.Name})
	return chat, nil
}

func (s *Server) forward(ctx context.Context, chat *model.Chat, sender string, flags packet.Flags, mt packet.MessageType, payload []byte) {
	b, err := packet.Encode(flags, mt, chat.Type, chat.ID, payload)
	if err != nil {
		log.Error("encode forward", zap.Uint32("chat_id", chat.ID), zap.Error(err))
		return
	}
	s.router.Deliver(ctx, chat.ID, b, sender)
}

// pushKeys gives each member of a full private chat the other's public key.
func (s *Server) pushKeys(chat *model.Chat) {
	if len(chat.Members) != 2 {
		return
	}
	a, b := chat.Members[0], chat.Members[1]
	s.pushKey(chat, a, b)
	s.pushKey(chat, b, a)
}

func (s *Server) pushKey(chat *model.Chat, to, owner string) {
	pub, ok := s.keys.get(owner)
	if !ok {
		return
	}
	s.send(to, chat.ID, packet.FlagSystem, packet.MessageTypeKeyExchange, chat.Type, packet.EncodeKeyExchange(pub))
}

func (s *Server) replayHistory(ctx context.Context, userID string, chat *model.Chat) {
	if s.cfg.HistoryReplay <= 0 {
		return
	}
	msgs, err := s.directory.Messages(ctx, chat.ID, s.cfg.HistoryReplay)
	if err != nil {
		log.Warn("history replay", zap.Uint32("chat_id", chat.ID), zap.Error(err))
		return
	}
	for _, m := range msgs {
		var flags packet.Flags
		if m.Encrypted {
			flags = packet.FlagEncrypted
		}
		b, err := packet.Encode(flags, packet.MessageTypeText, chat.Type, chat.ID, m.Payload)
		if err != nil {
			continue
		}
		if err := s.router.SendTo(userID, &broadcast.Frame{ChatID: chat.ID, Sender: m.Sender, Encoded: b}); err != nil {
			return
		}
	}
}

func (s *Server) joinReply(userID string, id uint32, t model.ChatType, r packet.JoinResult) {
	s.send(userID, id, packet.FlagSystem, packet.MessageTypeJoinRequest, t, r.Encode())
}

func (s *Server) reject(userID, text string) {
	s.notice(userID, packet.NoticeRejected, text)
}

func (s *Server) notice(userID string, kind packet.NoticeKind, text string) {
	s.send(userID, 0, packet.FlagSystem, packet.MessageTypeText, 0, packet.Notice{Kind: kind, Text: text}.Encode())
}

func (s *Server) send(userID string, id uint32, flags packet.Flags, mt packet.MessageType, t model.ChatType, payload []byte) {
	b, err := packet.Encode(flags, mt, t, id, payload)
	if err != nil {
		log.Error("encode reply", zap.Error(err))
		return
	}
	if err := s.router.SendTo(userID, &broadcast.Frame{ChatID: id, Encoded: b}); err != nil {
		log.Debug("reply not delivered", zap.String("user_id", userID), zap.Error(err))
	}
}
