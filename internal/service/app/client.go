package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"e2e_relay/internal/model"
	"e2e_relay/internal/protocol/packet"
	"e2e_relay/internal/session"
	"e2e_relay/internal/utils/log"
)

type (
	// Client applies user input and relay packets to a Session. It is driven
	// by a single goroutine, so the Session needs no locking.
	Client struct {
		sess  *session.Session
		w     io.Writer
		print func(format string, args ...any)
		info  func(ctx context.Context, id uint32) (*model.Chat, error)
	}
)

func NewClient(sess *session.Session, w io.Writer, print func(string, ...any)) *Client {
	return &Client{sess: sess, w: w, print: print}
}

func (c *Client) write(p *packet.Packet) error {
	return packet.WritePacket(c.w, p)
}

// HandleLine runs one line of user input and reports whether the user asked
// to quit.
func (c *Client) HandleLine(ctx context.Context, line string) bool {
	if strings.TrimSpace(line) == "" {
		return false
	}

	cmd, err := parseCommand(line)
	if err != nil {
		c.print("[red]%s[-]", err)
		return false
	}

	switch cmd.kind {
	case cmdQuit:
		return true
	case cmdHelp:
		c.print("%s", usage)
	case cmdCreate:
		err = c.write(&packet.Packet{
			MessageType: packet.MessageTypeJoinRequest,
			ChatType:    cmd.chatType,
			Payload:     []byte(cmd.name),
		})
	case cmdJoin:
		err = c.write(&packet.Packet{
			MessageType: packet.MessageTypeJoinRequest,
			ChatType:    cmd.chatType,
			ChatID:      cmd.chatID,
		})
	case cmdInvite:
		info, _ := c.sess.Chat(cmd.chatID)
		err = c.write(&packet.Packet{
			MessageType: packet.MessageTypeJoinRequest,
			ChatType:    info.Type,
			ChatID:      cmd.chatID,
			Payload:     []byte(cmd.user),
		})
	case cmdChat:
		if err = c.sess.Select(cmd.chatID); err == nil {
			info, _ := c.sess.Chat(cmd.chatID)
			c.print("[gray]writing to %s[-]", describe(info, c.sess.HasKey(cmd.chatID)))
		}
	case cmdChats:
		chats := c.sess.Chats()
		if len(chats) == 0 {
			c.print("[gray]no chats yet[-]")
		}
		for _, info := range chats {
			c.print("[gray]%s[-]", describe(info, c.sess.HasKey(info.ID)))
		}
	case cmdInfo:
		if c.info == nil {
			err = errors.New("relay http address not configured")
			break
		}
		var chat *model.Chat
		if chat, err = c.info(ctx, cmd.chatID); err == nil {
			c.print("[gray]chat %d %q (%s) members: %s[-]", chat.ID, chat.Name, chat.Type, strings.Join(chat.Members, ", "))
		}
	case cmdSend:
		err = c.send(cmd.text)
	}

	if err != nil {
		c.print("[red]%s[-]", err)
	}
	return false
}

func (c *Client) send(text string) error {
	info, err := c.sess.Selected()
	if err != nil {
		return err
	}
	p, err := c.sess.Outgoing(info.ID, []byte(text))
	if err != nil {
		return err
	}
	if err := c.write(p); err != nil {
		return err
	}
	c.print("[yellow]You[-] (%d): %s", info.ID, text)
	return nil
}

// HandlePacket applies one packet from the relay.
func (c *Client) HandlePacket(p *packet.Packet) {
	switch {
	case p.MessageType == packet.MessageTypeText && p.Flags.Has(packet.FlagSystem):
		n, err := packet.DecodeNotice(p.Payload)
		if err != nil {
			log.Debug("bad notice", zap.Error(err))
			return
		}
		switch n.Kind {
		case packet.NoticeWelcome:
			c.sess.SetUserID(n.Text)
			c.print("[gray]connected as %s[-]", n.Text)
		case packet.NoticeRejected:
			c.print("[red]rejected: %s[-]", n.Text)
		default:
			c.print("[red]relay error: %s[-]", n.Text)
		}

	case p.MessageType == packet.MessageTypeJoinRequest:
		r, err := packet.DecodeJoinResult(p.Payload)
		if err != nil {
			log.Debug("bad join result", zap.Error(err))
			return
		}
		if r.Status != packet.JoinOK {
			c.print("[red]join chat %d: %s[-]", p.ChatID, r.Status)
			return
		}
		info := session.ChatInfo{ID: p.ChatID, Type: p.ChatType, Name: r.Name}
		c.sess.Remember(info)
		if _, err := c.sess.Selected(); err != nil {
			_ = c.sess.Select(p.ChatID)
		}
		c.print("[gray]joined %s[-]", describe(info, c.sess.HasKey(p.ChatID)))

	case p.MessageType == packet.MessageTypeKeyExchange:
		pub, err := packet.DecodeKeyExchange(p.Payload)
		if err == nil {
			err = c.sess.HandleKeyExchange(p.ChatID, pub)
		}
		if err != nil {
			c.print("[red]key exchange for chat %d failed: %s[-]", p.ChatID, err)
			return
		}
		c.print("[gray]chat %d is now end-to-end encrypted[-]", p.ChatID)

	case p.MessageType == packet.MessageTypeText:
		plain, err := c.sess.Plaintext(p)
		if err != nil {
			c.print("[red]chat %d: message dropped: %s[-]", p.ChatID, err)
			return
		}
		c.print("[green]chat %d:[-] %s", p.ChatID, string(plain))

	default:
		log.Debug("ignoring packet", zap.Stringer("type", p.MessageType))
	}
}

func describe(info session.ChatInfo, secure bool) string {
	s := fmt.Sprintf("chat %d %q (%s)", info.ID, info.Name, info.Type)
	if secure {
		s += " encrypted"
	}
	return s
}
