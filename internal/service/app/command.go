package app

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"e2e_relay/internal/model"
)

type commandKind int

const (
	cmdSend commandKind = iota
	cmdCreate
	cmdJoin
	cmdInvite
	cmdChat
	cmdChats
	cmdInfo
	cmdQuit
	cmdHelp
)

type command struct {
	kind     commandKind
	chatID   uint32
	chatType model.ChatType
	name     string
	user     string
	text     string
}

const usage = `/create <private|group|channel> [name]  create a chat
/join <id> [type]                        join or start a chat
/invite <id> <user>                      add a user to a chat
/chat <id>                               select the chat to write to
/chats                                   list known chats
/info <id>                               show a chat's members
/quit                                    leave`

var errUsage = errors.New("bad command, type /help")

// parseCommand turns one input line into a command. Lines that do not start
// with a slash are messages for the selected chat.
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{kind: cmdSend, text: line}, nil
	}

	fields := strings.Fields(line)
	args := fields[1:]
	switch fields[0] {
	case "/create":
		if len(args) < 1 {
			return command{}, errUsage
		}
		t, err := model.ParseChatType(args[0])
		if err != nil {
			return command{}, err
		}
		return command{kind: cmdCreate, chatType: t, name: strings.Join(args[1:], " ")}, nil

	case "/join":
		if len(args) < 1 || len(args) > 2 {
			return command{}, errUsage
		}
		id, err := parseChatID(args[0])
		if err != nil {
			return command{}, err
		}
		t := model.ChatTypeGroup
		if len(args) == 2 {
			if t, err = model.ParseChatType(args[1]); err != nil {
				return command{}, err
			}
		}
		return command{kind: cmdJoin, chatID: id, chatType: t}, nil

	case "/invite":
		if len(args) != 2 {
			return command{}, errUsage
		}
		id, err := parseChatID(args[0])
		if err != nil {
			return command{}, err
		}
		return command{kind: cmdInvite, chatID: id, user: args[1]}, nil

	case "/chat", "/info":
		if len(args) != 1 {
			return command{}, errUsage
		}
		id, err := parseChatID(args[0])
		if err != nil {
			return command{}, err
		}
		kind := cmdChat
		if fields[0] == "/info" {
			kind = cmdInfo
		}
		return command{kind: kind, chatID: id}, nil

	case "/chats":
		return command{kind: cmdChats}, nil
	case "/quit":
		return command{kind: cmdQuit}, nil
	case "/help":
		return command{kind: cmdHelp}, nil
	}
	return command{}, fmt.Errorf("unknown command %s", fields[0])
}

func parseChatID(s string) (uint32, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid chat id %q", s)
	}
	return uint32(id), nil
}
