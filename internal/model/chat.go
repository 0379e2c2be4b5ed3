package model

import "fmt"

type ChatType uint8

const (
	ChatTypePrivate ChatType = 0x01
	ChatTypeGroup   ChatType = 0x02
	ChatTypeChannel ChatType = 0x03
)

func (t ChatType) Valid() bool {
	return t >= ChatTypePrivate && t <= ChatTypeChannel
}

func (t ChatType) String() string {
	switch t {
	case ChatTypePrivate:
		return "private"
	case ChatTypeGroup:
		return "group"
	case ChatTypeChannel:
		return "channel"
	default:
		return fmt.Sprintf("chat_type(%d)", uint8(t))
	}
}

// ParseChatType accepts the names produced by String.
func ParseChatType(s string) (ChatType, error) {
	switch s {
	case "private":
		return ChatTypePrivate, nil
	case "group":
		return ChatTypeGroup, nil
	case "channel":
		return ChatTypeChannel, nil
	}
	return 0, fmt.Errorf("unknown chat type %q", s)
}

type (
	// Chat is the metadata of one conversation. The message log is kept
	// separately so records stay small when mirrored.
	Chat struct {
		ID      uint32   `json:"id" bson:"_id"`
		Type    ChatType `json:"type" bson:"type"`
		Name    string   `json:"name" bson:"name"`
		Members []string `json:"members" bson:"members"`
		Admin   string   `json:"admin,omitempty" bson:"admin,omitempty"`
	}
)

func (c *Chat) HasMember(userID string) bool {
	for _, m := range c.Members {
		if m == userID {
			return true
		}
	}
	return false
}

func (c *Chat) Clone() *Chat {
	cp := *c
	cp.Members = append([]string(nil), c.Members...)
	return &cp
}
