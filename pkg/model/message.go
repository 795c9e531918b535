package model

import (
	"time"

	"github.com/google/uuid"
)

// Identity is the stable cross-channel key for one end user's conversation.
// It is created implicitly on the first message from a new identity and is
// the partition key for all history reads and writes.
type Identity string

type MessageID string

// NewMessageID generates a new unique MessageID
func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

// Channel identifies which surface a message arrived on
type Channel string

const (
	ChannelVoice  Channel = "voice"
	ChannelChat   Channel = "chat"
	ChannelWidget Channel = "widget"
)

// Role identifies the author of a message
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// Message is one immutable turn fragment in a conversation. Seq is assigned
// by the repository at append time and is strictly increasing per identity,
// so ordering does not depend on clock behavior.
type Message struct {
	ID        MessageID
	Identity  Identity
	Channel   Channel
	Role      Role
	Text      string
	Seq       int64
	CreatedAt time.Time
}

// ConversationSummary is the rolling compressed representation of older
// turns. At most one live summary exists per identity; a new summary
// supersedes the previous one and CoversUpTo never decreases.
type ConversationSummary struct {
	Identity   Identity
	Text       string
	CoversUpTo int64
	UpdatedAt  time.Time
}
