package repository

import (
	"context"

	"github.com/m-mizutani/vervet/pkg/model"
)

// Repository is the durable, identity-partitioned conversation store shared
// by the chat and voice channels. Implementations must preserve per-identity
// append order and must be safe for use by concurrent handlers; call mapping
// operations never require cross-call coordination since call IDs are unique
// per session.
type Repository interface {
	// PutMessage appends a message to the identity's log. The repository
	// assigns the message ID and the per-identity monotonic sequence and
	// returns the ID.
	PutMessage(ctx context.Context, msg *model.Message) (model.MessageID, error)

	// RecentMessages returns up to limit messages for the identity in
	// append order, most-recent-last.
	RecentMessages(ctx context.Context, identity model.Identity, limit int) ([]*model.Message, error)

	// GetSummary returns the live summary for the identity, or
	// model.ErrNotFound when none exists.
	GetSummary(ctx context.Context, identity model.Identity) (*model.ConversationSummary, error)

	// PutSummary supersedes the identity's summary. A write whose
	// CoversUpTo is behind the stored one is dropped so coverage never
	// regresses.
	PutSummary(ctx context.Context, summary *model.ConversationSummary) error

	// PutCallMapping registers call_id -> identity before the voice
	// connection for that call opens.
	PutCallMapping(ctx context.Context, callID string, identity model.Identity) error

	// GetCallMapping resolves a call_id. Mappings older than the staleness
	// window are treated as model.ErrNotFound (orphan cleanup after a
	// crash).
	GetCallMapping(ctx context.Context, callID string) (model.Identity, error)

	// DeleteCallMapping removes the mapping at call teardown. Deleting a
	// missing mapping is a no-op.
	DeleteCallMapping(ctx context.Context, callID string) error
}
