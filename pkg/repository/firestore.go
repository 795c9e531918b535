package repository

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/vervet/pkg/model"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	collConversations = "conversations"
	collMessages      = "messages"
	collSummaries     = "summaries"
	collCallMappings  = "call_mappings"
)

// Firestore implements Repository using Cloud Firestore. Messages live in a
// subcollection under the identity's conversation document; the conversation
// document holds the sequence counter so appends are ordered by a
// transactional increment, not by wall clock.
type Firestore struct {
	client     *firestore.Client
	mappingTTL time.Duration
	now        func() time.Time
}

// FirestoreOption is a functional option for Firestore
type FirestoreOption func(*Firestore)

// WithFirestoreMappingTTL overrides the call mapping staleness window
func WithFirestoreMappingTTL(ttl time.Duration) FirestoreOption {
	return func(r *Firestore) {
		r.mappingTTL = ttl
	}
}

// New creates a new Firestore repository
func New(ctx context.Context, projectID, databaseID string, opts ...FirestoreOption) (*Firestore, error) {
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client")
	}

	r := &Firestore{
		client:     client,
		mappingTTL: DefaultMappingTTL,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// Close releases the underlying client
func (r *Firestore) Close() error {
	return r.client.Close()
}

type conversationDoc struct {
	NextSeq int64
}

type callMappingDoc struct {
	Identity  model.Identity
	CreatedAt time.Time
}

func (r *Firestore) PutMessage(ctx context.Context, msg *model.Message) (model.MessageID, error) {
	if msg.Identity == "" {
		return "", goerr.Wrap(model.ErrInvalidInput, "message identity is empty")
	}

	stored := *msg
	stored.ID = model.NewMessageID()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = r.now()
	}

	convRef := r.client.Collection(collConversations).Doc(string(msg.Identity))

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var conv conversationDoc
		snap, err := tx.Get(convRef)
		switch {
		case err == nil:
			if err := snap.DataTo(&conv); err != nil {
				return goerr.Wrap(err, "failed to decode conversation")
			}
		case status.Code(err) == codes.NotFound:
			// First message from a new identity creates the conversation.
		default:
			return goerr.Wrap(err, "failed to get conversation")
		}

		stored.Seq = conv.NextSeq + 1

		msgRef := convRef.Collection(collMessages).Doc(fmt.Sprintf("%012d", stored.Seq))
		if err := tx.Set(msgRef, &stored); err != nil {
			return goerr.Wrap(err, "failed to write message")
		}
		return tx.Set(convRef, &conversationDoc{NextSeq: stored.Seq})
	})
	if err != nil {
		return "", goerr.Wrap(model.ErrPersistence, "failed to append message",
			goerr.V("identity", msg.Identity), goerr.V("cause", err.Error()))
	}

	msg.ID = stored.ID
	msg.Seq = stored.Seq
	return stored.ID, nil
}

func (r *Firestore) RecentMessages(ctx context.Context, identity model.Identity, limit int) ([]*model.Message, error) {
	query := r.client.Collection(collConversations).
		Doc(string(identity)).
		Collection(collMessages).
		OrderBy("Seq", firestore.Desc)
	if limit > 0 {
		query = query.Limit(limit)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var newestFirst []*model.Message
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(model.ErrPersistence, "failed to list messages",
				goerr.V("identity", identity), goerr.V("cause", err.Error()))
		}

		var msg model.Message
		if err := snap.DataTo(&msg); err != nil {
			return nil, goerr.Wrap(err, "failed to decode message")
		}
		newestFirst = append(newestFirst, &msg)
	}

	// Reverse to append order, most-recent-last.
	msgs := make([]*model.Message, len(newestFirst))
	for i, msg := range newestFirst {
		msgs[len(newestFirst)-1-i] = msg
	}
	return msgs, nil
}

func (r *Firestore) GetSummary(ctx context.Context, identity model.Identity) (*model.ConversationSummary, error) {
	snap, err := r.client.Collection(collSummaries).Doc(string(identity)).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, goerr.Wrap(model.ErrNotFound, "summary not found", goerr.V("identity", identity))
	}
	if err != nil {
		return nil, goerr.Wrap(model.ErrPersistence, "failed to get summary",
			goerr.V("identity", identity), goerr.V("cause", err.Error()))
	}

	var summary model.ConversationSummary
	if err := snap.DataTo(&summary); err != nil {
		return nil, goerr.Wrap(err, "failed to decode summary")
	}
	return &summary, nil
}

func (r *Firestore) PutSummary(ctx context.Context, summary *model.ConversationSummary) error {
	stored := *summary
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = r.now()
	}

	ref := r.client.Collection(collSummaries).Doc(string(summary.Identity))

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err == nil {
			var prev model.ConversationSummary
			if err := snap.DataTo(&prev); err != nil {
				return goerr.Wrap(err, "failed to decode summary")
			}
			if prev.CoversUpTo > stored.CoversUpTo {
				// Coverage never regresses; a lagging writer loses.
				return nil
			}
		} else if status.Code(err) != codes.NotFound {
			return goerr.Wrap(err, "failed to get summary")
		}

		return tx.Set(ref, &stored)
	})
	if err != nil {
		return goerr.Wrap(model.ErrPersistence, "failed to put summary",
			goerr.V("identity", summary.Identity), goerr.V("cause", err.Error()))
	}
	return nil
}

func (r *Firestore) PutCallMapping(ctx context.Context, callID string, identity model.Identity) error {
	_, err := r.client.Collection(collCallMappings).Doc(callID).Set(ctx, &callMappingDoc{
		Identity:  identity,
		CreatedAt: r.now(),
	})
	if err != nil {
		return goerr.Wrap(model.ErrPersistence, "failed to store call mapping",
			goerr.V("call_id", callID), goerr.V("cause", err.Error()))
	}
	return nil
}

func (r *Firestore) GetCallMapping(ctx context.Context, callID string) (model.Identity, error) {
	snap, err := r.client.Collection(collCallMappings).Doc(callID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return "", goerr.Wrap(model.ErrNotFound, "call mapping not found", goerr.V("call_id", callID))
	}
	if err != nil {
		return "", goerr.Wrap(model.ErrPersistence, "failed to get call mapping",
			goerr.V("call_id", callID), goerr.V("cause", err.Error()))
	}

	var mapping callMappingDoc
	if err := snap.DataTo(&mapping); err != nil {
		return "", goerr.Wrap(err, "failed to decode call mapping")
	}

	if r.now().Sub(mapping.CreatedAt) > r.mappingTTL {
		// Orphan from a crashed process; never resolve it.
		_, _ = snap.Ref.Delete(ctx)
		return "", goerr.Wrap(model.ErrNotFound, "call mapping expired", goerr.V("call_id", callID))
	}

	return mapping.Identity, nil
}

func (r *Firestore) DeleteCallMapping(ctx context.Context, callID string) error {
	if _, err := r.client.Collection(collCallMappings).Doc(callID).Delete(ctx); err != nil {
		return goerr.Wrap(model.ErrPersistence, "failed to delete call mapping",
			goerr.V("call_id", callID), goerr.V("cause", err.Error()))
	}
	return nil
}
