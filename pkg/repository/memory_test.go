package repository_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/vervet/pkg/model"
	"github.com/m-mizutani/vervet/pkg/repository"
)

func TestMessageOrdering(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()

	for i := 0; i < 5; i++ {
		id, err := repo.PutMessage(ctx, &model.Message{
			Identity: "alice",
			Channel:  model.ChannelChat,
			Role:     model.RoleUser,
			Text:     fmt.Sprintf("message %d", i),
		})
		gt.NoError(t, err)
		gt.V(t, id).NotEqual("")
	}

	msgs, err := repo.RecentMessages(ctx, "alice", 0)
	gt.NoError(t, err)
	gt.Equal(t, len(msgs), 5)

	for i, msg := range msgs {
		gt.Equal(t, msg.Seq, int64(i+1))
		gt.Equal(t, msg.Text, fmt.Sprintf("message %d", i))
	}
}

func TestRecentMessagesLimit(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()

	for i := 0; i < 10; i++ {
		_, err := repo.PutMessage(ctx, &model.Message{
			Identity: "alice",
			Channel:  model.ChannelChat,
			Role:     model.RoleUser,
			Text:     fmt.Sprintf("message %d", i),
		})
		gt.NoError(t, err)
	}

	msgs, err := repo.RecentMessages(ctx, "alice", 3)
	gt.NoError(t, err)
	gt.Equal(t, len(msgs), 3)
	gt.Equal(t, msgs[0].Seq, int64(8))
	gt.Equal(t, msgs[2].Seq, int64(10))
}

func TestMessagesIsolatedByIdentity(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()

	_, err := repo.PutMessage(ctx, &model.Message{
		Identity: "alice", Channel: model.ChannelChat, Role: model.RoleUser, Text: "from alice",
	})
	gt.NoError(t, err)
	_, err = repo.PutMessage(ctx, &model.Message{
		Identity: "bob", Channel: model.ChannelVoice, Role: model.RoleUser, Text: "from bob",
	})
	gt.NoError(t, err)

	msgs, err := repo.RecentMessages(ctx, "alice", 0)
	gt.NoError(t, err)
	gt.Equal(t, len(msgs), 1)
	gt.Equal(t, msgs[0].Text, "from alice")
	gt.Equal(t, msgs[0].Seq, int64(1))
}

func TestPutMessageRejectsEmptyIdentity(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()

	_, err := repo.PutMessage(ctx, &model.Message{Text: "orphan"})
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrInvalidInput))
}

func TestConcurrentPutMessage(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := repo.PutMessage(ctx, &model.Message{
				Identity: "alice",
				Channel:  model.ChannelChat,
				Role:     model.RoleUser,
				Text:     fmt.Sprintf("concurrent %d", n),
			})
			gt.NoError(t, err)
		}(i)
	}
	wg.Wait()

	msgs, err := repo.RecentMessages(ctx, "alice", 0)
	gt.NoError(t, err)
	gt.Equal(t, len(msgs), workers)

	seen := make(map[int64]bool)
	for _, msg := range msgs {
		gt.False(t, seen[msg.Seq])
		seen[msg.Seq] = true
	}
}

func TestSummaryMonotonic(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()

	gt.NoError(t, repo.PutSummary(ctx, &model.ConversationSummary{
		Identity: "alice", Text: "first", CoversUpTo: 10,
	}))

	// A lagging writer with lower coverage must not win
	gt.NoError(t, repo.PutSummary(ctx, &model.ConversationSummary{
		Identity: "alice", Text: "stale", CoversUpTo: 5,
	}))

	summary, err := repo.GetSummary(ctx, "alice")
	gt.NoError(t, err)
	gt.Equal(t, summary.Text, "first")
	gt.Equal(t, summary.CoversUpTo, int64(10))

	gt.NoError(t, repo.PutSummary(ctx, &model.ConversationSummary{
		Identity: "alice", Text: "newer", CoversUpTo: 12,
	}))

	summary, err = repo.GetSummary(ctx, "alice")
	gt.NoError(t, err)
	gt.Equal(t, summary.Text, "newer")
	gt.Equal(t, summary.CoversUpTo, int64(12))
}

func TestGetSummaryNotFound(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()

	_, err := repo.GetSummary(ctx, "nobody")
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrNotFound))
}

func TestCallMappingLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()

	gt.NoError(t, repo.PutCallMapping(ctx, "call-1", "alice"))

	identity, err := repo.GetCallMapping(ctx, "call-1")
	gt.NoError(t, err)
	gt.Equal(t, identity, model.Identity("alice"))

	gt.NoError(t, repo.DeleteCallMapping(ctx, "call-1"))

	_, err = repo.GetCallMapping(ctx, "call-1")
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrNotFound))

	// Delete is idempotent
	gt.NoError(t, repo.DeleteCallMapping(ctx, "call-1"))
}

func TestCallMappingExpiry(t *testing.T) {
	ctx := context.Background()

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	repo := repository.NewMemory(
		repository.WithMappingTTL(time.Hour),
		repository.WithClock(func() time.Time { return now }),
	)

	gt.NoError(t, repo.PutCallMapping(ctx, "call-1", "alice"))

	now = now.Add(59 * time.Minute)
	identity, err := repo.GetCallMapping(ctx, "call-1")
	gt.NoError(t, err)
	gt.Equal(t, identity, model.Identity("alice"))

	now = now.Add(2 * time.Minute)
	_, err = repo.GetCallMapping(ctx, "call-1")
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrNotFound))
}
