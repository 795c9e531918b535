package conversation

import (
	"context"
	"errors"

	"github.com/m-mizutani/vervet/pkg/model"
	"github.com/m-mizutani/vervet/pkg/utils/logging"
	"google.golang.org/genai"
)

// GenerateConfig builds the generation config for a domain profile
func GenerateConfig(profile *model.DomainProfile) *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(profile.SystemPrompt, ""),
	}
}

// BuildContext assembles the bounded prompt context for one generation:
// the live summary (if any) followed by the raw messages after the summary's
// coverage point. When the unsummarized tail grows past the threshold,
// summarization runs synchronously first; if it fails, the turn proceeds
// with the capped raw tail instead of blocking.
func (uc *UseCase) BuildContext(ctx context.Context, identity model.Identity, profile *model.DomainProfile) []*genai.Content {
	logger := logging.From(ctx)

	msgs, err := uc.repo.RecentMessages(ctx, identity, uc.hardCap)
	if err != nil {
		// A failed read degrades to an empty-history context; failing the
		// turn over missing context would be worse than a forgetful reply.
		logger.Warn("history read failed, using empty context", "identity", identity, "error", err)
		return nil
	}

	summary, err := uc.repo.GetSummary(ctx, identity)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		logger.Warn("summary read failed", "identity", identity, "error", err)
	}

	tail := msgs
	if summary != nil {
		tail = messagesAfter(msgs, summary.CoversUpTo)
	}

	if len(tail) > uc.summarizeAfter && len(tail) > uc.keepRecent {
		toCompress := tail[:len(tail)-uc.keepRecent]
		newSummary, err := uc.Summarize(ctx, identity, toCompress, summary)
		if err != nil {
			logger.Warn("summarization failed, using raw history", "identity", identity, "error", err)
		} else {
			summary = newSummary
			tail = messagesAfter(tail, newSummary.CoversUpTo)
		}
	}

	contents := make([]*genai.Content, 0, len(tail)+1)
	if summary != nil {
		contents = append(contents, genai.NewContentFromText(
			"=== Previous Conversation Summary ===\n\n"+summary.Text, genai.RoleUser))
	}

	for _, msg := range tail {
		var role genai.Role = genai.RoleUser
		if msg.Role == model.RoleAgent {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(msg.Text, role))
	}

	return contents
}

func messagesAfter(msgs []*model.Message, seq int64) []*model.Message {
	for i, msg := range msgs {
		if msg.Seq > seq {
			return msgs[i:]
		}
	}
	return nil
}
