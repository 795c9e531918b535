package conversation

import (
	"context"
	_ "embed"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/vervet/pkg/adapter"
	"github.com/m-mizutani/vervet/pkg/model"
	"google.golang.org/genai"
)

//go:embed prompt/summarize.md
var summarizePromptRaw string

// Summarize condenses msgs into a superseding summary for the identity. The
// prior summary, if any, is folded in so no information is silently dropped.
// CoversUpTo is the sequence of the last compressed message; the repository
// guard keeps it monotonic, which makes re-invocation with the same inputs
// harmless.
func (uc *UseCase) Summarize(ctx context.Context, identity model.Identity, msgs []*model.Message, prior *model.ConversationSummary) (*model.ConversationSummary, error) {
	if len(msgs) == 0 {
		return nil, goerr.New("no messages to summarize", goerr.V("identity", identity))
	}

	var transcript strings.Builder
	if prior != nil {
		transcript.WriteString("PREVIOUS SUMMARY:\n")
		transcript.WriteString(prior.Text)
		transcript.WriteString("\n\nCONVERSATION:\n")
	}
	for _, msg := range msgs {
		transcript.WriteString(strings.ToUpper(string(msg.Role)))
		transcript.WriteString(": ")
		transcript.WriteString(msg.Text)
		transcript.WriteString("\n")
	}

	contents := []*genai.Content{
		genai.NewContentFromText(transcript.String(), genai.RoleUser),
		genai.NewContentFromText(summarizePromptRaw, genai.RoleUser),
	}

	thinkingBudget := int32(0)
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText("You maintain the long-term memory of a customer support agent.", ""),
		ThinkingConfig: &genai.ThinkingConfig{
			IncludeThoughts: false,
			ThinkingBudget:  &thinkingBudget,
		},
	}

	resp, err := uc.llm.GenerateSummary(ctx, contents, config)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to summarize conversation", goerr.V("identity", identity))
	}

	text := adapter.ResponseText(resp)
	if text == "" {
		return nil, goerr.New("empty summary generated", goerr.V("identity", identity))
	}

	summary := &model.ConversationSummary{
		Identity:   identity,
		Text:       text,
		CoversUpTo: msgs[len(msgs)-1].Seq,
	}

	if err := uc.repo.PutSummary(ctx, summary); err != nil {
		return nil, goerr.Wrap(err, "failed to store summary", goerr.V("identity", identity))
	}

	return summary, nil
}
