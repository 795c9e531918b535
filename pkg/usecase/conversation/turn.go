package conversation

import (
	"context"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/vervet/pkg/adapter"
	"github.com/m-mizutani/vervet/pkg/model"
	"github.com/m-mizutani/vervet/pkg/utils/logging"
	"github.com/sethvargo/go-retry"
)

const (
	appendRetries = 2
	appendBackoff = 100 * time.Millisecond
)

// HandleTurn runs one synchronous chat turn: persist the user message, build
// context, generate, persist the reply, return the reply text. Upstream
// failures surface as model.ErrUpstream for the caller to translate into a
// user-visible fallback.
func (uc *UseCase) HandleTurn(ctx context.Context, profile *model.DomainProfile, identity model.Identity, text string, channel model.Channel) (string, error) {
	started := time.Now()

	if err := uc.appendMessage(ctx, identity, model.RoleUser, text, channel); err != nil {
		return "", err
	}
	uc.trackTurn(ctx, profile, identity, model.RoleUser, channel, 0)

	contents := uc.BuildContext(ctx, identity, profile)

	resp, err := uc.llm.GenerateContent(ctx, contents, GenerateConfig(profile))
	if err != nil {
		return "", goerr.Wrap(err, "chat generation failed", goerr.V("identity", identity))
	}

	reply := adapter.ResponseText(resp)
	if reply == "" {
		return "", goerr.Wrap(model.ErrUpstream, "empty chat response", goerr.V("identity", identity))
	}

	uc.SaveAgentMessage(ctx, identity, reply, channel)
	uc.trackTurn(ctx, profile, identity, model.RoleAgent, channel, time.Since(started))

	return reply, nil
}

// StreamTurn runs one voice turn, emitting each generated fragment through
// emit in generation order. The concatenated reply is persisted as a single
// message once the stream completes; a canceled stream persists nothing and
// emits nothing further.
func (uc *UseCase) StreamTurn(ctx context.Context, profile *model.DomainProfile, identity model.Identity, text string, channel model.Channel, emit func(fragment string) error) (string, error) {
	started := time.Now()

	if err := uc.appendMessage(ctx, identity, model.RoleUser, text, channel); err != nil {
		return "", err
	}
	uc.trackTurn(ctx, profile, identity, model.RoleUser, channel, 0)

	contents := uc.BuildContext(ctx, identity, profile)

	var reply strings.Builder
	for fragment, err := range uc.llm.GenerateContentStream(ctx, contents, GenerateConfig(profile)) {
		if err != nil {
			return "", goerr.Wrap(err, "voice generation failed", goerr.V("identity", identity))
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := emit(fragment); err != nil {
			return "", err
		}
		reply.WriteString(fragment)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if reply.Len() == 0 {
		return "", goerr.Wrap(model.ErrUpstream, "empty voice response", goerr.V("identity", identity))
	}

	uc.SaveAgentMessage(ctx, identity, reply.String(), channel)
	uc.trackTurn(ctx, profile, identity, model.RoleAgent, channel, time.Since(started))

	return reply.String(), nil
}

// SaveAgentMessage persists an agent reply that has already been delivered
// to the user. Losing it would desynchronize the shared memory across
// channels, so the write is retried and a final failure is logged loudly
// rather than failing the turn.
func (uc *UseCase) SaveAgentMessage(ctx context.Context, identity model.Identity, text string, channel model.Channel) {
	if err := uc.appendMessage(ctx, identity, model.RoleAgent, text, channel); err != nil {
		logging.From(ctx).Error("failed to persist delivered agent reply",
			"identity", identity, "channel", channel, "error", err)
	}
}

func (uc *UseCase) appendMessage(ctx context.Context, identity model.Identity, role model.Role, text string, channel model.Channel) error {
	backoff := retry.WithMaxRetries(appendRetries, retry.NewConstant(appendBackoff))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, err := uc.repo.PutMessage(ctx, &model.Message{
			Identity: identity,
			Channel:  channel,
			Role:     role,
			Text:     text,
		})
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return goerr.Wrap(err, "failed to append message",
			goerr.V("identity", identity), goerr.V("role", role))
	}
	return nil
}

func (uc *UseCase) trackTurn(ctx context.Context, profile *model.DomainProfile, identity model.Identity, role model.Role, channel model.Channel, elapsed time.Duration) {
	if uc.analytics == nil {
		return
	}

	ev := &adapter.TurnEvent{
		Identity:       identity,
		Channel:        channel,
		Role:           role,
		Domain:         profile.Key,
		ResponseTimeMS: elapsed.Milliseconds(),
	}
	if err := uc.analytics.TrackTurn(ctx, ev); err != nil {
		logging.From(ctx).Warn("analytics turn insert failed", "identity", identity, "error", err)
	}
}
