package intent

import (
	"context"
	"time"

	"github.com/m-mizutani/vervet/pkg/adapter"
	"github.com/m-mizutani/vervet/pkg/model"
	"github.com/m-mizutani/vervet/pkg/utils/logging"
)

const processTimeout = 30 * time.Second

// UseCase ties classification, webhook dispatch and analytics tracking into
// the asynchronous post-turn step shared by both channels.
type UseCase struct {
	classifier *Classifier
	dispatcher *Dispatcher // nil disables webhook delivery
	analytics  adapter.Analytics
}

// UseCaseOption is a functional option for UseCase
type UseCaseOption func(*UseCase)

// WithDispatcher attaches a webhook dispatcher
func WithDispatcher(d *Dispatcher) UseCaseOption {
	return func(uc *UseCase) {
		uc.dispatcher = d
	}
}

// WithAnalytics attaches a best-effort analytics sink
func WithAnalytics(a adapter.Analytics) UseCaseOption {
	return func(uc *UseCase) {
		uc.analytics = a
	}
}

// New creates a new intent UseCase instance
func New(classifier *Classifier, opts ...UseCaseOption) *UseCase {
	uc := &UseCase{
		classifier: classifier,
	}

	for _, opt := range opts {
		opt(uc)
	}

	return uc
}

// ProcessTurn classifies text and dispatches all detected intents. It is
// called on its own goroutine after the turn's response has been produced;
// the parent context is detached so the turn finishing never cancels
// delivery mid-flight.
func (uc *UseCase) ProcessTurn(ctx context.Context, profile *model.DomainProfile, identity model.Identity, text string, channel model.Channel) []model.IntentMatch {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), processTimeout)
	defer cancel()

	logger := logging.From(ctx)

	matches := uc.classifier.Classify(ctx, profile, identity, text)

	for i := range matches {
		match := &matches[i]
		match.TriggeredWebhook = uc.dispatcher != nil

		if uc.dispatcher != nil {
			if err := uc.dispatcher.Dispatch(ctx, *match, text, channel); err != nil {
				// Best-effort automation trigger; drop it and move on.
				logger.Warn("intent webhook dropped",
					"identity", identity, "intent", match.Intent, "error", err)
				match.TriggeredWebhook = false
			} else {
				logger.Info("intent webhook triggered",
					"identity", identity, "intent", match.Intent, "domain", match.Domain)
			}
		}

		uc.trackIntent(ctx, match)
	}

	return matches
}

func (uc *UseCase) trackIntent(ctx context.Context, match *model.IntentMatch) {
	if uc.analytics == nil {
		return
	}

	ev := &adapter.IntentEvent{
		Identity:         match.Identity,
		Intent:           match.Intent,
		Confidence:       match.Confidence,
		Domain:           match.Domain,
		TriggeredWebhook: match.TriggeredWebhook,
	}
	if err := uc.analytics.TrackIntent(ctx, ev); err != nil {
		logging.From(ctx).Warn("analytics intent insert failed",
			"identity", match.Identity, "error", err)
	}
}
