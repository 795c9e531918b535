package model

// IntentMatch is one detected intent for a single turn. Matches are
// ephemeral: they are produced, dispatched, and optionally tracked for
// analytics, but never persisted by this core.
type IntentMatch struct {
	Identity         Identity
	Intent           string
	Confidence       float64
	Domain           string
	WebhookPath      string
	TriggeredWebhook bool
}
