package model

import (
	"os"

	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"
)

// IntentDefinition configures one detectable intent for a domain. Keywords
// drive the exact-match stage; Examples, when present, are embedded once and
// averaged into an exemplar vector for the semantic stage.
type IntentDefinition struct {
	Keywords    []string `yaml:"keywords"`
	Examples    []string `yaml:"examples"`
	WebhookPath string   `yaml:"webhook"`
	Threshold   float64  `yaml:"threshold"`
}

// DomainProfile is the read-only configuration for one vertical: which
// system prompt and greeting to use and which intents to detect. Profiles
// are resolved once at startup and passed explicitly into every request
// path; they are never mutated afterwards.
type DomainProfile struct {
	Key          string                       `yaml:"-"`
	SystemPrompt string                       `yaml:"system_prompt"`
	Greeting     string                       `yaml:"greeting"`
	Intents      map[string]*IntentDefinition `yaml:"intents"`
}

// LoadProfiles returns the built-in domain profiles, overlaid with profiles
// from the given YAML file if path is non-empty. A YAML entry with the same
// key replaces the built-in profile entirely.
func LoadProfiles(path string) (map[string]*DomainProfile, error) {
	profiles := make(map[string]*DomainProfile, len(builtinProfiles))
	for key, p := range builtinProfiles {
		profiles[key] = p
	}

	if path == "" {
		return profiles, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read domain profiles", goerr.V("path", path))
	}

	var loaded map[string]*DomainProfile
	if err := yaml.Unmarshal(raw, &loaded); err != nil {
		return nil, goerr.Wrap(err, "failed to parse domain profiles", goerr.V("path", path))
	}

	for key, p := range loaded {
		p.Key = key
		profiles[key] = p
	}

	return profiles, nil
}

const defaultThreshold = 0.75

var builtinProfiles = map[string]*DomainProfile{
	"generic": {
		Key: "generic",
		SystemPrompt: "You are a professional customer support agent for voice and chat. " +
			"Keep responses conversational and under 2-3 sentences. Avoid markdown " +
			"formatting since responses may be read aloud on voice calls. You remember " +
			"the full conversation history across all channels.",
		Greeting: "Hi! How can I help you today?",
		Intents: map[string]*IntentDefinition{
			"escalate": {
				Keywords:    []string{"manager", "human", "supervisor", "complaint", "speak to someone", "real person"},
				Examples:    []string{"I want to speak to a manager", "Let me talk to a human", "Connect me to a real person", "I need a supervisor"},
				WebhookPath: "/escalate",
				Threshold:   defaultThreshold,
			},
			"book_appointment": {
				Keywords:    []string{"book", "appointment", "schedule", "available", "calendar", "meeting", "consultation"},
				Examples:    []string{"I want to schedule a meeting", "Book an appointment", "When are you available", "Can we set up a call"},
				WebhookPath: "/book-appointment",
				Threshold:   0.76,
			},
			"contact_info": {
				Keywords:    []string{"call me back", "my number is", "my email is", "contact me", "reach me"},
				Examples:    []string{"Here's my phone number", "You can reach me at", "Call me back at", "I'll give you my details"},
				WebhookPath: "/contact",
				Threshold:   0.74,
			},
		},
	},
	"ecommerce": {
		Key: "ecommerce",
		SystemPrompt: "You are a friendly e-commerce customer support agent. Keep responses " +
			"under 2 sentences. Be helpful and solution-oriented. Help with orders, " +
			"shipping, returns, refunds, product questions, and account issues.",
		Greeting: "Hi there! How can I help with your order today?",
		Intents: map[string]*IntentDefinition{
			"escalate": {
				Keywords:    []string{"manager", "human", "supervisor", "complaint", "speak to someone"},
				Examples:    []string{"I want to speak to a manager", "Let me talk to a human", "I want to file a complaint"},
				WebhookPath: "/escalate",
				Threshold:   defaultThreshold,
			},
			"order_status": {
				Keywords:    []string{"where is my order", "track", "shipping", "delivery", "package"},
				Examples:    []string{"Where is my order", "Track my package", "When will my order arrive", "Has my order shipped yet"},
				WebhookPath: "/order-status",
				Threshold:   0.78,
			},
			"return": {
				Keywords:    []string{"return", "refund", "exchange", "send back", "money back"},
				Examples:    []string{"I want to return this item", "How do I get a refund", "This product is defective, I want a refund"},
				WebhookPath: "/return-request",
				Threshold:   0.77,
			},
			"cancel": {
				Keywords:    []string{"cancel", "don't want", "stop order"},
				Examples:    []string{"Cancel my order", "I changed my mind about my purchase", "Please stop my order"},
				WebhookPath: "/cancel-order",
				Threshold:   0.78,
			},
		},
	},
	"healthcare": {
		Key: "healthcare",
		SystemPrompt: "You are a professional healthcare scheduling assistant. Keep responses " +
			"under 2 sentences. Be empathetic and clear. Help with appointments, " +
			"scheduling, prescription refills, and general inquiries. Never provide " +
			"medical advice - always direct to healthcare providers.",
		Greeting: "Hello, thank you for calling. How may I assist you today?",
		Intents: map[string]*IntentDefinition{
			"escalate": {
				Keywords:    []string{"doctor", "nurse", "emergency", "urgent", "speak to someone"},
				Examples:    []string{"I need to speak to a doctor", "This is an emergency", "Connect me to a nurse"},
				WebhookPath: "/escalate",
				Threshold:   defaultThreshold,
			},
			"book_appointment": {
				Keywords:    []string{"appointment", "schedule", "book", "available", "see doctor", "visit", "checkup"},
				Examples:    []string{"I need to schedule an appointment", "Book a visit with the doctor", "Make an appointment for a checkup"},
				WebhookPath: "/book-appointment",
				Threshold:   0.76,
			},
			"prescription": {
				Keywords:    []string{"prescription", "refill", "medication", "medicine", "pharmacy"},
				Examples:    []string{"I need a prescription refill", "Can I get my medication renewed", "My pills are running out"},
				WebhookPath: "/prescription",
				Threshold:   0.78,
			},
			"results": {
				Keywords:    []string{"results", "test results", "lab", "report"},
				Examples:    []string{"What are my test results", "Did my lab work come back", "Are my results ready"},
				WebhookPath: "/results",
				Threshold:   0.77,
			},
		},
	},
	"fintech": {
		Key: "fintech",
		SystemPrompt: "You are a professional banking support assistant. Keep responses under " +
			"2 sentences. Be secure-minded and precise. Help with account inquiries, " +
			"transactions, card issues, and payments. Never share or ask for full " +
			"account numbers or passwords.",
		Greeting: "Welcome to support. How can I assist you with your account today?",
		Intents: map[string]*IntentDefinition{
			"escalate": {
				Keywords:    []string{"manager", "human", "supervisor", "complaint", "fraud", "unauthorized"},
				Examples:    []string{"This is fraud on my account", "I need to report unauthorized access", "I want to file a complaint"},
				WebhookPath: "/escalate",
				Threshold:   defaultThreshold,
			},
			"balance": {
				Keywords:    []string{"balance", "how much", "available", "account balance"},
				Examples:    []string{"What's my account balance", "How much money do I have", "Check my available funds"},
				WebhookPath: "/balance",
				Threshold:   0.78,
			},
			"transaction": {
				Keywords:    []string{"transaction", "payment", "transfer", "sent", "received"},
				Examples:    []string{"Show me my recent transactions", "I see a charge I don't recognize", "I didn't make this payment"},
				WebhookPath: "/transaction",
				Threshold:   0.77,
			},
			"card": {
				Keywords:    []string{"card", "lost card", "stolen", "block card", "new card"},
				Examples:    []string{"I lost my card", "Block my card immediately", "Freeze my debit card"},
				WebhookPath: "/card-issue",
				Threshold:   0.78,
			},
		},
	},
	"realestate": {
		Key: "realestate",
		SystemPrompt: "You are a professional real estate assistant. Keep responses under 2 " +
			"sentences. Help with property inquiries, scheduling viewings, pricing " +
			"questions, and neighborhood info.",
		Greeting: "Hi! Are you looking to buy, sell, or rent today?",
		Intents: map[string]*IntentDefinition{
			"escalate": {
				Keywords:    []string{"manager", "human", "agent", "speak to someone"},
				Examples:    []string{"I want to speak to an agent", "I need to talk to someone in person"},
				WebhookPath: "/escalate",
				Threshold:   defaultThreshold,
			},
			"book_appointment": {
				Keywords:    []string{"view", "visit", "tour", "showing", "schedule", "book", "appointment"},
				Examples:    []string{"I want to schedule a viewing", "Book a tour of the house", "Schedule a showing please"},
				WebhookPath: "/book-appointment",
				Threshold:   0.76,
			},
			"pricing": {
				Keywords:    []string{"price", "cost", "how much", "afford", "mortgage", "financing"},
				Examples:    []string{"What's the price of this property", "What are the mortgage options", "Can I afford this house"},
				WebhookPath: "/pricing-inquiry",
				Threshold:   0.77,
			},
			"availability": {
				Keywords:    []string{"available", "still available", "sold", "rent", "lease"},
				Examples:    []string{"Is this property still available", "Is it still on the market", "Has this been sold"},
				WebhookPath: "/availability",
				Threshold:   0.78,
			},
		},
	},
	"igaming": {
		Key: "igaming",
		SystemPrompt: "You are a professional customer support agent. Keep responses under 2 " +
			"sentences. Be warm, professional, and concise.",
		Greeting: "Hello! Welcome to support. How can I help you today?",
		Intents: map[string]*IntentDefinition{
			"escalate": {
				Keywords:    []string{"manager", "human", "supervisor", "complaint", "speak to someone", "real person"},
				Examples:    []string{"I want to speak to a manager", "I demand to speak with someone in charge"},
				WebhookPath: "/escalate",
				Threshold:   defaultThreshold,
			},
			"withdrawal": {
				Keywords:    []string{"withdraw", "withdrawal", "cash out", "payout", "my money"},
				Examples:    []string{"I want to withdraw my money", "When will I get my payout", "How long does withdrawal take"},
				WebhookPath: "/withdrawal-status",
				Threshold:   0.78,
			},
			"bonus": {
				Keywords:    []string{"bonus", "promotion", "free spins", "offer", "reward"},
				Examples:    []string{"What bonuses do I have", "Are there any free spins available", "My bonus didn't apply"},
				WebhookPath: "/bonus-status",
				Threshold:   0.76,
			},
			"verification": {
				Keywords:    []string{"verify", "verification", "kyc", "documents", "identity"},
				Examples:    []string{"How do I verify my account", "My KYC is taking too long", "What documents do you need"},
				WebhookPath: "/verification-status",
				Threshold:   0.77,
			},
		},
	},
}
