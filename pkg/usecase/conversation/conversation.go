package conversation

import (
	"github.com/m-mizutani/vervet/pkg/adapter"
	"github.com/m-mizutani/vervet/pkg/repository"
)

const (
	defaultSummarizeAfter = 20
	defaultKeepRecent     = 5
	defaultHardCap        = 40
)

// UseCase drives the shared conversation pipeline for both channels:
// context assembly, summarization, generation and history writes.
type UseCase struct {
	repo      repository.Repository
	llm       adapter.Gemini
	analytics adapter.Analytics

	summarizeAfter int
	keepRecent     int
	hardCap        int
}

// Option is a functional option for UseCase
type Option func(*UseCase)

// WithSummarizeAfter sets how many unsummarized messages trigger
// summarization during context building
func WithSummarizeAfter(n int) Option {
	return func(uc *UseCase) {
		uc.summarizeAfter = n
	}
}

// WithKeepRecent sets how many recent messages stay out of the summary
func WithKeepRecent(n int) Option {
	return func(uc *UseCase) {
		uc.keepRecent = n
	}
}

// WithHardCap bounds the raw history used when summarization is unavailable
func WithHardCap(n int) Option {
	return func(uc *UseCase) {
		uc.hardCap = n
	}
}

// WithAnalytics attaches a best-effort analytics sink
func WithAnalytics(a adapter.Analytics) Option {
	return func(uc *UseCase) {
		uc.analytics = a
	}
}

// New creates a new conversation UseCase instance
func New(repo repository.Repository, llm adapter.Gemini, opts ...Option) *UseCase {
	uc := &UseCase{
		repo:           repo,
		llm:            llm,
		summarizeAfter: defaultSummarizeAfter,
		keepRecent:     defaultKeepRecent,
		hardCap:        defaultHardCap,
	}

	for _, opt := range opts {
		opt(uc)
	}

	return uc
}
