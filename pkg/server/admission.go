package server

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/vervet/pkg/model"
)

const (
	// DefaultRateLimit and DefaultRateWindow bound accepted requests per
	// origin; chat and call registration share one budget.
	DefaultRateLimit  = 30
	DefaultRateWindow = 60 * time.Second

	// MaxMessageLength bounds inbound user text
	MaxMessageLength = 2000

	// maxEntries bounds the in-memory counter map (single-process only)
	maxEntries = 10_000
)

// Limiter is a per-origin sliding-window request counter. Counts are
// approximate under extreme concurrency, which the admission policy
// tolerates; the map is bounded and idle origins are pruned on touch.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	entries map[string][]time.Time
	now     func() time.Time
}

// LimiterOption is a functional option for Limiter
type LimiterOption func(*Limiter)

// WithLimiterClock overrides the time source, used by tests
func WithLimiterClock(now func() time.Time) LimiterOption {
	return func(l *Limiter) {
		l.now = now
	}
}

// NewLimiter creates a sliding-window limiter allowing limit requests per
// window for each key
func NewLimiter(limit int, window time.Duration, opts ...LimiterOption) *Limiter {
	l := &Limiter{
		limit:   limit,
		window:  window,
		entries: make(map[string][]time.Time),
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Allow reports whether one more request from key fits the window, counting
// it if so
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	windowStart := now.Add(-l.window)

	kept := l.entries[key][:0]
	for _, stamp := range l.entries[key] {
		if stamp.After(windowStart) {
			kept = append(kept, stamp)
		}
	}

	if len(kept) >= l.limit {
		l.entries[key] = kept
		return false
	}

	l.entries[key] = append(kept, now)

	if len(l.entries) > maxEntries {
		l.prune(windowStart)
	}
	return true
}

// prune drops origins with no activity inside the window. Called with the
// lock held.
func (l *Limiter) prune(windowStart time.Time) {
	for key, stamps := range l.entries {
		if len(stamps) == 0 || !stamps[len(stamps)-1].After(windowStart) {
			delete(l.entries, key)
		}
	}
}

var identityPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,100}$`)

// ValidateIdentity rejects identities outside the safe alphanumeric form
// before any downstream work sees them
func ValidateIdentity(identity string) error {
	if identity == "" {
		return goerr.Wrap(model.ErrInvalidInput, "identity is required")
	}
	if !identityPattern.MatchString(identity) {
		return goerr.Wrap(model.ErrInvalidInput, "identity contains invalid characters")
	}
	return nil
}

// ValidateMessage rejects empty or oversized message text
func ValidateMessage(message string) error {
	if message == "" {
		return goerr.Wrap(model.ErrInvalidInput, "message is required")
	}
	if len(message) > MaxMessageLength {
		return goerr.Wrap(model.ErrInvalidInput, "message exceeds maximum length",
			goerr.V("max", MaxMessageLength), goerr.V("got", len(message)))
	}
	return nil
}

// SanitizeText strips control characters (keeping newline and tab) and trims
// surrounding whitespace. User text stays untrusted for rendering purposes;
// this only neutralizes characters that corrupt logs and prompts.
func SanitizeText(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r < 0x20 && r != '\n' && r != '\t' {
			continue
		}
		if r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}
