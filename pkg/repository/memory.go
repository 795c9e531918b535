package repository

import (
	"context"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/vervet/pkg/model"
)

// DefaultMappingTTL is the staleness window for orphaned call mappings. A
// mapping this old without a teardown means the owning process died; treat
// it as gone so a recycled call_id can never resolve to a stale identity.
const DefaultMappingTTL = 24 * time.Hour

type callMapping struct {
	identity  model.Identity
	createdAt time.Time
}

// Memory is an in-process Repository for single-instance deployments and
// tests. It provides the same ordering and staleness semantics as the
// Firestore implementation, so choosing between them is configuration, not
// a code fork.
type Memory struct {
	mu         sync.Mutex
	messages   map[model.Identity][]*model.Message
	nextSeq    map[model.Identity]int64
	summaries  map[model.Identity]*model.ConversationSummary
	mappings   map[string]callMapping
	mappingTTL time.Duration
	now        func() time.Time
}

// MemoryOption is a functional option for Memory
type MemoryOption func(*Memory)

// WithMappingTTL overrides the call mapping staleness window
func WithMappingTTL(ttl time.Duration) MemoryOption {
	return func(m *Memory) {
		m.mappingTTL = ttl
	}
}

// WithClock overrides the time source, used by tests
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory creates a new in-memory repository
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		messages:   make(map[model.Identity][]*model.Message),
		nextSeq:    make(map[model.Identity]int64),
		summaries:  make(map[model.Identity]*model.ConversationSummary),
		mappings:   make(map[string]callMapping),
		mappingTTL: DefaultMappingTTL,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

func (m *Memory) PutMessage(ctx context.Context, msg *model.Message) (model.MessageID, error) {
	if msg.Identity == "" {
		return "", goerr.Wrap(model.ErrInvalidInput, "message identity is empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSeq[msg.Identity]++

	stored := *msg
	stored.ID = model.NewMessageID()
	stored.Seq = m.nextSeq[msg.Identity]
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = m.now()
	}

	m.messages[msg.Identity] = append(m.messages[msg.Identity], &stored)
	return stored.ID, nil
}

func (m *Memory) RecentMessages(ctx context.Context, identity model.Identity, limit int) ([]*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := m.messages[identity]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	out := make([]*model.Message, len(msgs))
	for i, msg := range msgs {
		copied := *msg
		out[i] = &copied
	}
	return out, nil
}

func (m *Memory) GetSummary(ctx context.Context, identity model.Identity) (*model.ConversationSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	summary, ok := m.summaries[identity]
	if !ok {
		return nil, goerr.Wrap(model.ErrNotFound, "summary not found", goerr.V("identity", identity))
	}

	copied := *summary
	return &copied, nil
}

func (m *Memory) PutSummary(ctx context.Context, summary *model.ConversationSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.summaries[summary.Identity]; ok && prev.CoversUpTo > summary.CoversUpTo {
		// Coverage never regresses; a lagging writer loses.
		return nil
	}

	copied := *summary
	if copied.UpdatedAt.IsZero() {
		copied.UpdatedAt = m.now()
	}
	m.summaries[summary.Identity] = &copied
	return nil
}

func (m *Memory) PutCallMapping(ctx context.Context, callID string, identity model.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.mappings[callID] = callMapping{identity: identity, createdAt: m.now()}
	return nil
}

func (m *Memory) GetCallMapping(ctx context.Context, callID string) (model.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mapping, ok := m.mappings[callID]
	if !ok {
		return "", goerr.Wrap(model.ErrNotFound, "call mapping not found", goerr.V("call_id", callID))
	}

	if m.now().Sub(mapping.createdAt) > m.mappingTTL {
		delete(m.mappings, callID)
		return "", goerr.Wrap(model.ErrNotFound, "call mapping expired", goerr.V("call_id", callID))
	}

	return mapping.identity, nil
}

func (m *Memory) DeleteCallMapping(ctx context.Context, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.mappings, callID)
	return nil
}
