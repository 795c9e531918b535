package intent

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/vervet/pkg/adapter"
	"github.com/m-mizutani/vervet/pkg/model"
	"github.com/m-mizutani/vervet/pkg/utils/logging"
)

// Classifier detects intents in user text with a hybrid strategy: an exact
// keyword stage, then a semantic stage comparing one embedding of the text
// against cached exemplar vectors. The semantic stage only runs for intents
// the keyword stage missed, and any embedding failure degrades the turn to
// keyword-only.
type Classifier struct {
	llm adapter.Gemini // nil disables the semantic stage

	mu        sync.Mutex
	exemplars map[string]map[string][]float32 // domain key -> intent -> centroid
}

// NewClassifier creates a new hybrid intent classifier. Passing a nil
// adapter yields a keyword-only classifier.
func NewClassifier(llm adapter.Gemini) *Classifier {
	return &Classifier{
		llm:       llm,
		exemplars: make(map[string]map[string][]float32),
	}
}

// Classify returns all intents detected in text for the domain. Keyword hits
// carry confidence 1.0; semantic hits carry their cosine similarity.
func (c *Classifier) Classify(ctx context.Context, profile *model.DomainProfile, identity model.Identity, text string) []model.IntentMatch {
	lowered := strings.ToLower(text)

	var matches []model.IntentMatch
	matched := make(map[string]bool)

	for name, def := range profile.Intents {
		for _, keyword := range def.Keywords {
			if strings.Contains(lowered, keyword) {
				matches = append(matches, model.IntentMatch{
					Identity:    identity,
					Intent:      name,
					Confidence:  1.0,
					Domain:      profile.Key,
					WebhookPath: def.WebhookPath,
				})
				matched[name] = true
				break
			}
		}
	}

	matches = append(matches, c.classifySemantic(ctx, profile, identity, lowered, matched)...)

	sort.Slice(matches, func(i, j int) bool { return matches[i].Intent < matches[j].Intent })
	return matches
}

func (c *Classifier) classifySemantic(ctx context.Context, profile *model.DomainProfile, identity model.Identity, text string, matched map[string]bool) []model.IntentMatch {
	if c.llm == nil {
		return nil
	}

	// Intents already hit by a keyword skip the semantic stage, so at most
	// one embedding call happens per turn and only when needed.
	remaining := make(map[string]*model.IntentDefinition)
	for name, def := range profile.Intents {
		if !matched[name] && len(def.Examples) > 0 {
			remaining[name] = def
		}
	}
	if len(remaining) == 0 {
		return nil
	}

	exemplars, err := c.domainExemplars(ctx, profile)
	if err != nil {
		logging.From(ctx).Warn("intent exemplars unavailable, keyword-only classification",
			"domain", profile.Key, "error", err)
		return nil
	}

	vectors, err := c.llm.Embeddings(ctx, []string{text})
	if err != nil || len(vectors) == 0 {
		logging.From(ctx).Warn("message embedding failed, keyword-only classification",
			"domain", profile.Key, "error", err)
		return nil
	}
	message := vectors[0]

	var matches []model.IntentMatch
	for name, def := range remaining {
		centroid, ok := exemplars[name]
		if !ok {
			continue
		}

		similarity := cosineSimilarity(message, centroid)
		if similarity >= def.Threshold {
			matches = append(matches, model.IntentMatch{
				Identity:    identity,
				Intent:      name,
				Confidence:  similarity,
				Domain:      profile.Key,
				WebhookPath: def.WebhookPath,
			})
		}
	}
	return matches
}

// domainExemplars returns the cached per-intent centroid vectors for a
// domain, computing them on first use. Profiles are immutable after load, so
// a computed set never goes stale.
func (c *Classifier) domainExemplars(ctx context.Context, profile *model.DomainProfile) (map[string][]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cached, ok := c.exemplars[profile.Key]; ok {
		return cached, nil
	}

	computed := make(map[string][]float32)
	for name, def := range profile.Intents {
		if len(def.Examples) == 0 {
			continue
		}

		vectors, err := c.llm.Embeddings(ctx, def.Examples)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to embed intent examples",
				goerr.V("domain", profile.Key), goerr.V("intent", name))
		}

		computed[name] = meanVector(vectors)
	}

	c.exemplars[profile.Key] = computed
	return computed, nil
}

func meanVector(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}

	mean := make([]float32, len(vectors[0]))
	for _, vec := range vectors {
		for i := range mean {
			mean[i] += vec[i]
		}
	}
	for i := range mean {
		mean[i] /= float32(len(vectors))
	}
	return mean
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
