package adapter

import (
	"context"
	"iter"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/vervet/pkg/model"
	"google.golang.org/genai"
)

// Gemini is the LLM backend used for generation, summarization and
// embeddings. GenerateContentStream yields text fragments lazily; canceling
// the context or breaking out of the range stops consumption and releases
// the provider stream.
type Gemini interface {
	GenerateContent(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	GenerateContentStream(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[string, error]
	GenerateSummary(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	Embeddings(ctx context.Context, texts []string) ([][]float32, error)
}

type GeminiClient struct {
	client          *genai.Client
	generativeModel string
	summaryModel    string
	embeddingModel  string
}

type GeminiOption func(*GeminiClient)

func WithGenerativeModel(model string) GeminiOption {
	return func(g *GeminiClient) {
		g.generativeModel = model
	}
}

// WithSummaryModel sets the smaller model used for history summarization
func WithSummaryModel(model string) GeminiOption {
	return func(g *GeminiClient) {
		g.summaryModel = model
	}
}

func WithEmbeddingModel(model string) GeminiOption {
	return func(g *GeminiClient) {
		g.embeddingModel = model
	}
}

func NewGemini(ctx context.Context, projectID, location string, opts ...GeminiOption) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  projectID,
		Location: location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create genai client")
	}

	g := &GeminiClient{
		client:          client,
		generativeModel: "gemini-2.5-flash",
		summaryModel:    "gemini-2.5-flash-lite",
		embeddingModel:  "gemini-embedding-001",
	}

	for _, opt := range opts {
		opt(g)
	}

	return g, nil
}

func (g *GeminiClient) GenerateContent(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.generativeModel, contents, config)
	if err != nil {
		return nil, goerr.Wrap(model.ErrUpstream, "failed to generate content", goerr.V("cause", err.Error()))
	}
	return resp, nil
}

func (g *GeminiClient) GenerateSummary(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.summaryModel, contents, config)
	if err != nil {
		return nil, goerr.Wrap(model.ErrUpstream, "failed to generate summary", goerr.V("cause", err.Error()))
	}
	return resp, nil
}

func (g *GeminiClient) GenerateContentStream(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for resp, err := range g.client.Models.GenerateContentStream(ctx, g.generativeModel, contents, config) {
			if err != nil {
				yield("", goerr.Wrap(model.ErrUpstream, "failed to stream content", goerr.V("cause", err.Error())))
				return
			}
			if ctx.Err() != nil {
				return
			}

			fragment := ResponseText(resp)
			if fragment == "" {
				continue
			}
			if !yield(fragment, nil) {
				return
			}
		}
	}
}

func (g *GeminiClient) Embeddings(ctx context.Context, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, 0, len(texts))
	for _, text := range texts {
		contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))
	}

	resp, err := g.client.Models.EmbedContent(ctx, g.embeddingModel, contents, &genai.EmbedContentConfig{})
	if err != nil {
		return nil, goerr.Wrap(model.ErrUpstream, "failed to embed content", goerr.V("cause", err.Error()))
	}

	if len(resp.Embeddings) != len(texts) {
		return nil, goerr.Wrap(model.ErrUpstream, "embedding count mismatch",
			goerr.V("want", len(texts)), goerr.V("got", len(resp.Embeddings)))
	}

	vectors := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		vectors[i] = emb.Values
	}
	return vectors, nil
}

// ResponseText concatenates the text parts of the first candidate
func ResponseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}

	var text string
	for _, part := range resp.Candidates[0].Content.Parts {
		text += part.Text
	}
	return text
}
