package cli

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/vervet/pkg/adapter"
	"github.com/m-mizutani/vervet/pkg/model"
	"github.com/m-mizutani/vervet/pkg/repository"
	"github.com/m-mizutani/vervet/pkg/server"
	"github.com/m-mizutani/vervet/pkg/usecase/conversation"
	"github.com/m-mizutani/vervet/pkg/usecase/intent"
	"github.com/m-mizutani/vervet/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

// config holds configuration values
type config struct {
	logLevel string

	// Repository
	project  string
	database string

	// Adapters
	geminiProject   string
	geminiLocation  string
	generativeModel string
	summaryModel    string
	embeddingModel  string

	// Domain profiles
	domainConfig  string
	defaultDomain string

	// Integrations
	webhookBase     string
	bucket          string
	bigQueryDataset string

	// Admission and session tuning
	rateLimit  int64
	rateWindow time.Duration
	mappingTTL time.Duration
}

// globalFlags returns common flags used across commands with destination config
func globalFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("VERVET_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "Google Cloud project ID for Firestore (empty runs in-memory)",
			Sources:     cli.EnvVars("GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.project,
		},
		&cli.StringFlag{
			Name:        "database",
			Aliases:     []string{"d"},
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("FIRESTORE_DATABASE_ID"),
			Destination: &cfg.database,
		},
		&cli.StringFlag{
			Name:        "domains",
			Usage:       "Path to YAML file with domain profile overrides",
			Sources:     cli.EnvVars("VERVET_DOMAIN_CONFIG"),
			Destination: &cfg.domainConfig,
		},
		&cli.StringFlag{
			Name:        "default-domain",
			Usage:       "Domain profile used when a request names none",
			Value:       "generic",
			Sources:     cli.EnvVars("VERVET_DEFAULT_DOMAIN"),
			Destination: &cfg.defaultDomain,
		},
		&cli.DurationFlag{
			Name:        "call-mapping-ttl",
			Usage:       "Staleness window for unregistered call mappings",
			Value:       repository.DefaultMappingTTL,
			Sources:     cli.EnvVars("VERVET_CALL_MAPPING_TTL"),
			Destination: &cfg.mappingTTL,
		},
	}
}

// llmFlags returns flags for LLM-related configuration with destination config
func llmFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini",
			Sources:     cli.EnvVars("GEMINI_PROJECT_ID"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini",
			Value:       "us-central1",
			Sources:     cli.EnvVars("GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
		&cli.StringFlag{
			Name:        "generative-model",
			Usage:       "Gemini model for conversation turns",
			Sources:     cli.EnvVars("VERVET_GENERATIVE_MODEL"),
			Destination: &cfg.generativeModel,
		},
		&cli.StringFlag{
			Name:        "summary-model",
			Usage:       "Gemini model for history summarization",
			Sources:     cli.EnvVars("VERVET_SUMMARY_MODEL"),
			Destination: &cfg.summaryModel,
		},
		&cli.StringFlag{
			Name:        "embedding-model",
			Usage:       "Gemini model for intent embeddings",
			Sources:     cli.EnvVars("VERVET_EMBEDDING_MODEL"),
			Destination: &cfg.embeddingModel,
		},
	}
}

// setupLogger applies the configured log level to the process default logger
func (cfg *config) setupLogger() {
	logging.SetDefault(logging.New(cfg.logLevel, nil))
}

// newRepository creates a repository instance; without a project it falls
// back to the in-memory store for local development
func (cfg *config) newRepository(ctx context.Context) (repository.Repository, error) {
	if cfg.project == "" {
		logging.Default().Warn("no project configured, conversation memory is in-memory only")
		var opts []repository.MemoryOption
		if cfg.mappingTTL > 0 {
			opts = append(opts, repository.WithMappingTTL(cfg.mappingTTL))
		}
		return repository.NewMemory(opts...), nil
	}
	if cfg.database == "" {
		return nil, goerr.New("database is required")
	}

	var opts []repository.FirestoreOption
	if cfg.mappingTTL > 0 {
		opts = append(opts, repository.WithFirestoreMappingTTL(cfg.mappingTTL))
	}
	repo, err := repository.New(ctx, cfg.project, cfg.database, opts...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create repository")
	}
	return repo, nil
}

// newGemini creates a new Gemini adapter instance
func (cfg *config) newGemini(ctx context.Context) (adapter.Gemini, error) {
	if cfg.geminiProject == "" {
		return nil, goerr.New("gemini-project is required")
	}
	if cfg.geminiLocation == "" {
		return nil, goerr.New("gemini-location is required")
	}

	var opts []adapter.GeminiOption
	if cfg.generativeModel != "" {
		opts = append(opts, adapter.WithGenerativeModel(cfg.generativeModel))
	}
	if cfg.summaryModel != "" {
		opts = append(opts, adapter.WithSummaryModel(cfg.summaryModel))
	}
	if cfg.embeddingModel != "" {
		opts = append(opts, adapter.WithEmbeddingModel(cfg.embeddingModel))
	}
	return adapter.NewGemini(ctx, cfg.geminiProject, cfg.geminiLocation, opts...)
}

// newStorage creates a transcript archive, or nil when no bucket is set
func (cfg *config) newStorage(ctx context.Context) (adapter.Storage, error) {
	if cfg.bucket == "" {
		return nil, nil
	}

	storage, err := adapter.NewStorage(ctx, cfg.bucket)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage")
	}
	return storage, nil
}

// newAnalytics creates a BigQuery analytics sink, or nil when no dataset is
// set
func (cfg *config) newAnalytics(ctx context.Context) (adapter.Analytics, error) {
	if cfg.bigQueryDataset == "" {
		return nil, nil
	}
	if cfg.project == "" {
		return nil, goerr.New("project is required for analytics")
	}

	analytics, err := adapter.NewBigQuery(ctx, cfg.project, cfg.bigQueryDataset)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create analytics")
	}
	return analytics, nil
}

// loadProfiles resolves built-in and user-supplied domain profiles
func (cfg *config) loadProfiles() (map[string]*model.DomainProfile, error) {
	profiles, err := model.LoadProfiles(cfg.domainConfig)
	if err != nil {
		return nil, err
	}
	if _, ok := profiles[cfg.defaultDomain]; !ok {
		return nil, goerr.New("default domain has no profile",
			goerr.V("domain", cfg.defaultDomain))
	}
	return profiles, nil
}

// newLimiter builds the shared admission limiter from the tuning flags
func (cfg *config) newLimiter() *server.Limiter {
	limit := int(cfg.rateLimit)
	if limit <= 0 {
		limit = server.DefaultRateLimit
	}
	window := cfg.rateWindow
	if window <= 0 {
		window = server.DefaultRateWindow
	}
	return server.NewLimiter(limit, window)
}

// newConversations wires the conversation use case with optional analytics
func (cfg *config) newConversations(repo repository.Repository, llm adapter.Gemini, analytics adapter.Analytics) *conversation.UseCase {
	var opts []conversation.Option
	if analytics != nil {
		opts = append(opts, conversation.WithAnalytics(analytics))
	}
	return conversation.New(repo, llm, opts...)
}

// newIntents wires the intent pipeline; without a webhook base the
// classifier still runs but matches are only logged and tracked
func (cfg *config) newIntents(llm adapter.Gemini, analytics adapter.Analytics) *intent.UseCase {
	var opts []intent.UseCaseOption
	if cfg.webhookBase != "" {
		opts = append(opts, intent.WithDispatcher(intent.NewDispatcher(cfg.webhookBase)))
	}
	if analytics != nil {
		opts = append(opts, intent.WithAnalytics(analytics))
	}
	return intent.New(intent.NewClassifier(llm), opts...)
}
