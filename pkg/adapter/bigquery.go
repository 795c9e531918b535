package adapter

import (
	"context"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/vervet/pkg/model"
)

// TurnEvent is one analytics row per conversational turn
type TurnEvent struct {
	Identity       model.Identity `bigquery:"identity"`
	Channel        model.Channel  `bigquery:"channel"`
	Role           model.Role     `bigquery:"role"`
	Domain         string         `bigquery:"domain"`
	ResponseTimeMS int64          `bigquery:"response_time_ms"`
	CreatedAt      time.Time      `bigquery:"created_at"`
}

// IntentEvent is one analytics row per detected intent
type IntentEvent struct {
	Identity         model.Identity `bigquery:"identity"`
	Intent           string         `bigquery:"intent"`
	Confidence       float64        `bigquery:"confidence"`
	Domain           string         `bigquery:"domain"`
	TriggeredWebhook bool           `bigquery:"triggered_webhook"`
	CreatedAt        time.Time      `bigquery:"created_at"`
}

// Analytics is the best-effort event sink for dashboard reporting. Failures
// degrade to a log line; they never affect a conversational turn.
// Aggregation over the collected rows happens outside this process.
type Analytics interface {
	TrackTurn(ctx context.Context, ev *TurnEvent) error
	TrackIntent(ctx context.Context, ev *IntentEvent) error
}

const (
	tableTurns   = "turns"
	tableIntents = "intents"
)

// bigQueryAnalytics implements Analytics using BigQuery streaming inserts
type bigQueryAnalytics struct {
	turns   *bigquery.Inserter
	intents *bigquery.Inserter
}

// NewBigQuery creates an Analytics sink backed by a BigQuery dataset with
// "turns" and "intents" tables
func NewBigQuery(ctx context.Context, projectID, dataset string) (Analytics, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create bigquery client")
	}

	ds := client.Dataset(dataset)
	return &bigQueryAnalytics{
		turns:   ds.Table(tableTurns).Inserter(),
		intents: ds.Table(tableIntents).Inserter(),
	}, nil
}

func (b *bigQueryAnalytics) TrackTurn(ctx context.Context, ev *TurnEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	if err := b.turns.Put(ctx, ev); err != nil {
		return goerr.Wrap(err, "failed to insert turn event")
	}
	return nil
}

func (b *bigQueryAnalytics) TrackIntent(ctx context.Context, ev *IntentEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	if err := b.intents.Put(ctx, ev); err != nil {
		return goerr.Wrap(err, "failed to insert intent event")
	}
	return nil
}
