package river

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/riverqueue/river"

	"github.com/slotgrid/bookcore/internal/canon"
	"github.com/slotgrid/bookcore/internal/domain"
)

// Compile-time check: Publisher implements domain.ChangePublisher.
var _ domain.ChangePublisher = (*Publisher)(nil)

// RuleChangeArgs carries a persisted rule change through River's job
// queue. It embeds the full canonical rule document at publish time, so
// the worker never needs to re-read the store.
type RuleChangeArgs struct {
	TenantID string          `json:"tenant_id"`
	Version  int64           `json:"version"`
	Payload  json.RawMessage `json:"payload"`
}

// Kind returns the unique job type identifier used by River's job routing.
func (RuleChangeArgs) Kind() string { return "rules.changed" }

// Client is the River client type parameterized for SQLite (*sql.Tx).
type Client = river.Client[*sql.Tx]

// Publisher implements domain.ChangePublisher by enqueuing River jobs.
// Delivery to downstream consumers happens asynchronously in the worker,
// so a slow broker never blocks the update path.
type Publisher struct {
	client *Client
}

// NewPublisher creates a publisher backed by the given River client.
func NewPublisher(client *Client) *Publisher {
	return &Publisher{client: client}
}

// PublishRuleChange enqueues the changed rule set as an async job.
func (p *Publisher) PublishRuleChange(ctx context.Context, rs domain.RuleSet) error {
	payload, err := canon.EncodeRuleSet(rs)
	if err != nil {
		return fmt.Errorf("encoding rule change: %w", err)
	}

	_, err = p.client.Insert(ctx, RuleChangeArgs{
		TenantID: rs.TenantID,
		Version:  rs.Version,
		Payload:  payload,
	}, nil)
	if err != nil {
		return fmt.Errorf("enqueuing rule change job: %w", err)
	}
	return nil
}
