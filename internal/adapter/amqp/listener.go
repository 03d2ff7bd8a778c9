// Package amqp consumes rule-change messages from a RabbitMQ topic
// exchange and applies them to the local rule cache. It complements the
// per-tenant realtime channels: nodes without a live channel for a
// tenant still converge through the broker fan-out.
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/slotgrid/bookcore/internal/cache"
	"github.com/slotgrid/bookcore/internal/canon"
)

// message is the broker wire format. Type "rule_update" carries a full
// canonical rule document; "invalidate" drops the tenant's cache entry.
type message struct {
	Type     string          `json:"type"`
	TenantID string          `json:"tenant_id"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Listener consumes one queue bound to the rules exchange.
type Listener struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	cache   *cache.RuleCache
	log     *slog.Logger

	exchange string
	queue    string
}

// NewListener dials the broker and declares the exchange, queue and
// binding. The queue receives every rules.* routing key.
func NewListener(url, exchange, queue string, ruleCache *cache.RuleCache, log *slog.Logger) (*Listener, error) {
	if log == nil {
		log = slog.Default()
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dialing broker: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}

	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declaring exchange %q: %w", exchange, err)
	}

	q, err := channel.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declaring queue %q: %w", queue, err)
	}

	if err := channel.QueueBind(q.Name, "rules.#", exchange, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("binding queue %q: %w", q.Name, err)
	}

	return &Listener{
		conn:     conn,
		channel:  channel,
		cache:    ruleCache,
		log:      log,
		exchange: exchange,
		queue:    q.Name,
	}, nil
}

// Start begins consuming until ctx is cancelled or the channel closes.
func (l *Listener) Start(ctx context.Context) error {
	deliveries, err := l.channel.Consume(l.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("starting consumer on %q: %w", l.queue, err)
	}

	l.log.Info("amqp listener started", "exchange", l.exchange, "queue", l.queue)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					l.log.Warn("amqp delivery channel closed", "queue", l.queue)
					return
				}
				if err := applyMessage(l.cache, l.log, d.Body); err != nil {
					l.log.Warn("dropping undecodable broker message", "queue", l.queue, "error", err)
					d.Nack(false, false)
					continue
				}
				d.Ack(false)
			}
		}
	}()

	return nil
}

// Close shuts down the channel and connection.
func (l *Listener) Close() error {
	if err := l.channel.Close(); err != nil {
		l.conn.Close()
		return fmt.Errorf("closing channel: %w", err)
	}
	return l.conn.Close()
}

// applyMessage decodes one broker message and applies it to the cache.
// Stale rule updates are discarded by the cache's version gate.
func applyMessage(c *cache.RuleCache, log *slog.Logger, body []byte) error {
	var msg message
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("decoding broker message: %w", err)
	}

	switch msg.Type {
	case "rule_update":
		rs, err := canon.DecodeRuleSet(msg.Payload)
		if err != nil {
			return fmt.Errorf("decoding rule payload: %w", err)
		}
		tenantID := msg.TenantID
		if tenantID == "" {
			tenantID = rs.TenantID
		}
		if !c.SetIfNewer(tenantID, rs) {
			log.Debug("discarding stale broker rule update",
				"tenant_id", tenantID,
				"version", rs.Version,
			)
		}
		return nil

	case "invalidate":
		if msg.TenantID == "" {
			return fmt.Errorf("invalidate message without tenant_id")
		}
		c.Invalidate(msg.TenantID)
		return nil

	default:
		return fmt.Errorf("unknown broker message type %q", msg.Type)
	}
}
