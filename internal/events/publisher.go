// Package events publishes forecast and market lifecycle events to NATS.
// The publisher is optional: a nil *Publisher is safe to call and does
// nothing, so callers never branch on whether messaging is configured.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/foresight/internal/market"
)

// Subject suffixes under the configured prefix
const (
	SubjectForecastStarted   = "forecast.started"
	SubjectForecastCompleted = "forecast.completed"
	SubjectForecastFailed    = "forecast.failed"
	SubjectTradeExecuted     = "market.trade"
	SubjectRoundCompleted    = "simulation.round"
	SubjectMarketSettled     = "market.settled"
)

// Event is the envelope published on every subject
type Event struct {
	ID        uuid.UUID   `json:"id"`
	SessionID uuid.UUID   `json:"session_id"`
	Subject   string      `json:"subject"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Config for the publisher
type Config struct {
	URL    string
	Prefix string // default "foresight."
}

// Publisher emits events to NATS
type Publisher struct {
	nc     *nats.Conn
	prefix string
}

// Connect dials NATS. An empty URL returns a nil publisher, which every
// method treats as disabled.
func Connect(config Config) (*Publisher, error) {
	if config.URL == "" {
		return nil, nil
	}
	if config.Prefix == "" {
		config.Prefix = "foresight."
	}

	nc, err := nats.Connect(
		config.URL,
		nats.Name("foresight"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info().Str("nats_url", config.URL).Str("prefix", config.Prefix).Msg("Event publisher connected")
	return &Publisher{nc: nc, prefix: config.Prefix}, nil
}

// publish marshals and emits one event. Failures are logged, never
// propagated; eventing is best-effort alongside the persisted record.
func (p *Publisher) publish(sessionID uuid.UUID, subject string, payload interface{}) {
	if p == nil || p.nc == nil {
		return
	}

	event := Event{
		ID:        uuid.New(),
		SessionID: sessionID,
		Subject:   subject,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("Failed to marshal event")
		return
	}
	if err := p.nc.Publish(p.prefix+subject, data); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("Failed to publish event")
	}
}

// ForecastStarted announces a session entering the pipeline
func (p *Publisher) ForecastStarted(sessionID uuid.UUID, question string) {
	p.publish(sessionID, SubjectForecastStarted, map[string]interface{}{"question_text": question})
}

// ForecastCompleted announces a finished pipeline with its prediction
func (p *Publisher) ForecastCompleted(sessionID uuid.UUID, probability, confidence float64) {
	p.publish(sessionID, SubjectForecastCompleted, map[string]interface{}{
		"probability": probability,
		"confidence":  confidence,
	})
}

// ForecastFailed announces a failed pipeline
func (p *Publisher) ForecastFailed(sessionID uuid.UUID, cause string) {
	p.publish(sessionID, SubjectForecastFailed, map[string]interface{}{"error": cause})
}

// TradeExecuted announces one executed trade
func (p *Publisher) TradeExecuted(sessionID uuid.UUID, trade market.Trade) {
	p.publish(sessionID, SubjectTradeExecuted, trade)
}

// RoundCompleted announces one finished simulation round
func (p *Publisher) RoundCompleted(sessionID uuid.UUID, round, quoting int) {
	p.publish(sessionID, SubjectRoundCompleted, map[string]interface{}{
		"round":   round,
		"quoting": quoting,
	})
}

// MarketSettled announces settlement with per-owner payouts
func (p *Publisher) MarketSettled(sessionID uuid.UUID, outcome bool, payouts map[string]float64) {
	p.publish(sessionID, SubjectMarketSettled, map[string]interface{}{
		"outcome": outcome,
		"payouts": payouts,
	})
}

// Close drains the connection
func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	p.nc.Close()
	log.Info().Msg("Event publisher closed")
}
