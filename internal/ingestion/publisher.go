package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"FundingLedger/internal/core"
	fpmath "FundingLedger/internal/math"
	"FundingLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundStream carries processed events to downstream consumers.
const OutboundStream = "FUNDING_LEDGER_EVENTS"

// OutboundEvent is a processed event as seen by downstream consumers.
// Published only after persistence is confirmed.
type OutboundEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	MarketID       string          `json:"market_id"`
	Owner          *uuid.UUID      `json:"owner,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
	Timestamp      time.Time       `json:"timestamp"`

	Rate          fpmath.Wad  `json:"rate"`
	Index         fpmath.Wad  `json:"index"`
	LongOI        fpmath.Wad  `json:"long_oi"`
	ShortOI       fpmath.Wad  `json:"short_oi"`
	SettledAmount *fpmath.Wad `json:"settled_amount,omitempty"`
}

// OutboundFromCore builds the outbound form of a core output.
func OutboundFromCore(out core.CoreOutput) OutboundEvent {
	env := out.Envelope
	ev := OutboundEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		MarketID:       env.MarketID,
		Owner:          env.Owner,
		Payload:        json.RawMessage(env.Payload),
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		PrevHash:       hex.EncodeToString(env.PrevHash[:]),
		Timestamp:      env.Timestamp,
		Rate:           out.Market.Rate,
		Index:          out.Market.Index.Cumulative,
		LongOI:         out.Market.OpenInterest.Long,
		ShortOI:        out.Market.OpenInterest.Short,
	}
	if out.Settlement != nil {
		amt := out.Settlement.Amount
		ev.SettledAmount = &amt
	}
	return ev
}

// Sink delivers outbound events to one transport.
type Sink interface {
	Name() string
	Publish(ctx context.Context, evt OutboundEvent) error
	Close() error
}

// OutboundPublisher publishes processed events for downstream consumers.
// Publishing is best-effort: failures are counted and logged, and downstream
// consumers can always fall back to the event log.
type OutboundPublisher struct {
	sink      Sink
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewOutboundPublisher(sink Sink, inputChan <-chan core.CoreOutput, metrics *observability.Metrics) *OutboundPublisher {
	return &OutboundPublisher{
		sink:      sink,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    observability.NewLogger("publisher").With().Str("sink", sink.Name()).Logger(),
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	defer op.sink.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			evt := OutboundFromCore(out)
			if err := op.sink.Publish(ctx, evt); err != nil {
				op.logger.Warn().Err(err).Int64("sequence", evt.Sequence).Msg("outbound publish failed")
				if op.metrics != nil {
					op.metrics.PublishErrors.WithLabelValues(op.sink.Name()).Inc()
				}
			}
		}
	}
}

// JetStreamSink publishes to funding.ledger.events.<event_type>.
type JetStreamSink struct {
	js jetstream.JetStream
}

func NewJetStreamSink(js jetstream.JetStream) *JetStreamSink {
	return &JetStreamSink{js: js}
}

func (s *JetStreamSink) Name() string { return "jetstream" }

func (s *JetStreamSink) Publish(ctx context.Context, evt OutboundEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := nats.NewMsg(OutboundSubject(evt.EventType))
	msg.Data = data
	// Msg-Id lets the stream drop the re-publish of a replayed event.
	msg.Header.Set(jetstream.MsgIDHeader, evt.IdempotencyKey)

	_, err = s.js.PublishMsg(ctx, msg)
	return err
}

// Close is a no-op; the NATS connection is owned by the caller.
func (s *JetStreamSink) Close() error { return nil }

// OutboundSubject is the subject an event type is published on.
func OutboundSubject(eventType string) string {
	return "funding.ledger.events." + eventType
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       OutboundStream,
		Subjects:   []string{"funding.ledger.events.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger := observability.NewLogger("publisher")
	logger.Info().Str("stream", OutboundStream).Msg("ensured outbound stream")
	return nil
}
