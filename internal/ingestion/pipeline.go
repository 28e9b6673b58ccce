package ingestion

import (
	"context"
	"errors"
	"time"

	"FundingLedger/internal/core"
	"FundingLedger/internal/event"
	"FundingLedger/internal/observability"
	"FundingLedger/internal/state"

	"github.com/rs/zerolog"
)

type parsedEvent struct {
	evt        event.Event
	receivedAt time.Time
}

// Pipeline turns raw NATS messages into core events.
//
// Messages are acked after parse + enqueue, NOT after core processing. That
// keeps AckWait from expiring behind a slow core, and a full typed channel
// blocks the consumer callback, which is how backpressure reaches NATS.
type Pipeline struct {
	processor Processor
	subjects  []SubjectConfig
	bufSize   int
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewPipeline(processor Processor, subjects []SubjectConfig, bufSize int, metrics *observability.Metrics) *Pipeline {
	if bufSize <= 0 {
		bufSize = 4096
	}
	return &Pipeline{
		processor: processor,
		subjects:  subjects,
		bufSize:   bufSize,
		metrics:   metrics,
		logger:    observability.NewLogger("ingestion"),
	}
}

// Run consumes rawChan until ctx is done or rawChan is closed.
func (p *Pipeline) Run(ctx context.Context, rawChan <-chan RawEvent) error {
	typed := make(chan parsedEvent, p.bufSize)

	go p.parseLoop(ctx, rawChan, typed)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pe, ok := <-typed:
			if !ok {
				return nil
			}
			p.apply(pe)
		}
	}
}

func (p *Pipeline) parseLoop(ctx context.Context, rawChan <-chan RawEvent, typed chan<- parsedEvent) {
	defer close(typed)
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawChan:
			if !ok {
				return
			}

			eventType := ResolveEventType(raw.Subject, p.subjects)
			if eventType == "" {
				p.logger.Warn().Str("subject", raw.Subject).Msg("unknown NATS subject")
				ack(raw) // invalid events are acked to avoid a redelivery loop
				continue
			}

			evt, err := ParseRawEvent(raw, eventType)
			if err != nil {
				p.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("parse event failed")
				ack(raw)
				continue
			}

			select {
			case typed <- parsedEvent{evt: evt, receivedAt: raw.ReceivedAt}:
				ack(raw)
			case <-ctx.Done():
				if raw.NakFunc != nil {
					raw.NakFunc()
				}
				return
			}
		}
	}
}

func (p *Pipeline) apply(pe parsedEvent) {
	evtType := pe.evt.EventType().String()

	res, err := p.processor.ProcessEvent(pe.evt)
	switch {
	case err == nil:
		if res != nil && res.Duplicate {
			p.logger.Debug().Str("type", evtType).Str("key", pe.evt.IdempotencyKey()).Msg("duplicate event skipped")
			return
		}
		if p.metrics != nil && !pe.receivedAt.IsZero() {
			p.metrics.IngestToApply.WithLabelValues(evtType).Observe(time.Since(pe.receivedAt).Seconds())
		}
	case isRejection(err):
		// Already acked: domain rejections are final, not retried via NATS.
		p.logger.Info().Err(err).Str("type", evtType).Str("key", pe.evt.IdempotencyKey()).Msg("event rejected")
	default:
		p.logger.Error().Err(err).Str("type", evtType).Str("key", pe.evt.IdempotencyKey()).Msg("core.ProcessEvent failed")
	}
}

func ack(raw RawEvent) {
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}

func isRejection(err error) bool {
	return errors.Is(err, state.ErrZeroSize) ||
		errors.Is(err, state.ErrPositionExists) ||
		errors.Is(err, state.ErrNoPosition) ||
		errors.Is(err, core.ErrWrongMarket) ||
		errors.Is(err, core.ErrStaleSequence)
}
