package redis

import (
	"context"
	"time"

	"FundingLedger/internal/core"
	"FundingLedger/internal/observability"

	"github.com/rs/zerolog"
)

// RiskWriter is where risk snapshots go.
type RiskWriter interface {
	WriteRisk(ctx context.Context, snap RiskSnapshot) error
}

// RiskPublisher keeps the cached risk snapshot current. Only the latest
// state matters, so a backlog is conflated to its newest output before
// writing.
type RiskPublisher struct {
	writer    RiskWriter
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

func NewRiskPublisher(writer RiskWriter, inputChan <-chan core.CoreOutput, metrics *observability.Metrics) *RiskPublisher {
	return &RiskPublisher{
		writer:    writer,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    observability.NewLogger("risk-cache"),
		now:       time.Now,
	}
}

// Run writes snapshots until ctx is done or the input channel closes.
func (rp *RiskPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out, ok := <-rp.inputChan:
			if !ok {
				return nil
			}
			latest, closed := rp.drain(out)
			rp.write(ctx, latest)
			if closed {
				return nil
			}
		}
	}
}

// drain returns the newest output available without blocking.
func (rp *RiskPublisher) drain(out core.CoreOutput) (core.CoreOutput, bool) {
	for {
		select {
		case next, ok := <-rp.inputChan:
			if !ok {
				return out, true
			}
			if rp.metrics != nil {
				rp.metrics.RiskCacheWrites.WithLabelValues("conflated").Inc()
			}
			out = next
		default:
			return out, false
		}
	}
}

func (rp *RiskPublisher) write(ctx context.Context, out core.CoreOutput) {
	snap := SnapshotFromOutput(out, rp.now())
	status := "ok"
	if err := rp.writer.WriteRisk(ctx, snap); err != nil {
		status = "error"
		rp.logger.Warn().Err(err).Int64("sequence", snap.Sequence).Msg("risk snapshot write failed")
	}
	if rp.metrics != nil {
		rp.metrics.RiskCacheWrites.WithLabelValues(status).Inc()
	}
}
