package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// IndexCatchUp advances the funding index to Timestamp without touching
// positions. Catching up twice at the same instant is a no-op, so the
// timestamp alone is the idempotency key: "catchup:{unix}".
type IndexCatchUp struct {
	Market    string
	Timestamp time.Time
}

func (c *IndexCatchUp) IdempotencyKey() string {
	return fmt.Sprintf("catchup:%d", c.Timestamp.Unix())
}

func (c *IndexCatchUp) EventType() EventType {
	return EventTypeIndexCatchUp
}

func (c *IndexCatchUp) MarketID() string {
	return c.Market
}

func (c *IndexCatchUp) Owner() *uuid.UUID {
	return nil // Market-wide event
}

func (c *IndexCatchUp) SourceSequence() int64 {
	return 0 // No upstream ordering
}
