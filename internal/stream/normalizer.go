package stream

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tickforge/tickforge/internal/models"
)

// Normalizer converts raw wire frames into canonical MarketTick records and
// fans them out to subscribers. Ticks are immutable once created.
type Normalizer struct {
	mu   sync.RWMutex
	subs []chan *models.MarketTick
	size int
}

// NewNormalizer creates a normalizer whose subscriber channels buffer size
// ticks each.
func NewNormalizer(bufferSize int) *Normalizer {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Normalizer{size: bufferSize}
}

// Subscribe registers a new tick consumer.
func (n *Normalizer) Subscribe() <-chan *models.MarketTick {
	ch := make(chan *models.MarketTick, n.size)
	n.mu.Lock()
	n.subs = append(n.subs, ch)
	n.mu.Unlock()
	return ch
}

// Normalize converts a raw frame into a canonical tick. Frames with no price
// are rejected; they carry nothing the trigger engine can evaluate.
func (n *Normalizer) Normalize(frame RawFrame) (*models.MarketTick, error) {
	if frame.Price <= 0 {
		return nil, fmt.Errorf("frame %s/%s: non-positive price %v", frame.Symbol, frame.Type, frame.Price)
	}
	if frame.Volume < 0 {
		return nil, fmt.Errorf("frame %s/%s: negative volume %v", frame.Symbol, frame.Type, frame.Volume)
	}

	frameType := models.FrameType(frame.Type)
	switch frameType {
	case models.FrameTicker, models.FrameDepth, models.FrameKline, models.FrameTrade:
	default:
		return nil, fmt.Errorf("frame %s: unknown type %q", frame.Symbol, frame.Type)
	}

	return &models.MarketTick{
		Symbol:       frame.Symbol,
		Price:        decimal.NewFromFloat(frame.Price),
		Volume:       decimal.NewFromFloat(frame.Volume),
		Bid:          decimal.NewFromFloat(frame.Bid),
		Ask:          decimal.NewFromFloat(frame.Ask),
		Frame:        frameType,
		Sequence:     frame.Sequence,
		ExchangeTime: time.UnixMilli(frame.Time),
		ReceivedAt:   time.Now(),
	}, nil
}

// Publish fans a tick out to all subscribers without blocking. Per-symbol
// ordering is preserved because Publish is called from the single ingest
// goroutine.
func (n *Normalizer) Publish(tick *models.MarketTick) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, ch := range n.subs {
		select {
		case ch <- tick:
		default:
			// slow subscriber; drop rather than stall the feed
		}
	}
}

// CloseAll closes every subscriber channel. Called once at shutdown after the
// ingest goroutine has stopped.
func (n *Normalizer) CloseAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		close(ch)
	}
	n.subs = nil
}
