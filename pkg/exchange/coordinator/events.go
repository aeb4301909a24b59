package coordinator

import (
	"sync"

	"go.uber.org/zap"

	"github.com/fundcast/engine/pkg/exchange/types"
)

// Bus fans coordinator events out to subscribers. Events for one market
// are published by that market's writer in production order, so each
// subscriber observes per-market causal order. A subscriber that falls
// behind its buffer loses events rather than stalling the writer.
type Bus struct {
	mu   sync.RWMutex
	subs []chan types.Event
	log  *zap.Logger
}

func NewBus(log *zap.Logger) *Bus {
	return &Bus{log: log}
}

// Subscribe returns a channel carrying all events. buffer bounds how far a
// slow consumer may lag.
func (b *Bus) Subscribe(buffer int) <-chan types.Event {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan types.Event, buffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

func (b *Bus) Publish(ev types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.Warn("event subscriber lagging, dropping event",
				zap.String("market", string(ev.MarketID)),
				zap.Uint64("seq", ev.Seq),
				zap.String("type", string(ev.Type)))
		}
	}
}

// Close closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
