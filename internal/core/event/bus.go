package event

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ClareAI/astra-dialer-service/internal/domain"
	"github.com/ClareAI/astra-dialer-service/pkg/logger"
	"go.uber.org/zap"
)

// OutcomeHandler handles an outcome delivered for one call
type OutcomeHandler func(evt domain.OutcomeEvent)

// Middleware wraps outcome handlers
type Middleware func(next OutcomeHandler) OutcomeHandler

// Bus delivers outcome events to the subscribers registered for the event's call id.
// Delivery is a direct lookup; events for call ids nobody subscribed to are dropped.
type Bus interface {
	Publish(evt domain.OutcomeEvent) error
	Subscribe(callID string, handler OutcomeHandler) (unsubscribe func(), err error)
	Use(middleware Middleware)
	Close() error
	GetStats() BusStats
}

// BusStats contains statistics about the event bus
type BusStats struct {
	Published      int64 `json:"published"`
	Delivered      int64 `json:"delivered"`
	Dropped        int64 `json:"dropped"`
	ActiveCallIDs  int   `json:"active_call_ids"`
	ActiveHandlers int   `json:"active_handlers"`
}

type subscription struct {
	id      uint64
	handler OutcomeHandler
}

// Option configures a DefaultBus
type Option func(*DefaultBus)

// WithSynchronousDelivery runs handlers on the publishing goroutine
func WithSynchronousDelivery() Option {
	return func(b *DefaultBus) { b.sync = true }
}

// DefaultBus is the in-process Bus
type DefaultBus struct {
	subscribers map[string][]subscription
	middleware  []Middleware
	nextID      uint64
	closed      bool
	sync        bool
	mutex       sync.RWMutex
	stats       BusStats
	statsMutex  sync.Mutex
}

// NewBus creates a new in-process bus. Handlers run asynchronously unless
// WithSynchronousDelivery is given.
func NewBus(opts ...Option) *DefaultBus {
	b := &DefaultBus{subscribers: make(map[string][]subscription)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish delivers evt to every handler subscribed to evt.CallID
func (b *DefaultBus) Publish(evt domain.OutcomeEvent) error {
	callID := strings.TrimSpace(evt.CallID)
	if callID == "" {
		return fmt.Errorf("outcome event has no call id")
	}

	b.mutex.RLock()
	if b.closed {
		b.mutex.RUnlock()
		return fmt.Errorf("event bus is closed")
	}
	subs := append([]subscription(nil), b.subscribers[callID]...)
	middleware := append([]Middleware(nil), b.middleware...)
	b.mutex.RUnlock()

	b.statsMutex.Lock()
	b.stats.Published++
	if len(subs) == 0 {
		b.stats.Dropped++
	}
	b.stats.Delivered += int64(len(subs))
	b.statsMutex.Unlock()

	if len(subs) == 0 {
		logger.Base().Debug("no subscriber for outcome", zap.String("call_id", callID))
		return nil
	}

	for _, sub := range subs {
		handler := sub.handler
		for i := len(middleware) - 1; i >= 0; i-- {
			handler = middleware[i](handler)
		}
		if b.sync {
			b.deliver(handler, evt)
		} else {
			go b.deliver(handler, evt)
		}
	}
	return nil
}

func (b *DefaultBus) deliver(handler OutcomeHandler, evt domain.OutcomeEvent) {
	defer func() {
		if r := recover(); r != nil {
			logger.Base().Error("outcome handler panic", zap.String("call_id", evt.CallID), zap.Any("panic", r))
		}
	}()
	handler(evt)
}

// Subscribe registers handler for callID. The returned func removes exactly this registration.
func (b *DefaultBus) Subscribe(callID string, handler OutcomeHandler) (func(), error) {
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return nil, fmt.Errorf("call id cannot be empty")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	b.nextID++
	id := b.nextID
	b.subscribers[callID] = append(b.subscribers[callID], subscription{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(callID, id) })
	}, nil
}

func (b *DefaultBus) unsubscribe(callID string, id uint64) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	subs := b.subscribers[callID]
	for i, sub := range subs {
		if sub.id == id {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subscribers, callID)
	} else {
		b.subscribers[callID] = subs
	}
}

// Use adds middleware to the event bus
func (b *DefaultBus) Use(middleware Middleware) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.middleware = append(b.middleware, middleware)
}

// Close drops all subscriptions; later Publish and Subscribe calls fail
func (b *DefaultBus) Close() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.closed = true
	b.subscribers = make(map[string][]subscription)
	b.middleware = nil
	return nil
}

// GetStats returns current bus statistics
func (b *DefaultBus) GetStats() BusStats {
	b.mutex.RLock()
	active := len(b.subscribers)
	handlers := 0
	for _, subs := range b.subscribers {
		handlers += len(subs)
	}
	b.mutex.RUnlock()

	b.statsMutex.Lock()
	defer b.statsMutex.Unlock()
	stats := b.stats
	stats.ActiveCallIDs = active
	stats.ActiveHandlers = handlers
	return stats
}
