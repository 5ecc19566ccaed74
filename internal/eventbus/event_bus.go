package eventbus

import (
	"context"
	"errors"
	"sync"

	"github.com/stratisproject/StratisBitcoinFullNode-sub037/libs/log"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/libs/service"
	"github.com/stratisproject/StratisBitcoinFullNode-sub037/types"
)

var (
	// ErrSubscriptionNotFound is returned when a client tries to unsubscribe
	// from a subscription that does not exist.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrNotRunning is returned when subscribing to a bus that is not running.
	ErrNotRunning = errors.New("event bus is not running")
)

// DefaultCapacity is the buffer of a subscription created with capacity 0.
const DefaultCapacity = 100

// EventBus delivers tip changes to subscribers. Publishing never blocks: a
// subscriber whose buffer is full is terminated with ErrOutOfCapacity.
type EventBus struct {
	service.BaseService
	logger log.Logger

	mtx     sync.Mutex
	subs    map[string]*Subscription // by subscription ID
	running bool
}

// NewDefault returns a new event bus.
func NewDefault(l log.Logger) *EventBus {
	logger := l.With("module", "eventbus")
	b := &EventBus{
		logger: logger,
		subs:   make(map[string]*Subscription),
	}
	b.BaseService = *service.NewBaseService(logger, "EventBus", b)
	return b
}

// OnStart implements service.Service.
func (b *EventBus) OnStart(ctx context.Context) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.running = true
	return nil
}

// OnStop implements service.Service. Open subscriptions are terminated with
// ErrServerStopped.
func (b *EventBus) OnStop() {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	b.running = false
	for id, sub := range b.subs {
		sub.cancel(ErrServerStopped)
		delete(b.subs, id)
	}
}

// NumClients returns the number of distinct clients with a subscription.
func (b *EventBus) NumClients() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	clients := make(map[string]struct{})
	for _, sub := range b.subs {
		clients[sub.clientID] = struct{}{}
	}
	return len(clients)
}

// NumClientSubscriptions returns the number of subscriptions of clientID.
func (b *EventBus) NumClientSubscriptions(clientID string) int {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	n := 0
	for _, sub := range b.subs {
		if sub.clientID == clientID {
			n++
		}
	}
	return n
}

// Subscribe registers clientID for tip changes. The subscription is
// terminated with ErrUnsubscribed when ctx ends.
func (b *EventBus) Subscribe(ctx context.Context, clientID string, capacity int) (*Subscription, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	b.mtx.Lock()
	defer b.mtx.Unlock()
	if !b.running {
		return nil, ErrNotRunning
	}

	sub := newSubscription(clientID, capacity)
	b.subs[sub.id] = sub
	b.logger.Debug("subscribed", "client", clientID, "subscription", sub.id)

	go func() {
		select {
		case <-ctx.Done():
			_ = b.Unsubscribe(sub.id)
		case <-sub.canceled:
		}
	}()
	return sub, nil
}

// Unsubscribe terminates the subscription with the given ID.
func (b *EventBus) Unsubscribe(id string) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return ErrSubscriptionNotFound
	}
	delete(b.subs, id)
	sub.cancel(ErrUnsubscribed)
	return nil
}

// UnsubscribeAll terminates every subscription of clientID.
func (b *EventBus) UnsubscribeAll(clientID string) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	found := false
	for id, sub := range b.subs {
		if sub.clientID == clientID {
			delete(b.subs, id)
			sub.cancel(ErrUnsubscribed)
			found = true
		}
	}
	if !found {
		return ErrSubscriptionNotFound
	}
	return nil
}

// PublishEventTipChanged delivers data to every subscriber.
func (b *EventBus) PublishEventTipChanged(data types.EventDataTipChanged) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if !b.running {
		return ErrNotRunning
	}
	for id, sub := range b.subs {
		select {
		case sub.out <- Message{subID: id, data: data}:
		default:
			b.logger.Error("subscriber too slow, dropping subscription",
				"client", sub.clientID, "subscription", id)
			delete(b.subs, id)
			sub.cancel(ErrOutOfCapacity)
		}
	}
	return nil
}
