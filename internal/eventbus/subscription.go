package eventbus

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/stratisproject/StratisBitcoinFullNode-sub037/types"
)

var (
	// ErrUnsubscribed is returned by Err when a client unsubscribes.
	ErrUnsubscribed = errors.New("client unsubscribed")

	// ErrOutOfCapacity is returned by Err when a client is not pulling messages
	// fast enough. Note the client's subscription will be terminated.
	ErrOutOfCapacity = errors.New("client is not pulling messages fast enough")

	// ErrServerStopped is returned by Err for subscriptions open when the bus
	// stops.
	ErrServerStopped = errors.New("event bus stopped")
)

// Message is a single published event.
type Message struct {
	subID string
	data  types.EventDataTipChanged
}

// SubscriptionID returns the unique identifier for the subscription
// that produced this message.
func (msg Message) SubscriptionID() string { return msg.subID }

// Data returns the published tip change.
func (msg Message) Data() types.EventDataTipChanged { return msg.data }

// A Subscription represents a client subscription to tip changes and
// consists of three things:
// 1) channel onto which messages are published
// 2) channel which is closed if a client is too slow or choose to unsubscribe
// 3) err indicating the reason for (2)
type Subscription struct {
	id       string
	clientID string
	out      chan Message

	canceled chan struct{}
	mtx      sync.RWMutex
	err      error
}

func newSubscription(clientID string, outCapacity int) *Subscription {
	return &Subscription{
		id:       uuid.NewString(),
		clientID: clientID,
		out:      make(chan Message, outCapacity),
		canceled: make(chan struct{}),
	}
}

// ID returns the unique identifier of the subscription.
func (s *Subscription) ID() string { return s.id }

// Out returns a channel onto which messages are published. It is never
// closed.
func (s *Subscription) Out() <-chan Message { return s.out }

// Canceled returns a channel that's closed when the subscription is
// terminated and supposed to be used in a select statement.
func (s *Subscription) Canceled() <-chan struct{} { return s.canceled }

// Err returns nil if the channel returned by Canceled is not yet closed.
// Otherwise it returns the reason the subscription was terminated.
func (s *Subscription) Err() error {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.err
}

// Next blocks until a message is available, the subscription is terminated
// or ctx ends. Messages queued before termination are still returned.
func (s *Subscription) Next(ctx context.Context) (Message, error) {
	select {
	case msg := <-s.out:
		return msg, nil
	default:
	}

	select {
	case msg := <-s.out:
		return msg, nil
	case <-s.canceled:
		select {
		case msg := <-s.out:
			return msg, nil
		default:
		}
		return Message{}, s.Err()
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (s *Subscription) cancel(err error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.err != nil {
		return
	}
	s.err = err
	close(s.canceled)
}
