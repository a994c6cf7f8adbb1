package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/chatrelay/internal/relay"
)

const (
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceClient   = "chatrelay"
	realtimeBufferSize     = 16
)

// RealtimeDispatcher fans applied download events out to chatroom
// subscribers. Events without a chatroom reach every subscriber. Slow
// subscribers miss events rather than block the sync session.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan relay.Event
}

// NewRealtimeDispatcher constructs an empty dispatcher.
func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  realtimeBufferSize,
	}
}

// Subscribe registers for the events of a chatroom until ctx is done or the
// returned cleanup is called.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, chatroom string) (<-chan relay.Event, func()) {
	if chatroom == "" {
		ch := make(chan relay.Event)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan relay.Event, d.bufferSize),
	}
	d.registerSubscriber(chatroom, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(chatroom, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish implements relay.EventPublisher.
func (d *RealtimeDispatcher) Publish(event relay.Event) {
	if event.Kind == "" {
		return
	}
	d.mu.RLock()
	var targets []*realtimeSubscriber
	if event.Chatroom == "" {
		for _, subscribers := range d.subscribers {
			for _, subscriber := range subscribers {
				targets = append(targets, subscriber)
			}
		}
	} else {
		for _, subscriber := range d.subscribers[event.Chatroom] {
			targets = append(targets, subscriber)
		}
	}
	d.mu.RUnlock()
	for _, subscriber := range targets {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// SubscriberCount reports the number of live subscriptions to a chatroom.
func (d *RealtimeDispatcher) SubscriberCount(chatroom string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[chatroom])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(chatroom string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[chatroom]; !ok {
		d.subscribers[chatroom] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[chatroom][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(chatroom string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[chatroom]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, chatroom)
		}
	}
	d.mu.Unlock()
}
