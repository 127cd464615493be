package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cinesync/internal/progress"
)

const (
	RealtimeEventProgressChanged = "progress"
	realtimeEventHeartbeat       = "heartbeat"
	realtimeSourceBackend        = "cinesync-api"
)

// RealtimeMessage tells a viewer's open tabs which history keys changed.
type RealtimeMessage struct {
	UserID    string
	EventType string
	Keys      []string
	Timestamp time.Time
}

// RealtimeDispatcher fans progress changes out to per-user subscribers.
// Slow subscribers miss messages instead of blocking writers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
		clock:       time.Now,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, userID string) (<-chan RealtimeMessage, func()) {
	if userID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(userID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(userID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.UserID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.UserID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// NotifyProgress publishes a progress event for the given keys.
func (d *RealtimeDispatcher) NotifyProgress(userID string, keys []progress.Key) {
	identifiers := collectKeyStrings(keys)
	if len(identifiers) == 0 {
		return
	}
	d.Publish(RealtimeMessage{
		UserID:    userID,
		EventType: RealtimeEventProgressChanged,
		Keys:      identifiers,
		Timestamp: d.clock().UTC(),
	})
}

// Subscribers returns the number of open streams for the user.
func (d *RealtimeDispatcher) Subscribers(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[userID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(userID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(userID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}

// collectKeyStrings returns the sorted, de-duplicated string forms of keys.
func collectKeyStrings(keys []progress.Key) []string {
	if len(keys) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(keys))
	identifiers := make([]string, 0, len(keys))
	for _, key := range keys {
		if key.MediaID <= 0 || key.MediaType == "" {
			continue
		}
		identifier := key.String()
		if _, ok := seen[identifier]; ok {
			continue
		}
		seen[identifier] = struct{}{}
		identifiers = append(identifiers, identifier)
	}
	if len(identifiers) == 0 {
		return nil
	}
	sort.Strings(identifiers)
	return identifiers
}
