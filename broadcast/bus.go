package broadcast

import (
	"context"
	"sync"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
)

type busSub struct {
	event   string
	ch      chan []byte
	done    chan struct{}
	handler func(payload []byte)
}

// Bus is an in-process broadcast transport for single-process deployments
// and tests. It implements the same at-most-once, non-blocking semantics as
// the Redis transport: a subscriber that cannot keep up loses events.
type Bus struct {
	mu   sync.Mutex
	subs map[string]map[*busSub]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[*busSub]struct{})}
}

// Publish delivers the event to current subscribers of the topic. It never
// blocks: a subscriber whose buffer is full is skipped.
func (b *Bus) Publish(_ context.Context, topic, event string, payload any) {
	data, err := sonic.Marshal(payload)
	if err != nil {
		log.WithFields(log.Fields{"topic": topic, "event": event}).Warnf("broadcast marshal: %v", err)
		return
	}
	b.mu.Lock()
	for sub := range b.subs[topic] {
		if sub.event != event {
			continue
		}
		select {
		case sub.ch <- data:
		default:
		}
	}
	b.mu.Unlock()
}

// Subscribe registers a handler for matching events on the topic. The
// returned cancel func removes the subscription and is safe to call twice.
func (b *Bus) Subscribe(topic, event string, handler func(payload []byte)) func() {
	sub := &busSub{
		event:   event,
		ch:      make(chan []byte, 16),
		done:    make(chan struct{}),
		handler: handler,
	}
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*busSub]struct{})
	}
	b.subs[topic][sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case payload := <-sub.ch:
				sub.handler(payload)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[topic], sub)
			b.mu.Unlock()
			close(sub.done)
		})
	}
}
