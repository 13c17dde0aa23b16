package broadcast

import (
	"context"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

type publishJob struct {
	topic string
	data  []byte
}

// RedisPublisher fans events out through Redis pub/sub. Publishing is
// decoupled from the calling request by a small worker pool: jobs that do
// not fit the buffer are dropped, keeping the mutation path non-blocking.
type RedisPublisher struct {
	client *redis.Client

	jobs     chan publishJob
	timeout  time.Duration
	workerWG sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewRedisPublisher starts the publish workers. A nil client produces a
// publisher whose Publish is a no-op.
func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	p := &RedisPublisher{
		client:  client,
		timeout: envDur("BROADCAST_PUBLISH_TIMEOUT", 5*time.Second),
	}
	if client == nil {
		return p
	}
	workers := envInt("BROADCAST_WORKERS", 4)
	p.jobs = make(chan publishJob, envInt("BROADCAST_BUFFER", 1024))
	for i := 0; i < workers; i++ {
		p.workerWG.Add(1)
		go p.worker()
	}
	return p
}

// Publish enqueues the event for delivery. It never blocks and never
// returns an error; on marshal failure, buffer saturation or a closed
// publisher the event is dropped.
func (p *RedisPublisher) Publish(_ context.Context, topic, event string, payload any) {
	if p.client == nil {
		return
	}
	data, err := sonic.Marshal(envelope{Event: event, Payload: payload})
	if err != nil {
		log.WithFields(log.Fields{"topic": topic, "event": event}).Warnf("broadcast marshal: %v", err)
		return
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	select {
	case p.jobs <- publishJob{topic: topic, data: data}:
	default:
		log.WithField("topic", topic).Warn("broadcast buffer saturated, dropping event")
	}
}

func (p *RedisPublisher) worker() {
	defer p.workerWG.Done()
	for j := range p.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		if err := p.client.Publish(ctx, j.topic, j.data).Err(); err != nil {
			log.WithField("topic", j.topic).Debugf("broadcast publish: %v", err)
		}
		cancel()
	}
}

// Close stops the workers after draining buffered jobs.
func (p *RedisPublisher) Close() {
	p.mu.Lock()
	if p.closed || p.jobs == nil {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	close(p.jobs)
	p.workerWG.Wait()
}

// RedisSubscriber receives events from Redis pub/sub channels.
type RedisSubscriber struct {
	client *redis.Client
}

func NewRedisSubscriber(client *redis.Client) *RedisSubscriber {
	return &RedisSubscriber{client: client}
}

// Subscribe listens on the topic until cancelled, invoking handler for each
// matching event. A broken pub/sub connection is reopened after a short
// pause, so a subscription survives transient Redis outages.
func (s *RedisSubscriber) Subscribe(topic, event string, handler func(payload []byte)) func() {
	ctx, cancel := context.WithCancel(context.Background())
	if s.client == nil {
		return cancel
	}
	go func() {
		for {
			sub := s.client.Subscribe(ctx, topic)
			ch := sub.Channel()
			for msg := range ch {
				var env struct {
					Event   string                 `json:"event"`
					Payload sonic.NoCopyRawMessage `json:"payload"`
				}
				if err := sonic.UnmarshalString(msg.Payload, &env); err != nil {
					log.WithField("topic", topic).Errorf("broadcast decode: %v", err)
					continue
				}
				if env.Event == event {
					handler(env.Payload)
				}
			}
			_ = sub.Close()
			if ctx.Err() != nil {
				return
			}
			log.WithField("topic", topic).Error("pubsub channel closed, reconnecting")
			time.Sleep(time.Second)
		}
	}()
	return cancel
}

func envInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func envDur(name string, def time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}
