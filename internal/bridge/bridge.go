// Package bridge links the process to the external event broker. Rendered
// events are published to a per-tenant topic; every instance subscribes to
// the topics of its connected tenants and feeds received events into its
// local hub, so clients see events regardless of which instance produced
// them.
package bridge

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/pipewise-io/pipewise/internal/domain"
)

// Publisher sends a payload to a broker topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Subscriber opens a broker subscription. The returned Subscription's
// Messages channel closes when the underlying connection is lost; the
// caller decides whether to resubscribe.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// EventSink receives events decoded off the broker. Satisfied by hub.Hub.
type EventSink interface {
	Broadcast(tenant string, event domain.Event)
}

// MetricsSink records bridge metrics.
type MetricsSink interface {
	BridgeReconnect()
	BridgeMessageDropped()
}

// TopicFor maps a tenant to its broker topic.
func TopicFor(tenant string) string {
	return "events:" + tenant
}

// Bridge maintains one warm broker subscription per tenant with clients on
// this instance. Subscriptions are opened lazily on first use and survive
// broker outages through capped exponential reconnect backoff.
type Bridge struct {
	subscriber  Subscriber
	sink        EventSink
	backoffBase time.Duration
	backoffMax  time.Duration
	metrics     MetricsSink // optional, nil = disabled

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	tenants map[string]struct{}
	wg      sync.WaitGroup
}

func New(subscriber Subscriber, sink EventSink) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		subscriber:  subscriber,
		sink:        sink,
		backoffBase: time.Second,
		backoffMax:  30 * time.Second,
		ctx:         ctx,
		cancel:      cancel,
		tenants:     make(map[string]struct{}),
	}
}

// WithBackoff overrides the reconnect backoff bounds.
func (b *Bridge) WithBackoff(base, max time.Duration) *Bridge {
	if base > 0 {
		b.backoffBase = base
	}
	if max > 0 {
		b.backoffMax = max
	}
	return b
}

// WithMetrics attaches a metrics sink to the bridge.
func (b *Bridge) WithMetrics(sink MetricsSink) *Bridge {
	b.metrics = sink
	return b
}

// EnsureTenant makes sure a subscription for the tenant's topic is running.
// Idempotent: later calls for a subscribed tenant are no-ops. The
// subscription stays warm until Close so short-lived reconnecting clients
// do not thrash the broker.
func (b *Bridge) EnsureTenant(tenant string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ctx.Err() != nil {
		return
	}
	if _, ok := b.tenants[tenant]; ok {
		return
	}
	b.tenants[tenant] = struct{}{}

	b.wg.Add(1)
	go b.consume(tenant)
}

// Close tears down every subscription and waits for the consumer
// goroutines to exit.
func (b *Bridge) Close() {
	b.cancel()
	b.wg.Wait()
	log.Println("bridge: closed")
}

// consume owns the tenant's subscription lifecycle: subscribe, drain,
// reconnect on loss.
func (b *Bridge) consume(tenant string) {
	defer b.wg.Done()

	topic := TopicFor(tenant)
	delay := b.backoffBase

	for {
		if b.ctx.Err() != nil {
			return
		}

		sub, err := b.subscriber.Subscribe(b.ctx, topic)
		if err != nil {
			log.Printf("bridge: subscribe %s failed, retrying in %s: %v", topic, delay, err)
			if b.metrics != nil {
				b.metrics.BridgeReconnect()
			}
			if !b.sleep(delay) {
				return
			}
			delay = b.nextDelay(delay)
			continue
		}

		log.Printf("bridge: subscribed to %s", topic)
		delay = b.backoffBase // healthy connection resets the backoff

		b.drain(tenant, sub)
		sub.Close()

		if b.ctx.Err() != nil {
			return
		}
		log.Printf("bridge: subscription %s lost, reconnecting", topic)
		if b.metrics != nil {
			b.metrics.BridgeReconnect()
		}
	}
}

// drain forwards messages to the sink until the subscription dies or the
// bridge closes.
func (b *Bridge) drain(tenant string, sub Subscription) {
	for {
		select {
		case <-b.ctx.Done():
			return
		case payload, ok := <-sub.Messages():
			if !ok {
				return
			}
			var event domain.Event
			if err := json.Unmarshal(payload, &event); err != nil {
				log.Printf("bridge: dropping undecodable message on %s: %v", TopicFor(tenant), err)
				if b.metrics != nil {
					b.metrics.BridgeMessageDropped()
				}
				continue
			}
			b.sink.Broadcast(tenant, event)
		}
	}
}

func (b *Bridge) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-b.ctx.Done():
		return false
	}
}

func (b *Bridge) nextDelay(current time.Duration) time.Duration {
	next := current * 2
	if next > b.backoffMax {
		next = b.backoffMax
	}
	return next
}
