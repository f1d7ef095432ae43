// Package hub fans out realtime events to connected clients, partitioned by
// tenant. All membership mutation and every broadcast's read of the
// membership set pass through one coordinating goroutine consuming a single
// request queue, so the connection registry is never touched concurrently.
package hub

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/pipewise-io/pipewise/internal/domain"
)

var ErrHubClosed = errors.New("event hub is closed")

// MetricsSink records hub metrics. All methods must be non-blocking and
// fire-and-forget.
type MetricsSink interface {
	ConnectionsIncr()
	ConnectionsDecr()
	SlowConsumerDropped()
}

// Handle identifies one registered connection. The owning transport drains
// Events; when the channel closes the hub has dropped the connection
// (unregistered, slow consumer, or hub shutdown) and the transport must
// close the underlying socket.
type Handle struct {
	id        uuid.UUID
	tenant    string
	out       chan domain.Event
	closeOnce sync.Once
}

// closeOut closes the event channel exactly once. Register's shutdown check
// and Run's drain can both reach a handle that was queued but never admitted.
func (h *Handle) closeOut() {
	h.closeOnce.Do(func() { close(h.out) })
}

func (h *Handle) Events() <-chan domain.Event { return h.out }

func (h *Handle) Tenant() string { return h.tenant }

type opKind int

const (
	opRegister opKind = iota
	opUnregister
	opBroadcast
)

type op struct {
	kind   opKind
	tenant string
	handle *Handle
	event  domain.Event
}

type Hub struct {
	requests  chan op
	done      chan struct{}
	bufferCap int
	metrics   MetricsSink // optional, nil = disabled
}

// New creates a Hub whose connections buffer up to bufferCap outbound
// events each.
func New(bufferCap int) *Hub {
	if bufferCap <= 0 {
		bufferCap = 32
	}
	return &Hub{
		requests:  make(chan op, 256),
		done:      make(chan struct{}),
		bufferCap: bufferCap,
	}
}

// WithMetrics attaches a metrics sink to the hub.
func (h *Hub) WithMetrics(sink MetricsSink) *Hub {
	h.metrics = sink
	return h
}

// Run owns the connection registry. It blocks until ctx is cancelled, then
// closes every connection's event channel.
func (h *Hub) Run(ctx context.Context) {
	conns := make(map[string]map[uuid.UUID]*Handle) // tenant -> handles

	log.Printf("hub: started (buffer=%d)", h.bufferCap)

	for {
		select {
		case <-ctx.Done():
			close(h.done)
			for _, tenantConns := range conns {
				for _, handle := range tenantConns {
					handle.closeOut()
				}
			}
			// Registrations that were queued but never admitted still need
			// their channels closed so their transports shut down.
			for {
				select {
				case req := <-h.requests:
					if req.kind == opRegister {
						req.handle.closeOut()
					}
				default:
					log.Println("hub: stopped")
					return
				}
			}

		case req := <-h.requests:
			switch req.kind {
			case opRegister:
				tenantConns, ok := conns[req.tenant]
				if !ok {
					tenantConns = make(map[uuid.UUID]*Handle)
					conns[req.tenant] = tenantConns
				}
				tenantConns[req.handle.id] = req.handle
				if h.metrics != nil {
					h.metrics.ConnectionsIncr()
				}

			case opUnregister:
				tenantConns, ok := conns[req.handle.tenant]
				if !ok {
					continue // already gone: unregister is a no-op, not an error
				}
				handle, ok := tenantConns[req.handle.id]
				if !ok {
					continue
				}
				delete(tenantConns, handle.id)
				if len(tenantConns) == 0 {
					delete(conns, req.handle.tenant)
				}
				handle.closeOut()
				if h.metrics != nil {
					h.metrics.ConnectionsDecr()
				}

			case opBroadcast:
				for id, handle := range conns[req.tenant] {
					select {
					case handle.out <- req.event:
					default:
						// Slow consumer: drop the connection rather than
						// block delivery to its siblings.
						delete(conns[req.tenant], id)
						handle.closeOut()
						log.Printf("hub: dropped slow consumer (tenant=%s, conn=%s)", req.tenant, id)
						if h.metrics != nil {
							h.metrics.SlowConsumerDropped()
							h.metrics.ConnectionsDecr()
						}
					}
				}
				if len(conns[req.tenant]) == 0 {
					delete(conns, req.tenant)
				}
			}
		}
	}
}

// Register admits a connection under a tenant and returns its handle.
// Safe to call concurrently with broadcasts and other registrations.
func (h *Hub) Register(ctx context.Context, tenant string) (*Handle, error) {
	handle := &Handle{
		id:     uuid.New(),
		tenant: tenant,
		out:    make(chan domain.Event, h.bufferCap),
	}

	select {
	case h.requests <- op{kind: opRegister, tenant: tenant, handle: handle}:
	case <-h.done:
		return nil, ErrHubClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// The enqueue can win its select against an already-closed done channel
	// after the drain in Run finished, leaving the request unread forever.
	// Re-checking done here guarantees the caller either gets a handle whose
	// channel the hub will close, or no handle at all.
	select {
	case <-h.done:
		handle.closeOut()
		return nil, ErrHubClosed
	default:
		return handle, nil
	}
}

// Unregister removes a connection. Idempotent: a second call is a no-op.
func (h *Hub) Unregister(handle *Handle) {
	if handle == nil {
		return
	}
	select {
	case h.requests <- op{kind: opUnregister, handle: handle}:
	case <-h.done:
	}
}

// Broadcast delivers the event to every connection currently registered
// under the tenant. Broadcasts for the same tenant reach connections in
// submission order; one slow client never delays the rest.
func (h *Hub) Broadcast(tenant string, event domain.Event) {
	select {
	case h.requests <- op{kind: opBroadcast, tenant: tenant, event: event}:
	case <-h.done:
	}
}
