// Package ws is the realtime client surface: it authenticates websocket
// handshakes, registers connections with the event hub, and feeds inbound
// client messages to the command processor.
package ws

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pipewise-io/pipewise/internal/domain"
	"github.com/pipewise-io/pipewise/internal/hub"
	"github.com/pipewise-io/pipewise/internal/processor"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096

	// replyBuffer bounds private replies queued per connection.
	replyBuffer = 16
)

// TokenVerifier authenticates a handshake token and resolves its tenant.
type TokenVerifier interface {
	Verify(token string) (tenant string, err error)
}

// TenantWarmer makes sure broker events for the tenant reach this instance.
type TenantWarmer interface {
	EnsureTenant(tenant string)
}

// CommandHandler executes one raw inbound client message.
type CommandHandler interface {
	HandleCommand(ctx context.Context, sess processor.Session, raw []byte)
}

type Server struct {
	tokens   TokenVerifier
	hub      *hub.Hub
	warmer   TenantWarmer // optional, nil = no broker bridge
	handler  CommandHandler
	upgrader websocket.Upgrader
}

func NewServer(tokens TokenVerifier, eventHub *hub.Hub, handler CommandHandler) *Server {
	return &Server{
		tokens:  tokens,
		hub:     eventHub,
		handler: handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// WithTenantWarmer attaches the broker bridge so each connected tenant's
// topic subscription is kept warm.
func (s *Server) WithTenantWarmer(warmer TenantWarmer) *Server {
	s.warmer = warmer
	return s
}

// ServeHTTP upgrades an authenticated request to a websocket session. The
// token travels in the Authorization header or a token query parameter.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	tenant, err := s.tokens.Verify(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	handle, err := s.hub.Register(r.Context(), tenant)
	if err != nil {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}

	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.hub.Unregister(handle)
		log.Printf("ws: upgrade failed for tenant %s: %v", tenant, err)
		return
	}

	if s.warmer != nil {
		s.warmer.EnsureTenant(tenant)
	}

	c := &conn{
		tenant:  tenant,
		sock:    sock,
		handle:  handle,
		replies: make(chan domain.Event, replyBuffer),
		subs:    make(map[string]struct{}),
	}

	log.Printf("ws: client connected (tenant=%s)", tenant)
	go c.writePump(s.hub)
	go c.readPump(s)
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// conn is one websocket session. It implements processor.Session: replies go
// to this client only, and SubscribeJob narrows which broadcast events the
// write pump forwards.
type conn struct {
	tenant  string
	sock    *websocket.Conn
	handle  *hub.Handle
	replies chan domain.Event

	mu   sync.Mutex
	subs map[string]struct{} // empty = all of the tenant's jobs
}

func (c *conn) Tenant() string { return c.tenant }

func (c *conn) SubscribeJob(jobID string) {
	c.mu.Lock()
	c.subs[jobID] = struct{}{}
	c.mu.Unlock()
}

// Reply queues a private message. A connection that cannot even drain its
// reply buffer forfeits the message; the write pump is the only writer to
// the socket.
func (c *conn) Reply(event domain.Event) {
	select {
	case c.replies <- event:
	default:
		log.Printf("ws: reply buffer full, dropping reply (tenant=%s)", c.tenant)
	}
}

// wantsEvent applies the connection's job subscription filter.
func (c *conn) wantsEvent(event domain.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs) == 0 || event.JobID == "" {
		return true
	}
	_, ok := c.subs[event.JobID]
	return ok
}

// readPump consumes inbound client messages until the socket dies, then
// unregisters the connection. Commands get a fresh context because the
// request context dies when the handshake handler returns.
func (c *conn) readPump(s *Server) {
	defer func() {
		s.hub.Unregister(c.handle)
		c.sock.Close()
		log.Printf("ws: client disconnected (tenant=%s)", c.tenant)
	}()

	c.sock.SetReadLimit(maxMessageSize)
	c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		c.sock.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws: read error (tenant=%s): %v", c.tenant, err)
			}
			return
		}
		s.handler.HandleCommand(context.Background(), c, raw)
	}
}

// writePump is the single socket writer: it interleaves broadcast events,
// private replies, and pings. It exits when the hub drops the connection.
func (c *conn) writePump(eventHub *hub.Hub) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.sock.Close()
	}()

	for {
		select {
		case event, ok := <-c.handle.Events():
			if !ok {
				// Dropped by the hub: slow consumer or shutdown.
				c.sock.SetWriteDeadline(time.Now().Add(writeWait))
				c.sock.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if !c.wantsEvent(event) {
				continue
			}
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteJSON(event); err != nil {
				return
			}

		case event := <-c.replies:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteJSON(event); err != nil {
				return
			}

		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
