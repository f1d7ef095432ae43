package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pipewise-io/pipewise/internal/auth"
	"github.com/pipewise-io/pipewise/internal/domain"
	"github.com/pipewise-io/pipewise/internal/hub"
	"github.com/pipewise-io/pipewise/internal/processor"
)

type echoHandler struct{}

func (echoHandler) HandleCommand(_ context.Context, sess processor.Session, raw []byte) {
	sess.Reply(domain.Event{Type: domain.EventAck, Message: string(raw), Timestamp: time.Now()})
}

type recordingWarmer struct {
	tenants chan string
}

func (w *recordingWarmer) EnsureTenant(tenant string) { w.tenants <- tenant }

func newTestServer(t *testing.T) (*httptest.Server, *hub.Hub, *auth.Tokens, *recordingWarmer) {
	t.Helper()

	tokens := auth.NewTokens("test-secret", time.Hour)
	eventHub := hub.New(8)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go eventHub.Run(ctx)

	warmer := &recordingWarmer{tenants: make(chan string, 4)}
	server := NewServer(tokens, eventHub, echoHandler{}).WithTenantWarmer(warmer)

	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)
	return srv, eventHub, tokens, warmer
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	sock, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	if err != nil {
		t.Fatalf("dial: %v (resp=%v)", err, resp)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { sock.Close() })
	return sock
}

func readEvent(t *testing.T, sock *websocket.Conn) domain.Event {
	t.Helper()
	sock.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event domain.Event
	if err := sock.ReadJSON(&event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return event
}

func TestServer_RejectsMissingToken(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err == nil {
		t.Fatal("expected handshake to fail without a token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", resp)
	}
}

func TestServer_RejectsBadToken(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	header := http.Header{}
	header.Set("Authorization", "Bearer garbage")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	if err == nil {
		t.Fatal("expected handshake to fail with a bad token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", resp)
	}
}

func TestServer_DeliversTenantBroadcasts(t *testing.T) {
	srv, eventHub, tokens, warmer := newTestServer(t)

	token, err := tokens.Sign("client-1", "tenant-a")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sock := dial(t, srv, token)

	select {
	case tenant := <-warmer.tenants:
		if tenant != "tenant-a" {
			t.Errorf("warmed tenant = %s, want tenant-a", tenant)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bridge was never warmed for the tenant")
	}

	want := domain.Event{
		Type:        domain.EventExecutionStarted,
		JobID:       uuid.NewString(),
		ExecutionID: uuid.NewString(),
		Status:      string(domain.ExecutionStatusRunning),
		Timestamp:   time.Now().UTC(),
	}

	// The register op may still be in flight; retry until delivery.
	deadline := time.Now().Add(2 * time.Second)
	delivered := make(chan domain.Event, 1)
	go func() {
		var event domain.Event
		if err := sock.ReadJSON(&event); err == nil {
			delivered <- event
		}
	}()
	for {
		eventHub.Broadcast("tenant-a", want)
		select {
		case got := <-delivered:
			if got.ExecutionID != want.ExecutionID {
				t.Errorf("delivered event = %s, want %s", got.ExecutionID, want.ExecutionID)
			}
			return
		case <-time.After(20 * time.Millisecond):
			if time.Now().After(deadline) {
				t.Fatal("broadcast never reached the client")
			}
		}
	}
}

func TestServer_PrivateCommandReplies(t *testing.T) {
	srv, _, tokens, _ := newTestServer(t)

	tokenA, _ := tokens.Sign("client-1", "tenant-a")
	tokenB, _ := tokens.Sign("client-2", "tenant-a")
	sender := dial(t, srv, tokenA)
	bystander := dial(t, srv, tokenB)

	if err := sender.WriteMessage(websocket.TextMessage, []byte(`{"command":"ping"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := readEvent(t, sender)
	if got.Type != domain.EventAck {
		t.Errorf("reply type = %s, want ack", got.Type)
	}
	if !strings.Contains(got.Message, "ping") {
		t.Errorf("reply %q does not echo the command", got.Message)
	}

	// The reply must not leak to other connections of the same tenant.
	bystander.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var leak domain.Event
	if err := bystander.ReadJSON(&leak); err == nil {
		t.Errorf("bystander received a private reply: %+v", leak)
	}
}

func TestServer_SubscriptionFilter(t *testing.T) {
	tokens := auth.NewTokens("test-secret", time.Hour)
	eventHub := hub.New(8)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go eventHub.Run(ctx)

	// Real processor so subscribe_job manipulates the session filter.
	proc := processor.New(noopDispatcher{}, noopPublisher{})
	srv := httptest.NewServer(NewServer(tokens, eventHub, proc))
	t.Cleanup(srv.Close)

	token, _ := tokens.Sign("client-1", "tenant-a")
	sock := dial(t, srv, token)

	wantedJob := uuid.NewString()
	otherJob := uuid.NewString()

	if err := sock.WriteJSON(map[string]any{
		"command": "subscribe_job",
		"payload": map[string]string{"jobId": wantedJob},
	}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	if got := readEvent(t, sock); got.Type != domain.EventAck {
		t.Fatalf("subscribe reply = %s, want ack", got.Type)
	}

	eventHub.Broadcast("tenant-a", domain.Event{Type: domain.EventExecutionStarted, JobID: otherJob, ExecutionID: uuid.NewString(), Timestamp: time.Now()})
	wanted := domain.Event{Type: domain.EventExecutionStarted, JobID: wantedJob, ExecutionID: uuid.NewString(), Timestamp: time.Now()}
	eventHub.Broadcast("tenant-a", wanted)

	got := readEvent(t, sock)
	if got.JobID != wantedJob {
		t.Errorf("filter leaked job %s, want only %s", got.JobID, wantedJob)
	}
}

type noopDispatcher struct{}

func (noopDispatcher) StartJob(context.Context, string, uuid.UUID) error { return nil }
func (noopDispatcher) CancelExecution(uuid.UUID) bool                    { return true }

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, string, []byte) error { return nil }
