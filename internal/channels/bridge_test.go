package channels

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeBridge accepts one websocket connection and answers requests.
type fakeBridge struct {
	t        *testing.T
	srv      *httptest.Server
	mu       sync.Mutex
	init     bridgeFrame
	received []bridgeFrame
	conn     *websocket.Conn
	failSend bool
}

func newFakeBridge(t *testing.T) *fakeBridge {
	t.Helper()
	fb := &fakeBridge{t: t}
	upgrader := websocket.Upgrader{}
	fb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fb.mu.Lock()
		fb.conn = conn
		fb.mu.Unlock()
		fb.serve(conn)
	}))
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBridge) url() string {
	return "ws" + strings.TrimPrefix(fb.srv.URL, "http")
}

func (fb *fakeBridge) serve(conn *websocket.Conn) {
	defer conn.Close()
	var init bridgeFrame
	if err := conn.ReadJSON(&init); err != nil {
		return
	}
	fb.mu.Lock()
	fb.init = init
	fb.mu.Unlock()

	for _, f := range []bridgeFrame{
		{Type: "qr", QR: "2@pairing"},
		{Type: "authenticated"},
		{Type: "loading", Percent: 80, Message: "syncing"},
		{Type: "ready"},
	} {
		if err := conn.WriteJSON(f); err != nil {
			return
		}
	}

	for {
		var req bridgeFrame
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		fb.mu.Lock()
		fb.received = append(fb.received, req)
		failSend := fb.failSend
		fb.mu.Unlock()

		res := bridgeFrame{Type: "result", ID: req.ID}
		switch req.Type {
		case "send_text", "send_media":
			if failSend {
				res.Error = "recipient not on network"
			}
		case "contacts":
			res.Contacts = []Contact{{ID: "491511@c.us", Name: "Ada"}}
		}
		if err := conn.WriteJSON(res); err != nil {
			return
		}
	}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) handle(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *eventRecorder) waitFor(t *testing.T, typ EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		r.mu.Lock()
		for _, ev := range r.events {
			if ev.Type == typ {
				r.mu.Unlock()
				return ev
			}
		}
		r.mu.Unlock()
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %s, got %v", typ, r.types())
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func newTestBridgeClient(t *testing.T, fb *fakeBridge, rec *eventRecorder) *BridgeClient {
	t.Helper()
	raw, _ := json.Marshal(bridgeConfig{URL: fb.url(), Token: "secret"})
	c, err := newBridgeClient(raw, Options{ClientID: "42", CredentialDir: "/tmp/creds-42", Handler: rec.handle})
	if err != nil {
		t.Fatalf("newBridgeClient: %v", err)
	}
	return c.(*BridgeClient)
}

func TestBridgeLifecycleEvents(t *testing.T) {
	fb := newFakeBridge(t)
	rec := &eventRecorder{}
	c := newTestBridgeClient(t, fb, rec)
	defer c.Destroy()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	qr := rec.waitFor(t, EventQR)
	if qr.QR != "2@pairing" {
		t.Errorf("QR = %q, want %q", qr.QR, "2@pairing")
	}
	loading := rec.waitFor(t, EventLoading)
	if loading.Percent != 80 {
		t.Errorf("Percent = %d, want 80", loading.Percent)
	}
	rec.waitFor(t, EventReady)

	fb.mu.Lock()
	init := fb.init
	fb.mu.Unlock()
	if init.Type != "init" || init.ClientID != "42" || init.DataPath != "/tmp/creds-42" {
		t.Errorf("unexpected init frame: %+v", init)
	}
}

func TestBridgeRequests(t *testing.T) {
	fb := newFakeBridge(t)
	rec := &eventRecorder{}
	c := newTestBridgeClient(t, fb, rec)
	defer c.Destroy()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	rec.waitFor(t, EventReady)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.SendText(ctx, "+49 1511", "hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if err := c.SendMedia(ctx, "491511", Media{Name: "a.pdf", MimeType: "application/pdf", Data: []byte("%PDF")}); err != nil {
		t.Fatalf("SendMedia: %v", err)
	}
	contacts, err := c.Contacts(ctx)
	if err != nil {
		t.Fatalf("Contacts: %v", err)
	}
	if len(contacts) != 1 || contacts[0].Name != "Ada" {
		t.Errorf("unexpected contacts: %+v", contacts)
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.received) != 3 {
		t.Fatalf("bridge received %d requests, want 3", len(fb.received))
	}
	if fb.received[0].To != "491511@c.us" || fb.received[0].Body != "hello" {
		t.Errorf("unexpected send_text frame: %+v", fb.received[0])
	}
	if string(fb.received[1].Data) != "%PDF" {
		t.Errorf("media payload not round-tripped: %q", fb.received[1].Data)
	}
}

func TestBridgeRequestError(t *testing.T) {
	fb := newFakeBridge(t)
	fb.mu.Lock()
	fb.failSend = true
	fb.mu.Unlock()
	rec := &eventRecorder{}
	c := newTestBridgeClient(t, fb, rec)
	defer c.Destroy()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	rec.waitFor(t, EventReady)

	err := c.SendText(context.Background(), "491511", "hello")
	if err == nil || !strings.Contains(err.Error(), "recipient not on network") {
		t.Fatalf("expected bridge error, got %v", err)
	}
}

func TestBridgeConnectionLost(t *testing.T) {
	fb := newFakeBridge(t)
	rec := &eventRecorder{}
	c := newTestBridgeClient(t, fb, rec)
	defer c.Destroy()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	rec.waitFor(t, EventReady)

	fb.mu.Lock()
	fb.conn.Close()
	fb.mu.Unlock()

	ev := rec.waitFor(t, EventDisconnected)
	if ev.Reason != "CONNECTION_LOST" {
		t.Errorf("Reason = %q, want CONNECTION_LOST", ev.Reason)
	}
	if err := c.SendText(context.Background(), "1", "x"); err == nil {
		t.Fatal("expected error after connection loss")
	}
}

func TestBridgeDestroySilencesEvents(t *testing.T) {
	fb := newFakeBridge(t)
	rec := &eventRecorder{}
	c := newTestBridgeClient(t, fb, rec)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	rec.waitFor(t, EventReady)
	if err := c.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	for _, typ := range rec.types() {
		if typ == EventDisconnected {
			t.Fatal("no disconnect event expected after Destroy")
		}
	}
	if err := c.Destroy(); err != nil {
		t.Fatalf("second Destroy: %v", err)
	}
}

func TestBridgeDialFailure(t *testing.T) {
	fb := newFakeBridge(t)
	raw, _ := json.Marshal(bridgeConfig{URL: fb.url(), Token: "wrong"})
	c, err := newBridgeClient(raw, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected dial error for rejected token")
	}
}
