package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

func init() {
	Register("bridge", newBridgeClient)
}

type bridgeConfig struct {
	URL              string `json:"url"`
	Token            string `json:"token"`
	HandshakeTimeout int    `json:"handshakeTimeout"` // seconds, default 15
}

// bridgeFrame is the single JSON shape exchanged with the bridge in both
// directions; unused fields are omitted.
type bridgeFrame struct {
	Type     string    `json:"type"`
	ID       string    `json:"id,omitempty"`
	ClientID string    `json:"clientId,omitempty"`
	DataPath string    `json:"dataPath,omitempty"`
	To       string    `json:"to,omitempty"`
	Body     string    `json:"body,omitempty"`
	Name     string    `json:"name,omitempty"`
	MimeType string    `json:"mimetype,omitempty"`
	Data     []byte    `json:"data,omitempty"`
	Caption  string    `json:"caption,omitempty"`
	QR       string    `json:"qr,omitempty"`
	Percent  int       `json:"percent,omitempty"`
	Message  string    `json:"message,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Error    string    `json:"error,omitempty"`
	Contacts []Contact `json:"contacts,omitempty"`
}

var errBridgeClosed = errors.New("bridge: connection closed")

// BridgeClient talks to an external multi-device chat bridge over a
// websocket. The bridge performs QR pairing and keeps its credentials under
// Options.CredentialDir.
type BridgeClient struct {
	url    string
	token  string
	opts   Options
	events *emitter
	dialer *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	pending   map[string]chan bridgeFrame
	destroyed bool

	writeMu sync.Mutex
	nextID  atomic.Uint64
}

func newBridgeClient(cfg json.RawMessage, opts Options) (Client, error) {
	var c bridgeConfig
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &c); err != nil {
			return nil, fmt.Errorf("failed to parse bridge config: %w", err)
		}
	}
	if c.URL == "" {
		return nil, errors.New("bridge: url is required")
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 15
	}
	return &BridgeClient{
		url:    c.URL,
		token:  c.Token,
		opts:   opts,
		events: newEmitter(opts.Handler),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: time.Duration(c.HandshakeTimeout) * time.Second,
		},
		pending: make(map[string]chan bridgeFrame),
	}, nil
}

func (c *BridgeClient) Name() string { return "bridge" }

func (c *BridgeClient) Connect(ctx context.Context) error {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return fmt.Errorf("bridge: dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		conn.Close()
		return errBridgeClosed
	}
	c.conn = conn
	c.mu.Unlock()

	if err := c.write(bridgeFrame{Type: "init", ClientID: c.opts.ClientID, DataPath: c.opts.CredentialDir}); err != nil {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("bridge: send init: %w", err)
	}

	go c.readLoop(conn)
	return nil
}

func (c *BridgeClient) readLoop(conn *websocket.Conn) {
	for {
		var f bridgeFrame
		if err := conn.ReadJSON(&f); err != nil {
			c.lost(err)
			return
		}
		switch f.Type {
		case "qr":
			c.events.emit(Event{Type: EventQR, QR: f.QR})
		case "authenticated":
			c.events.emit(Event{Type: EventAuthenticated})
		case "loading":
			c.events.emit(Event{Type: EventLoading, Percent: f.Percent, Message: f.Message})
		case "ready":
			c.events.emit(Event{Type: EventReady})
		case "auth_failure":
			c.events.emit(Event{Type: EventAuthFailure, Message: f.Message, Reason: f.Reason})
		case "disconnected":
			c.events.emit(Event{Type: EventDisconnected, Reason: f.Reason, Message: f.Message})
		case "result":
			c.resolve(f)
		default:
			slog.Debug("bridge: ignoring frame", "type", f.Type)
		}
	}
}

func (c *BridgeClient) resolve(f bridgeFrame) {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.mu.Unlock()
	if ok {
		ch <- f
	}
}

// lost is called when the read loop ends. Pending requests fail and, unless
// the client was destroyed on purpose, a disconnect is reported.
func (c *BridgeClient) lost(err error) {
	c.mu.Lock()
	destroyed := c.destroyed
	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]chan bridgeFrame)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	if destroyed {
		return
	}
	slog.Warn("bridge: connection lost", "error", err)
	c.events.emit(Event{Type: EventDisconnected, Reason: "CONNECTION_LOST", Message: err.Error()})
}

func (c *BridgeClient) Destroy() error {
	c.events.silence()

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "destroy"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}

func (c *BridgeClient) write(f bridgeFrame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errBridgeClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(f)
}

// request sends f and waits for the bridge's result frame with the same id.
func (c *BridgeClient) request(ctx context.Context, f bridgeFrame) (bridgeFrame, error) {
	f.ID = strconv.FormatUint(c.nextID.Add(1), 10)
	ch := make(chan bridgeFrame, 1)

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return bridgeFrame{}, errBridgeClosed
	}
	c.pending[f.ID] = ch
	c.mu.Unlock()

	if err := c.write(f); err != nil {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
		return bridgeFrame{}, fmt.Errorf("bridge: write %s: %w", f.Type, err)
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return bridgeFrame{}, errBridgeClosed
		}
		if res.Error != "" {
			return res, fmt.Errorf("bridge: %s: %s", f.Type, res.Error)
		}
		return res, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
		return bridgeFrame{}, ctx.Err()
	}
}

// chatID turns a bare phone number into the bridge's user address.
func chatID(recipient string) string {
	if strings.Contains(recipient, "@") {
		return recipient
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, recipient)
	return digits + "@c.us"
}

func (c *BridgeClient) SendText(ctx context.Context, recipient, body string) error {
	_, err := c.request(ctx, bridgeFrame{Type: "send_text", To: chatID(recipient), Body: body})
	return err
}

func (c *BridgeClient) SendMedia(ctx context.Context, recipient string, media Media) error {
	_, err := c.request(ctx, bridgeFrame{
		Type:     "send_media",
		To:       chatID(recipient),
		Name:     media.Name,
		MimeType: media.MimeType,
		Data:     media.Data,
		Caption:  media.Caption,
	})
	return err
}

func (c *BridgeClient) Contacts(ctx context.Context) ([]Contact, error) {
	res, err := c.request(ctx, bridgeFrame{Type: "contacts"})
	if err != nil {
		return nil, err
	}
	if res.Contacts == nil {
		return []Contact{}, nil
	}
	return res.Contacts, nil
}
