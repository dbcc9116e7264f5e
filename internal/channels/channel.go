// Package channels wraps the chat-network client libraries behind one Client
// interface. Each driver registers a factory under its network name.
package channels

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
)

// ErrContactsUnsupported is returned by drivers whose network has no notion
// of an address book.
var ErrContactsUnsupported = errors.New("contacts not supported by this network")

// errClientDestroyed is returned by Connect when Destroy already ran.
var errClientDestroyed = errors.New("client destroyed")

// EventType enumerates lifecycle notifications a driver emits.
type EventType int

const (
	EventQR EventType = iota
	EventAuthenticated
	EventLoading
	EventReady
	EventAuthFailure
	EventDisconnected
)

var eventTypeNames = map[EventType]string{
	EventQR:            "qr",
	EventAuthenticated: "authenticated",
	EventLoading:       "loading",
	EventReady:         "ready",
	EventAuthFailure:   "auth_failure",
	EventDisconnected:  "disconnected",
}

func (t EventType) String() string {
	if s, ok := eventTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

// ReasonLogout marks a disconnect caused by the account being logged out on
// the remote side. The session manager never reconnects after it.
const ReasonLogout = "LOGOUT"

// Event is a lifecycle notification from a driver.
type Event struct {
	Type    EventType
	QR      string // EventQR
	Percent int    // EventLoading
	Message string
	Reason  string // EventDisconnected, EventAuthFailure
}

// EventHandler receives driver events. Drivers may call it from any
// goroutine; it must not block for long.
type EventHandler func(Event)

// Media is an attachment resolved to bytes.
type Media struct {
	Name     string
	MimeType string
	Data     []byte
	Caption  string
}

// Contact is an entry in the network's address book.
type Contact struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Number  string `json:"number,omitempty"`
	IsGroup bool   `json:"isGroup,omitempty"`
}

// Client is a handle to one connection with a chat network.
type Client interface {
	Name() string
	// Connect starts the connection. It returns once the attempt is under
	// way; progress is reported through the EventHandler.
	Connect(ctx context.Context) error
	// Destroy tears the connection down. No events are emitted afterwards.
	// It may be called more than once, and before Connect has returned.
	Destroy() error
	SendText(ctx context.Context, recipient, body string) error
	SendMedia(ctx context.Context, recipient string, media Media) error
	Contacts(ctx context.Context) ([]Contact, error)
}

// Options are handed to a factory together with the driver config.
type Options struct {
	// ClientID identifies the account, e.g. the configured user id.
	ClientID string
	// CredentialDir is where the driver may persist pairing state. Its
	// layout belongs to the driver.
	CredentialDir string
	// Handler is bound once for the lifetime of the client.
	Handler EventHandler
}

// Factory creates a Client from JSON config.
type Factory func(cfg json.RawMessage, opts Options) (Client, error)

var (
	registry   = map[string]Factory{}
	registryMu sync.RWMutex
)

// Register adds a driver factory to the registry.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// GetFactory returns the factory for a network name.
func GetFactory(name string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	return f, ok
}

// RegisteredNames returns all registered network names, sorted.
func RegisteredNames() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// emitter guards a handler so that nothing is delivered after Destroy.
type emitter struct {
	mu      sync.RWMutex
	handler EventHandler
}

func newEmitter(h EventHandler) *emitter {
	return &emitter{handler: h}
}

func (e *emitter) emit(ev Event) {
	e.mu.RLock()
	h := e.handler
	e.mu.RUnlock()
	if h != nil {
		h(ev)
	}
}

func (e *emitter) silence() {
	e.mu.Lock()
	e.handler = nil
	e.mu.Unlock()
}
