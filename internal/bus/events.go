package bus

import "time"

// Kind identifies a session notification.
type Kind string

const (
	KindInitializing  Kind = "initializing"
	KindAuthenticated Kind = "authenticated"
	KindQRGenerated   Kind = "qr_generated"
	KindConnected     Kind = "connected"
	KindAuthFailure   Kind = "auth_failure"
	KindLoading       Kind = "loading"
	KindDisconnected  Kind = "disconnected"
	KindError         Kind = "error"
)

// Event is published on every session transition worth telling observers
// about. Events are never persisted.
type Event struct {
	Kind      Kind      `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent stamps an event with the current time.
func NewEvent(kind Kind, message string) Event {
	return Event{Kind: kind, Message: message, Timestamp: time.Now().UTC()}
}
