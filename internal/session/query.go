package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/coopco/sessiond/internal/access"
	"github.com/coopco/sessiond/internal/channels"
)

// ErrContactsUnavailable wraps failures of the contact list query itself.
var ErrContactsUnavailable = errors.New("contacts unavailable")

// Source is the read side of a Manager.
type Source interface {
	Snapshot() Snapshot
	ReadyClient() (channels.Client, bool)
}

type Connection string

const (
	Connected       Connection = "connected"
	NotConnected    Connection = "disconnected"
	ListAvailable   Connection = "available"
	ListUnavailable Connection = "unavailable"
)

// Status is the answer to a status query.
type Status struct {
	Status  Connection `json:"status"`
	State   State      `json:"state"`
	Message string     `json:"message"`
}

// ContactList is the answer to a contacts query.
type ContactList struct {
	Status   Connection         `json:"status"`
	Contacts []channels.Contact `json:"contacts,omitempty"`
	Detail   string             `json:"detail,omitempty"`
}

// Query serves the read-only session endpoints. Every call passes the
// access guard first.
type Query struct {
	guard  *access.Guard
	source Source
}

func NewQuery(guard *access.Guard, source Source) *Query {
	return &Query{guard: guard, source: source}
}

// Status reports connected only when the session is Ready with a live handle.
func (q *Query) Status(user, userID string) (Status, error) {
	if err := q.guard.Check(user, userID); err != nil {
		return Status{}, err
	}
	snap := q.source.Snapshot()
	id := q.guard.Identity()
	if snap.State == Ready && snap.HasClient {
		return Status{
			Status:  Connected,
			State:   snap.State,
			Message: fmt.Sprintf("session for %s is connected", id),
		}, nil
	}
	msg := fmt.Sprintf("session for %s is not connected (%s)", id, snap.State)
	if snap.LastError != "" {
		msg += ": " + snap.LastError
	}
	return Status{Status: NotConnected, State: snap.State, Message: msg}, nil
}

// Contacts returns the network's contact list of a Ready session.
func (q *Query) Contacts(ctx context.Context, user, userID string) (ContactList, error) {
	if err := q.guard.Check(user, userID); err != nil {
		return ContactList{Status: ListUnavailable, Detail: err.Error()}, err
	}
	client, ok := q.source.ReadyClient()
	if !ok {
		return ContactList{Status: ListUnavailable, Detail: ErrSessionNotReady.Error()}, ErrSessionNotReady
	}
	contacts, err := client.Contacts(ctx)
	if err != nil {
		slog.Warn("session: contacts query failed", "network", client.Name(), "error", err)
		return ContactList{Status: ListUnavailable, Detail: err.Error()}, fmt.Errorf("%w: %w", ErrContactsUnavailable, err)
	}
	return ContactList{Status: ListAvailable, Contacts: contacts}, nil
}
