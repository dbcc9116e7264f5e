package session

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/coopco/sessiond/internal/access"
)

var (
	// ErrSessionNotReady is returned when an operation needs a Ready session.
	ErrSessionNotReady = errors.New("session not ready")
	// ErrInitialization wraps synchronous failures building or connecting a
	// client. It is never retried automatically.
	ErrInitialization = errors.New("session initialization failed")
	// ErrClosed is returned once the manager has been closed.
	ErrClosed = errors.New("session manager closed")
)

type State int

const (
	Idle State = iota
	Initializing
	Authenticating
	Ready
	Reconnecting
	Disconnected
	Failed
)

var stateNames = map[State]string{
	Idle:           "idle",
	Initializing:   "initializing",
	Authenticating: "authenticating",
	Ready:          "ready",
	Reconnecting:   "reconnecting",
	Disconnected:   "disconnected",
	Failed:         "failed",
}

var stateFromName = map[string]State{
	"idle":           Idle,
	"initializing":   Initializing,
	"authenticating": Authenticating,
	"ready":          Ready,
	"reconnecting":   Reconnecting,
	"disconnected":   Disconnected,
	"failed":         Failed,
}

// StateNames lists every state name, in declaration order.
func StateNames() []string {
	names := make([]string, 0, len(stateNames))
	for s := Idle; s <= Failed; s++ {
		names = append(names, s.String())
	}
	return names
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if v, ok := stateFromName[n]; ok {
		*s = v
	}
	return nil
}

// StartResult describes what Start did.
type StartResult string

const (
	StartStarted          StartResult = "started"
	StartInProgress       StartResult = "in_progress"
	StartAlreadyConnected StartResult = "already_connected"
	StartFailed           StartResult = "failed"

	startSkipped StartResult = "skipped"
)

// Snapshot is a read-only copy of the session.
type Snapshot struct {
	State             State           `json:"state"`
	Identity          access.Identity `json:"identity"`
	Network           string          `json:"network"`
	HasClient         bool            `json:"hasClient"`
	Initializing      bool            `json:"initializing"`
	ReconnectAttempts int             `json:"reconnectAttempts"`
	MaxReconnects     int             `json:"maxReconnects"`
	LastError         string          `json:"lastError,omitempty"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}
