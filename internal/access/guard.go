// Package access checks that callers present the single identity this
// process is configured for.
package access

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrAccessDenied is wrapped by every DeniedError.
var ErrAccessDenied = errors.New("access denied")

// Identity is the user/userId pair fixed at process start.
type Identity struct {
	User   string `json:"user"`
	UserID string `json:"userId"`
}

func (i Identity) String() string {
	return fmt.Sprintf("%s (%s)", i.User, i.UserID)
}

// DeniedError names the fields that did not match.
type DeniedError struct {
	Fields []string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("access denied: %s mismatch", strings.Join(e.Fields, " and "))
}

func (e *DeniedError) Unwrap() error { return ErrAccessDenied }

// Guard validates claimed identities against the configured one.
type Guard struct {
	identity Identity
}

func NewGuard(identity Identity) *Guard {
	return &Guard{identity: identity}
}

// Identity returns the configured identity.
func (g *Guard) Identity() Identity { return g.identity }

// Check returns nil when both fields match exactly, otherwise a *DeniedError.
func (g *Guard) Check(user, userID string) error {
	var fields []string
	if user != g.identity.User {
		fields = append(fields, "user")
	}
	if userID != g.identity.UserID {
		fields = append(fields, "userId")
	}
	if len(fields) == 0 {
		return nil
	}
	err := &DeniedError{Fields: fields}
	slog.Warn("access: denied", "user", user, "userId", userID, "reason", err.Error())
	return err
}
