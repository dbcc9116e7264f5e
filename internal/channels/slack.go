package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
)

func init() {
	Register("slack", newSlackClient)
}

type slackConfig struct {
	BotToken string `json:"botToken"`
	AppToken string `json:"appToken"`
}

// SlackClient runs a socket mode connection. Recipients are channel or user
// IDs.
type SlackClient struct {
	client       *slack.Client
	socketClient *socketmode.Client
	events       *emitter

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	destroyed bool
}

func newSlackClient(cfg json.RawMessage, opts Options) (Client, error) {
	var c slackConfig
	if err := json.Unmarshal(cfg, &c); err != nil {
		return nil, fmt.Errorf("failed to parse slack config: %w", err)
	}
	if c.BotToken == "" || c.AppToken == "" {
		return nil, errors.New("slack: botToken and appToken are required")
	}
	client := slack.New(c.BotToken, slack.OptionAppLevelToken(c.AppToken))
	return &SlackClient{
		client:       client,
		socketClient: socketmode.New(client),
		events:       newEmitter(opts.Handler),
	}, nil
}

func (c *SlackClient) Name() string { return "slack" }

func (c *SlackClient) Connect(ctx context.Context) error {
	if _, err := c.client.AuthTestContext(ctx); err != nil {
		if isSlackAuthError(err) {
			c.events.emit(Event{Type: EventAuthFailure, Message: err.Error()})
			return nil
		}
		return fmt.Errorf("slack: auth test: %w", err)
	}
	c.events.emit(Event{Type: EventAuthenticated})

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		cancel()
		return errClientDestroyed
	}
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go c.eventLoop(runCtx)
	go func() {
		defer close(done)
		err := c.socketClient.RunContext(runCtx)
		if runCtx.Err() != nil {
			return
		}
		ev := Event{Type: EventDisconnected, Reason: "SOCKET_CLOSED"}
		if err != nil {
			ev.Message = err.Error()
		}
		c.events.emit(ev)
	}()
	return nil
}

var slackAuthErrors = map[string]bool{
	"invalid_auth":     true,
	"not_authed":       true,
	"account_inactive": true,
	"token_revoked":    true,
	"token_expired":    true,
}

func isSlackAuthError(err error) bool {
	var slackErr slack.SlackErrorResponse
	if errors.As(err, &slackErr) {
		return slackAuthErrors[slackErr.Err]
	}
	return slackAuthErrors[err.Error()]
}

func (c *SlackClient) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.socketClient.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeConnecting:
				c.events.emit(Event{Type: EventLoading, Percent: 50, Message: "connecting to socket mode"})
			case socketmode.EventTypeConnected:
				c.events.emit(Event{Type: EventReady})
			case socketmode.EventTypeInvalidAuth:
				c.events.emit(Event{Type: EventAuthFailure, Message: "invalid app token"})
			case socketmode.EventTypeConnectionError:
				slog.Warn("slack: connection error", "data", evt.Data)
			case socketmode.EventTypeDisconnect:
				c.events.emit(Event{Type: EventDisconnected, Reason: "SERVER_DISCONNECT"})
			}
			if evt.Request != nil {
				c.socketClient.Ack(*evt.Request)
			}
		}
	}
}

func (c *SlackClient) Destroy() error {
	c.events.silence()
	c.mu.Lock()
	c.destroyed = true
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func (c *SlackClient) SendText(ctx context.Context, recipient, body string) error {
	if _, _, err := c.client.PostMessageContext(ctx, recipient, slack.MsgOptionText(body, false)); err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

func (c *SlackClient) SendMedia(ctx context.Context, recipient string, media Media) error {
	_, err := c.client.UploadFileContext(ctx, slack.UploadFileParameters{
		Reader:         bytes.NewReader(media.Data),
		FileSize:       len(media.Data),
		Filename:       media.Name,
		Channel:        recipient,
		InitialComment: media.Caption,
	})
	if err != nil {
		return fmt.Errorf("slack: upload file: %w", err)
	}
	return nil
}

func (c *SlackClient) Contacts(ctx context.Context) ([]Contact, error) {
	users, err := c.client.GetUsersContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("slack: list users: %w", err)
	}
	contacts := make([]Contact, 0, len(users))
	for _, u := range users {
		if u.IsBot || u.Deleted {
			continue
		}
		name := u.RealName
		if name == "" {
			name = u.Name
		}
		contacts = append(contacts, Contact{ID: u.ID, Name: name, Number: u.Profile.Phone})
	}
	return contacts, nil
}
