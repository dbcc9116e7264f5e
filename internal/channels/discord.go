package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/bwmarrin/discordgo"
	"github.com/gorilla/websocket"
)

// discordCloseAuthFailed is the gateway close code for a rejected token.
const discordCloseAuthFailed = 4004

func init() {
	Register("discord", newDiscordClient)
}

type discordConfig struct {
	Token string `json:"token"`
}

// DiscordClient drives a discordgo gateway session. Recipients are channel
// IDs. The session's own reconnect loop is disabled; the session manager
// decides when to reconnect.
type DiscordClient struct {
	session *discordgo.Session
	events  *emitter
	removes []func()
}

func newDiscordClient(cfg json.RawMessage, opts Options) (Client, error) {
	var dcfg discordConfig
	if err := json.Unmarshal(cfg, &dcfg); err != nil {
		return nil, fmt.Errorf("failed to parse discord config: %w", err)
	}
	if dcfg.Token == "" {
		return nil, errors.New("discord: token is required")
	}
	session, err := discordgo.New("Bot " + dcfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.ShouldReconnectOnError = false
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMembers

	c := &DiscordClient{session: session, events: newEmitter(opts.Handler)}
	c.removes = append(c.removes,
		session.AddHandler(func(s *discordgo.Session, _ *discordgo.Connect) {
			c.events.emit(Event{Type: EventAuthenticated})
		}),
		session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
			if r.User != nil {
				slog.Info("discord: ready", "user", r.User.Username, "guilds", len(r.Guilds))
			}
			c.events.emit(Event{Type: EventReady})
		}),
		session.AddHandler(func(s *discordgo.Session, _ *discordgo.Disconnect) {
			c.events.emit(Event{Type: EventDisconnected, Reason: "GATEWAY_CLOSED"})
		}),
	)
	return c, nil
}

func (c *DiscordClient) Name() string { return "discord" }

func (c *DiscordClient) Connect(ctx context.Context) error {
	c.events.emit(Event{Type: EventLoading, Percent: 0, Message: "opening gateway"})
	if err := c.session.Open(); err != nil {
		if isDiscordAuthError(err) {
			c.events.emit(Event{Type: EventAuthFailure, Message: "invalid bot token"})
			return nil
		}
		return fmt.Errorf("discord: failed to open websocket: %w", err)
	}
	return nil
}

func isDiscordAuthError(err error) bool {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == http.StatusUnauthorized {
		return true
	}
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr) && closeErr.Code == discordCloseAuthFailed
}

func (c *DiscordClient) Destroy() error {
	c.events.silence()
	for _, remove := range c.removes {
		remove()
	}
	return c.session.Close()
}

func (c *DiscordClient) SendText(ctx context.Context, recipient, body string) error {
	if _, err := c.session.ChannelMessageSend(recipient, body, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: failed to send message: %w", err)
	}
	return nil
}

func (c *DiscordClient) SendMedia(ctx context.Context, recipient string, media Media) error {
	msg := &discordgo.MessageSend{
		Content: media.Caption,
		Files: []*discordgo.File{{
			Name:        media.Name,
			ContentType: media.MimeType,
			Reader:      bytes.NewReader(media.Data),
		}},
	}
	if _, err := c.session.ChannelMessageSendComplex(recipient, msg, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: failed to send file: %w", err)
	}
	return nil
}

// Contacts lists the members of every guild the bot is in.
func (c *DiscordClient) Contacts(ctx context.Context) ([]Contact, error) {
	if c.session.State == nil {
		return nil, errors.New("discord: no state cache")
	}
	contacts := []Contact{}
	for _, g := range c.session.State.Guilds {
		members, err := c.session.GuildMembers(g.ID, "", 1000, discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("discord: list members of %s: %w", g.ID, err)
		}
		for _, m := range members {
			if m.User == nil || m.User.Bot {
				continue
			}
			name := m.Nick
			if name == "" {
				name = m.User.Username
			}
			contacts = append(contacts, Contact{ID: m.User.ID, Name: name})
		}
	}
	return contacts, nil
}
