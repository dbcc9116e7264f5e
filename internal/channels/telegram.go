package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func init() {
	Register("telegram", newTelegramClient)
}

type telegramConfig struct {
	Token       string `json:"token"`
	APIEndpoint string `json:"apiEndpoint"` // optional, for a self-hosted Bot API server
}

// pollTimeout is the long-poll window in seconds; the HTTP timeout sits above it.
const pollTimeout = 60

// TelegramClient uses Bot API long polling. Recipients are numeric chat IDs.
// The Bot API has no address book, so Contacts is unsupported.
type TelegramClient struct {
	token      string
	endpoint   string
	httpClient *http.Client
	events     *emitter

	mu        sync.Mutex
	bot       *tgbotapi.BotAPI
	stopCh    chan struct{}
	destroyed bool
}

func newTelegramClient(cfg json.RawMessage, opts Options) (Client, error) {
	var tcfg telegramConfig
	if err := json.Unmarshal(cfg, &tcfg); err != nil {
		return nil, fmt.Errorf("failed to parse telegram config: %w", err)
	}
	if tcfg.Token == "" {
		return nil, errors.New("telegram: token is required")
	}
	if tcfg.APIEndpoint == "" {
		tcfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	return &TelegramClient{
		token:      tcfg.Token,
		endpoint:   tcfg.APIEndpoint,
		httpClient: &http.Client{Timeout: (pollTimeout + 30) * time.Second},
		events:     newEmitter(opts.Handler),
	}, nil
}

// withContext runs fn and returns as soon as ctx ends. The Bot API client
// takes no context, so an abandoned call keeps running until the HTTP
// client timeout.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (c *TelegramClient) Name() string { return "telegram" }

func (c *TelegramClient) Connect(ctx context.Context) error {
	c.events.emit(Event{Type: EventLoading, Percent: 0, Message: "checking bot token"})
	bot, err := withContext(ctx, func() (*tgbotapi.BotAPI, error) {
		return tgbotapi.NewBotAPIWithClient(c.token, c.endpoint, c.httpClient)
	})
	if err != nil {
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized {
			c.events.emit(Event{Type: EventAuthFailure, Message: apiErr.Message})
			return nil
		}
		return fmt.Errorf("telegram: failed to create bot: %w", err)
	}

	stopCh := make(chan struct{})
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return errClientDestroyed
	}
	c.bot = bot
	c.stopCh = stopCh
	c.mu.Unlock()
	c.events.emit(Event{Type: EventAuthenticated, Message: bot.Self.UserName})

	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	updates := bot.GetUpdatesChan(u)
	go func() {
		for {
			select {
			case _, ok := <-updates:
				if !ok {
					return
				}
			case <-stopCh:
				bot.StopReceivingUpdates()
				return
			}
		}
	}()

	c.events.emit(Event{Type: EventReady})
	return nil
}

func (c *TelegramClient) Destroy() error {
	c.events.silence()
	c.mu.Lock()
	c.destroyed = true
	stopCh := c.stopCh
	c.stopCh = nil
	c.bot = nil
	c.mu.Unlock()
	if stopCh != nil {
		close(stopCh)
	}
	return nil
}

func (c *TelegramClient) currentBot() (*tgbotapi.BotAPI, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bot == nil {
		return nil, errors.New("telegram: not connected")
	}
	return c.bot, nil
}

func (c *TelegramClient) send(ctx context.Context, msg tgbotapi.Chattable) error {
	bot, err := c.currentBot()
	if err != nil {
		return err
	}
	_, err = withContext(ctx, func() (tgbotapi.Message, error) { return bot.Send(msg) })
	return err
}

func (c *TelegramClient) SendText(ctx context.Context, recipient, body string) error {
	chatID, err := strconv.ParseInt(recipient, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chatID %q: %w", recipient, err)
	}
	if err := c.send(ctx, tgbotapi.NewMessage(chatID, body)); err != nil {
		return fmt.Errorf("telegram: send message: %w", err)
	}
	return nil
}

func (c *TelegramClient) SendMedia(ctx context.Context, recipient string, media Media) error {
	chatID, err := strconv.ParseInt(recipient, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chatID %q: %w", recipient, err)
	}
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: media.Name, Bytes: media.Data})
	doc.Caption = media.Caption
	if err := c.send(ctx, doc); err != nil {
		return fmt.Errorf("telegram: send document: %w", err)
	}
	return nil
}

func (c *TelegramClient) Contacts(ctx context.Context) ([]Contact, error) {
	return nil, ErrContactsUnsupported
}
