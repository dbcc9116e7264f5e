package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

func init() {
	Register("whatsapp", newWhatsAppClient)
}

const defaultGraphURL = "https://graph.facebook.com/v21.0"

type whatsAppConfig struct {
	AccessToken   string `json:"access_token"`
	PhoneNumberID string `json:"phone_number_id"`
	BaseURL       string `json:"base_url"`
}

// WhatsAppClient sends through the WhatsApp Cloud API. Pairing is done out of
// band with an access token, so no QR events are emitted.
type WhatsAppClient struct {
	accessToken   string
	phoneNumberID string
	baseURL       string
	events        *emitter
	httpClient    *http.Client
}

func newWhatsAppClient(cfg json.RawMessage, opts Options) (Client, error) {
	var c whatsAppConfig
	if err := json.Unmarshal(cfg, &c); err != nil {
		return nil, fmt.Errorf("failed to parse whatsapp config: %w", err)
	}
	if c.AccessToken == "" || c.PhoneNumberID == "" {
		return nil, errors.New("whatsapp: access_token and phone_number_id are required")
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultGraphURL
	}
	return &WhatsAppClient{
		accessToken:   c.AccessToken,
		phoneNumberID: c.PhoneNumberID,
		baseURL:       strings.TrimRight(c.BaseURL, "/"),
		events:        newEmitter(opts.Handler),
		httpClient:    &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (c *WhatsAppClient) Name() string { return "whatsapp" }

// Connect verifies the token against the phone number resource. There is no
// persistent connection; the client is ready once the token is accepted.
func (c *WhatsAppClient) Connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+c.phoneNumberID, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("whatsapp: verify token: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		b, _ := io.ReadAll(resp.Body)
		c.events.emit(Event{Type: EventAuthFailure, Message: string(b)})
		return nil
	case resp.StatusCode >= 300:
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("whatsapp: verify token status %d: %s", resp.StatusCode, b)
	}
	c.events.emit(Event{Type: EventAuthenticated})
	c.events.emit(Event{Type: EventReady})
	return nil
}

func (c *WhatsAppClient) Destroy() error {
	c.events.silence()
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *WhatsAppClient) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	return c.httpClient.Do(req)
}

func (c *WhatsAppClient) postMessage(ctx context.Context, payload map[string]any) error {
	body, _ := json.Marshal(payload)
	url := fmt.Sprintf("%s/%s/messages", c.baseURL, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("whatsapp: send message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("whatsapp: send message status %d: %s", resp.StatusCode, b)
	}
	return nil
}

func (c *WhatsAppClient) SendText(ctx context.Context, recipient, body string) error {
	return c.postMessage(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"to":                recipient,
		"type":              "text",
		"text":              map[string]string{"body": body},
	})
}

// SendMedia uploads the file first and then sends it by media id.
func (c *WhatsAppClient) SendMedia(ctx context.Context, recipient string, media Media) error {
	id, err := c.upload(ctx, media)
	if err != nil {
		return err
	}
	kind := mediaKind(media.MimeType)
	obj := map[string]string{"id": id}
	if media.Caption != "" {
		obj["caption"] = media.Caption
	}
	if kind == "document" {
		obj["filename"] = media.Name
	}
	return c.postMessage(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"to":                recipient,
		"type":              kind,
		kind:                obj,
	})
}

func (c *WhatsAppClient) upload(ctx context.Context, media Media) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("messaging_product", "whatsapp")
	_ = w.WriteField("type", media.MimeType)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, media.Name))
	h.Set("Content-Type", media.MimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(media.Data); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/%s/media", c.baseURL, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("whatsapp: upload media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("whatsapp: upload media status %d: %s", resp.StatusCode, b)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("whatsapp: decode upload response: %w", err)
	}
	if out.ID == "" {
		return "", errors.New("whatsapp: upload response without id")
	}
	return out.ID, nil
}

func mediaKind(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "image"
	case strings.HasPrefix(mimeType, "video/"):
		return "video"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	default:
		return "document"
	}
}

func (c *WhatsAppClient) Contacts(ctx context.Context) ([]Contact, error) {
	return nil, ErrContactsUnsupported
}
