package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coopco/sessiond/internal/access"
	"github.com/coopco/sessiond/internal/channels"
	"github.com/coopco/sessiond/internal/session"
)

var owner = access.Identity{User: "alice", UserID: "u-1"}

type recordingClient struct {
	mu     sync.Mutex
	sent   []string
	media  []channels.Media
	failOn map[string]error
	block  bool
}

func (c *recordingClient) Name() string                      { return "recording" }
func (c *recordingClient) Connect(ctx context.Context) error { return nil }
func (c *recordingClient) Destroy() error                    { return nil }

func (c *recordingClient) SendText(ctx context.Context, recipient, body string) error {
	if c.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err := c.failOn[body]; err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, body)
	return nil
}

func (c *recordingClient) SendMedia(ctx context.Context, recipient string, m channels.Media) error {
	if err := c.failOn[m.Name]; err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.media = append(c.media, m)
	return nil
}

func (c *recordingClient) Contacts(ctx context.Context) ([]channels.Contact, error) {
	return nil, nil
}

type readySource struct {
	client channels.Client
	ready  bool
}

func (s readySource) ReadyClient() (channels.Client, bool) {
	if !s.ready {
		return nil, false
	}
	return s.client, true
}

func newTestDispatcher(src Source, media *MediaResolver, timeout time.Duration) *Dispatcher {
	return NewDispatcher(access.NewGuard(owner), src, media, Options{ItemTimeout: timeout})
}

func TestSendSettlesAll(t *testing.T) {
	client := &recordingClient{failOn: map[string]error{"three": errors.New("rate limited")}}
	d := newTestDispatcher(readySource{client: client, ready: true}, nil, time.Second)

	batch := NewBatch("15550001", []string{"one", "two", "three", "four", "five"}, nil)
	report, err := d.Send(context.Background(), owner, batch)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !report.OK {
		t.Fatal("expected ok report")
	}
	if report.Sent != 4 || report.Failed != 1 {
		t.Fatalf("expected 4 sent / 1 failed, got %d / %d", report.Sent, report.Failed)
	}
	for i, o := range report.Outcomes {
		if o.Index != i {
			t.Fatalf("outcome %d has index %d", i, o.Index)
		}
		want := StatusSent
		if i == 2 {
			want = StatusFailed
		}
		if o.Status != want {
			t.Errorf("outcome %d: expected %s, got %s", i, want, o.Status)
		}
	}
	if report.Outcomes[2].Reason != "rate limited" {
		t.Fatalf("unexpected reason %q", report.Outcomes[2].Reason)
	}
}

func TestSendGateOrder(t *testing.T) {
	client := &recordingClient{}
	batch := NewBatch("15550001", []string{"hi"}, nil)

	tests := []struct {
		name    string
		source  readySource
		caller  access.Identity
		batch   Batch
		wantErr error
	}{
		{"denied while ready", readySource{client: client, ready: true}, access.Identity{User: "alice", UserID: "x"}, batch, access.ErrAccessDenied},
		{"denied while not ready", readySource{}, access.Identity{User: "eve", UserID: "u-1"}, batch, access.ErrAccessDenied},
		{"not ready", readySource{}, owner, batch, session.ErrSessionNotReady},
		{"empty batch", readySource{client: client, ready: true}, owner, Batch{Recipient: "1"}, ErrEmptyBatch},
		{"no recipient", readySource{client: client, ready: true}, owner, Batch{Items: []Item{Text("x")}}, ErrNoRecipient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDispatcher(tt.source, nil, 0)
			_, err := d.Send(context.Background(), tt.caller, tt.batch)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
	if len(client.sent) != 0 {
		t.Fatalf("gated sends reached the client: %v", client.sent)
	}
}

func TestSendItemTimeout(t *testing.T) {
	client := &recordingClient{block: true}
	d := newTestDispatcher(readySource{client: client, ready: true}, nil, 20*time.Millisecond)

	report, err := d.Send(context.Background(), owner, NewBatch("1", []string{"slow"}, nil))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if report.Failed != 1 || !strings.Contains(report.Outcomes[0].Reason, "deadline") {
		t.Fatalf("expected a timed-out item, got %+v", report.Outcomes)
	}
}

func TestSendMediaAndText(t *testing.T) {
	dir := t.TempDir()
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	if err := os.WriteFile(filepath.Join(dir, "chart.png"), png, 0o644); err != nil {
		t.Fatal(err)
	}
	client := &recordingClient{}
	d := newTestDispatcher(readySource{client: client, ready: true}, NewMediaResolver(dir, 0), time.Second)

	batch := NewBatch("1", []string{"see attached"}, []string{"chart.png", "../secret.txt", "missing.png"})
	report, err := d.Send(context.Background(), owner, batch)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if report.Sent != 2 || report.Failed != 2 {
		t.Fatalf("expected 2 sent / 2 failed, got %+v", report.Outcomes)
	}
	kinds := []ItemKind{KindMedia, KindMedia, KindMedia, KindText}
	for i, k := range kinds {
		if report.Outcomes[i].Kind != k {
			t.Errorf("outcome %d: expected %s, got %s", i, k, report.Outcomes[i].Kind)
		}
	}
	if !strings.Contains(report.Outcomes[1].Reason, ErrPathTraversal.Error()) {
		t.Fatalf("expected traversal rejection, got %q", report.Outcomes[1].Reason)
	}
	if len(client.media) != 1 || client.media[0].MimeType != "image/png" {
		t.Fatalf("unexpected media %+v", client.media)
	}
}

func TestPreview(t *testing.T) {
	long := strings.Repeat("é", 50)
	if got := preview(long); len([]rune(got)) != 43 {
		t.Fatalf("unexpected preview %q", got)
	}
	if got := preview("short"); got != "short" {
		t.Fatalf("unexpected preview %q", got)
	}
}
