// Package dispatch sends batches of text and media items through the ready
// session client.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/coopco/sessiond/internal/access"
	"github.com/coopco/sessiond/internal/channels"
	"github.com/coopco/sessiond/internal/metrics"
	"github.com/coopco/sessiond/internal/session"
)

var (
	ErrEmptyBatch  = errors.New("batch has no items")
	ErrNoRecipient = errors.New("batch has no recipient")
)

type ItemKind string

const (
	KindMedia ItemKind = "media"
	KindText  ItemKind = "text"
)

// Item is one outbound message. Ref is set for media, Body for text.
type Item struct {
	Kind    ItemKind `json:"kind"`
	Ref     string   `json:"ref,omitempty"`
	Body    string   `json:"body,omitempty"`
	Caption string   `json:"caption,omitempty"`
}

func Text(body string) Item { return Item{Kind: KindText, Body: body} }

func MediaItem(ref string) Item { return Item{Kind: KindMedia, Ref: ref} }

// Batch is an ordered set of items for a single recipient.
type Batch struct {
	Recipient string `json:"recipient"`
	Items     []Item `json:"items"`
}

// NewBatch puts media before texts, the order inbound requests list them.
func NewBatch(recipient string, texts, media []string) Batch {
	b := Batch{Recipient: recipient}
	for _, ref := range media {
		b.Items = append(b.Items, MediaItem(ref))
	}
	for _, body := range texts {
		b.Items = append(b.Items, Text(body))
	}
	return b
}

type OutcomeStatus string

const (
	StatusSent   OutcomeStatus = "sent"
	StatusFailed OutcomeStatus = "failed"
)

type Outcome struct {
	Index  int           `json:"index"`
	Kind   ItemKind      `json:"kind"`
	Item   string        `json:"item"`
	Status OutcomeStatus `json:"status"`
	Reason string        `json:"reason,omitempty"`
}

// Report is the result of an executed batch. OK is true whenever the batch
// ran, whatever its items did.
type Report struct {
	Recipient string    `json:"recipient"`
	OK        bool      `json:"ok"`
	Outcomes  []Outcome `json:"outcomes"`
	Sent      int       `json:"sent"`
	Failed    int       `json:"failed"`
}

// Source yields the client of a Ready session. *session.Manager implements it.
type Source interface {
	ReadyClient() (channels.Client, bool)
}

type Options struct {
	// ItemTimeout bounds each item's resolve-and-send. Zero means no bound.
	ItemTimeout time.Duration
	Metrics     *metrics.Recorder
}

type Dispatcher struct {
	guard       *access.Guard
	source      Source
	media       *MediaResolver
	itemTimeout time.Duration
	metrics     *metrics.Recorder
}

func NewDispatcher(guard *access.Guard, source Source, media *MediaResolver, opts Options) *Dispatcher {
	return &Dispatcher{
		guard:       guard,
		source:      source,
		media:       media,
		itemTimeout: opts.ItemTimeout,
		metrics:     opts.Metrics,
	}
}

// Send checks the caller, then readiness, then runs every item concurrently
// and waits for all of them. Item failures are reported per item only.
func (d *Dispatcher) Send(ctx context.Context, caller access.Identity, batch Batch) (Report, error) {
	if err := d.guard.Check(caller.User, caller.UserID); err != nil {
		return Report{}, err
	}
	client, ok := d.source.ReadyClient()
	if !ok {
		return Report{}, session.ErrSessionNotReady
	}
	if strings.TrimSpace(batch.Recipient) == "" {
		return Report{}, ErrNoRecipient
	}
	if len(batch.Items) == 0 {
		return Report{}, ErrEmptyBatch
	}

	start := time.Now()
	outcomes := make([]Outcome, len(batch.Items))
	var g errgroup.Group
	for i, item := range batch.Items {
		g.Go(func() error {
			outcomes[i] = d.sendItem(ctx, client, batch.Recipient, i, item)
			return nil
		})
	}
	g.Wait()

	report := Report{Recipient: batch.Recipient, OK: true, Outcomes: outcomes}
	for _, o := range outcomes {
		if o.Status == StatusSent {
			report.Sent++
		} else {
			report.Failed++
		}
	}
	d.metrics.ObserveBatch(time.Since(start))
	slog.Info("dispatch: batch settled", "recipient", batch.Recipient,
		"sent", report.Sent, "failed", report.Failed, "elapsed", time.Since(start))
	return report, nil
}

func (d *Dispatcher) sendItem(ctx context.Context, client channels.Client, recipient string, idx int, item Item) Outcome {
	if d.itemTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.itemTimeout)
		defer cancel()
	}

	out := Outcome{Index: idx, Kind: item.Kind}
	var err error
	switch item.Kind {
	case KindMedia:
		out.Item = item.Ref
		err = d.sendMedia(ctx, client, recipient, item)
	case KindText:
		out.Item = preview(item.Body)
		err = client.SendText(ctx, recipient, item.Body)
	default:
		out.Item = string(item.Kind)
		err = fmt.Errorf("unknown item kind %q", item.Kind)
	}

	if err != nil {
		out.Status = StatusFailed
		out.Reason = err.Error()
		slog.Warn("dispatch: item failed", "recipient", recipient, "index", idx,
			"kind", item.Kind, "item", out.Item, "error", err)
	} else {
		out.Status = StatusSent
		slog.Info("dispatch: item sent", "recipient", recipient, "index", idx,
			"kind", item.Kind, "item", out.Item)
	}
	d.metrics.ObserveItem(string(item.Kind), string(out.Status))
	return out
}

func (d *Dispatcher) sendMedia(ctx context.Context, client channels.Client, recipient string, item Item) error {
	if d.media == nil {
		return errors.New("media sending is not configured")
	}
	m, err := d.media.Resolve(ctx, item.Ref)
	if err != nil {
		return err
	}
	m.Caption = item.Caption
	return client.SendMedia(ctx, recipient, m)
}

func preview(s string) string {
	const max = 40
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
