// Package metrics exports session and dispatch metrics to Prometheus.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/coopco/sessiond/internal/bus"
)

// Recorder holds the collectors. A nil *Recorder is valid and records
// nothing, so callers never need to check.
type Recorder struct {
	sessionState  *prometheus.GaugeVec
	reconnects    prometheus.Counter
	events        *prometheus.CounterVec
	items         *prometheus.CounterVec
	batchDuration prometheus.Histogram
}

// NewRecorder registers the collectors with reg (DefaultRegisterer if nil).
func NewRecorder(namespace string, reg prometheus.Registerer) (*Recorder, error) {
	if namespace == "" {
		namespace = "sessiond"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		sessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "1 for the current session state, 0 for all others.",
		}, []string{"state"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Automatic reconnection attempts scheduled.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Session notifications published, by kind.",
		}, []string{"kind"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_items_total",
			Help:      "Outbound items dispatched, by kind and outcome.",
		}, []string{"kind", "status"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_batch_duration_seconds",
			Help:      "Time to settle every item of a batch.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	var err error
	if r.sessionState, err = register(reg, r.sessionState); err != nil {
		return nil, err
	}
	if r.reconnects, err = register(reg, r.reconnects); err != nil {
		return nil, err
	}
	if r.events, err = register(reg, r.events); err != nil {
		return nil, err
	}
	if r.items, err = register(reg, r.items); err != nil {
		return nil, err
	}
	if r.batchDuration, err = register(reg, r.batchDuration); err != nil {
		return nil, err
	}
	return r, nil
}

// register reuses an already registered collector of the same type.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, fmt.Errorf("register collector: %w", err)
	}
	return c, nil
}

// SetState marks state as current among all known states.
func (r *Recorder) SetState(current string, all []string) {
	if r == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		r.sessionState.WithLabelValues(s).Set(v)
	}
}

func (r *Recorder) ObserveReconnect() {
	if r == nil {
		return
	}
	r.reconnects.Inc()
}

func (r *Recorder) ObserveItem(kind, status string) {
	if r == nil {
		return
	}
	r.items.WithLabelValues(kind, status).Inc()
}

func (r *Recorder) ObserveBatch(d time.Duration) {
	if r == nil {
		return
	}
	r.batchDuration.Observe(d.Seconds())
}

// Attach counts every event published on b.
func (r *Recorder) Attach(b *bus.NotificationBus) bus.SubscriptionID {
	return b.Subscribe("metrics", func(ev bus.Event) {
		if r == nil {
			return
		}
		r.events.WithLabelValues(string(ev.Kind)).Inc()
	})
}
