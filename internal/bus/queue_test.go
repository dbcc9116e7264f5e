package bus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %s", what)
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestPublishFanOut(t *testing.T) {
	b := NewNotificationBus(8)
	defer b.Close()

	var counts [3]atomic.Int32
	for i := range counts {
		b.Subscribe("sub", func(ev Event) {
			if ev.Kind == KindConnected {
				counts[i].Add(1)
			}
		})
	}

	b.Publish(NewEvent(KindConnected, "ready"))

	waitFor(t, "all subscribers", func() bool {
		for i := range counts {
			if counts[i].Load() != 1 {
				return false
			}
		}
		return true
	})
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := NewNotificationBus(8)
	defer b.Close()

	release := make(chan struct{})
	b.Subscribe("slow", func(ev Event) {
		<-release
	})

	var mu sync.Mutex
	var got []Kind
	for i := 0; i < 2; i++ {
		b.Subscribe("fast", func(ev Event) {
			mu.Lock()
			got = append(got, ev.Kind)
			mu.Unlock()
		})
	}

	done := make(chan struct{})
	go func() {
		b.Publish(NewEvent(KindQRGenerated, "scan me"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on slow subscriber")
	}

	waitFor(t, "fast subscribers", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})
	close(release)
}

func TestPublishDropsWhenQueueFull(t *testing.T) {
	b := NewNotificationBus(1)

	release := make(chan struct{})
	var delivered atomic.Int32
	b.Subscribe("stuck", func(ev Event) {
		<-release
		delivered.Add(1)
	})

	// first event is taken by the goroutine, second fills the queue, the rest are dropped
	for i := 0; i < 5; i++ {
		b.Publish(NewEvent(KindLoading, "x"))
	}
	close(release)
	b.Close()

	if n := delivered.Load(); n < 1 || n > 2 {
		t.Fatalf("delivered %d events, want 1 or 2", n)
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	b := NewNotificationBus(0)
	b.Publish(NewEvent(KindError, "nobody listens"))
	if b.SubscriberCount() != 0 {
		t.Fatalf("SubscriberCount = %d, want 0", b.SubscriberCount())
	}
}

func TestUnsubscribe(t *testing.T) {
	tests := []struct {
		name      string
		unsubID   func(id SubscriptionID) SubscriptionID
		wantCount int
	}{
		{"known id", func(id SubscriptionID) SubscriptionID { return id }, 0},
		{"unknown id", func(id SubscriptionID) SubscriptionID { return id + 100 }, 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := NewNotificationBus(4)
			defer b.Close()

			id := b.Subscribe("s", func(Event) {})
			b.Unsubscribe(tc.unsubID(id))
			if got := b.SubscriberCount(); got != tc.wantCount {
				t.Fatalf("SubscriberCount = %d, want %d", got, tc.wantCount)
			}
		})
	}
}

func TestConcurrentSubscribePublish(t *testing.T) {
	b := NewNotificationBus(16)
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			id := b.Subscribe("churn", func(Event) {})
			b.Unsubscribe(id)
		}()
		go func() {
			defer wg.Done()
			b.Publish(NewEvent(KindLoading, "50%"))
		}()
	}
	wg.Wait()
}
