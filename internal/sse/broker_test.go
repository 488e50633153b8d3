package sse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// receive waits for one frame on ch.
func receive(t *testing.T, ch chan []byte) string {
	t.Helper()
	select {
	case msg := <-ch:
		return string(msg)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
		return ""
	}
}

// drain collects whatever is queued on ch after a short settle period.
func drain(ch chan []byte) []string {
	time.Sleep(50 * time.Millisecond)
	var out []string
	for {
		select {
		case msg := <-ch:
			out = append(out, string(msg))
		default:
			return out
		}
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()

	ch := b.Subscribe()
	if n := b.ClientCount(); n != 1 {
		t.Fatalf("ClientCount = %d, want 1", n)
	}
	b.Unsubscribe(ch)
	if n := b.ClientCount(); n != 0 {
		t.Fatalf("ClientCount after unsubscribe = %d, want 0", n)
	}
	if _, ok := <-ch; ok {
		t.Error("channel still open after unsubscribe")
	}
}

func TestPublish_FramesEvent(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Publish(Event{Type: "adr.created", Data: map[string]string{"id": "20250110-a"}})

	got := receive(t, ch)
	want := "id: 1\nevent: adr.created\ndata: {\"id\":\"20250110-a\"}\n\n"
	if got != want {
		t.Errorf("frame = %q, want %q", got, want)
	}
}

func TestEventIDsIncrease(t *testing.T) {
	b := NewBroker(time.Hour)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.PublishADREvent("adr.created", "20250110-a") // adr.created + index.updated
	b.PublishADREvent("adr.updated", "20250110-a") // throttled: adr.updated only

	frames := drain(ch)
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3: %q", len(frames), frames)
	}
	for i, f := range frames {
		prefix := "id: " + string(rune('1'+i)) + "\n"
		if !strings.HasPrefix(f, prefix) {
			t.Errorf("frame %d = %q, want prefix %q", i, f, prefix)
		}
	}
	if !strings.Contains(frames[1], "event: "+EventIndexUpdated) {
		t.Errorf("second frame = %q, want index.updated", frames[1])
	}
}

func TestPublishADREvent_IndexThrottle(t *testing.T) {
	b := NewBroker(500 * time.Millisecond)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.PublishADREvent("adr.created", "20250110-a")
	b.PublishADREvent("adr.updated", "20250110-b")

	var index, changes int
	for _, f := range drain(ch) {
		if strings.Contains(f, "event: "+EventIndexUpdated) {
			index++
		} else {
			changes++
		}
	}
	if changes != 2 {
		t.Errorf("adr events = %d, want 2", changes)
	}
	if index != 1 {
		t.Errorf("index events = %d, want 1", index)
	}
}

func TestPublishADREvent_RepositoryWide(t *testing.T) {
	b := NewBroker(time.Hour)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.PublishADREvent("notes.synced", "")

	if got := receive(t, ch); !strings.HasSuffix(got, "event: notes.synced\ndata: {}\n\n") {
		t.Errorf("unexpected frame %q", got)
	}
}

func TestServeHTTP_StreamsUntilDisconnect(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		b.ServeHTTP(w, req)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for b.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("handler never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	b.PublishADREvent("adr.deleted", "20250110-x")
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, "event: adr.deleted") || !strings.Contains(body, `"id":"20250110-x"`) {
		t.Errorf("body missing event: %q", body)
	}

	time.Sleep(50 * time.Millisecond)
	if n := b.ClientCount(); n != 0 {
		t.Errorf("ClientCount after disconnect = %d, want 0", n)
	}
}

func TestPublish_FullBufferDoesNotBlock(t *testing.T) {
	b := NewBroker(time.Second)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	for i := 0; i < clientBuffer+10; i++ {
		b.Publish(Event{Type: "adr.updated", Data: map[string]int{"n": i}})
	}
	if got := len(drain(ch)); got != clientBuffer {
		t.Errorf("delivered %d frames, want %d", got, clientBuffer)
	}
}

func TestClose(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	ch := b.Subscribe()

	b.Close()
	b.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("subscriber channel still open")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}
	if n := b.ClientCount(); n != 0 {
		t.Fatalf("ClientCount after close = %d", n)
	}

	// No-ops once closed.
	b.Publish(Event{Type: "adr.updated"})
	b.PublishADREvent("adr.updated", "20250110-x")
	if _, ok := <-b.Subscribe(); ok {
		t.Error("Subscribe after close returned an open channel")
	}
}
