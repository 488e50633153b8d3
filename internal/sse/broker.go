// Package sse streams ADR change notifications to HTTP clients as
// Server-Sent Events.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// EventIndexUpdated tells clients that listings and search results may have
// changed.
const EventIndexUpdated = "index.updated"

const (
	// heartbeat keeps idle connections open through proxies.
	heartbeat = 25 * time.Second

	clientBuffer = 64
	queueSize    = 256
)

// Event is one message for every subscriber. Data is JSON-encoded.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type adrChange struct {
	kind string
	id   string
}

// Broker fans events out to SSE clients.
//
// One goroutine owns the client set, the event sequence and the index
// throttle; the exported methods only talk to it over channels.
type Broker struct {
	indexMin time.Duration

	subscribeCh   chan chan []byte
	unsubscribeCh chan chan []byte
	publishCh     chan Event
	changeCh      chan adrChange
	countCh       chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker starts a broker. indexThrottle is the minimum interval between two
// index.updated events; non-positive values mean two seconds.
func NewBroker(indexThrottle time.Duration) *Broker {
	if indexThrottle <= 0 {
		indexThrottle = 2 * time.Second
	}
	b := &Broker{
		indexMin:      indexThrottle,
		subscribeCh:   make(chan chan []byte),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan Event, queueSize),
		changeCh:      make(chan adrChange, queueSize),
		countCh:       make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go b.loop()
	return b
}

// fanout is the state owned by the broker goroutine.
type fanout struct {
	clients   map[chan []byte]struct{}
	seq       uint64
	lastIndex time.Time
}

// send frames ev with the next sequence number and offers it to every client.
// Slow clients miss the event rather than stall the loop.
func (f *fanout) send(ev Event) {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return
	}
	f.seq++
	frame := []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", f.seq, ev.Type, payload))
	for ch := range f.clients {
		select {
		case ch <- frame:
		default:
		}
	}
}

func (f *fanout) change(c adrChange, throttle time.Duration) {
	data := map[string]string{}
	if c.id != "" {
		data["id"] = c.id
	}
	f.send(Event{Type: c.kind, Data: data})

	if now := time.Now(); now.Sub(f.lastIndex) >= throttle {
		f.lastIndex = now
		f.send(Event{Type: EventIndexUpdated, Data: map[string]string{}})
	}
}

func (b *Broker) loop() {
	defer close(b.stopped)

	f := &fanout{clients: make(map[chan []byte]struct{})}
	for {
		select {
		case <-b.stopCh:
			for ch := range f.clients {
				close(ch)
			}
			return
		case ch := <-b.subscribeCh:
			f.clients[ch] = struct{}{}
		case ch := <-b.unsubscribeCh:
			if _, ok := f.clients[ch]; ok {
				delete(f.clients, ch)
				close(ch)
			}
		case ev := <-b.publishCh:
			f.send(ev)
		case c := <-b.changeCh:
			f.change(c, b.indexMin)
		case resp := <-b.countCh:
			resp <- len(f.clients)
		}
	}
}

// Close stops the loop and closes every client channel. Safe to call twice.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe registers a client. The returned channel is closed on Unsubscribe
// or Close.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, clientBuffer)
	if b.closed.Load() {
		close(ch)
		return ch
	}
	select {
	case b.subscribeCh <- ch:
	case <-b.stopped:
		close(ch)
	}
	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}
	resp := make(chan int, 1)
	select {
	case b.countCh <- resp:
	case <-b.stopped:
		return 0
	}
	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish queues an event for all connected clients.
func (b *Broker) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- event:
	case <-b.stopped:
	}
}

// PublishADREvent publishes a change of kind (e.g. "adr.created") for the ADR
// id, followed by a throttled index.updated event. id may be empty for
// repository-wide changes.
func (b *Broker) PublishADREvent(kind, id string) {
	if b.closed.Load() {
		return
	}
	select {
	case b.changeCh <- adrChange{kind: kind, id: id}:
	case <-b.stopped:
	}
}

// ServeHTTP streams events until the client goes away (GET /api/events).
// Idle streams receive a comment line every heartbeat interval.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	ping := time.NewTicker(heartbeat)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			_, _ = w.Write([]byte(": ping\n\n"))
		case frame, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(frame)
		}
		flusher.Flush()
	}
}
