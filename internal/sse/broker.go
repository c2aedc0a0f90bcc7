// Package sse streams note change events to browsers over Server-Sent Events.
//
// Every frame carries a sequence id. A reconnecting client sends it back as
// Last-Event-ID and gets the frames it missed replayed from a bounded
// history; when the gap is older than the history it gets InvalidatedEvent
// instead and should re-page.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/starford/quire/internal/models"
)

// InvalidatedEvent tells paging clients their cached pages are stale. It is
// throttled so a burst of writes triggers one re-page.
const InvalidatedEvent = "notes.invalidated"

const (
	clientBuffer     = 64
	historySize      = 256
	defaultKeepAlive = 25 * time.Second
)

// Event represents an SSE event to broadcast. A non-empty NoteID limits
// delivery to unfiltered clients and clients following that note.
type Event struct {
	Type   string `json:"type"`
	NoteID string `json:"-"`
	Data   any    `json:"data"`
}

type changeData struct {
	ID string    `json:"id"`
	At time.Time `json:"at"`
}

type frame struct {
	id     uint64
	noteID string
	raw    []byte
}

type subscription struct {
	ch     chan []byte
	noteID string
	since  uint64
}

// Option configures a Broker.
type Option func(*Broker)

// WithKeepAlive sets the interval of comment frames that keep idle
// connections open through proxies.
func WithKeepAlive(d time.Duration) Option { return func(b *Broker) { b.keepAlive = d } }

// Broker fans events out to SSE clients.
//
// A single event loop goroutine owns the client set, the history and the
// throttle timestamp; public methods talk to it over channels.
type Broker struct {
	invalidateMin time.Duration
	keepAlive     time.Duration

	subscribeCh   chan subscription
	unsubscribeCh chan chan []byte
	publishCh     chan Event
	changeCh      chan models.ChangeEvent
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker creates a broker that emits at most one InvalidatedEvent per
// throttle interval.
func NewBroker(throttle time.Duration, opts ...Option) *Broker {
	if throttle <= 0 {
		throttle = 2 * time.Second
	}
	b := &Broker{
		invalidateMin: throttle,
		keepAlive:     defaultKeepAlive,
		subscribeCh:   make(chan subscription),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan Event, 256),
		changeCh:      make(chan models.ChangeEvent, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	var (
		clients        = make(map[chan []byte]string)
		history        []frame
		seq            uint64
		lastInvalidate time.Time
	)

	encode := func(id uint64, event Event) []byte {
		payload, err := json.Marshal(event.Data)
		if err != nil {
			return nil
		}
		if id == 0 {
			return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event.Type, payload))
		}
		return []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", id, event.Type, payload))
	}
	send := func(ch chan []byte, raw []byte) {
		select {
		case ch <- raw:
		default:
			// Slow client; drop rather than stall the loop. It recovers
			// through Last-Event-ID on reconnect.
		}
	}
	broadcast := func(event Event) {
		seq++
		f := frame{id: seq, noteID: event.NoteID, raw: encode(seq, event)}
		if f.raw == nil {
			return
		}
		history = append(history, f)
		if len(history) > historySize {
			history = history[len(history)-historySize:]
		}
		for ch, follow := range clients {
			if follow == "" || f.noteID == "" || follow == f.noteID {
				send(ch, f.raw)
			}
		}
	}
	replay := func(sub subscription) {
		if sub.since == 0 || sub.since >= seq {
			return
		}
		if len(history) == 0 || history[0].id > sub.since+1 {
			send(sub.ch, encode(0, Event{Type: InvalidatedEvent, Data: map[string]string{}}))
			return
		}
		for _, f := range history {
			if f.id > sub.since && (sub.noteID == "" || f.noteID == "" || f.noteID == sub.noteID) {
				send(sub.ch, f.raw)
			}
		}
	}

	handleChange := func(ev models.ChangeEvent) {
		broadcast(Event{
			Type:   "note." + string(ev.Kind),
			NoteID: ev.NoteID,
			Data:   changeData{ID: ev.NoteID, At: ev.At},
		})
		if now := time.Now(); now.Sub(lastInvalidate) >= b.invalidateMin {
			lastInvalidate = now
			broadcast(Event{Type: InvalidatedEvent, Data: map[string]string{}})
		}
	}
	// drainPending flushes queued events so a subscriber sees everything
	// published before it subscribed.
	drainPending := func() {
		for {
			select {
			case event := <-b.publishCh:
				broadcast(event)
			case ev := <-b.changeCh:
				handleChange(ev)
			default:
				return
			}
		}
	}

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			return

		case sub := <-b.subscribeCh:
			drainPending()
			clients[sub.ch] = sub.noteID
			replay(sub)

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case event := <-b.publishCh:
			broadcast(event)

		case ev := <-b.changeCh:
			handleChange(ev)

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// Close stops the event loop and closes every client channel.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe adds a client. A non-empty noteID only receives that note's
// change events plus broadcast events. Frames after lastEventID are
// replayed when still in the history.
func (b *Broker) Subscribe(noteID string, lastEventID uint64) chan []byte {
	ch := make(chan []byte, clientBuffer)
	if b.closed.Load() {
		close(ch)
		return ch
	}
	select {
	case b.subscribeCh <- subscription{ch: ch, noteID: noteID, since: lastEventID}:
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
	case b.countReqCh <- resp:
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

// Publish sends an event to the connected clients.
func (b *Broker) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- event:
	case <-b.stopped:
	}
}

// PublishChange broadcasts a note change and, throttled, InvalidatedEvent.
func (b *Broker) PublishChange(ev models.ChangeEvent) {
	if b.closed.Load() {
		return
	}
	select {
	case b.changeCh <- ev:
	case <-b.stopped:
	}
}

// Follow forwards a repository change feed until ctx ends or the feed closes.
func (b *Broker) Follow(ctx context.Context, events <-chan models.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			b.PublishChange(ev)
		}
	}
}

// ServeHTTP is the SSE endpoint handler (GET /api/events). The optional
// "note" query parameter follows a single note.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var lastID uint64
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		lastID, _ = strconv.ParseUint(raw, 10, 64)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe(r.URL.Query().Get("note"), lastID)
	defer b.Unsubscribe(ch)

	keepAlive := time.NewTicker(b.keepAlive)
	defer keepAlive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			_, _ = w.Write([]byte(": keepalive\n\n"))
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
