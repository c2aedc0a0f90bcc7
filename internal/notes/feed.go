package notes

import (
	"log/slog"
	"sync"

	"github.com/starford/quire/internal/metrics"
	"github.com/starford/quire/internal/models"
)

// feed fans committed change events out to subscribers. Sends never block a
// writer; a subscriber whose buffer is full misses the event.
type feed struct {
	mu     sync.Mutex
	subs   map[chan models.ChangeEvent]struct{}
	closed bool

	logger  *slog.Logger
	metrics *metrics.StoreMetrics
}

func newFeed(logger *slog.Logger, m *metrics.StoreMetrics) *feed {
	return &feed{subs: make(map[chan models.ChangeEvent]struct{}), logger: logger, metrics: m}
}

func (f *feed) subscribe(buffer int) (<-chan models.ChangeEvent, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan models.ChangeEvent, buffer)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	f.subs[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if _, ok := f.subs[ch]; ok {
				delete(f.subs, ch)
				close(ch)
			}
		})
	}
}

func (f *feed) publish(events ...models.ChangeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range events {
		for ch := range f.subs {
			select {
			case ch <- ev:
			default:
				f.metrics.RecordChangeDropped()
				f.logger.Debug("notes: change event dropped", slog.String("note_id", ev.NoteID))
			}
		}
	}
}

func (f *feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for ch := range f.subs {
		close(ch)
		delete(f.subs, ch)
	}
}
