package dispatcher

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/hochfrequenz/coreci/internal/domain"
)

// FeedEvent is one job transition as sent to stream subscribers
type FeedEvent struct {
	Message string         `json:"message"`
	Job     domain.TestJob `json:"job"`
}

// Feed fans job transitions out to server-sent-event subscribers.
// A subscriber whose buffer is full is dropped.
type Feed struct {
	mu        sync.Mutex
	clients   map[chan FeedEvent]struct{}
	keepalive time.Duration
}

// NewFeed creates an empty feed
func NewFeed() *Feed {
	return &Feed{
		clients:   make(map[chan FeedEvent]struct{}),
		keepalive: 15 * time.Second,
	}
}

// Publish sends ev to every subscriber without blocking
func (f *Feed) Publish(ev FeedEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		select {
		case c <- ev:
		default:
			close(c)
			delete(f.clients, c)
			log.Debug("feed: dropped slow subscriber")
		}
	}
}

// Subscribe registers a subscriber. The returned cancel func is safe to
// call after the feed dropped the subscriber.
func (f *Feed) Subscribe() (<-chan FeedEvent, func()) {
	c := make(chan FeedEvent, 32)
	f.mu.Lock()
	f.clients[c] = struct{}{}
	f.mu.Unlock()

	return c, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.clients[c]; ok {
			delete(f.clients, c)
			close(c)
		}
	}
}

// Count returns the number of subscribers
func (f *Feed) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// ServeHTTP streams transitions as text/event-stream until the client
// goes away or is dropped.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, cancel := f.Subscribe()
	defer cancel()

	ticker := time.NewTicker(f.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: job\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}
