package stream

import (
	"context"
	"sync"
	"time"
)

// ScanEvent is one verification outcome pushed to dashboard subscribers.
// It carries the same least-disclosure fields as the public endpoint plus
// scan metadata; never the credential signature.
type ScanEvent struct {
	Result    string    `json:"result"`
	RegNo     string    `json:"reg_no,omitempty"`
	Name      string    `json:"name,omitempty"`
	IP        string    `json:"ip,omitempty"`
	Lat       *float64  `json:"lat,omitempty"`
	Lng       *float64  `json:"lng,omitempty"`
	ScannedAt time.Time `json:"scanned_at"`
}

// Stream fans scan events out to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan ScanEvent
	next int
}

func New() *Stream {
	return &Stream{subs: make(map[int]chan ScanEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan ScanEvent {
	ch := make(chan ScanEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fans the event out to all subscribers.
func (s *Stream) Publish(evt ScanEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
