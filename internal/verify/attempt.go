package verify

import (
	"context"
	"sync"
	"time"

	"campusid.org/internal/ids"
)

// Attempt is one append-only verification-attempt record. Written for every
// call to the state machine, never mutated afterwards.
type Attempt struct {
	ID        string    `json:"id"`
	StudentID *string   `json:"student_id,omitempty"` // nil when no record matched
	ScannedAt time.Time `json:"scanned_at"`
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	Lat       *float64  `json:"lat,omitempty"`
	Lng       *float64  `json:"lng,omitempty"`
	Result    string    `json:"result"`
	Note      string    `json:"note,omitempty"` // operator diagnosis only, never shown to scanners
}

// AttemptQuery filters the attempt log for reporting.
type AttemptQuery struct {
	Result string
	Limit  int
	Offset int
}

// AttemptLog is the append-only sink for verification attempts. List exists
// for the reporting endpoints, not for the verification path.
type AttemptLog interface {
	Append(ctx context.Context, a Attempt) error
	List(ctx context.Context, q AttemptQuery) ([]Attempt, int, error)
}

// InMemoryAttempts keeps attempts in process.
type InMemoryAttempts struct {
	mu       sync.RWMutex
	attempts []Attempt
}

var _ AttemptLog = (*InMemoryAttempts)(nil)

func NewInMemoryAttempts() *InMemoryAttempts { return &InMemoryAttempts{} }

func (l *InMemoryAttempts) Append(ctx context.Context, a Attempt) error {
	if a.ID == "" {
		a.ID = ids.New()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = append(l.attempts, a)
	return nil
}

func (l *InMemoryAttempts) List(ctx context.Context, q AttemptQuery) ([]Attempt, int, error) {
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	var filtered []Attempt
	for _, a := range l.attempts {
		if q.Result != "" && a.Result != q.Result {
			continue
		}
		filtered = append(filtered, a)
	}
	total := len(filtered)
	// newest first
	var out []Attempt
	for i := total - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, filtered[i])
	}
	return out, total, nil
}
