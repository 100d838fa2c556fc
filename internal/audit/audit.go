package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"campusid.org/internal/auth"
	"campusid.org/internal/ids"
	"campusid.org/internal/obs"
)

// Administrative actions recorded against student records.
const (
	ActionCreate          = "CREATE"
	ActionReissue         = "REISSUE"
	ActionDeactivate      = "DEACTIVATE"
	ActionReactivate      = "REACTIVATE"
	ActionRenew           = "RENEW"
	ActionDeleteSoft      = "DELETE_SOFT"
	ActionDeletePermanent = "DELETE_PERMANENT"
	ActionUpdateMetadata  = "UPDATE_METADATA"
)

// Actor identifies the privileged caller performing a lifecycle operation.
type Actor struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Entry is one append-only audit record. Entries are never mutated or
// deleted after creation.
type Entry struct {
	ID         string         `json:"id"`
	OccurredAt time.Time      `json:"occurred_at"`
	ActorID    string         `json:"actor_id"`
	ActorEmail string         `json:"actor_email"`
	Action     string         `json:"action"`
	TargetID   string         `json:"target_id"`
	Details    map[string]any `json:"details"`
}

// NewEntry stamps an entry with an id and UTC timestamp.
func NewEntry(actor Actor, action, targetID string, details map[string]any) Entry {
	if details == nil {
		details = map[string]any{}
	}
	return Entry{
		ID:         ids.New(),
		OccurredAt: time.Now().UTC(),
		ActorID:    actor.ID,
		ActorEmail: actor.Email,
		Action:     action,
		TargetID:   targetID,
		Details:    details,
	}
}

// Trail is an append-only audit sink. This service only writes it; reading
// is for the operator log endpoints.
type Trail interface {
	Append(ctx context.Context, e Entry) error
	List(ctx context.Context, limit, offset int) ([]Entry, int, error)
}

// InMemoryTrail keeps audit entries in process. Used in tests and when the
// service runs without a database.
type InMemoryTrail struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewInMemoryTrail() *InMemoryTrail { return &InMemoryTrail{} }

func (t *InMemoryTrail) Append(ctx context.Context, e Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, e)
	return nil
}

func (t *InMemoryTrail) List(ctx context.Context, limit, offset int) ([]Entry, int, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := len(t.entries)
	// newest first
	var out []Entry
	for i := total - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, t.entries[i])
	}
	return out, total, nil
}

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent mirrors an audit-worthy event to the operational JSON log,
// enriched with request and user context. This complements, never replaces,
// the durable Trail write.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		entry["user_id"] = userID
	}
	if len(fields) > 0 {
		copyFields := make(map[string]any, len(fields))
		for k, v := range fields {
			copyFields[k] = v
		}
		entry["fields"] = copyFields
	} else {
		entry["fields"] = map[string]any{}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
