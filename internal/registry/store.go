package registry

import (
	"context"
	"sort"
	"strings"
	"sync"

	"campusid.org/internal/audit"
)

// Store is the persistence boundary for student records. Every mutating call
// takes the audit entry that must become durable atomically with the
// mutation: either both land or neither does.
type Store interface {
	// Insert persists a new record. The credential identifier and the
	// registration number must be unique among all records ever stored,
	// deleted ones included.
	Insert(ctx context.Context, s Student, entry audit.Entry) error
	// Get returns a record by primary key, including soft-deleted ones for
	// non-permanent operations to reject explicitly.
	Get(ctx context.Context, id string) (Student, error)
	// FindByCredentialID matches only the *current* credential identifier of
	// a non-deleted record. Historical identifiers never match.
	FindByCredentialID(ctx context.Context, identifier string) (Student, error)
	// List returns a page of non-deleted records, newest first, with the
	// total count for pagination.
	List(ctx context.Context, q ListQuery) ([]Student, int, error)
	// Update persists a mutated record conditioned on expectVersion. A
	// version mismatch returns ErrConflict and leaves the stored record and
	// the audit trail untouched.
	Update(ctx context.Context, s Student, expectVersion int64, entry audit.Entry) error
	// Delete irreversibly removes a record after writing the final audit
	// entry. The credential identifier stays reserved.
	Delete(ctx context.Context, id string, entry audit.Entry) error
}

// InMemoryStore implements Store in process. The single mutex also serializes
// reissuance, so the version check only trips when callers race through the
// service layer.
type InMemoryStore struct {
	mu       sync.RWMutex
	records  map[string]*Student
	byRegNo  map[string]string // live regNo -> record id
	byCredID map[string]string // every identifier ever issued -> record id
	trail    audit.Trail
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty store writing audit entries to trail.
func NewInMemoryStore(trail audit.Trail) *InMemoryStore {
	return &InMemoryStore{
		records:  make(map[string]*Student),
		byRegNo:  make(map[string]string),
		byCredID: make(map[string]string),
		trail:    trail,
	}
}

func (s *InMemoryStore) Insert(ctx context.Context, st Student, entry audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byRegNo[st.RegNo]; ok {
		return ErrRegNoExists
	}
	if _, ok := s.byCredID[st.Credential.Identifier]; ok {
		return ErrConflict
	}
	if err := s.trail.Append(ctx, entry); err != nil {
		return err
	}
	cp := cloneStudent(st)
	s.records[st.ID] = &cp
	s.byRegNo[st.RegNo] = st.ID
	s.byCredID[st.Credential.Identifier] = st.ID
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, id string) (Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Student{}, ErrNotFound
	}
	return cloneStudent(*rec), nil
}

func (s *InMemoryStore) FindByCredentialID(ctx context.Context, identifier string) (Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byCredID[identifier]
	if !ok {
		return Student{}, ErrNotFound
	}
	rec, ok := s.records[id]
	if !ok || rec.Deleted || rec.Credential.Identifier != identifier {
		// Historical or orphaned identifiers stay reserved but never match.
		return Student{}, ErrNotFound
	}
	return cloneStudent(*rec), nil
}

func (s *InMemoryStore) List(ctx context.Context, q ListQuery) ([]Student, int, error) {
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	needle := strings.ToLower(strings.TrimSpace(q.Search))

	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []*Student
	for _, rec := range s.records {
		if rec.Deleted {
			continue
		}
		if needle != "" &&
			!strings.Contains(strings.ToLower(rec.Name), needle) &&
			!strings.Contains(strings.ToLower(rec.RegNo), needle) {
			continue
		}
		all = append(all, rec)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := len(all)
	var out []Student
	for i := offset; i < total && len(out) < limit; i++ {
		out = append(out, cloneStudent(*all[i]))
	}
	return out, total, nil
}

func (s *InMemoryStore) Update(ctx context.Context, st Student, expectVersion int64, entry audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[st.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectVersion {
		return ErrConflict
	}
	if cur.Credential.Identifier != st.Credential.Identifier {
		if owner, taken := s.byCredID[st.Credential.Identifier]; taken && owner != st.ID {
			return ErrConflict
		}
	}
	if err := s.trail.Append(ctx, entry); err != nil {
		return err
	}
	cp := cloneStudent(st)
	s.records[st.ID] = &cp
	s.byCredID[st.Credential.Identifier] = st.ID
	if st.Deleted {
		delete(s.byRegNo, st.RegNo)
	}
	return nil
}

func (s *InMemoryStore) Delete(ctx context.Context, id string, entry audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if err := s.trail.Append(ctx, entry); err != nil {
		return err
	}
	// byCredID keeps all issued identifiers reserved after deletion.
	delete(s.byRegNo, rec.RegNo)
	delete(s.records, id)
	return nil
}

func cloneStudent(s Student) Student {
	cp := s
	if s.History != nil {
		cp.History = make([]IssuedCredential, len(s.History))
		copy(cp.History, s.History)
	}
	if s.Metadata != nil {
		cp.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}
