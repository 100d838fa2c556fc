package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"campusid.org/internal/audit"
	"campusid.org/internal/auth"
	"campusid.org/internal/credential"
	"campusid.org/internal/ids"
)

// DefaultCardTTL is the fallback validity window for new cards when the
// deployment sets no explicit value. Kept deliberately short to match the
// observed policy; override with CAMPUSID_CARD_TTL.
const DefaultCardTTL = 10 * time.Minute

// Service is the credential lifecycle manager. It mints identifiers, signs
// them, archives superseded credentials, and routes every mutation through
// the store so it lands atomically with its audit entry.
type Service struct {
	store   Store
	encoder credential.Encoder
	cardTTL time.Duration
	now     func() time.Time
}

// NewService wires the lifecycle manager. cardTTL <= 0 selects DefaultCardTTL.
func NewService(store Store, encoder credential.Encoder, cardTTL time.Duration) *Service {
	if cardTTL <= 0 {
		cardTTL = DefaultCardTTL
	}
	return &Service{
		store:   store,
		encoder: encoder,
		cardTTL: cardTTL,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create registers a student record and its first credential atomically.
func (s *Service) Create(ctx context.Context, actor audit.Actor, in NewStudent) (Student, credential.Issued, error) {
	regNo := strings.TrimSpace(in.RegNo)
	name := strings.TrimSpace(in.Name)
	if regNo == "" || name == "" {
		return Student{}, credential.Issued{}, ErrInvalidInput
	}

	password := in.Password
	if password == "" {
		// Students sign in to the portal with their registration number
		// until they set a password.
		password = regNo
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return Student{}, credential.Issued{}, err
	}

	now := s.now()
	expiry := now.Add(s.cardTTL)
	if in.CustomExpiry != nil {
		expiry = in.CustomExpiry.UTC()
	}

	id := credential.NewID()
	issued, err := s.encoder.Encode(id)
	if err != nil {
		return Student{}, credential.Issued{}, err
	}

	st := Student{
		ID:           ids.New(),
		RegNo:        regNo,
		Name:         name,
		Department:   strings.TrimSpace(in.Department),
		Year:         strings.TrimSpace(in.Year),
		Email:        strings.TrimSpace(in.Email),
		Phone:        strings.TrimSpace(in.Phone),
		PasswordHash: hash,
		CardNumber:   fmt.Sprintf("CARD-%s-%d", regNo, now.UnixMilli()),
		Credential: Credential{
			Identifier: id,
			Signature:  issued.Signature,
			IssuedAt:   now,
			ExpiresAt:  expiry,
		},
		Status:    StatusActive,
		Metadata:  in.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}

	entry := audit.NewEntry(actor, audit.ActionCreate, st.ID, map[string]any{
		"reg_no":     regNo,
		"identifier": id,
		"expires_at": expiry.Format(time.RFC3339),
	})
	if err := s.store.Insert(ctx, st, entry); err != nil {
		return Student{}, credential.Issued{}, err
	}
	return st, issued, nil
}

// Get returns a live record; soft-deleted records are not found.
func (s *Service) Get(ctx context.Context, id string) (Student, error) {
	st, err := s.store.Get(ctx, id)
	if err != nil {
		return Student{}, err
	}
	if st.Deleted {
		return Student{}, ErrNotFound
	}
	return st, nil
}

// List pages through live records.
func (s *Service) List(ctx context.Context, q ListQuery) ([]Student, int, error) {
	return s.store.List(ctx, q)
}

// Reissue archives the current credential into history, mints and signs a
// new identifier, and returns the new encoded credential. The old QR image
// stops verifying the moment the update commits. Concurrent reissues against
// the same record surface ErrConflict; retry on it.
func (s *Service) Reissue(ctx context.Context, actor audit.Actor, id string) (Student, credential.Issued, error) {
	st, err := s.Get(ctx, id)
	if err != nil {
		return Student{}, credential.Issued{}, err
	}

	old := st.Credential
	newID := credential.NewID()
	issued, err := s.encoder.Encode(newID)
	if err != nil {
		return Student{}, credential.Issued{}, err
	}

	now := s.now()
	st.History = append(st.History, IssuedCredential{
		Identifier: old.Identifier,
		Signature:  old.Signature,
		IssuedAt:   old.IssuedAt,
	})
	st.Credential = Credential{
		Identifier: newID,
		Signature:  issued.Signature,
		IssuedAt:   now,
		ExpiresAt:  old.ExpiresAt,
	}
	st.UpdatedAt = now

	entry := audit.NewEntry(actor, audit.ActionReissue, st.ID, map[string]any{
		"old": map[string]string{"identifier": old.Identifier, "signature": old.Signature},
		"new": map[string]string{"identifier": newID, "signature": issued.Signature},
	})
	if err := s.update(ctx, &st, entry); err != nil {
		return Student{}, credential.Issued{}, err
	}
	return st, issued, nil
}

// Suspend marks the record suspended. Expiry and identifier are untouched.
func (s *Service) Suspend(ctx context.Context, actor audit.Actor, id string) (Student, error) {
	return s.setStatus(ctx, actor, id, StatusSuspended, audit.ActionDeactivate)
}

// Reactivate returns a suspended record to active.
func (s *Service) Reactivate(ctx context.Context, actor audit.Actor, id string) (Student, error) {
	return s.setStatus(ctx, actor, id, StatusActive, audit.ActionReactivate)
}

func (s *Service) setStatus(ctx context.Context, actor audit.Actor, id string, status Status, action string) (Student, error) {
	st, err := s.Get(ctx, id)
	if err != nil {
		return Student{}, err
	}
	oldStatus := st.Status
	st.Status = status
	st.UpdatedAt = s.now()

	entry := audit.NewEntry(actor, action, st.ID, map[string]any{
		"old_status": string(oldStatus),
		"new_status": string(status),
	})
	if err := s.update(ctx, &st, entry); err != nil {
		return Student{}, err
	}
	return st, nil
}

// Renew moves the card expiry forward.
func (s *Service) Renew(ctx context.Context, actor audit.Actor, id string, req RenewRequest) (Student, error) {
	st, err := s.Get(ctx, id)
	if err != nil {
		return Student{}, err
	}

	now := s.now()
	oldExpiry := st.Credential.ExpiresAt
	var newExpiry time.Time
	switch {
	case req.ExpiresAt != nil:
		newExpiry = req.ExpiresAt.UTC()
	case req.ExtendBy > 0:
		newExpiry = now.Add(req.ExtendBy)
	default:
		newExpiry = now.Add(s.cardTTL)
	}
	st.Credential.ExpiresAt = newExpiry
	st.UpdatedAt = now

	entry := audit.NewEntry(actor, audit.ActionRenew, st.ID, map[string]any{
		"old_expiry": oldExpiry.Format(time.RFC3339),
		"new_expiry": newExpiry.Format(time.RFC3339),
	})
	if err := s.update(ctx, &st, entry); err != nil {
		return Student{}, err
	}
	return st, nil
}

// UpdateMetadata replaces the free-form metadata map.
func (s *Service) UpdateMetadata(ctx context.Context, actor audit.Actor, id string, metadata map[string]string) (Student, error) {
	st, err := s.Get(ctx, id)
	if err != nil {
		return Student{}, err
	}
	oldMeta := st.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	st.Metadata = metadata
	st.UpdatedAt = s.now()

	entry := audit.NewEntry(actor, audit.ActionUpdateMetadata, st.ID, map[string]any{
		"old_metadata": oldMeta,
		"new_metadata": metadata,
	})
	if err := s.update(ctx, &st, entry); err != nil {
		return Student{}, err
	}
	return st, nil
}

// SetPhoto records the uploaded photo reference.
func (s *Service) SetPhoto(ctx context.Context, actor audit.Actor, id, photoURL string) (Student, error) {
	st, err := s.Get(ctx, id)
	if err != nil {
		return Student{}, err
	}
	oldURL := st.PhotoURL
	st.PhotoURL = photoURL
	st.UpdatedAt = s.now()

	entry := audit.NewEntry(actor, audit.ActionUpdateMetadata, st.ID, map[string]any{
		"old_photo_url": oldURL,
		"new_photo_url": photoURL,
	})
	if err := s.update(ctx, &st, entry); err != nil {
		return Student{}, err
	}
	return st, nil
}

// SoftDelete flags the record deleted. The identifier stays reserved and the
// credential stops verifying, but the row survives for forensic reads.
func (s *Service) SoftDelete(ctx context.Context, actor audit.Actor, id string) error {
	st, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	st.Deleted = true
	st.UpdatedAt = s.now()

	entry := audit.NewEntry(actor, audit.ActionDeleteSoft, st.ID, map[string]any{
		"reg_no": st.RegNo,
	})
	return s.update(ctx, &st, entry)
}

// PermanentDelete removes the record for good. The final audit entry carries
// a minimal snapshot since the record is unqueryable afterwards. Works on
// soft-deleted records too.
func (s *Service) PermanentDelete(ctx context.Context, actor audit.Actor, id string) error {
	st, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	entry := audit.NewEntry(actor, audit.ActionDeletePermanent, st.ID, map[string]any{
		"snapshot": map[string]string{"name": st.Name, "reg_no": st.RegNo},
	})
	return s.store.Delete(ctx, id, entry)
}

// CurrentCard re-renders the QR image for the record's live credential.
func (s *Service) CurrentCard(ctx context.Context, id string) (Student, credential.Issued, error) {
	st, err := s.Get(ctx, id)
	if err != nil {
		return Student{}, credential.Issued{}, err
	}
	issued, err := s.encoder.Encode(st.Credential.Identifier)
	if err != nil {
		return Student{}, credential.Issued{}, err
	}
	return st, issued, nil
}

func (s *Service) update(ctx context.Context, st *Student, entry audit.Entry) error {
	expect := st.Version
	st.Version++
	return s.store.Update(ctx, *st, expect, entry)
}
