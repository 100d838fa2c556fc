package registry

import (
	"errors"
	"time"
)

// Status is the record-level disposition of a student, independent of card
// expiry.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// IssuedCredential is a superseded credential retained in a record's history.
// History entries are never mutated, only appended, oldest first. A
// superseded pair is permanently unverifiable: verification only matches the
// current identifier.
type IssuedCredential struct {
	Identifier string    `json:"identifier"`
	Signature  string    `json:"signature"`
	IssuedAt   time.Time `json:"issued_at"`
}

// Credential is the live QR credential embedded in a student record. The
// signature is always the valid signature of the identifier under the current
// shared secret; any mismatch is a tamper signal.
type Credential struct {
	Identifier string    `json:"identifier"`
	Signature  string    `json:"-"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Student is one registered record with its embedded credential.
type Student struct {
	ID           string             `json:"id"`
	RegNo        string             `json:"reg_no"`
	Name         string             `json:"name"`
	Department   string             `json:"department,omitempty"`
	Year         string             `json:"year,omitempty"`
	Email        string             `json:"email,omitempty"`
	Phone        string             `json:"phone,omitempty"`
	PasswordHash string             `json:"-"`
	PhotoURL     string             `json:"photo_url,omitempty"`
	CardNumber   string             `json:"card_number"`
	Credential   Credential         `json:"credential"`
	History      []IssuedCredential `json:"-"`
	Status       Status             `json:"status"`
	Deleted      bool               `json:"-"`
	Metadata     map[string]string  `json:"metadata,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`

	// Version is the optimistic-concurrency token. Every mutation bumps it;
	// conditional updates compare it to detect lost-update races.
	Version int64 `json:"-"`
}

// NewStudent carries the fields an administrator supplies at registration.
type NewStudent struct {
	RegNo        string
	Name         string
	Department   string
	Year         string
	Email        string
	Phone        string
	Password     string
	Metadata     map[string]string
	CustomExpiry *time.Time
}

// RenewRequest extends a card's validity. When ExpiresAt is set it wins;
// otherwise the expiry becomes now + ExtendBy (or now + the configured
// default window when ExtendBy is zero).
type RenewRequest struct {
	ExpiresAt *time.Time
	ExtendBy  time.Duration
}

// ListQuery selects a page of non-deleted records, newest first.
type ListQuery struct {
	Search string // matches name or registration number, case-insensitive
	Limit  int
	Offset int
}

var (
	ErrNotFound     = errors.New("registry: student not found")
	ErrRegNoExists  = errors.New("registry: registration number already exists")
	ErrConflict     = errors.New("registry: concurrent modification")
	ErrInvalidInput = errors.New("registry: invalid input")
)
