package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"campusid.org/internal/audit"
	"campusid.org/internal/auth"
	"campusid.org/internal/registry"
	"campusid.org/internal/verify"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func studentRows(st registry.Student) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "reg_no", "name", "department", "year", "email", "phone", "password_hash",
		"photo_url", "card_number", "qr_id", "qr_sig", "qr_history", "card_issued_at",
		"card_expires_at", "status", "deleted", "metadata", "created_at", "updated_at", "version",
	}).AddRow(
		st.ID, st.RegNo, st.Name, st.Department, st.Year, st.Email, st.Phone, st.PasswordHash,
		st.PhotoURL, st.CardNumber, st.Credential.Identifier, st.Credential.Signature,
		[]byte(`[]`), st.Credential.IssuedAt, st.Credential.ExpiresAt, string(st.Status),
		st.Deleted, []byte(`{}`), st.CreatedAt, st.UpdatedAt, st.Version,
	)
}

func sampleStudent() registry.Student {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return registry.Student{
		ID:         "stu-1",
		RegNo:      "CS-2026-001",
		Name:       "Ada Okafor",
		Department: "Computer Science",
		CardNumber: "CARD-CS-2026-001-1",
		Credential: registry.Credential{
			Identifier: "a1b2c3d4e5f60718",
			Signature:  "deadbeef",
			IssuedAt:   now,
			ExpiresAt:  now.Add(10 * time.Minute),
		},
		Status:    registry.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
}

func TestGetNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from students where id=").WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFindByCredentialID(t *testing.T) {
	s, mock := newMock(t)
	st := sampleStudent()
	mock.ExpectQuery("from students where qr_id=").WithArgs(st.Credential.Identifier).
		WillReturnRows(studentRows(st))

	got, err := s.FindByCredentialID(context.Background(), st.Credential.Identifier)
	if err != nil {
		t.Fatalf("FindByCredentialID: %v", err)
	}
	if got.ID != st.ID || got.Status != registry.StatusActive {
		t.Fatalf("unexpected record: %+v", got)
	}
	if !got.Credential.ExpiresAt.Equal(st.Credential.ExpiresAt) {
		t.Fatalf("expiry not preserved: %v", got.Credential.ExpiresAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInsertDuplicateRegNo(t *testing.T) {
	s, mock := newMock(t)
	st := sampleStudent()

	mock.ExpectBegin()
	mock.ExpectQuery("select exists").WithArgs(st.RegNo).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	entry := audit.NewEntry(audit.Actor{ID: "admin-1"}, audit.ActionCreate, st.ID, nil)
	if err := s.Insert(context.Background(), st, entry); !errors.Is(err, registry.ErrRegNoExists) {
		t.Fatalf("expected ErrRegNoExists, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInsertCommitsAuditAtomically(t *testing.T) {
	s, mock := newMock(t)
	st := sampleStudent()

	mock.ExpectBegin()
	mock.ExpectQuery("select exists").WithArgs(st.RegNo).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("insert into credential_identifiers").
		WithArgs(st.Credential.Identifier, st.ID).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into students").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into audit_log").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	entry := audit.NewEntry(audit.Actor{ID: "admin-1"}, audit.ActionCreate, st.ID, nil)
	if err := s.Insert(context.Background(), st, entry); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateVersionConflict(t *testing.T) {
	s, mock := newMock(t)
	st := sampleStudent()
	st.Version = 2

	mock.ExpectBegin()
	mock.ExpectQuery("select qr_id from students where id=").WithArgs(st.ID).
		WillReturnRows(sqlmock.NewRows([]string{"qr_id"}).AddRow(st.Credential.Identifier))
	mock.ExpectExec("update students set").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	entry := audit.NewEntry(audit.Actor{ID: "admin-1"}, audit.ActionRenew, st.ID, nil)
	err := s.Update(context.Background(), st, 1, entry)
	if !errors.Is(err, registry.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateReissueReservesNewIdentifier(t *testing.T) {
	s, mock := newMock(t)
	st := sampleStudent()
	st.Version = 2
	st.Credential.Identifier = "ffffffffffffffff"

	mock.ExpectBegin()
	mock.ExpectQuery("select qr_id from students where id=").WithArgs(st.ID).
		WillReturnRows(sqlmock.NewRows([]string{"qr_id"}).AddRow("a1b2c3d4e5f60718"))
	mock.ExpectExec("insert into credential_identifiers").
		WithArgs(st.Credential.Identifier, st.ID).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("update students set").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into audit_log").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	entry := audit.NewEntry(audit.Actor{ID: "admin-1"}, audit.ActionReissue, st.ID, nil)
	if err := s.Update(context.Background(), st, 1, entry); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeleteMissing(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("insert into audit_log").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("delete from students where id=").WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	entry := audit.NewEntry(audit.Actor{ID: "admin-1"}, audit.ActionDeletePermanent, "missing", nil)
	if err := s.Delete(context.Background(), "missing", entry); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAttemptsAppend(t *testing.T) {
	s, mock := newMock(t)
	id := "stu-1"
	a := verify.Attempt{
		StudentID: &id,
		ScannedAt: time.Now().UTC(),
		IP:        "203.0.113.9",
		Result:    "success",
	}
	mock.ExpectExec("insert into verification_attempts").
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := s.Attempts().Append(context.Background(), a); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAdminsCreateConflict(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("insert into admins").
		WillReturnResult(sqlmock.NewResult(0, 0))

	a := &auth.Admin{Name: "Root", Email: "root@campus.test", PasswordHash: "x"}
	if err := s.Admins().Create(context.Background(), a); !errors.Is(err, auth.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
