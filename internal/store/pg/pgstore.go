package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"campusid.org/internal/audit"
	"campusid.org/internal/auth"
	"campusid.org/internal/ids"
	"campusid.org/internal/registry"
	"campusid.org/internal/verify"
)

// queryTimeout bounds every storage call so the verification and lifecycle
// paths never block indefinitely on the database.
const queryTimeout = 5 * time.Second

// Store implements the student registry over PostgreSQL. The attempt-log,
// audit-trail, and admin views share its connection pool.
type Store struct {
	db *sql.DB
}

var (
	_ registry.Store    = (*Store)(nil)
	_ verify.AttemptLog = (*Attempts)(nil)
	_ audit.Trail       = (*Audit)(nil)
	_ auth.AdminStore   = (*Admins)(nil)
)

// Open connects to PostgreSQL with pool settings tuned for a small service.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing connection pool. Used by tests with sqlmock.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Attempts returns the verification attempt log backed by the same pool.
func (s *Store) Attempts() *Attempts { return &Attempts{db: s.db} }

// Audit returns the audit trail backed by the same pool.
func (s *Store) Audit() *Audit { return &Audit{db: s.db} }

// Admins returns the admin account store backed by the same pool.
func (s *Store) Admins() *Admins { return &Admins{db: s.db} }

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, queryTimeout)
}

const studentColumns = `id, reg_no, name, department, year, email, phone, password_hash,
	photo_url, card_number, qr_id, qr_sig, qr_history, card_issued_at, card_expires_at,
	status, deleted, metadata, created_at, updated_at, version`

func (s *Store) Insert(ctx context.Context, st registry.Student, entry audit.Entry) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`select exists(select 1 from students where reg_no=$1 and not deleted)`,
		st.RegNo,
	).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return registry.ErrRegNoExists
	}

	if err := reserveIdentifier(ctx, tx, st.Credential.Identifier, st.ID); err != nil {
		return err
	}

	history, err := json.Marshal(st.History)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(st.Metadata)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into students(`+studentColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
	`, st.ID, st.RegNo, st.Name, st.Department, st.Year, st.Email, st.Phone, st.PasswordHash,
		st.PhotoURL, st.CardNumber, st.Credential.Identifier, st.Credential.Signature, history,
		st.Credential.IssuedAt, st.Credential.ExpiresAt, string(st.Status), st.Deleted, metadata,
		st.CreatedAt, st.UpdatedAt, st.Version,
	); err != nil {
		return err
	}

	if err := appendAudit(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Get(ctx context.Context, id string) (registry.Student, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `select `+studentColumns+` from students where id=$1`, id)
	return scanStudent(row)
}

func (s *Store) FindByCredentialID(ctx context.Context, identifier string) (registry.Student, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx,
		`select `+studentColumns+` from students where qr_id=$1 and not deleted`, identifier)
	return scanStudent(row)
}

func (s *Store) List(ctx context.Context, q registry.ListQuery) ([]registry.Student, int, error) {
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	needle := strings.TrimSpace(q.Search)

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	where := `not deleted`
	args := []any{}
	if needle != "" {
		where += ` and (name ilike $1 or reg_no ilike $1)`
		args = append(args, "%"+needle+"%")
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`select count(*) from students where `+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`select `+studentColumns+` from students where `+where+`
		 order by created_at desc, id desc limit $%d offset $%d`,
		len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []registry.Student
	for rows.Next() {
		st, err := scanStudent(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, st)
	}
	return out, total, rows.Err()
}

func (s *Store) Update(ctx context.Context, st registry.Student, expectVersion int64, entry audit.Entry) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var currentIdentifier string
	err = tx.QueryRowContext(ctx,
		`select qr_id from students where id=$1 for update`, st.ID,
	).Scan(&currentIdentifier)
	if errors.Is(err, sql.ErrNoRows) {
		return registry.ErrNotFound
	}
	if err != nil {
		return err
	}
	if currentIdentifier != st.Credential.Identifier {
		// reissue path: reserve the new identifier forever
		if err := reserveIdentifier(ctx, tx, st.Credential.Identifier, st.ID); err != nil {
			return err
		}
	}

	history, err := json.Marshal(st.History)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(st.Metadata)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		update students set
			name=$3, department=$4, year=$5, email=$6, phone=$7, password_hash=$8,
			photo_url=$9, qr_id=$10, qr_sig=$11, qr_history=$12, card_issued_at=$13,
			card_expires_at=$14, status=$15, deleted=$16, metadata=$17, updated_at=$18,
			version=$19
		where id=$1 and version=$2
	`, st.ID, expectVersion, st.Name, st.Department, st.Year, st.Email, st.Phone,
		st.PasswordHash, st.PhotoURL, st.Credential.Identifier, st.Credential.Signature,
		history, st.Credential.IssuedAt, st.Credential.ExpiresAt, string(st.Status),
		st.Deleted, metadata, st.UpdatedAt, st.Version,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Row exists (we locked it above), so the version moved under us.
		return registry.ErrConflict
	}

	if err := appendAudit(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Delete(ctx context.Context, id string, entry audit.Entry) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := appendAudit(ctx, tx, entry); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `delete from students where id=$1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return registry.ErrNotFound
	}
	// credential_identifiers rows survive so identifiers stay reserved.
	return tx.Commit()
}

func reserveIdentifier(ctx context.Context, tx *sql.Tx, identifier, studentID string) error {
	res, err := tx.ExecContext(ctx, `
		insert into credential_identifiers(identifier, student_id, issued_at)
		values ($1,$2,now()) on conflict (identifier) do nothing
	`, identifier, studentID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return registry.ErrConflict
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStudent(row rowScanner) (registry.Student, error) {
	var (
		st       registry.Student
		history  []byte
		metadata []byte
		status   string
	)
	err := row.Scan(&st.ID, &st.RegNo, &st.Name, &st.Department, &st.Year, &st.Email,
		&st.Phone, &st.PasswordHash, &st.PhotoURL, &st.CardNumber,
		&st.Credential.Identifier, &st.Credential.Signature, &history,
		&st.Credential.IssuedAt, &st.Credential.ExpiresAt, &status, &st.Deleted,
		&metadata, &st.CreatedAt, &st.UpdatedAt, &st.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return registry.Student{}, registry.ErrNotFound
	}
	if err != nil {
		return registry.Student{}, err
	}
	st.Status = registry.Status(status)
	if len(history) > 0 {
		if err := json.Unmarshal(history, &st.History); err != nil {
			return registry.Student{}, err
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &st.Metadata); err != nil {
			return registry.Student{}, err
		}
	}
	return st, nil
}

// Audit is the audit.Trail view over the shared pool.
type Audit struct {
	db *sql.DB
}

func (t *Audit) Append(ctx context.Context, e audit.Entry) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := appendAudit(ctx, tx, e); err != nil {
		return err
	}
	return tx.Commit()
}

func appendAudit(ctx context.Context, tx *sql.Tx, e audit.Entry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		insert into audit_log(id, occurred_at, actor_id, actor_email, action, target_id, details)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, e.ID, e.OccurredAt, e.ActorID, e.ActorEmail, e.Action, e.TargetID, details)
	return err
}

func (t *Audit) List(ctx context.Context, limit, offset int) ([]audit.Entry, int, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var total int
	if err := t.db.QueryRowContext(ctx, `select count(*) from audit_log`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := t.db.QueryContext(ctx, `
		select id, occurred_at, actor_id, actor_email, action, target_id, details
		from audit_log order by occurred_at desc, id desc limit $1 offset $2
	`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			e       audit.Entry
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.ActorID, &e.ActorEmail, &e.Action,
			&e.TargetID, &details); err != nil {
			return nil, 0, err
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, 0, err
			}
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

// Attempts is the verify.AttemptLog view over the shared pool.
type Attempts struct {
	db *sql.DB
}

func (l *Attempts) Append(ctx context.Context, a verify.Attempt) error {
	if a.ID == "" {
		a.ID = ids.New()
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := l.db.ExecContext(ctx, `
		insert into verification_attempts(id, student_id, scanned_at, ip, user_agent, lat, lng, result, note)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, a.ID, a.StudentID, a.ScannedAt, a.IP, a.UserAgent, a.Lat, a.Lng, a.Result, a.Note)
	return err
}

func (l *Attempts) List(ctx context.Context, q verify.AttemptQuery) ([]verify.Attempt, int, error) {
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	where := `true`
	args := []any{}
	if q.Result != "" {
		where = `result=$1`
		args = append(args, q.Result)
	}

	var total int
	if err := l.db.QueryRowContext(ctx,
		`select count(*) from verification_attempts where `+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := l.db.QueryContext(ctx, fmt.Sprintf(`
		select id, student_id, scanned_at, ip, user_agent, lat, lng, result, note
		from verification_attempts where `+where+`
		order by scanned_at desc, id desc limit $%d offset $%d`,
		len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []verify.Attempt
	for rows.Next() {
		var a verify.Attempt
		if err := rows.Scan(&a.ID, &a.StudentID, &a.ScannedAt, &a.IP, &a.UserAgent,
			&a.Lat, &a.Lng, &a.Result, &a.Note); err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

// Admins is the auth.AdminStore view over the shared pool.
type Admins struct {
	db *sql.DB
}

func (m *Admins) Create(ctx context.Context, a *auth.Admin) error {
	if a.ID == "" {
		a.ID = ids.New()
	}
	if a.Role == "" {
		a.Role = auth.RoleAdmin
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	ctx, cancel := withTimeout(ctx)
	defer cancel()
	res, err := m.db.ExecContext(ctx, `
		insert into admins(id, name, email, password_hash, role, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7) on conflict (email) do nothing
	`, a.ID, a.Name, a.Email, a.PasswordHash, a.Role, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return auth.ErrAlreadyExists
	}
	return nil
}

func (m *Admins) Find(ctx context.Context, id string) (*auth.Admin, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	return scanAdmin(m.db.QueryRowContext(ctx, `
		select id, name, email, password_hash, role, created_at, updated_at
		from admins where id=$1`, id))
}

func (m *Admins) FindByEmail(ctx context.Context, email string) (*auth.Admin, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	return scanAdmin(m.db.QueryRowContext(ctx, `
		select id, name, email, password_hash, role, created_at, updated_at
		from admins where email=$1`, strings.ToLower(strings.TrimSpace(email))))
}

func scanAdmin(row rowScanner) (*auth.Admin, error) {
	var a auth.Admin
	err := row.Scan(&a.ID, &a.Name, &a.Email, &a.PasswordHash, &a.Role, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}
