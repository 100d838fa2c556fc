package verify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"campusid.org/internal/credential"
	"campusid.org/internal/registry"
)

// Disposition is the resolved outcome of one verification call.
type Disposition string

const (
	DispositionSuccess   Disposition = "success"
	DispositionExpired   Disposition = "expired"
	DispositionSuspended Disposition = "suspended"
	DispositionInvalid   Disposition = "invalid"
)

// Operator-facing notes recorded with invalid attempts. Never exposed to the
// scanning client: malformed, forged, and unknown tokens all present as a
// bare "invalid" so the endpoint cannot be used as an existence oracle.
const (
	noteMalformedToken = "malformed token"
	noteBadSignature   = "bad signature"
	noteNotFound       = "identifier not found"
)

// Source is scan metadata recorded with each attempt.
type Source struct {
	IP        string
	UserAgent string
	Lat       *float64
	Lng       *float64
}

// StudentSummary is the public payload for a matched record: nothing beyond
// this list leaves the service on the unauthenticated endpoint, and never
// the signature.
type StudentSummary struct {
	Name       string          `json:"name"`
	RegNo      string          `json:"reg_no"`
	Department string          `json:"department,omitempty"`
	Year       string          `json:"year,omitempty"`
	PhotoURL   string          `json:"photo_url,omitempty"`
	Status     registry.Status `json:"status"`
	IssuedAt   time.Time       `json:"issued_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

// Result is the terminal outcome handed to the presentation layer.
type Result struct {
	Disposition Disposition     `json:"result"`
	Student     *StudentSummary `json:"student,omitempty"`
}

// RecordFinder is the slice of the record store the state machine needs.
type RecordFinder interface {
	FindByCredentialID(ctx context.Context, identifier string) (registry.Student, error)
}

// Verifier resolves scanned tokens to dispositions. Pure signature checking
// happens before any store access so forged tokens never cost a lookup.
type Verifier struct {
	signer   credential.Signer
	records  RecordFinder
	attempts AttemptLog
	now      func() time.Time
}

func NewVerifier(signer credential.Signer, records RecordFinder, attempts AttemptLog) *Verifier {
	return &Verifier{
		signer:   signer,
		records:  records,
		attempts: attempts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Check runs the verification state machine over a scanned token. Exactly
// one attempt record is appended per call, whichever branch terminates it.
// A non-nil error means a persistence fault, not a business outcome; the
// caller should present it as a retryable server error.
func (v *Verifier) Check(ctx context.Context, token string, src Source) (Result, error) {
	id, sig, ok := splitToken(token)

	// 1. Malformed tokens terminate before any record-store access.
	if !ok {
		return v.terminal(ctx, DispositionInvalid, nil, src, noteMalformedToken)
	}

	// 2. Signature check runs before lookup; a forged identifier for a real
	// record still dies here.
	if !v.signer.Verify(id, sig) {
		return v.terminal(ctx, DispositionInvalid, nil, src, noteBadSignature)
	}

	// 3. Only the current identifier of a non-deleted record matches.
	st, err := v.records.FindByCredentialID(ctx, id)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return v.terminal(ctx, DispositionInvalid, nil, src, noteNotFound)
		}
		return Result{}, fmt.Errorf("verify: record lookup: %w", err)
	}

	// 4. Record-level status wins over expiry.
	if st.Status != registry.StatusActive {
		return v.terminal(ctx, Disposition(st.Status), &st, src, "")
	}

	// 5. Single time source, UTC wall clock. Timezone rendering is the
	// caller's concern, never part of the validity decision.
	if !st.Credential.ExpiresAt.IsZero() && !v.now().Before(st.Credential.ExpiresAt) {
		return v.terminal(ctx, DispositionExpired, &st, src, "")
	}

	// 6. Valid.
	return v.terminal(ctx, DispositionSuccess, &st, src, "")
}

func (v *Verifier) terminal(ctx context.Context, d Disposition, st *registry.Student, src Source, note string) (Result, error) {
	attempt := Attempt{
		ScannedAt: v.now(),
		IP:        src.IP,
		UserAgent: src.UserAgent,
		Lat:       src.Lat,
		Lng:       src.Lng,
		Result:    string(d),
		Note:      note,
	}
	res := Result{Disposition: d}
	if st != nil {
		attempt.StudentID = &st.ID
		res.Student = &StudentSummary{
			Name:       st.Name,
			RegNo:      st.RegNo,
			Department: st.Department,
			Year:       st.Year,
			PhotoURL:   st.PhotoURL,
			Status:     st.Status,
			IssuedAt:   st.Credential.IssuedAt,
			ExpiresAt:  st.Credential.ExpiresAt,
		}
	}
	if err := v.attempts.Append(ctx, attempt); err != nil {
		return Result{}, fmt.Errorf("verify: attempt log: %w", err)
	}
	return res, nil
}

// splitToken separates identifier and signature on the single expected
// separator. Both halves are hex, so a separator inside either half means
// the token is malformed rather than ambiguous.
func splitToken(token string) (id, sig string, ok bool) {
	id, sig, found := strings.Cut(token, credential.TokenSeparator)
	if !found || id == "" || sig == "" || strings.Contains(sig, credential.TokenSeparator) {
		return "", "", false
	}
	return id, sig, true
}
