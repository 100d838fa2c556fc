package auth

import "time"

// Roles accepted for administrative accounts.
const (
	RoleAdmin      = "admin"
	RoleSuperAdmin = "superadmin"
)

// Admin is a privileged operator account. Admins register students, reissue
// credentials, and read the verification and audit logs.
type Admin struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
