package domain

import "time"

// LocalUser is the persistent account a reconciled login converges to. It
// owns exactly one active Identity plus role grants and legal-entity
// memberships reached through that identity.
type LocalUser struct {
	ID       string
	Username string

	// Identity is the single active (non-archived) identity row.
	Identity Identity

	// Roles holds the active role names as of the last reconciliation,
	// including any fallback grant. Derived state, not a persisted column.
	Roles []string

	CreatedAt time.Time
}

// Identity is the profile attached to a LocalUser. Name changes archive the
// previous row instead of overwriting it, so history is append-only.
type Identity struct {
	ID        string
	UserID    string
	FirstName string
	LastName  string

	// CredentialToken is a long random opaque value stored in place of a
	// password hash. No password can ever match it, which makes interactive
	// password login structurally impossible for federated accounts.
	CredentialToken string

	ValidFrom time.Time
	// ValidTo is nil while the identity is active.
	ValidTo *time.Time
}

// Role is a locally modeled role that asserted role names map onto.
type Role struct {
	ID   string
	Name string
}

// RoleGrant relates an Identity to a Role over a validity interval.
// Revocation closes the interval; rows are never deleted.
type RoleGrant struct {
	ID         string
	IdentityID string
	RoleID     string
	RoleName   string
	ValidFrom  time.Time
	// ValidTo is nil while the grant is active.
	ValidTo *time.Time
}

// Active reports whether the grant's validity interval is still open.
func (g RoleGrant) Active() bool {
	return g.ValidTo == nil
}

// Organization is a legal entity keyed by its external registration code.
// The code is unique among non-deleted organizations; the display name is
// mutable in place.
type Organization struct {
	ID           string
	Code         string
	Name         string
	LocationCode string
	ValidFrom    time.Time
	DeletedAt    *time.Time
}

// OrganizationMembership relates a LocalUser to an Organization. Memberships
// are tombstoned, not deleted, to preserve history.
type OrganizationMembership struct {
	ID             string
	UserID         string
	OrganizationID string
	// Code mirrors the organization registration code for set comparison.
	Code      string
	CreatedAt time.Time
	DeletedAt *time.Time
}

// Tombstoned reports whether the membership has been soft-deleted.
func (m OrganizationMembership) Tombstoned() bool {
	return m.DeletedAt != nil
}
