// Package ports defines the port interfaces between the core services and
// their adapters. Implementations live under internal/adapters.
package ports

import (
	"context"

	"github.com/openimis/msystems/internal/core/domain"
)

// IdentityStore is the port for the user/role/organization store. Every login
// reconciliation runs inside a single InTx call.
type IdentityStore interface {
	// InTx runs fn inside one all-or-nothing transaction. The transaction is
	// serialized against concurrent writers of the same identity rows, so the
	// read-compute-write cycle of a reconciliation cannot lose updates. Any
	// error from fn, or a canceled context, rolls the transaction back.
	InTx(ctx context.Context, fn func(tx IdentityTx) error) error
}

// IdentityTx is the repository contract available inside a transaction.
type IdentityTx interface {
	// FindUserByUsername returns the active user with the given username,
	// locking its row for the remainder of the transaction.
	// Returns domain.ErrUserNotFound if absent.
	FindUserByUsername(ctx context.Context, username string) (*domain.LocalUser, error)

	// CreateUser creates a user with a fresh active identity. The identity
	// gets an unusable credential token, and a location grant seeded from
	// locationCode is recorded once at creation.
	CreateUser(ctx context.Context, username, firstName, lastName, locationCode string) (*domain.LocalUser, error)

	// ArchiveIdentity closes the validity interval of the current identity
	// snapshot, preserving it as history.
	ArchiveIdentity(ctx context.Context, identityID string) error

	// UpdateIdentityNames overwrites the names on the active identity.
	UpdateIdentityNames(ctx context.Context, identityID, firstName, lastName string) error

	// FindRoleByName resolves a role name to a local role.
	// Returns domain.ErrRoleNotFound for names this deployment does not model.
	FindRoleByName(ctx context.Context, name string) (*domain.Role, error)

	// ActiveRoleGrants returns the open-ended role grants of an identity.
	ActiveRoleGrants(ctx context.Context, identityID string) ([]domain.RoleGrant, error)

	// RevokeRoleGrant closes the grant's validity interval. The row is kept.
	RevokeRoleGrant(ctx context.Context, grantID string) error

	// CreateRoleGrant opens a new active grant for (identity, role).
	CreateRoleGrant(ctx context.Context, identityID, roleID string) error

	// FindOrganizationByCode returns the non-deleted organization with the
	// given registration code. Returns domain.ErrOrganizationNotFound if
	// absent.
	FindOrganizationByCode(ctx context.Context, code string) (*domain.Organization, error)

	// CreateOrganization creates an organization with the given code, display
	// name and default home location.
	CreateOrganization(ctx context.Context, code, name, locationCode string) (*domain.Organization, error)

	// RenameOrganization updates the display name in place.
	RenameOrganization(ctx context.Context, organizationID, name string) error

	// ActiveMemberships returns the non-tombstoned memberships of a user.
	ActiveMemberships(ctx context.Context, userID string) ([]domain.OrganizationMembership, error)

	// TombstoneMembership soft-deletes a membership, preserving the row.
	TombstoneMembership(ctx context.Context, membershipID string) error

	// CreateMembership creates an active membership for (user, organization).
	CreateMembership(ctx context.Context, userID, organizationID string) error
}
