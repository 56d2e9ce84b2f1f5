// Package service contains the identity reconciliation engine: the logic
// that converges local users, role grants and legal-entity memberships to
// match a freshly asserted identity.
package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/openimis/msystems/internal/core/domain"
	"github.com/openimis/msystems/internal/core/ports"
)

// Reconciler converges persisted user state to match identity assertions.
// Safe for concurrent use; all mutable state lives in the store.
type Reconciler struct {
	store        ports.IdentityStore
	fallbackRole string
	homeLocation string
	metrics      ports.MetricsRecorder
	logger       *zap.Logger
}

// NewReconciler creates a reconciler. fallbackRole is granted when an
// assertion carries no role claim; homeLocation seeds the location grant of
// first-login users and newly created organizations.
func NewReconciler(store ports.IdentityStore, fallbackRole, homeLocation string, metrics ports.MetricsRecorder, logger *zap.Logger) *Reconciler {
	if metrics == nil {
		metrics = ports.NewNoopMetricsRecorder()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		store:        store,
		fallbackRole: fallbackRole,
		homeLocation: homeLocation,
		metrics:      metrics,
		logger:       logger,
	}
}

// Login runs one reconciliation for a login event. The whole convergence is
// a single transaction: callers see either the converged user or an error,
// never partial state. Reprocessing the same assertion is a no-op.
func (r *Reconciler) Login(ctx context.Context, assertion domain.IdentityAssertion) (*domain.LocalUser, error) {
	var user *domain.LocalUser

	err := r.store.InTx(ctx, func(tx ports.IdentityTx) error {
		u, err := r.resolveIdentity(ctx, tx, assertion)
		if err != nil {
			return err
		}
		if err := r.reconcileRoles(ctx, tx, u, assertion); err != nil {
			return err
		}
		if err := r.reconcileOrganizations(ctx, tx, u, assertion); err != nil {
			return err
		}
		user = u
		return nil
	})
	if err != nil {
		r.metrics.RecordReconciliation(false)
		r.logger.Error("login reconciliation failed",
			zap.String("username", assertion.Username),
			zap.Error(err))
		return nil, domain.ReconciliationError(err)
	}

	r.metrics.RecordReconciliation(true)
	return user, nil
}

// resolveIdentity looks up or creates the user for the asserted username and
// brings the identity names up to date. A name change archives the current
// identity snapshot before overwriting, so history is append-only.
func (r *Reconciler) resolveIdentity(ctx context.Context, tx ports.IdentityTx, assertion domain.IdentityAssertion) (*domain.LocalUser, error) {
	user, err := tx.FindUserByUsername(ctx, assertion.Username)
	if errors.Is(err, domain.ErrUserNotFound) {
		created, err := tx.CreateUser(ctx, assertion.Username, assertion.FirstName, assertion.LastName, r.homeLocation)
		if err != nil {
			return nil, fmt.Errorf("create user %q: %w", assertion.Username, err)
		}
		r.logger.Info("created user from assertion", zap.String("username", assertion.Username))
		return created, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user %q: %w", assertion.Username, err)
	}

	if user.Identity.FirstName != assertion.FirstName || user.Identity.LastName != assertion.LastName {
		if err := tx.ArchiveIdentity(ctx, user.Identity.ID); err != nil {
			return nil, fmt.Errorf("archive identity: %w", err)
		}
		if err := tx.UpdateIdentityNames(ctx, user.Identity.ID, assertion.FirstName, assertion.LastName); err != nil {
			return nil, fmt.Errorf("update identity names: %w", err)
		}
		user.Identity.FirstName = assertion.FirstName
		user.Identity.LastName = assertion.LastName
	}

	return user, nil
}

// reconcileRoles converges the identity's active role grants to the asserted
// role set. Extraneous grants are revoked with their history preserved;
// asserted roles with no local mapping are skipped with a warning. The
// converged active role names (which may differ from the assertion when the
// fallback role kicks in or unknown roles are dropped) end up on user.Roles.
func (r *Reconciler) reconcileRoles(ctx context.Context, tx ports.IdentityTx, user *domain.LocalUser, assertion domain.IdentityAssertion) error {
	asserted := assertion.Roles
	if len(asserted) == 0 {
		asserted = []string{r.fallbackRole}
	}

	assertedSet := make(map[string]bool, len(asserted))
	for _, name := range asserted {
		assertedSet[name] = true
	}

	current, err := tx.ActiveRoleGrants(ctx, user.Identity.ID)
	if err != nil {
		return fmt.Errorf("load active role grants: %w", err)
	}

	var converged []string
	currentSet := make(map[string]bool, len(current))
	for _, grant := range current {
		currentSet[grant.RoleName] = true
		if !assertedSet[grant.RoleName] {
			if err := tx.RevokeRoleGrant(ctx, grant.ID); err != nil {
				return fmt.Errorf("revoke role grant %q: %w", grant.RoleName, err)
			}
			continue
		}
		converged = append(converged, grant.RoleName)
	}

	for _, name := range asserted {
		if currentSet[name] {
			continue
		}
		currentSet[name] = true

		role, err := tx.FindRoleByName(ctx, name)
		if errors.Is(err, domain.ErrRoleNotFound) {
			// Upstream identity systems may assert role labels this
			// deployment does not model yet.
			r.metrics.RecordUnknownRole(name)
			r.logger.Warn("skipping unknown asserted role",
				zap.String("username", user.Username),
				zap.String("role", name))
			continue
		}
		if err != nil {
			return fmt.Errorf("find role %q: %w", name, err)
		}
		if err := tx.CreateRoleGrant(ctx, user.Identity.ID, role.ID); err != nil {
			return fmt.Errorf("create role grant %q: %w", name, err)
		}
		converged = append(converged, name)
	}

	user.Roles = converged
	return nil
}

// reconcileOrganizations converges the user's active memberships to the
// asserted affiliation set. Processing follows assertion order, but the final
// state depends only on the set of codes.
func (r *Reconciler) reconcileOrganizations(ctx context.Context, tx ports.IdentityTx, user *domain.LocalUser, assertion domain.IdentityAssertion) error {
	assertedIDs := make(map[string]string, len(assertion.Organizations))
	for _, affiliation := range assertion.Organizations {
		if _, seen := assertedIDs[affiliation.Code]; seen {
			continue
		}
		org, err := r.resolveOrganization(ctx, tx, affiliation)
		if err != nil {
			return err
		}
		assertedIDs[affiliation.Code] = org.ID
	}

	current, err := tx.ActiveMemberships(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("load active memberships: %w", err)
	}

	for _, membership := range current {
		if _, ok := assertedIDs[membership.Code]; ok {
			delete(assertedIDs, membership.Code)
			continue
		}
		if err := tx.TombstoneMembership(ctx, membership.ID); err != nil {
			return fmt.Errorf("tombstone membership %q: %w", membership.Code, err)
		}
	}

	for code, orgID := range assertedIDs {
		if err := tx.CreateMembership(ctx, user.ID, orgID); err != nil {
			return fmt.Errorf("create membership %q: %w", code, err)
		}
	}

	return nil
}

// resolveOrganization looks up a legal entity by registration code, creating
// it or renaming it in place as needed.
func (r *Reconciler) resolveOrganization(ctx context.Context, tx ports.IdentityTx, affiliation domain.OrganizationAffiliation) (*domain.Organization, error) {
	if !domain.ValidOrganizationIDNO(affiliation.Code) {
		// The identity provider is authoritative for affiliations, so a bad
		// checksum is logged but still persisted.
		r.logger.Warn("asserted organization code fails IDNO validation",
			zap.String("code", affiliation.Code),
			zap.String("name", affiliation.Name))
	}

	org, err := tx.FindOrganizationByCode(ctx, affiliation.Code)
	if errors.Is(err, domain.ErrOrganizationNotFound) {
		created, err := tx.CreateOrganization(ctx, affiliation.Code, affiliation.Name, r.homeLocation)
		if err != nil {
			return nil, fmt.Errorf("create organization %q: %w", affiliation.Code, err)
		}
		return created, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find organization %q: %w", affiliation.Code, err)
	}

	if org.Name != affiliation.Name {
		if err := tx.RenameOrganization(ctx, org.ID, affiliation.Name); err != nil {
			return nil, fmt.Errorf("rename organization %q: %w", affiliation.Code, err)
		}
		org.Name = affiliation.Name
	}

	return org, nil
}
