// Package store provides the identity and order store adapters: a Postgres
// implementation for production and an in-memory implementation for tests
// and demo deployments.
package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openimis/msystems/internal/core/domain"
	"github.com/openimis/msystems/internal/core/ports"
)

// InMemory is an in-memory IdentityStore. Transactions take a full snapshot
// and restore it on error, so rollback semantics match the SQL adapter.
type InMemory struct {
	mu sync.Mutex

	users          []domain.LocalUser
	identityLog    []domain.Identity // archived identity snapshots
	roles          []domain.Role
	grants         []domain.RoleGrant
	organizations  []domain.Organization
	memberships    []domain.OrganizationMembership
	locationGrants map[string]string // user ID -> seeded location code

	now func() time.Time
}

// NewInMemory creates an empty in-memory store with the given roles
// pre-seeded.
func NewInMemory(roleNames ...string) *InMemory {
	s := &InMemory{
		locationGrants: make(map[string]string),
		now:            time.Now,
	}
	for _, name := range roleNames {
		s.roles = append(s.roles, domain.Role{ID: uuid.NewString(), Name: name})
	}
	return s
}

var _ ports.IdentityStore = (*InMemory)(nil)
var _ ports.IdentityTx = (*inMemoryTx)(nil)

type inMemorySnapshot struct {
	users          []domain.LocalUser
	identityLog    []domain.Identity
	grants         []domain.RoleGrant
	organizations  []domain.Organization
	memberships    []domain.OrganizationMembership
	locationGrants map[string]string
}

func (s *InMemory) snapshot() inMemorySnapshot {
	snap := inMemorySnapshot{
		users:          append([]domain.LocalUser(nil), s.users...),
		identityLog:    append([]domain.Identity(nil), s.identityLog...),
		grants:         append([]domain.RoleGrant(nil), s.grants...),
		organizations:  append([]domain.Organization(nil), s.organizations...),
		memberships:    append([]domain.OrganizationMembership(nil), s.memberships...),
		locationGrants: make(map[string]string, len(s.locationGrants)),
	}
	for k, v := range s.locationGrants {
		snap.locationGrants[k] = v
	}
	return snap
}

func (s *InMemory) restore(snap inMemorySnapshot) {
	s.users = snap.users
	s.identityLog = snap.identityLog
	s.grants = snap.grants
	s.organizations = snap.organizations
	s.memberships = snap.memberships
	s.locationGrants = snap.locationGrants
}

// InTx runs fn under the store mutex. The mutex serializes concurrent logins
// the way row locks do in the SQL adapter; a failed fn restores the
// pre-transaction snapshot.
func (s *InMemory) InTx(ctx context.Context, fn func(tx ports.IdentityTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snap := s.snapshot()
	if err := fn(&inMemoryTx{store: s}); err != nil {
		s.restore(snap)
		return err
	}
	if err := ctx.Err(); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type inMemoryTx struct {
	store *InMemory
}

func (tx *inMemoryTx) FindUserByUsername(ctx context.Context, username string) (*domain.LocalUser, error) {
	for i := range tx.store.users {
		if tx.store.users[i].Username == username {
			user := tx.store.users[i]
			return &user, nil
		}
	}
	return nil, domain.ErrUserNotFound
}

func (tx *inMemoryTx) CreateUser(ctx context.Context, username, firstName, lastName, locationCode string) (*domain.LocalUser, error) {
	now := tx.store.now()
	user := domain.LocalUser{
		ID:       uuid.NewString(),
		Username: username,
		Identity: domain.Identity{
			ID:              uuid.NewString(),
			FirstName:       firstName,
			LastName:        lastName,
			CredentialToken: newCredentialToken(),
			ValidFrom:       now,
		},
		CreatedAt: now,
	}
	user.Identity.UserID = user.ID
	tx.store.users = append(tx.store.users, user)
	tx.store.locationGrants[user.ID] = locationCode
	return &user, nil
}

func (tx *inMemoryTx) ArchiveIdentity(ctx context.Context, identityID string) error {
	now := tx.store.now()
	for i := range tx.store.users {
		if tx.store.users[i].Identity.ID == identityID {
			archived := tx.store.users[i].Identity
			archived.ValidTo = &now
			tx.store.identityLog = append(tx.store.identityLog, archived)
			return nil
		}
	}
	return domain.ErrUserNotFound
}

func (tx *inMemoryTx) UpdateIdentityNames(ctx context.Context, identityID, firstName, lastName string) error {
	for i := range tx.store.users {
		if tx.store.users[i].Identity.ID == identityID {
			tx.store.users[i].Identity.FirstName = firstName
			tx.store.users[i].Identity.LastName = lastName
			return nil
		}
	}
	return domain.ErrUserNotFound
}

func (tx *inMemoryTx) FindRoleByName(ctx context.Context, name string) (*domain.Role, error) {
	for i := range tx.store.roles {
		if tx.store.roles[i].Name == name {
			role := tx.store.roles[i]
			return &role, nil
		}
	}
	return nil, domain.ErrRoleNotFound
}

func (tx *inMemoryTx) ActiveRoleGrants(ctx context.Context, identityID string) ([]domain.RoleGrant, error) {
	var active []domain.RoleGrant
	for _, grant := range tx.store.grants {
		if grant.IdentityID == identityID && grant.Active() {
			active = append(active, grant)
		}
	}
	return active, nil
}

func (tx *inMemoryTx) RevokeRoleGrant(ctx context.Context, grantID string) error {
	now := tx.store.now()
	for i := range tx.store.grants {
		if tx.store.grants[i].ID == grantID {
			tx.store.grants[i].ValidTo = &now
			return nil
		}
	}
	return domain.ErrRoleNotFound
}

func (tx *inMemoryTx) CreateRoleGrant(ctx context.Context, identityID, roleID string) error {
	var roleName string
	for _, role := range tx.store.roles {
		if role.ID == roleID {
			roleName = role.Name
		}
	}
	tx.store.grants = append(tx.store.grants, domain.RoleGrant{
		ID:         uuid.NewString(),
		IdentityID: identityID,
		RoleID:     roleID,
		RoleName:   roleName,
		ValidFrom:  tx.store.now(),
	})
	return nil
}

func (tx *inMemoryTx) FindOrganizationByCode(ctx context.Context, code string) (*domain.Organization, error) {
	for i := range tx.store.organizations {
		if tx.store.organizations[i].Code == code && tx.store.organizations[i].DeletedAt == nil {
			org := tx.store.organizations[i]
			return &org, nil
		}
	}
	return nil, domain.ErrOrganizationNotFound
}

func (tx *inMemoryTx) CreateOrganization(ctx context.Context, code, name, locationCode string) (*domain.Organization, error) {
	org := domain.Organization{
		ID:           uuid.NewString(),
		Code:         code,
		Name:         name,
		LocationCode: locationCode,
		ValidFrom:    tx.store.now(),
	}
	tx.store.organizations = append(tx.store.organizations, org)
	return &org, nil
}

func (tx *inMemoryTx) RenameOrganization(ctx context.Context, organizationID, name string) error {
	for i := range tx.store.organizations {
		if tx.store.organizations[i].ID == organizationID {
			tx.store.organizations[i].Name = name
			return nil
		}
	}
	return domain.ErrOrganizationNotFound
}

func (tx *inMemoryTx) ActiveMemberships(ctx context.Context, userID string) ([]domain.OrganizationMembership, error) {
	var active []domain.OrganizationMembership
	for _, membership := range tx.store.memberships {
		if membership.UserID == userID && !membership.Tombstoned() {
			active = append(active, membership)
		}
	}
	return active, nil
}

func (tx *inMemoryTx) TombstoneMembership(ctx context.Context, membershipID string) error {
	now := tx.store.now()
	for i := range tx.store.memberships {
		if tx.store.memberships[i].ID == membershipID {
			tx.store.memberships[i].DeletedAt = &now
			return nil
		}
	}
	return domain.ErrOrganizationNotFound
}

func (tx *inMemoryTx) CreateMembership(ctx context.Context, userID, organizationID string) error {
	var code string
	for _, org := range tx.store.organizations {
		if org.ID == organizationID {
			code = org.Code
		}
	}
	tx.store.memberships = append(tx.store.memberships, domain.OrganizationMembership{
		ID:             uuid.NewString(),
		UserID:         userID,
		OrganizationID: organizationID,
		Code:           code,
		CreatedAt:      tx.store.now(),
	})
	return nil
}

// UserByUsername returns the active user, or nil. Inspection helper for
// tests and demo tooling.
func (s *InMemory) UserByUsername(username string) *domain.LocalUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.users {
		if s.users[i].Username == username {
			user := s.users[i]
			return &user
		}
	}
	return nil
}

// ArchivedIdentities returns the archived identity snapshots of a user in
// archive order.
func (s *InMemory) ArchivedIdentities(userID string) []domain.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	var archived []domain.Identity
	for _, identity := range s.identityLog {
		if identity.UserID == userID {
			archived = append(archived, identity)
		}
	}
	return archived
}

// RoleGrants returns every grant of an identity, active and revoked.
func (s *InMemory) RoleGrants(identityID string) []domain.RoleGrant {
	s.mu.Lock()
	defer s.mu.Unlock()
	var grants []domain.RoleGrant
	for _, grant := range s.grants {
		if grant.IdentityID == identityID {
			grants = append(grants, grant)
		}
	}
	return grants
}

// OrganizationByCode returns the non-deleted organization with the code, or
// nil.
func (s *InMemory) OrganizationByCode(code string) *domain.Organization {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.organizations {
		if s.organizations[i].Code == code && s.organizations[i].DeletedAt == nil {
			org := s.organizations[i]
			return &org
		}
	}
	return nil
}

// OrganizationCount returns the number of non-deleted organizations.
func (s *InMemory) OrganizationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, org := range s.organizations {
		if org.DeletedAt == nil {
			count++
		}
	}
	return count
}

// Memberships returns every membership of a user, tombstoned included.
func (s *InMemory) Memberships(userID string) []domain.OrganizationMembership {
	s.mu.Lock()
	defer s.mu.Unlock()
	var memberships []domain.OrganizationMembership
	for _, membership := range s.memberships {
		if membership.UserID == userID {
			memberships = append(memberships, membership)
		}
	}
	return memberships
}

// LocationGrant returns the location code seeded for a user at creation.
func (s *InMemory) LocationGrant(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locationGrants[userID]
}

// newCredentialToken returns a long random opaque value. It is stored where
// a password hash would go, so no password can ever match it.
func newCredentialToken() string {
	buf := make([]byte, 128)
	if _, err := rand.Read(buf); err != nil {
		panic(err) // crypto/rand never fails on supported platforms
	}
	return hex.EncodeToString(buf)
}
