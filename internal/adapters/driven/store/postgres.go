package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openimis/msystems/internal/core/domain"
	"github.com/openimis/msystems/internal/core/ports"
)

// Postgres implements the identity and order stores on PostgreSQL via
// database/sql (pgx stdlib driver).
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a Postgres store over an open database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

var _ ports.IdentityStore = (*Postgres)(nil)
var _ ports.OrderStore = (*Postgres)(nil)

// InTx runs fn in a serializable transaction. The user row is locked by
// FindUserByUsername, so concurrent logins for the same username serialize on
// the row lock and the read-compute-write cycle cannot lose updates.
func (s *Postgres) InTx(ctx context.Context, fn func(tx ports.IdentityTx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

var _ ports.IdentityTx = (*pgTx)(nil)

func (t *pgTx) FindUserByUsername(ctx context.Context, username string) (*domain.LocalUser, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT u.id, u.username, u.created_at,
		       i.id, i.first_name, i.last_name, i.credential_token, i.valid_from
		FROM users u
		JOIN identities i ON i.user_id = u.id AND i.valid_to IS NULL
		WHERE u.username = $1
		FOR UPDATE OF u, i`, username)

	var user domain.LocalUser
	err := row.Scan(&user.ID, &user.Username, &user.CreatedAt,
		&user.Identity.ID, &user.Identity.FirstName, &user.Identity.LastName,
		&user.Identity.CredentialToken, &user.Identity.ValidFrom)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	user.Identity.UserID = user.ID
	return &user, nil
}

func (t *pgTx) CreateUser(ctx context.Context, username, firstName, lastName, locationCode string) (*domain.LocalUser, error) {
	now := time.Now().UTC()
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

	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO users (id, username, created_at) VALUES ($1, $2, $3)`,
		user.ID, user.Username, user.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO identities (id, user_id, first_name, last_name, credential_token, valid_from)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		user.Identity.ID, user.ID, firstName, lastName, user.Identity.CredentialToken, now); err != nil {
		return nil, fmt.Errorf("insert identity: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO location_grants (id, user_id, location_code) VALUES ($1, $2, $3)`,
		uuid.NewString(), user.ID, locationCode); err != nil {
		return nil, fmt.Errorf("insert location grant: %w", err)
	}
	return &user, nil
}

func (t *pgTx) ArchiveIdentity(ctx context.Context, identityID string) error {
	// Snapshot the current row as history before the names are overwritten.
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO identities (id, user_id, first_name, last_name, credential_token, valid_from, valid_to)
		SELECT $1, user_id, first_name, last_name, credential_token, valid_from, now()
		FROM identities WHERE id = $2`,
		uuid.NewString(), identityID)
	if err != nil {
		return fmt.Errorf("archive identity: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateIdentityNames(ctx context.Context, identityID, firstName, lastName string) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE identities SET first_name = $2, last_name = $3, valid_from = now() WHERE id = $1`,
		identityID, firstName, lastName)
	if err != nil {
		return fmt.Errorf("update identity names: %w", err)
	}
	return nil
}

func (t *pgTx) FindRoleByName(ctx context.Context, name string) (*domain.Role, error) {
	var role domain.Role
	err := t.tx.QueryRowContext(ctx,
		`SELECT id, name FROM roles WHERE name = $1`, name).Scan(&role.ID, &role.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRoleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find role: %w", err)
	}
	return &role, nil
}

func (t *pgTx) ActiveRoleGrants(ctx context.Context, identityID string) ([]domain.RoleGrant, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT g.id, g.identity_id, g.role_id, r.name, g.valid_from
		FROM role_grants g
		JOIN roles r ON r.id = g.role_id
		WHERE g.identity_id = $1 AND g.valid_to IS NULL`, identityID)
	if err != nil {
		return nil, fmt.Errorf("load role grants: %w", err)
	}
	defer rows.Close()

	var grants []domain.RoleGrant
	for rows.Next() {
		var grant domain.RoleGrant
		if err := rows.Scan(&grant.ID, &grant.IdentityID, &grant.RoleID, &grant.RoleName, &grant.ValidFrom); err != nil {
			return nil, fmt.Errorf("scan role grant: %w", err)
		}
		grants = append(grants, grant)
	}
	return grants, rows.Err()
}

func (t *pgTx) RevokeRoleGrant(ctx context.Context, grantID string) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE role_grants SET valid_to = now() WHERE id = $1 AND valid_to IS NULL`, grantID)
	if err != nil {
		return fmt.Errorf("revoke role grant: %w", err)
	}
	return nil
}

func (t *pgTx) CreateRoleGrant(ctx context.Context, identityID, roleID string) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO role_grants (id, identity_id, role_id) VALUES ($1, $2, $3)`,
		uuid.NewString(), identityID, roleID)
	if err != nil {
		return fmt.Errorf("create role grant: %w", err)
	}
	return nil
}

func (t *pgTx) FindOrganizationByCode(ctx context.Context, code string) (*domain.Organization, error) {
	var org domain.Organization
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, code, name, location_code, valid_from
		FROM organizations WHERE code = $1 AND deleted_at IS NULL`, code).
		Scan(&org.ID, &org.Code, &org.Name, &org.LocationCode, &org.ValidFrom)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOrganizationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find organization: %w", err)
	}
	return &org, nil
}

func (t *pgTx) CreateOrganization(ctx context.Context, code, name, locationCode string) (*domain.Organization, error) {
	org := domain.Organization{
		ID:           uuid.NewString(),
		Code:         code,
		Name:         name,
		LocationCode: locationCode,
		ValidFrom:    time.Now().UTC(),
	}
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO organizations (id, code, name, location_code, valid_from)
		VALUES ($1, $2, $3, $4, $5)`,
		org.ID, org.Code, org.Name, org.LocationCode, org.ValidFrom); err != nil {
		return nil, fmt.Errorf("create organization: %w", err)
	}
	return &org, nil
}

func (t *pgTx) RenameOrganization(ctx context.Context, organizationID, name string) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE organizations SET name = $2 WHERE id = $1`, organizationID, name)
	if err != nil {
		return fmt.Errorf("rename organization: %w", err)
	}
	return nil
}

func (t *pgTx) ActiveMemberships(ctx context.Context, userID string) ([]domain.OrganizationMembership, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT m.id, m.user_id, m.organization_id, o.code, m.created_at
		FROM memberships m
		JOIN organizations o ON o.id = m.organization_id
		WHERE m.user_id = $1 AND m.deleted_at IS NULL`, userID)
	if err != nil {
		return nil, fmt.Errorf("load memberships: %w", err)
	}
	defer rows.Close()

	var memberships []domain.OrganizationMembership
	for rows.Next() {
		var membership domain.OrganizationMembership
		if err := rows.Scan(&membership.ID, &membership.UserID, &membership.OrganizationID,
			&membership.Code, &membership.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		memberships = append(memberships, membership)
	}
	return memberships, rows.Err()
}

func (t *pgTx) TombstoneMembership(ctx context.Context, membershipID string) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE memberships SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`, membershipID)
	if err != nil {
		return fmt.Errorf("tombstone membership: %w", err)
	}
	return nil
}

func (t *pgTx) CreateMembership(ctx context.Context, userID, organizationID string) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO memberships (id, user_id, organization_id) VALUES ($1, $2, $3)`,
		uuid.NewString(), userID, organizationID)
	if err != nil {
		return fmt.Errorf("create membership: %w", err)
	}
	return nil
}

// FindOrderByCode returns the order with the given key, lines included.
// Order keys are matched case-insensitively, as the gateway sends them.
func (s *Postgres) FindOrderByCode(ctx context.Context, code string) (*domain.Order, error) {
	var order domain.Order
	err := s.db.QueryRowContext(ctx, `
		SELECT id, code, customer_code, customer_name, currency, status, total_amount::text
		FROM orders WHERE lower(code) = lower($1)`, code).
		Scan(&order.ID, &order.Code, &order.CustomerCode, &order.CustomerName,
			&order.Currency, &order.Status, &order.TotalAmount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find order: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code, amount::text, reason FROM order_lines WHERE order_id = $1 ORDER BY code`,
		order.ID)
	if err != nil {
		return nil, fmt.Errorf("load order lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var line domain.OrderLine
		if err := rows.Scan(&line.ID, &line.Code, &line.Amount, &line.Reason); err != nil {
			return nil, fmt.Errorf("scan order line: %w", err)
		}
		order.Lines = append(order.Lines, line)
	}
	return &order, rows.Err()
}

// ConfirmPayment marks the order paid and records the gateway payment in one
// transaction. The (order, payment_id) uniqueness makes re-confirmation a
// no-op.
func (s *Postgres) ConfirmPayment(ctx context.Context, orderID string, payment domain.Payment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE orders SET status = $2 WHERE id = $1`,
		orderID, domain.BillStatusPaid); err != nil {
		return fmt.Errorf("mark order paid: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO payments (id, order_id, payment_id, invoice_id, amount, paid_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6)
		ON CONFLICT (order_id, payment_id) DO NOTHING`,
		uuid.NewString(), orderID, payment.PaymentID, payment.InvoiceID,
		payment.Amount, payment.PaidAt); err != nil {
		return fmt.Errorf("record payment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
