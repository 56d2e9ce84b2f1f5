package service

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/openimis/msystems/internal/adapters/driven/store"
	"github.com/openimis/msystems/internal/core/domain"
	"github.com/openimis/msystems/internal/core/ports"
)

const (
	testFallbackRole = "Employer"
	testHomeLocation = "MD01"
)

func newTestReconciler(t *testing.T, s ports.IdentityStore) *Reconciler {
	t.Helper()
	return NewReconciler(s, testFallbackRole, testHomeLocation, nil, zaptest.NewLogger(t))
}

func assertion(roles []string, orgs ...string) domain.IdentityAssertion {
	a := domain.IdentityAssertion{
		Username:  "u1",
		FirstName: "Jane",
		LastName:  "Doe",
		Roles:     roles,
	}
	for _, raw := range orgs {
		affiliation, err := domain.ParseAffiliation(raw)
		if err != nil {
			panic(err)
		}
		a.Organizations = append(a.Organizations, affiliation)
	}
	return a
}

func activeGrantNames(s *store.InMemory, identityID string) map[string]bool {
	names := make(map[string]bool)
	for _, grant := range s.RoleGrants(identityID) {
		if grant.Active() {
			names[grant.RoleName] = true
		}
	}
	return names
}

func activeMembershipCodes(s *store.InMemory, userID string) map[string]bool {
	codes := make(map[string]bool)
	for _, membership := range s.Memberships(userID) {
		if !membership.Tombstoned() {
			codes[membership.Code] = true
		}
	}
	return codes
}

func TestLogin_CreatesUserOnFirstAssertion(t *testing.T) {
	s := store.NewInMemory("Employer", "Inspector")
	r := newTestReconciler(t, s)

	user, err := r.Login(context.Background(), assertion(nil, "Acme Corp 1234567890123"))
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if user.Username != "u1" || user.Identity.FirstName != "Jane" || user.Identity.LastName != "Doe" {
		t.Errorf("unexpected user: %+v", user)
	}
	if user.Identity.CredentialToken == "" {
		t.Error("expected an unusable credential token")
	}
	if got := s.LocationGrant(user.ID); got != testHomeLocation {
		t.Errorf("location grant = %q, want %q", got, testHomeLocation)
	}

	org := s.OrganizationByCode("1234567890123")
	if org == nil {
		t.Fatal("organization not created")
	}
	if org.Name != "Acme Corp" {
		t.Errorf("organization name = %q, want %q", org.Name, "Acme Corp")
	}
	if org.LocationCode != testHomeLocation {
		t.Errorf("organization location = %q, want %q", org.LocationCode, testHomeLocation)
	}

	memberships := activeMembershipCodes(s, user.ID)
	if len(memberships) != 1 || !memberships["1234567890123"] {
		t.Errorf("unexpected memberships: %v", memberships)
	}

	// No role claim: the fallback role applies.
	grants := activeGrantNames(s, user.Identity.ID)
	if len(grants) != 1 || !grants["Employer"] {
		t.Errorf("unexpected grants: %v", grants)
	}
}

func TestLogin_UserCarriesConvergedRoles(t *testing.T) {
	s := store.NewInMemory("Employer", "Inspector")
	r := newTestReconciler(t, s)

	// No role claim: the fallback grant shows up on the returned user, so
	// sessions minted from it carry what was actually granted.
	user, err := r.Login(context.Background(), assertion(nil))
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if len(user.Roles) != 1 || user.Roles[0] != "Employer" {
		t.Errorf("Roles = %v, want [Employer]", user.Roles)
	}

	// Unknown asserted roles are dropped from the converged set too.
	user, err = r.Login(context.Background(), assertion([]string{"Inspector", "Astronaut"}))
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if len(user.Roles) != 1 || user.Roles[0] != "Inspector" {
		t.Errorf("Roles = %v, want [Inspector]", user.Roles)
	}
}

func TestLogin_Idempotent(t *testing.T) {
	s := store.NewInMemory("Employer", "Inspector")
	r := newTestReconciler(t, s)
	a := assertion([]string{"Inspector"}, "Acme Corp 1234567890123")

	first, err := r.Login(context.Background(), a)
	if err != nil {
		t.Fatalf("first Login: %v", err)
	}
	second, err := r.Login(context.Background(), a)
	if err != nil {
		t.Fatalf("second Login: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("user IDs differ: %q vs %q", first.ID, second.ID)
	}

	if got := len(s.RoleGrants(first.Identity.ID)); got != 1 {
		t.Errorf("grant rows = %d, want 1", got)
	}
	if got := len(s.Memberships(first.ID)); got != 1 {
		t.Errorf("membership rows = %d, want 1", got)
	}
	if got := len(s.ArchivedIdentities(first.ID)); got != 0 {
		t.Errorf("archived identities = %d, want 0", got)
	}
}

func TestLogin_NameChangeArchivesIdentity(t *testing.T) {
	s := store.NewInMemory("Employer")
	r := newTestReconciler(t, s)

	user, err := r.Login(context.Background(), assertion(nil))
	if err != nil {
		t.Fatalf("first Login: %v", err)
	}

	changed := assertion(nil)
	changed.LastName = "Doe-Updated"
	if _, err := r.Login(context.Background(), changed); err != nil {
		t.Fatalf("second Login: %v", err)
	}

	archived := s.ArchivedIdentities(user.ID)
	if len(archived) != 1 {
		t.Fatalf("archived identities = %d, want 1", len(archived))
	}
	if archived[0].LastName != "Doe" || archived[0].ValidTo == nil {
		t.Errorf("unexpected archived snapshot: %+v", archived[0])
	}

	current := s.UserByUsername("u1")
	if current.Identity.LastName != "Doe-Updated" {
		t.Errorf("current last name = %q, want %q", current.Identity.LastName, "Doe-Updated")
	}
	if current.Identity.ValidTo != nil {
		t.Error("active identity must stay open-ended")
	}
}

func TestLogin_RoleConvergence(t *testing.T) {
	s := store.NewInMemory("Employer", "Inspector")
	r := newTestReconciler(t, s)

	user, err := r.Login(context.Background(), assertion([]string{"Employer"}))
	if err != nil {
		t.Fatalf("first Login: %v", err)
	}
	if _, err := r.Login(context.Background(), assertion([]string{"Inspector"})); err != nil {
		t.Fatalf("second Login: %v", err)
	}

	grants := s.RoleGrants(user.Identity.ID)
	if len(grants) != 2 {
		t.Fatalf("grant rows = %d, want 2 (revoked row preserved)", len(grants))
	}

	active := activeGrantNames(s, user.Identity.ID)
	if len(active) != 1 || !active["Inspector"] {
		t.Errorf("active grants = %v, want exactly Inspector", active)
	}
	for _, grant := range grants {
		if grant.RoleName == "Employer" && grant.ValidTo == nil {
			t.Error("Employer grant not revoked")
		}
	}
}

func TestLogin_UnknownRoleSkipped(t *testing.T) {
	s := store.NewInMemory("Employer")
	r := newTestReconciler(t, s)

	user, err := r.Login(context.Background(), assertion([]string{"Employer", "Auditor"}))
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	active := activeGrantNames(s, user.Identity.ID)
	if len(active) != 1 || !active["Employer"] {
		t.Errorf("active grants = %v, want exactly Employer", active)
	}
}

func TestLogin_MembershipSetConvergence(t *testing.T) {
	s := store.NewInMemory("Employer")
	r := newTestReconciler(t, s)

	orgA := "Org A 1234567890122"
	orgB := "Org B 1111111111110"
	orgC := "Org C 1222222222225"

	user, err := r.Login(context.Background(), assertion(nil, orgA, orgB))
	if err != nil {
		t.Fatalf("first Login: %v", err)
	}
	if _, err := r.Login(context.Background(), assertion(nil, orgB, orgC)); err != nil {
		t.Fatalf("second Login: %v", err)
	}

	active := activeMembershipCodes(s, user.ID)
	want := map[string]bool{"1111111111110": true, "1222222222225": true}
	if len(active) != len(want) {
		t.Fatalf("active memberships = %v, want %v", active, want)
	}
	for code := range want {
		if !active[code] {
			t.Errorf("missing active membership %q", code)
		}
	}

	// A is tombstoned, not deleted; B is untouched (single row).
	all := s.Memberships(user.ID)
	if len(all) != 3 {
		t.Errorf("membership rows = %d, want 3", len(all))
	}
	for _, membership := range all {
		if membership.Code == "1234567890122" && !membership.Tombstoned() {
			t.Error("membership A not tombstoned")
		}
	}
}

func TestLogin_OrganizationRenamedInPlace(t *testing.T) {
	s := store.NewInMemory("Employer")
	r := newTestReconciler(t, s)

	if _, err := r.Login(context.Background(), assertion(nil, "Acme Corp 1234567890123")); err != nil {
		t.Fatalf("first Login: %v", err)
	}
	if _, err := r.Login(context.Background(), assertion(nil, "Acme Corp Renamed 1234567890123")); err != nil {
		t.Fatalf("second Login: %v", err)
	}

	if got := s.OrganizationCount(); got != 1 {
		t.Fatalf("organization rows = %d, want 1", got)
	}
	org := s.OrganizationByCode("1234567890123")
	if org.Name != "Acme Corp Renamed" {
		t.Errorf("organization name = %q, want %q", org.Name, "Acme Corp Renamed")
	}
}

func TestLogin_OrderInsensitive(t *testing.T) {
	s := store.NewInMemory("Employer")
	r := newTestReconciler(t, s)

	orgA := "Org A 1234567890122"
	orgB := "Org B 1111111111110"

	user, err := r.Login(context.Background(), assertion(nil, orgA, orgB))
	if err != nil {
		t.Fatalf("first Login: %v", err)
	}
	if _, err := r.Login(context.Background(), assertion(nil, orgB, orgA)); err != nil {
		t.Fatalf("second Login: %v", err)
	}

	if got := len(s.Memberships(user.ID)); got != 2 {
		t.Errorf("membership rows = %d, want 2 (reordering is a no-op)", got)
	}
}

type failingMembershipStore struct {
	inner *store.InMemory
}

func (s *failingMembershipStore) InTx(ctx context.Context, fn func(tx ports.IdentityTx) error) error {
	return s.inner.InTx(ctx, func(tx ports.IdentityTx) error {
		return fn(&failingMembershipTx{tx})
	})
}

type failingMembershipTx struct {
	ports.IdentityTx
}

func (tx *failingMembershipTx) CreateMembership(ctx context.Context, userID, organizationID string) error {
	return errors.New("membership write failed")
}

func TestLogin_RollsBackOnFailure(t *testing.T) {
	inner := store.NewInMemory("Employer")
	r := newTestReconciler(t, &failingMembershipStore{inner: inner})

	_, err := r.Login(context.Background(), assertion(nil, "Acme Corp 1234567890123"))
	if err == nil {
		t.Fatal("expected error")
	}
	var appErr *domain.AppError
	if !errors.As(err, &appErr) || appErr.Code != domain.ErrCodeReconciliationFailed {
		t.Fatalf("expected reconciliation_failed, got %v", err)
	}

	// Failure after user creation must leave no partial state behind.
	if inner.UserByUsername("u1") != nil {
		t.Error("user persisted despite rollback")
	}
	if inner.OrganizationByCode("1234567890123") != nil {
		t.Error("organization persisted despite rollback")
	}
}

func TestLogin_CanceledContext(t *testing.T) {
	s := store.NewInMemory("Employer")
	r := newTestReconciler(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := r.Login(ctx, assertion(nil)); err == nil {
		t.Fatal("expected error")
	}
	if s.UserByUsername("u1") != nil {
		t.Error("user persisted despite canceled context")
	}
}
